package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"packet-policy-engine/internal/firewall"
)

// LoadFunc builds a fresh policy from the rule source.
type LoadFunc func(ctx context.Context) (*firewall.Firewall, error)

// Reloader owns the current policy for a rule file and replaces it when the
// file changes. A failed reload keeps the previous policy.
type Reloader struct {
	path    string
	load    LoadFunc
	current atomic.Pointer[firewall.Firewall]

	// Delay is how long the file must stay quiet before a reload.
	Delay time.Duration
}

func New(path string, load LoadFunc) *Reloader {
	return &Reloader{path: path, load: load, Delay: time.Second}
}

// Current returns the last successfully loaded policy, or nil.
func (r *Reloader) Current() *firewall.Firewall {
	return r.current.Load()
}

func (r *Reloader) Load(ctx context.Context) (*firewall.Firewall, error) {
	fw, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	r.current.Store(fw)
	return fw, nil
}

// Watch reloads the policy after writes to the rule file and passes each new
// policy to onReload. It returns when ctx is done.
func (r *Reloader) Watch(ctx context.Context, onReload func(*firewall.Firewall)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so that editors replacing the file are noticed.
	abs, err := filepath.Abs(r.path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var delay <-chan time.Time
	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) == abs && e.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				delay = time.After(r.Delay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Rule file watcher error", "path", r.path, "error", err)
		case <-delay:
			delay = nil
			fw, err := r.Load(ctx)
			if err != nil {
				slog.Error("Failed to reload rules, keeping previous policy", "path", r.path, "error", err)
				continue
			}
			slog.Info("Rules reloaded", "path", r.path, "rules", fw.Rules())
			if onReload != nil {
				onReload(fw)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
