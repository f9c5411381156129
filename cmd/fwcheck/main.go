package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"packet-policy-engine/internal/config"
	"packet-policy-engine/internal/engine"
	"packet-policy-engine/internal/firewall"
	"packet-policy-engine/internal/model"
	"packet-policy-engine/internal/parser"
	"packet-policy-engine/internal/reload"
)

var (
	configFile   string
	rulesFile    string
	ruleProvider string
	rulesDB      string
	rulesTable   string
	packetsFile  string
	outFile      string
	allowedFile  string
	workers      int
	matchMode    string
	maxHosts     uint64
	logLevel     string
	logFile      string
	watch        bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fwcheck",
		Short: "Evaluate packets against an allow-list firewall policy",
		Long: `fwcheck builds a firewall policy from an ordered list of allow rules
(direction, protocol, port or port range, address or address range) and reports
whether each packet in a packets file would be accepted.`,
		SilenceUsage: true,
		RunE:         run,
	}

	defaults := config.Default()
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "YAML config file; flags override its values")
	flags.StringVar(&rulesFile, "rules", "", "Rules CSV file (for 'csv' provider)")
	flags.StringVar(&ruleProvider, "provider", defaults.Provider, "Rule provider type: 'csv' or 'mariadb'")
	flags.StringVar(&rulesDB, "db", "", "Database connection string (for 'mariadb' provider)")
	flags.StringVar(&rulesTable, "table", defaults.Table, "Rule table name (for 'mariadb' provider)")
	flags.StringVar(&packetsFile, "packets", "", "Packets CSV file: direction,protocol,port,address")
	flags.StringVar(&outFile, "out", defaults.Out, "Output CSV file for all results")
	flags.StringVar(&allowedFile, "allowed", defaults.Allowed, "Output CSV file for accepted packets")
	flags.IntVarP(&workers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	flags.StringVar(&matchMode, "mode", defaults.Mode, "Matching mode: 'sample' (test first IP) or 'expand' (test all IPs in small CIDRs)")
	flags.Uint64Var(&maxHosts, "max-hosts", defaults.MaxHosts, "Maximum number of hosts in a CIDR to expand in 'expand' mode")
	flags.StringVar(&logLevel, "log-level", defaults.Log.Level, "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")
	flags.BoolVar(&watch, "watch", false, "Re-evaluate whenever the rules file changes")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.File)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting fwcheck", "provider", cfg.Provider, "mode", cfg.Mode, "workers", cfg.Workers)

	reloader := reload.New(cfg.Rules, func(ctx context.Context) (*firewall.Firewall, error) {
		return loadFirewall(ctx, cfg)
	})
	fw, err := reloader.Load(ctx)
	if err != nil {
		slog.Error("Failed to load policy", "error", err)
		return err
	}
	logPolicy(fw)

	packets, err := loadPackets(cfg.Packets)
	if err != nil {
		slog.Error("Failed to parse packets", "path", cfg.Packets, "error", err)
		return err
	}

	if err := evaluate(ctx, fw, packets, cfg); err != nil {
		slog.Error("Evaluation failed", "error", err)
		return err
	}

	if !cfg.Watch {
		return nil
	}

	slog.Info("Watching rules file for changes", "path", cfg.Rules)
	return reloader.Watch(ctx, func(fw *firewall.Firewall) {
		logPolicy(fw)
		if err := evaluate(ctx, fw, packets, cfg); err != nil {
			slog.Error("Evaluation failed", "error", err)
		}
	})
}

// resolveConfig layers defaults, the optional config file and explicitly set flags.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if configFile == "" || flags.Changed(name) {
			apply()
		}
	}
	set("rules", func() { cfg.Rules = rulesFile })
	set("provider", func() { cfg.Provider = ruleProvider })
	set("db", func() { cfg.DB = rulesDB })
	set("table", func() { cfg.Table = rulesTable })
	set("packets", func() { cfg.Packets = packetsFile })
	set("out", func() { cfg.Out = outFile })
	set("allowed", func() { cfg.Allowed = allowedFile })
	set("workers", func() { cfg.Workers = workers })
	set("mode", func() { cfg.Mode = matchMode })
	set("max-hosts", func() { cfg.MaxHosts = maxHosts })
	set("log-level", func() { cfg.Log.Level = logLevel })
	set("log-file", func() { cfg.Log.File = logFile })
	set("watch", func() { cfg.Watch = watch })
	return cfg, nil
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logWriter = f
		}
		// The logger isn't set up yet, so a bad path silently falls back to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}

func loadFirewall(ctx context.Context, cfg config.Config) (*firewall.Firewall, error) {
	records, err := loadRules(ctx, cfg)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	fw, err := firewall.New(records)
	if err != nil {
		return nil, err
	}
	slog.Debug("Policy built", "rules", len(records), "duration", time.Since(start))
	return fw, nil
}

func loadRules(ctx context.Context, cfg config.Config) ([]model.RuleRecord, error) {
	switch strings.ToLower(cfg.Provider) {
	case "csv":
		file, err := os.Open(cfg.Rules)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return parser.ParseRules(file, cfg.Rules)
	case "mariadb":
		src, err := parser.NewMariaDBSource(cfg.DB, cfg.Table)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return src.Load(ctx)
	default:
		return nil, fmt.Errorf("unknown rule provider: %s", cfg.Provider)
	}
}

func loadPackets(path string) ([]model.PacketSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	file, err := parser.ParsePackets(f)
	if err != nil {
		return nil, err
	}
	if len(file.Skipped) > 0 {
		slog.Warn("Skipped unparsable packet rows", "path", path, "lines", file.Skipped)
	}
	slog.Info("Packets parsed", "path", path, "count", len(file.Packets))
	return file.Packets, nil
}

func logPolicy(fw *firewall.Firewall) {
	slog.Info("Policy loaded", "rules", fw.Rules())
	for _, s := range fw.Stats() {
		slog.Debug("Bucket", "direction", s.Direction, "protocol", s.Protocol, "segments", s.Segments, "address_ranges", s.AddrRanges)
	}
}

func evaluate(ctx context.Context, fw *firewall.Firewall, packets []model.PacketSpec, cfg config.Config) error {
	startTime := time.Now()
	evaluator := engine.NewEvaluator(fw, engine.Options{
		Mode:     engine.Mode(cfg.Mode),
		MaxHosts: cfg.MaxHosts,
		Workers:  cfg.Workers,
	})

	totalTasks := evaluator.EstimateTasks(packets)
	slog.Info("Task count estimated", "total_tasks", totalTasks)

	var completedTasks uint64
	progressDone := make(chan struct{})
	go reportProgress(totalTasks, &completedTasks, progressDone)
	defer close(progressDone)

	results := make(chan model.Result, cfg.Workers*100)
	var writerWg sync.WaitGroup
	var writeErr error
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		writeErr = resultWriter(results, cfg.Out, cfg.Allowed, &completedTasks)
	}()

	err := evaluator.Run(ctx, packets, results)
	close(results)
	writerWg.Wait()
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}

	slog.Info("Evaluation complete", "tasks", atomic.LoadUint64(&completedTasks), "duration", time.Since(startTime))
	return nil
}

func reportProgress(totalTasks uint64, completedTasks *uint64, done <-chan struct{}) {
	if totalTasks == 0 {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastLogged uint64
	for {
		select {
		case <-ticker.C:
			completed := atomic.LoadUint64(completedTasks)
			if completed == lastLogged {
				continue
			}
			percent := float64(completed) / float64(totalTasks) * 100
			slog.Info("Progress", "total_tasks", totalTasks, "completed_tasks", completed, "percent", fmt.Sprintf("%.2f", percent))
			lastLogged = completed
		case <-done:
			return
		}
	}
}

func resultWriter(results <-chan model.Result, outPath, allowedPath string, completedTasks *uint64) error {
	// Keep draining so that workers never block on a failed writer.
	defer func() {
		for range results {
		}
	}()

	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", outPath, err)
	}
	defer outFile.Close()

	allowedFile, err := os.Create(allowedPath)
	if err != nil {
		return fmt.Errorf("failed to create allowed file %s: %w", allowedPath, err)
	}
	defer allowedFile.Close()

	outWriter := csv.NewWriter(outFile)
	allowedWriter := csv.NewWriter(allowedFile)

	header := []string{"segment", "direction", "protocol", "port", "address", "decision", "port_range", "address_range", "reason"}
	outWriter.Write(header)
	allowedWriter.Write(header)

	var written uint64
	for result := range results {
		record := []string{
			result.Segment,
			result.Direction,
			result.Protocol,
			strconv.Itoa(result.Port),
			result.Address,
			result.Decision,
			result.PortRange,
			result.AddrRange,
			result.Reason,
		}
		outWriter.Write(record)
		if result.Decision == "ALLOW" {
			allowedWriter.Write(record)
		}
		written++
		if written%1024 == 0 {
			atomic.StoreUint64(completedTasks, written)
		}
	}
	atomic.StoreUint64(completedTasks, written)

	outWriter.Flush()
	allowedWriter.Flush()
	if err := outWriter.Error(); err != nil {
		return err
	}
	return allowedWriter.Error()
}
