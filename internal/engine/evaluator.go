package engine

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"

	"golang.org/x/sync/errgroup"

	"packet-policy-engine/internal/firewall"
	"packet-policy-engine/internal/model"
	"packet-policy-engine/internal/utils"
)

type Mode string

const (
	// ModeSample tests only the first address of each packet prefix.
	ModeSample Mode = "sample"
	// ModeExpand tests every address of prefixes with at most MaxHosts addresses.
	ModeExpand Mode = "expand"
)

type Options struct {
	Mode     Mode
	MaxHosts uint64
	Workers  int
}

// Evaluator runs packet specs against one policy.
type Evaluator struct {
	fw   *firewall.Firewall
	opts Options
}

func NewEvaluator(fw *firewall.Firewall, opts Options) *Evaluator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Mode == "" {
		opts.Mode = ModeSample
	}
	return &Evaluator{fw: fw, opts: opts}
}

func (e *Evaluator) Evaluate(task model.Task) (model.Result, error) {
	v, err := e.fw.Match(task.Direction, task.Protocol, task.Port, task.Address)
	if err != nil {
		return model.Result{}, fmt.Errorf("line %d: %w", task.Line, err)
	}

	result := model.Result{
		Segment:   task.Segment,
		Direction: string(task.Direction),
		Protocol:  string(task.Protocol),
		Port:      int(task.Port),
		Address:   task.Address.String(),
		Decision:  "DENY",
		Reason:    string(v.Reason),
	}
	if v.Reason != firewall.ReasonNoPortRange {
		result.PortRange = v.Ports.String()
	}
	if v.Allowed {
		result.Decision = "ALLOW"
		result.AddrRange = formatRange(v.Addrs.From(), v.Addrs.To())
	}
	return result, nil
}

// Run evaluates every task derived from specs on a bounded pool of workers and
// sends results to out in no particular order. The first query error cancels
// the run. out is not closed.
func (e *Evaluator) Run(ctx context.Context, specs []model.PacketSpec, out chan<- model.Result) error {
	g, ctx := errgroup.WithContext(ctx)
	tasks := make(chan model.Task, e.opts.Workers*100)

	g.Go(func() error {
		defer close(tasks)
		return e.produce(ctx, specs, tasks)
	})

	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			for task := range tasks {
				result, err := e.Evaluate(task)
				if err != nil {
					return err
				}
				select {
				case out <- result:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Evaluator) produce(ctx context.Context, specs []model.PacketSpec, tasks chan<- model.Task) error {
	for _, spec := range specs {
		var err error
		utils.Hosts(spec.Prefix, func(a netip.Addr) bool {
			task := model.Task{
				Packet: model.Packet{
					Direction: spec.Direction,
					Protocol:  spec.Protocol,
					Port:      spec.Port,
					Address:   a,
				},
				Segment: spec.Segment,
				Line:    spec.Line,
			}
			select {
			case tasks <- task:
			case <-ctx.Done():
				err = ctx.Err()
				return false
			}
			return e.expand(spec.Prefix)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) expand(p netip.Prefix) bool {
	if e.opts.Mode != ModeExpand {
		return false
	}
	size := utils.PrefixSize(p)
	return size > 1 && size <= e.opts.MaxHosts
}

// EstimateTasks returns how many tasks Run will evaluate for specs.
func (e *Evaluator) EstimateTasks(specs []model.PacketSpec) uint64 {
	var total uint64
	for _, spec := range specs {
		if e.expand(spec.Prefix) {
			total += utils.PrefixSize(spec.Prefix)
		} else {
			total++
		}
	}
	return total
}

func formatRange(from, to netip.Addr) string {
	if from == to {
		return from.String()
	}
	return from.String() + "-" + to.String()
}
