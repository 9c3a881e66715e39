package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/shower"
)

// Sink receives every successfully processed event. Implementations must be
// safe for concurrent use.
type Sink interface {
	WriteEvent(ctx context.Context, ev *shower.ArrayEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *shower.ArrayEvent) error

func (f SinkFunc) WriteEvent(ctx context.Context, ev *shower.ArrayEvent) error { return f(ctx, ev) }

// RunStats counts the outcome of a run.
type RunStats struct {
	Processed int64
	Failed    int64
}

// Runner fans events out to a bounded number of workers.
type Runner struct {
	Processor *ShowerProcessor
	// Workers bounds the number of events in flight; values below 1 mean 1.
	Workers int
}

// Run processes events until the channel closes or ctx is cancelled. A
// failing event is logged and counted and never stops the others. The
// returned error is ctx.Err() when the run was cut short.
func (r *Runner) Run(ctx context.Context, events <-chan *shower.ArrayEvent, sink Sink) (RunStats, error) {
	var processed, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(max(r.Workers, 1))

intake:
	for {
		select {
		case <-ctx.Done():
			break intake
		case ev, ok := <-events:
			if !ok {
				break intake
			}
			g.Go(func() error {
				if err := r.Processor.Process(ctx, ev); err != nil {
					monitoring.Logf("skipping event: %v", err)
					failed.Add(1)
					return nil
				}
				if sink != nil {
					if err := sink.WriteEvent(ctx, ev); err != nil {
						monitoring.Logf("event %d: store results: %v", ev.EventID, err)
						failed.Add(1)
						return nil
					}
				}
				processed.Add(1)
				return nil
			})
		}
	}
	_ = g.Wait()

	stats := RunStats{Processed: processed.Load(), Failed: failed.Load()}
	return stats, ctx.Err()
}
