// Package background provides background processing for graphlog.
package background

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"graphlog/logging"
)

// Repairer is the part of the engine the reconciler drives.
type Repairer interface {
	Graphs(ctx context.Context) ([]string, error)
	Repair(ctx context.Context, graphID string) (int, error)
}

// Reconciler periodically clears the hanging flag of edges whose endpoints
// have since been materialized.
type Reconciler struct {
	target   Repairer
	interval time.Duration
	logger   logging.Logger

	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewReconciler creates a reconciler that runs every interval.
func NewReconciler(target Repairer, interval time.Duration, logger logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Reconciler{
		target:   target,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background loop.
func (r *Reconciler) Start(ctx context.Context) {
	if r.started.CompareAndSwap(false, true) {
		go r.run(ctx)
	}
}

// Stop signals the loop to stop and waits for the pass in flight.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reconcile pass failed", "err", err)
			}
		}
	}
}

// RunOnce repairs every graph once and returns the total number of edges
// repaired. A failing graph does not stop the pass; its error is joined
// into the result.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	graphs, err := r.target.Graphs(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	var errs []error
	for _, g := range graphs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.target.Repair(ctx, g)
		total += n
		if err != nil {
			r.logger.Warn("repair failed", "graph", g, "err", err)
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			r.logger.Info("repaired hanging edges", "graph", g, "count", n)
		}
	}
	return total, errors.Join(errs...)
}
