// Package worker runs the periodic revenue-share allocation pass.
package worker

import (
	"context"
	"log/slog"
	"time"

	"treepot/internal/game"

	"github.com/jonboulle/clockwork"
)

type Allocator struct {
	svc   *game.Service
	log   *slog.Logger
	clock clockwork.Clock
	every time.Duration
	batch int
}

func NewAllocator(svc *game.Service, logger *slog.Logger, clock clockwork.Clock, every time.Duration, batch int) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if every <= 0 {
		every = 30 * time.Second
	}
	if batch <= 0 {
		batch = 200
	}
	return &Allocator{svc: svc, log: logger, clock: clock, every: every, batch: batch}
}

// RunOnce allocates dirty branches batch by batch until a pass allocates
// nothing. Parents dirtied by their children are picked up by later passes.
func (a *Allocator) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		done, err := a.svc.AllocateDirty(ctx, a.batch)
		total += len(done)
		if err != nil {
			return total, err
		}
		if len(done) == 0 {
			return total, nil
		}
	}
}

// Run ticks until ctx is cancelled. Failed passes are logged and retried on
// the next tick.
func (a *Allocator) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.every)
	defer ticker.Stop()

	a.log.Info("allocator started", "every", a.every.String(), "batch", a.batch)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("allocator shutdown")
			return
		case <-ticker.Chan():
			n, err := a.RunOnce(ctx)
			if err != nil {
				a.log.Error("allocation pass failed", "allocated", n, "err", err)
				continue
			}
			if n > 0 {
				a.log.Info("allocation pass complete", "allocated", n)
			}
		}
	}
}
