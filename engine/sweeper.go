package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"disputeflow/applog"
)

// sweepBatch caps how many due disputes or rounds one tick settles.
const sweepBatch = 256

// Sweeper periodically realizes lapsed deadlines: disputes whose
// response or acceptance window expired finalize, rounds whose judgment
// window expired seal, and matured stake releases pay out. It does the
// work the engine's lazy deadlines defer between caller operations.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	log      *applog.Logger
}

func NewSweeper(e *Engine, interval time.Duration, log *applog.Logger) *Sweeper {
	return &Sweeper{engine: e, interval: interval, log: log}
}

// Run blocks until ctx is canceled, sweeping once per interval. The
// three passes are independent and run concurrently; each swept item
// commits in its own transaction, so a failing pass only delays work to
// the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := s.engine.Disputes.SealDueRounds(ctx, sweepBatch)
		if n > 0 {
			s.log.Info("sealed due rounds", "count", n)
		}
		return err
	})
	g.Go(func() error {
		n, err := s.engine.Disputes.FinalizeDue(ctx, sweepBatch)
		if n > 0 {
			s.log.Info("finalized due disputes", "count", n)
		}
		return err
	})
	g.Go(func() error {
		n, err := s.engine.Resolvers.ReleaseDueStakes(ctx)
		if n > 0 {
			s.log.Info("released matured stakes", "count", n)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		s.log.Error("sweep pass", "err", err)
	}
}
