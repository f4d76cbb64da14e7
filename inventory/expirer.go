package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Expirer periodically sweeps overdue reservations back into the stock
// pool. It is the backstop for orders that never cancel and never pay;
// the opportunistic sweep inside Reserve handles the hot products.
type Expirer struct {
	engine *ReservationEngine
	logger *zap.Logger
	tick   time.Duration
}

func NewExpirer(engine *ReservationEngine, logger *zap.Logger, tick time.Duration) *Expirer {
	return &Expirer{engine: engine, logger: logger, tick: tick}
}

// Run sweeps on every tick until ctx is cancelled. Sweep errors are
// logged and the loop keeps going; a transient database failure must
// not kill the worker.
func (e *Expirer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.logger.Info("reservation expirer started", zap.Duration("tick", e.tick))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reservation expirer stopping")
			return nil
		case <-ticker.C:
			if err := e.engine.SweepExpired(ctx); err != nil {
				e.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
