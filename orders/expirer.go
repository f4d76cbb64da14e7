package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Expirer fails pending orders that never got a reservation answer.
// It is the order-side backstop for lost inventory replies.
type Expirer struct {
	service *Service
	logger  *zap.Logger
	tick    time.Duration
}

func NewExpirer(service *Service, logger *zap.Logger, tick time.Duration) *Expirer {
	return &Expirer{service: service, logger: logger, tick: tick}
}

// Run sweeps on every tick until ctx is cancelled.
func (e *Expirer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.logger.Info("order expirer started", zap.Duration("tick", e.tick))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("order expirer stopping")
			return nil
		case <-ticker.C:
			if err := e.service.ExpireOverdue(ctx); err != nil {
				e.logger.Error("order expiry sweep failed", zap.Error(err))
			}
		}
	}
}
