package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/events"
)

// Catalog handlers keep the stock ledger in step with the product
// service. They share the engine so stock change announcements and the
// saga see the same store.

func (e *ReservationEngine) HandleProductCreated(ctx context.Context, ev *events.ProductCreated) broker.Verdict {
	p, created, err := e.store.CreateProduct(ctx, Product{
		SupplierID:        ev.SupplierID,
		ProductID:         ev.ProductID,
		Name:              ev.Name,
		Description:       ev.Description,
		Category:          ev.Category,
		Price:             ev.Price,
		Unit:              ev.Unit,
		Quantity:          ev.Quantity,
		LowStockThreshold: ev.LowStockThreshold,
	})
	if err != nil {
		e.logger.Error("failed to create product",
			zap.String("product_id", ev.ProductID.String()),
			zap.Error(err),
		)
		return broker.Requeue
	}
	if !created {
		e.logger.Debug("product already exists", zap.String("product_id", ev.ProductID.String()))
		return broker.Ack
	}

	e.logger.Info("product created",
		zap.String("product_id", p.ProductID.String()),
		zap.String("supplier_id", p.SupplierID.String()),
		zap.Int("quantity", p.Quantity),
	)
	return e.announceStock(ctx, p, nil)
}

func (e *ReservationEngine) HandleProductUpdated(ctx context.Context, ev *events.ProductUpdated) broker.Verdict {
	p, err := e.store.UpdateProduct(ctx, ev.SupplierID, ProductUpdate{
		ProductID:         ev.ProductID,
		Name:              ev.Name,
		Description:       ev.Description,
		Category:          ev.Category,
		Price:             ev.Price,
		Unit:              ev.Unit,
		Quantity:          ev.Quantity,
		QuantityChange:    ev.QuantityChange,
		Available:         ev.Available,
		LowStockThreshold: ev.LowStockThreshold,
	})
	if errors.Is(err, ErrProductNotFound) {
		// product.updated racing ahead of product.created; retry until
		// the create lands.
		e.logger.Warn("update for unknown product", zap.String("product_id", ev.ProductID.String()))
		return broker.Requeue
	}
	if err != nil {
		e.logger.Error("failed to update product",
			zap.String("product_id", ev.ProductID.String()),
			zap.Error(err),
		)
		return broker.Requeue
	}

	return e.announceStock(ctx, p, ev.QuantityChange)
}

func (e *ReservationEngine) HandleProductDeleted(ctx context.Context, ev *events.ProductDeleted) broker.Verdict {
	err := e.store.DeleteProduct(ctx, ev.SupplierID, ev.ProductID)
	switch {
	case errors.Is(err, ErrProductNotFound):
		return broker.Ack

	case errors.Is(err, ErrActiveReservations):
		// Orders are still holding stock; retry once they resolve,
		// dead-letter if they never do.
		e.logger.Warn("delete blocked by active reservations",
			zap.String("product_id", ev.ProductID.String()),
		)
		return broker.Requeue

	case err != nil:
		e.logger.Error("failed to delete product",
			zap.String("product_id", ev.ProductID.String()),
			zap.Error(err),
		)
		return broker.Requeue
	}

	e.logger.Info("product deleted", zap.String("product_id", ev.ProductID.String()))
	return broker.Ack
}

// announceStock fans out the new counters on inventory.updated and, at
// or below the threshold, mirrors them on inventory.lowstock.
func (e *ReservationEngine) announceStock(ctx context.Context, p *Product, change *int) broker.Verdict {
	update := events.StockUpdate{
		ProductID:   p.ProductID,
		SupplierID:  p.SupplierID,
		NewQuantity: p.Quantity,
		Change:      change,
		LowStock:    p.LowStock(),
	}

	if err := e.publisher.Publish(ctx, &update); err != nil {
		e.logger.Error("failed to publish stock update", zap.Error(err))
		return broker.Requeue
	}

	if update.LowStock {
		alert := events.LowStockAlert(update)
		if err := e.publisher.Publish(ctx, &alert); err != nil {
			// The authoritative update is already out; the alert is
			// advisory.
			e.logger.Warn("failed to publish low stock alert",
				zap.String("product_id", p.ProductID.String()),
				zap.Error(err),
			)
		} else {
			e.logger.Warn("low stock",
				zap.String("product_id", p.ProductID.String()),
				zap.Int("quantity", p.Quantity),
				zap.Int("threshold", p.LowStockThreshold),
			)
		}
	}

	return broker.Ack
}
