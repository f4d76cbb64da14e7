package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CachedStore layers a product read cache over an InventoryStore.
// Reads go cache-first; every mutation writes through to the store
// and invalidates, so the cache can only ever be stale for reads that
// raced a write, never wrong for the saga: reservation paths always
// hit the store directly.
type CachedStore struct {
	store  InventoryStore
	cache  *ProductCache
	logger *zap.Logger
}

func NewCachedStore(store InventoryStore, cache *ProductCache, logger *zap.Logger) *CachedStore {
	return &CachedStore{store: store, cache: cache, logger: logger}
}

func (s *CachedStore) Close() error {
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("failed to close product cache", zap.Error(err))
	}
	return s.store.Close()
}

func (s *CachedStore) GetProduct(ctx context.Context, supplierID, productID uuid.UUID) (*Product, error) {
	cached, err := s.cache.Get(ctx, productID)
	if err != nil {
		s.logger.Warn("product cache read failed", zap.Error(err))
	} else if cached != nil && cached.SupplierID == supplierID {
		return cached, nil
	}

	p, err := s.store.GetProduct(ctx, supplierID, productID)
	if err != nil {
		return nil, err
	}

	// Best-effort populate; a failed cache write is just a future miss.
	if err := s.cache.Set(ctx, p); err != nil {
		s.logger.Warn("product cache write failed", zap.Error(err))
	}
	return p, nil
}

func (s *CachedStore) CreateProduct(ctx context.Context, p Product) (*Product, bool, error) {
	created, fresh, err := s.store.CreateProduct(ctx, p)
	if err != nil {
		return nil, false, err
	}
	s.invalidate(ctx, created.ProductID)
	return created, fresh, nil
}

func (s *CachedStore) UpdateProduct(ctx context.Context, supplierID uuid.UUID, upd ProductUpdate) (*Product, error) {
	p, err := s.store.UpdateProduct(ctx, supplierID, upd)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, upd.ProductID)
	return p, nil
}

func (s *CachedStore) DeleteProduct(ctx context.Context, supplierID, productID uuid.UUID) error {
	if err := s.store.DeleteProduct(ctx, supplierID, productID); err != nil {
		return err
	}
	s.invalidate(ctx, productID)
	return nil
}

func (s *CachedStore) Reserve(ctx context.Context, supplierID, productID, orderID, userID uuid.UUID, qty int, ttl time.Duration) (*ReserveResult, error) {
	result, err := s.store.Reserve(ctx, supplierID, productID, orderID, userID, qty, ttl)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, productID)
	return result, nil
}

func (s *CachedStore) Release(ctx context.Context, orderID uuid.UUID, qty int) (*Reservation, error) {
	res, err := s.store.Release(ctx, orderID, qty)
	if err != nil || res == nil {
		return res, err
	}
	s.invalidate(ctx, res.ProductID)
	return res, nil
}

func (s *CachedStore) Finalize(ctx context.Context, orderID uuid.UUID, qty int) (*Reservation, error) {
	res, err := s.store.Finalize(ctx, orderID, qty)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, res.ProductID)
	return res, nil
}

func (s *CachedStore) ExpireDue(ctx context.Context) ([]Reservation, error) {
	expired, err := s.store.ExpireDue(ctx)
	for _, r := range expired {
		s.invalidate(ctx, r.ProductID)
	}
	return expired, err
}

func (s *CachedStore) invalidate(ctx context.Context, productID uuid.UUID) {
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("product cache invalidation failed",
			zap.String("product_id", productID.String()),
			zap.Error(err),
		)
	}
}
