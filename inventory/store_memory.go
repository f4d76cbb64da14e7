package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timour/marketplace-fulfillment/common/clock"
)

// MemoryStore is an in-memory InventoryStore with the same transaction
// semantics as the Postgres store. Used in tests and local runs.
type MemoryStore struct {
	mu           sync.Mutex
	products     map[uuid.UUID]*Product    // by product_id
	reservations map[uuid.UUID]Reservation // by order_id
	clock        clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		products:     make(map[uuid.UUID]*Product),
		reservations: make(map[uuid.UUID]Reservation),
		clock:        clk,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Reserve(ctx context.Context, supplierID, productID, orderID, userID uuid.UUID, qty int, ttl time.Duration) (*ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	p, ok := s.products[productID]
	if !ok || p.SupplierID != supplierID {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}

	expired := s.sweepLocked(productID, now)

	if existing, ok := s.reservations[orderID]; ok {
		return &ReserveResult{Reservation: existing, AlreadyReserved: true, Expired: expired}, nil
	}

	if p.Quantity-p.Reserved < qty {
		// Undo the sweep: the whole transaction rolls back together.
		for _, e := range expired {
			e.Released = false
			s.reservations[e.OrderID] = e
			p.Reserved += e.Qty
		}
		return nil, fmt.Errorf("%w: product %s has %d available, requested %d",
			ErrInsufficientStock, productID, p.Quantity-p.Reserved, qty)
	}

	res := Reservation{
		ReservationID: uuid.New(),
		OrderID:       orderID,
		ProductID:     productID,
		UserID:        userID,
		Qty:           qty,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	p.Reserved += qty
	p.UpdatedAt = now
	s.reservations[orderID] = res

	return &ReserveResult{Reservation: res, Expired: expired}, nil
}

func (s *MemoryStore) sweepLocked(productID uuid.UUID, now time.Time) []Reservation {
	var expired []Reservation
	for orderID, r := range s.reservations {
		if r.ProductID != productID || r.Released || r.ExpiresAt.After(now) {
			continue
		}
		r.Released = true
		s.reservations[orderID] = r
		if p, ok := s.products[productID]; ok {
			p.Reserved -= r.Qty
			p.UpdatedAt = now
		}
		expired = append(expired, r)
	}
	return expired
}

func (s *MemoryStore) Release(ctx context.Context, orderID uuid.UUID, qty int) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[orderID]
	if !ok || res.Released {
		return nil, nil
	}

	if qty <= 0 {
		qty = res.Qty
	}
	if qty != res.Qty {
		return nil, fmt.Errorf("%w: release qty %d != reservation qty %d for order %s",
			ErrStockMismatch, qty, res.Qty, orderID)
	}

	p, ok := s.products[res.ProductID]
	if !ok || p.Reserved < qty {
		return nil, fmt.Errorf("%w: product %s reserved below %d", ErrStockMismatch, res.ProductID, qty)
	}

	p.Reserved -= qty
	p.UpdatedAt = s.clock.Now()
	res.Released = true
	s.reservations[orderID] = res
	return &res, nil
}

func (s *MemoryStore) Finalize(ctx context.Context, orderID uuid.UUID, qty int) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: payment for order %s", ErrReservationNotFound, orderID)
	}
	if res.Released {
		return nil, fmt.Errorf("%w: order %s", ErrReservationReleased, orderID)
	}

	if qty <= 0 {
		qty = res.Qty
	}
	if qty != res.Qty {
		return nil, fmt.Errorf("%w: finalize qty %d != reservation qty %d for order %s",
			ErrStockMismatch, qty, res.Qty, orderID)
	}

	p, ok := s.products[res.ProductID]
	if !ok || p.Reserved < qty || p.Quantity < qty {
		return nil, fmt.Errorf("%w: product %s cannot absorb finalize of %d",
			ErrStockMismatch, res.ProductID, qty)
	}

	p.Reserved -= qty
	p.Quantity -= qty
	p.UpdatedAt = s.clock.Now()
	res.Released = true
	s.reservations[orderID] = res
	return &res, nil
}

func (s *MemoryStore) ExpireDue(ctx context.Context) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var released []Reservation
	for productID := range s.products {
		released = append(released, s.sweepLocked(productID, now)...)
	}
	return released, nil
}

func (s *MemoryStore) CreateProduct(ctx context.Context, p Product) (*Product, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.products[p.ProductID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	p.Reserved = 0
	p.Available = true
	p.UpdatedAt = s.clock.Now()
	s.products[p.ProductID] = &p
	cp := p
	return &cp, true, nil
}

func (s *MemoryStore) UpdateProduct(ctx context.Context, supplierID uuid.UUID, upd ProductUpdate) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[upd.ProductID]
	if !ok || p.SupplierID != supplierID {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, upd.ProductID)
	}

	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Category != nil {
		p.Category = *upd.Category
	}
	if upd.Price != nil {
		p.Price = *upd.Price
	}
	if upd.Unit != nil {
		p.Unit = *upd.Unit
	}
	switch {
	case upd.QuantityChange != nil:
		p.Quantity += *upd.QuantityChange
	case upd.Quantity != nil:
		p.Quantity = *upd.Quantity
	}
	if upd.Available != nil {
		p.Available = *upd.Available
	}
	if upd.LowStockThreshold != nil {
		p.LowStockThreshold = *upd.LowStockThreshold
	}
	p.UpdatedAt = s.clock.Now()

	cp := *p
	return &cp, nil
}

func (s *MemoryStore) DeleteProduct(ctx context.Context, supplierID, productID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok || p.SupplierID != supplierID {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	for _, r := range s.reservations {
		if r.ProductID == productID && !r.Released {
			return fmt.Errorf("%w: %s", ErrActiveReservations, productID)
		}
	}
	delete(s.products, productID)
	return nil
}

func (s *MemoryStore) GetProduct(ctx context.Context, supplierID, productID uuid.UUID) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok || p.SupplierID != supplierID {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	cp := *p
	return &cp, nil
}
