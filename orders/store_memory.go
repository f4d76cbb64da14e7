package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timour/marketplace-fulfillment/common/clock"
)

// MemoryStore is an in-memory OrdersStore for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*Order
	clock  clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		orders: make(map[uuid.UUID]*Order),
		clock:  clk,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Create(ctx context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.OrderID]; ok {
		return fmt.Errorf("%w: %s", ErrOrderExists, o.OrderID)
	}
	o.UpdatedAt = o.CreatedAt
	s.orders[o.OrderID] = &o
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) Transition(ctx context.Context, orderID uuid.UUID, trigger string) (*Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	next, applied, err := Next(o.Status, trigger)
	if err != nil {
		cp := *o
		return &cp, false, err
	}
	if applied {
		o.Status = next
		o.UpdatedAt = s.clock.Now()
	}
	cp := *o
	return &cp, applied, nil
}

func (s *MemoryStore) AttachReservation(ctx context.Context, orderID, reservationID uuid.UUID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o.ReservationID = reservationID
	o.ExpiresAt = expiresAt
	o.UpdatedAt = s.clock.Now()
	return nil
}

func (s *MemoryStore) ExpirePending(ctx context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var expired []Order
	for _, o := range s.orders {
		if o.Status == StatusPending && o.ExpiresAt.Before(now) {
			o.Status = StatusFailed
			o.UpdatedAt = now
			expired = append(expired, *o)
		}
	}
	return expired, nil
}
