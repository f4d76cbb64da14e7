package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/timour/marketplace-fulfillment/common/clock"
)

// PostgresStore implements OrdersStore on PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewPostgresStore(connectionString string, clk clock.Clock) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db, clock: clk}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const orderColumns = `order_id, product_id, supplier_id, user_id, qty, status, reservation_id, expires_at, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	var reservationID sql.Null[uuid.UUID]
	err := row.Scan(
		&o.OrderID,
		&o.ProductID,
		&o.SupplierID,
		&o.UserID,
		&o.Qty,
		&o.Status,
		&reservationID,
		&o.ExpiresAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reservationID.Valid {
		o.ReservationID = reservationID.V
	}
	return &o, nil
}

func (s *PostgresStore) Create(ctx context.Context, o Order) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, product_id, supplier_id, user_id, qty, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (order_id) DO NOTHING
	`, o.OrderID, o.ProductID, o.SupplierID, o.UserID, o.Qty, o.Status, o.ExpiresAt, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrOrderExists, o.OrderID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE order_id = $1
	`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) Transition(ctx context.Context, orderID uuid.UUID, trigger string) (*Order, bool, error) {
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	o, err := scanOrder(tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE
	`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock order: %w", err)
	}

	next, applied, err := Next(o.Status, trigger)
	if err != nil {
		return o, false, err
	}
	if !applied {
		return o, false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE order_id = $3
	`, next, now, orderID); err != nil {
		return nil, false, fmt.Errorf("failed to update order status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transition: %w", err)
	}

	o.Status = next
	o.UpdatedAt = now
	return o, true, nil
}

func (s *PostgresStore) AttachReservation(ctx context.Context, orderID, reservationID uuid.UUID, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET reservation_id = $1, expires_at = $2, updated_at = $3
		WHERE order_id = $4
	`, reservationID, expiresAt, s.clock.Now(), orderID)
	if err != nil {
		return fmt.Errorf("failed to attach reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

func (s *PostgresStore) ExpirePending(ctx context.Context) ([]Order, error) {
	now := s.clock.Now()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2
		WHERE status = $3 AND expires_at < $2
		RETURNING `+orderColumns+`
	`, StatusFailed, now, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to expire orders: %w", err)
	}
	defer rows.Close()

	var expired []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired order: %w", err)
		}
		expired = append(expired, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return expired, nil
}
