package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/timour/marketplace-fulfillment/common/clock"
)

// PostgresStore implements InventoryStore on PostgreSQL. All saga
// mutations follow the same discipline: lock the product row first,
// mutate reservations under that lock, commit before the caller
// publishes anything.
type PostgresStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewPostgresStore opens the database and verifies the connection.
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

// Close closes the database pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const reservationColumns = `reservation_id, order_id, product_id, user_id, qty, expires_at, created_at, released`

func scanReservation(row interface{ Scan(...any) error }) (*Reservation, error) {
	var r Reservation
	err := row.Scan(
		&r.ReservationID,
		&r.OrderID,
		&r.ProductID,
		&r.UserID,
		&r.Qty,
		&r.ExpiresAt,
		&r.CreatedAt,
		&r.Released,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, supplierID, productID, orderID, userID uuid.UUID, qty int, ttl time.Duration) (*ReserveResult, error) {
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var quantity, reserved int
	err = tx.QueryRowContext(ctx, `
		SELECT quantity, reserved FROM inventory
		WHERE supplier_id = $1 AND product_id = $2
		FOR UPDATE
	`, supplierID, productID).Scan(&quantity, &reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product row: %w", err)
	}

	// Opportunistic sweep: unreleased reservations past their deadline
	// on this product free their stock inside the same transaction.
	expired, err := s.sweepExpiredLocked(ctx, tx, supplierID, productID, now)
	if err != nil {
		return nil, err
	}
	for _, e := range expired {
		reserved -= e.Qty
	}

	// Idempotency gate: at most one reservation per order_id. On a
	// redelivery the existing row is echoed and nothing is mutated.
	existing, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE order_id = $1
	`, orderID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check existing reservation: %w", err)
	}
	if existing != nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit reservation sweep: %w", err)
		}
		return &ReserveResult{Reservation: *existing, AlreadyReserved: true, Expired: expired}, nil
	}

	if quantity-reserved < qty {
		// Rolls back the sweep too; the expirer will catch those rows.
		return nil, fmt.Errorf("%w: product %s has %d available, requested %d",
			ErrInsufficientStock, productID, quantity-reserved, qty)
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

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved = reserved + $1, updated_at = $2
		WHERE supplier_id = $3 AND product_id = $4
	`, qty, now, supplierID, productID); err != nil {
		return nil, fmt.Errorf("failed to reserve stock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`, res.ReservationID, res.OrderID, res.ProductID, res.UserID, res.Qty, res.ExpiresAt, res.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	return &ReserveResult{Reservation: res, Expired: expired}, nil
}

// sweepExpiredLocked releases due reservations for one product. The
// caller already holds the product row lock.
func (s *PostgresStore) sweepExpiredLocked(ctx context.Context, tx *sql.Tx, supplierID, productID uuid.UUID, now time.Time) ([]Reservation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE product_id = $1 AND released = FALSE AND expires_at <= $2
		FOR UPDATE
	`, productID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired reservations: %w", err)
	}
	defer rows.Close()

	var expired []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired reservation: %w", err)
		}
		expired = append(expired, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	total := 0
	ids := make([]uuid.UUID, len(expired))
	for i, r := range expired {
		total += r.Qty
		ids[i] = r.ReservationID
		expired[i].Released = true
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved = reserved - $1, updated_at = $2
		WHERE supplier_id = $3 AND product_id = $4 AND reserved >= $1
	`, total, now, supplierID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to release expired stock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: product %s reserved below sweep total %d",
			ErrStockMismatch, productID, total)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE reservations SET released = TRUE
		WHERE reservation_id = ANY($1)
	`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to mark reservations released: %w", err)
	}

	return expired, nil
}

func (s *PostgresStore) Release(ctx context.Context, orderID uuid.UUID, qty int) (*Reservation, error) {
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := s.lockReservation(ctx, tx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		// Idempotent no-op: nothing to unwind.
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}
	if res.Released {
		return nil, tx.Commit()
	}

	if qty <= 0 {
		qty = res.Qty
	}
	if qty != res.Qty {
		// Partial release is not supported; a mismatch means the
		// event stream and the ledger disagree.
		return nil, fmt.Errorf("%w: release qty %d != reservation qty %d for order %s",
			ErrStockMismatch, qty, res.Qty, orderID)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved = reserved - $1, updated_at = $2
		WHERE product_id = $3 AND reserved >= $1
	`, qty, now, res.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to release stock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: product %s reserved below %d", ErrStockMismatch, res.ProductID, qty)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE reservations SET released = TRUE WHERE reservation_id = $1
	`, res.ReservationID); err != nil {
		return nil, fmt.Errorf("failed to mark reservation released: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}

	res.Released = true
	return res, nil
}

func (s *PostgresStore) Finalize(ctx context.Context, orderID uuid.UUID, qty int) (*Reservation, error) {
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := s.lockReservation(ctx, tx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment for order %s", ErrReservationNotFound, orderID)
	}
	if err != nil {
		return nil, err
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

	// Guarded UPDATE: zero rows affected means concurrent mutation or
	// prior corruption, surfaced loudly instead of retried.
	result, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved = reserved - $1, quantity = quantity - $1, updated_at = $2
		WHERE product_id = $3 AND reserved >= $1 AND quantity >= $1
	`, qty, now, res.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize stock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: product %s cannot absorb finalize of %d",
			ErrStockMismatch, res.ProductID, qty)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE reservations SET released = TRUE WHERE reservation_id = $1
	`, res.ReservationID); err != nil {
		return nil, fmt.Errorf("failed to mark reservation consumed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit finalize: %w", err)
	}

	res.Released = true
	return res, nil
}

// lockReservation reads the reservation for an order, locking the
// owning product row first so every writer agrees on lock order.
func (s *PostgresStore) lockReservation(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (*Reservation, error) {
	var productID uuid.UUID
	err := tx.QueryRowContext(ctx, `
		SELECT product_id FROM reservations WHERE order_id = $1
	`, orderID).Scan(&productID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		SELECT 1 FROM inventory WHERE product_id = $1 FOR UPDATE
	`, productID); err != nil {
		return nil, fmt.Errorf("failed to lock product row: %w", err)
	}

	res, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE order_id = $1
		FOR UPDATE
	`, orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) ExpireDue(ctx context.Context) ([]Reservation, error) {
	now := s.clock.Now()

	// Snapshot the due products without locks, then sweep each one
	// under its product row lock. Overlapping runs are harmless: the
	// released=FALSE re-check makes repeats a no-op.
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.product_id, i.supplier_id
		FROM reservations r
		JOIN inventory i ON i.product_id = r.product_id
		WHERE r.released = FALSE AND r.expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due products: %w", err)
	}
	defer rows.Close()

	type productKey struct {
		productID  uuid.UUID
		supplierID uuid.UUID
	}
	var due []productKey
	for rows.Next() {
		var k productKey
		if err := rows.Scan(&k.productID, &k.supplierID); err != nil {
			return nil, fmt.Errorf("failed to scan due product: %w", err)
		}
		due = append(due, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	var released []Reservation
	for _, k := range due {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return released, fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			SELECT 1 FROM inventory WHERE supplier_id = $1 AND product_id = $2 FOR UPDATE
		`, k.supplierID, k.productID); err != nil {
			tx.Rollback()
			return released, fmt.Errorf("failed to lock product row: %w", err)
		}

		expired, err := s.sweepExpiredLocked(ctx, tx, k.supplierID, k.productID, now)
		if err != nil {
			tx.Rollback()
			return released, err
		}
		if err := tx.Commit(); err != nil {
			return released, fmt.Errorf("failed to commit expiry sweep: %w", err)
		}
		released = append(released, expired...)
	}

	return released, nil
}

const productColumns = `supplier_id, product_id, name, description, category, price, unit, quantity, reserved, low_stock_threshold, available, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*Product, error) {
	var p Product
	err := row.Scan(
		&p.SupplierID,
		&p.ProductID,
		&p.Name,
		&p.Description,
		&p.Category,
		&p.Price,
		&p.Unit,
		&p.Quantity,
		&p.Reserved,
		&p.LowStockThreshold,
		&p.Available,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProduct(ctx context.Context, p Product) (*Product, bool, error) {
	now := s.clock.Now()

	created, err := scanProduct(s.db.QueryRowContext(ctx, `
		INSERT INTO inventory (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, TRUE, $10)
		ON CONFLICT (supplier_id, product_id) DO NOTHING
		RETURNING `+productColumns+`
	`, p.SupplierID, p.ProductID, p.Name, p.Description, p.Category, p.Price, p.Unit,
		p.Quantity, p.LowStockThreshold, now))
	if errors.Is(err, sql.ErrNoRows) {
		// Duplicate product.created delivery; echo the existing row.
		existing, err := s.GetProduct(ctx, p.SupplierID, p.ProductID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create product: %w", err)
	}
	return created, true, nil
}

func (s *PostgresStore) UpdateProduct(ctx context.Context, supplierID uuid.UUID, upd ProductUpdate) (*Product, error) {
	now := s.clock.Now()

	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE inventory
		SET
			name = COALESCE($1, name),
			description = COALESCE($2, description),
			category = COALESCE($3, category),
			price = COALESCE($4, price),
			unit = COALESCE($5, unit),
			quantity = COALESCE(
				CASE
					WHEN $6::int IS NOT NULL THEN quantity + $6
					ELSE $7
				END,
				quantity
			),
			available = COALESCE($8, available),
			low_stock_threshold = COALESCE($9, low_stock_threshold),
			updated_at = $10
		WHERE supplier_id = $11 AND product_id = $12
		RETURNING `+productColumns+`
	`, upd.Name, upd.Description, upd.Category, upd.Price, upd.Unit,
		upd.QuantityChange, upd.Quantity, upd.Available, upd.LowStockThreshold,
		now, supplierID, upd.ProductID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, upd.ProductID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, supplierID, productID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		SELECT 1 FROM inventory WHERE supplier_id = $1 AND product_id = $2 FOR UPDATE
	`, supplierID, productID); err != nil {
		return fmt.Errorf("failed to lock product row: %w", err)
	}

	var active bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reservations WHERE product_id = $1 AND released = FALSE
		)
	`, productID).Scan(&active); err != nil {
		return fmt.Errorf("failed to check active reservations: %w", err)
	}
	if active {
		return fmt.Errorf("%w: %s", ErrActiveReservations, productID)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM inventory WHERE supplier_id = $1 AND product_id = $2
	`, supplierID, productID)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, supplierID, productID uuid.UUID) (*Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM inventory
		WHERE supplier_id = $1 AND product_id = $2
	`, supplierID, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}
