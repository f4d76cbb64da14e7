package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore appends events to analytics.events.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, e Event) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics.events (id, event_type, event_timestamp, data)
		VALUES ($1, $2, $3, $4)
	`, e.ID, e.EventType, e.EventTimestamp, []byte(e.Data)); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}
