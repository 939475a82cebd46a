package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/orders"
)

// PostgresOrderStore persists orders in Postgres.
type PostgresOrderStore struct {
	db *sql.DB
}

// NewPostgresOrderStore constructs an order store backed by Postgres.
func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

// NewPostgresOrderStoreWithSchema initializes the schema then returns the store.
func NewPostgresOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresOrderStore, error) {
	store := NewPostgresOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *PostgresOrderStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// CreateOrder inserts the order if absent and returns the stored row either
// way, so a retried receive converges on the first inserted record.
func (s *PostgresOrderStore) CreateOrder(ctx context.Context, order orders.Order) (orders.Order, error) {
	if order.ID == "" {
		return orders.Order{}, fmt.Errorf("order id required")
	}

	payload, err := json.Marshal(order)
	if err != nil {
		return orders.Order{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, payload, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		order.ID, payload, "received",
	)
	if err != nil {
		return orders.Order{}, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT payload FROM orders WHERE id = $1`, order.ID)
	var stored []byte
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Order{}, fmt.Errorf("order not found after insert")
		}
		return orders.Order{}, err
	}

	var out orders.Order
	if err := json.Unmarshal(stored, &out); err != nil {
		return orders.Order{}, fmt.Errorf("decode stored order %s: %w", order.ID, err)
	}
	return out, nil
}

// UpdateOrderStatus updates an order's status and timestamp.
func (s *PostgresOrderStore) UpdateOrderStatus(ctx context.Context, orderID string, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE id = $1`,
		orderID, status,
	)
	return err
}
