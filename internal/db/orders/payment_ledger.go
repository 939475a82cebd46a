package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderflow/internal/orders"
)

// PostgresPaymentLedger persists payment captures in Postgres. The payment
// key is the primary key, so concurrent or repeated captures converge on the
// first inserted row.
type PostgresPaymentLedger struct {
	db *sql.DB
}

// NewPostgresPaymentLedger constructs a payment ledger backed by Postgres.
func NewPostgresPaymentLedger(db *sql.DB) *PostgresPaymentLedger {
	return &PostgresPaymentLedger{db: db}
}

// NewPostgresPaymentLedgerWithSchema initializes the schema then returns the ledger.
func NewPostgresPaymentLedgerWithSchema(ctx context.Context, db *sql.DB) (*PostgresPaymentLedger, error) {
	ledger := NewPostgresPaymentLedger(db)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the payment_ledger table if it does not exist.
func (l *PostgresPaymentLedger) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_ledger (
			payment_key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// ErrPaymentKeyConflict signals a payment key already captured for a
// different order.
var ErrPaymentKeyConflict = errors.New("payment key captured for different order")

// Capture charges at most once per payment key. A repeat call with the same
// key reads back the original row instead of charging again.
func (l *PostgresPaymentLedger) Capture(ctx context.Context, order orders.Order, paymentKey string) (orders.PaymentResult, error) {
	if paymentKey == "" {
		return orders.PaymentResult{}, fmt.Errorf("payment key required")
	}

	amount := orders.ChargeAmount(order)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO payment_ledger (payment_key, order_id, amount, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payment_key) DO NOTHING`,
		paymentKey, order.ID, amount, "captured",
	)
	if err != nil {
		return orders.PaymentResult{}, err
	}

	row := l.db.QueryRowContext(ctx, `
		SELECT order_id, amount, status
		FROM payment_ledger
		WHERE payment_key = $1`,
		paymentKey,
	)

	var storedOrderID, status string
	var storedAmount int64
	if err := row.Scan(&storedOrderID, &storedAmount, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.PaymentResult{}, fmt.Errorf("payment not found after insert")
		}
		return orders.PaymentResult{}, err
	}
	if storedOrderID != order.ID {
		return orders.PaymentResult{}, ErrPaymentKeyConflict
	}

	return orders.PaymentResult{Status: status, Amount: storedAmount}, nil
}
