package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"orderflow/internal/orders"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestPaymentLedger_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payment_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	ledger := NewPostgresPaymentLedger(db)
	if err := ledger.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestPaymentLedger_WithSchemaHelperError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payment_ledger").
		WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	ledger, err := NewPostgresPaymentLedgerWithSchema(context.Background(), db)
	if err == nil {
		t.Fatalf("expected error")
	}
	if ledger != nil {
		t.Fatalf("expected nil ledger on error")
	}
}

func TestPaymentLedger_Capture_ChargesOnce(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	order := orders.Order{ID: "order-1", Items: []orders.Item{{SKU: "ABC", Qty: 2}}}

	mock.ExpectExec("INSERT INTO payment_ledger").
		WithArgs("PAY-order-1-run", "order-1", int64(2), "captured").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT order_id, amount, status").
		WithArgs("PAY-order-1-run").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount", "status"}).
			AddRow("order-1", int64(2), "captured"))
	mock.ExpectClose()

	ledger := NewPostgresPaymentLedger(db)
	res, err := ledger.Capture(context.Background(), order, "PAY-order-1-run")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if res.Status != "captured" || res.Amount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPaymentLedger_Capture_RepeatReadsBackOriginal(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	order := orders.Order{ID: "order-1", Items: []orders.Item{{SKU: "ABC", Qty: 5}}}

	// The conflict leaves rows affected at zero; the read-back returns the
	// first capture's amount, not the retried one.
	mock.ExpectExec("INSERT INTO payment_ledger").
		WithArgs("PAY-order-1-run", "order-1", int64(5), "captured").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, amount, status").
		WithArgs("PAY-order-1-run").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount", "status"}).
			AddRow("order-1", int64(3), "captured"))
	mock.ExpectClose()

	ledger := NewPostgresPaymentLedger(db)
	res, err := ledger.Capture(context.Background(), order, "PAY-order-1-run")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if res.Amount != 3 {
		t.Fatalf("expected original amount 3, got %d", res.Amount)
	}
}

func TestPaymentLedger_Capture_KeyConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	order := orders.Order{ID: "order-2", Items: []orders.Item{{SKU: "ABC", Qty: 1}}}

	mock.ExpectExec("INSERT INTO payment_ledger").
		WithArgs("PAY-shared-key", "order-2", int64(1), "captured").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, amount, status").
		WithArgs("PAY-shared-key").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount", "status"}).
			AddRow("order-1", int64(1), "captured"))
	mock.ExpectClose()

	ledger := NewPostgresPaymentLedger(db)
	_, err := ledger.Capture(context.Background(), order, "PAY-shared-key")
	if !errors.Is(err, ErrPaymentKeyConflict) {
		t.Fatalf("expected key conflict, got %v", err)
	}
}

func TestPaymentLedger_Capture_EmptyKey(t *testing.T) {
	ledger := NewPostgresPaymentLedger(nil)
	if _, err := ledger.Capture(context.Background(), orders.Order{ID: "order-1"}, ""); err == nil {
		t.Fatalf("expected error for empty payment key")
	}
}

func TestPaymentLedger_Capture_ExecError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payment_ledger").
		WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	ledger := NewPostgresPaymentLedger(db)
	if _, err := ledger.Capture(context.Background(), orders.Order{ID: "order-1"}, "PAY-order-1-run"); err == nil {
		t.Fatalf("expected exec error")
	}
}

func TestPaymentLedger_Capture_MissingRowAfterInsert(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payment_ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT order_id, amount, status").
		WithArgs("PAY-order-1-run").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount", "status"}))
	mock.ExpectClose()

	ledger := NewPostgresPaymentLedger(db)
	if _, err := ledger.Capture(context.Background(), orders.Order{ID: "order-1"}, "PAY-order-1-run"); err == nil {
		t.Fatalf("expected missing row error")
	}
}
