package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"orderflow/cmd/server/config"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/orders"
	"orderflow/internal/saga"
)

var openOrdersDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

type storageBundle struct {
	ledger  orders.PaymentLedger
	store   orders.OrderStore
	journal saga.Journal
}

// buildStorage wires the persistence backends from config. An empty
// DATABASE_URL falls back to in-memory stores; an empty JOURNAL_PATH falls
// back to the in-memory journal. Initialization failures also fall back, so
// a dev box runs without any infrastructure.
func buildStorage(ctx context.Context, cfg config.StorageConfig, logf func(format string, args ...any)) (storageBundle, func()) {
	if logf == nil {
		logf = log.Printf
	}

	cleanup := func() {}
	bundle := storageBundle{
		ledger:  orders.NewInMemoryPaymentLedger(),
		store:   orders.NewInMemoryOrderStore(),
		journal: saga.NewMemoryJournal(),
	}

	if cfg.DatabaseURL != "" {
		sqlDB, err := openOrdersDB("pgx", cfg.DatabaseURL)
		if err != nil {
			logf("postgres open failed, falling back to in-memory storage: %v", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			ledger, err := ordersdb.NewPostgresPaymentLedgerWithSchema(setupCtx, sqlDB)
			if err != nil {
				logf("postgres init failed, falling back to in-memory storage: %v", err)
				_ = sqlDB.Close()
			} else {
				store, err := ordersdb.NewPostgresOrderStoreWithSchema(setupCtx, sqlDB)
				if err == nil {
					var journal *ordersdb.PostgresJournal
					journal, err = ordersdb.NewPostgresJournalWithSchema(setupCtx, sqlDB)
					if err == nil {
						logf("postgres storage enabled")
						bundle.ledger = ledger
						bundle.store = store
						bundle.journal = journal
						cleanup = func() {
							if err := sqlDB.Close(); err != nil {
								logf("close postgres: %v", err)
							}
						}
						return bundle, cleanup
					}
				}
				logf("postgres init failed, falling back to in-memory storage: %v", err)
				_ = sqlDB.Close()
			}
		}
	}

	if cfg.JournalPath != "" {
		fileJournal, err := saga.NewFileJournal(cfg.JournalPath)
		if err != nil {
			logf("file journal open failed, falling back to in-memory journal: %v", err)
		} else {
			logf("file journal enabled at %s", cfg.JournalPath)
			bundle.journal = fileJournal
			cleanup = func() {
				if err := fileJournal.Close(); err != nil {
					logf("close journal: %v", err)
				}
			}
		}
	}

	return bundle, cleanup
}
