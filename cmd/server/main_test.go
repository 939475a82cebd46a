package main

import (
	"context"
	"testing"
	"time"

	"orderflow/cmd/server/config"
	"orderflow/internal/orders"
	"orderflow/internal/saga"
)

func TestBuildDispatchIndex_InMemoryWithoutRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	index, cleanup, err := buildDispatchIndex(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(cleanup)

	if _, ok := index.(*orders.InMemoryDispatchFailureIndex); !ok {
		t.Fatalf("expected in-memory index, got %T", index)
	}
}

func TestBuildStorage_InMemoryDefaults(t *testing.T) {
	bundle, cleanup := buildStorage(context.Background(), config.StorageConfig{}, t.Logf)
	t.Cleanup(cleanup)

	if _, ok := bundle.ledger.(*orders.InMemoryPaymentLedger); !ok {
		t.Fatalf("expected in-memory ledger, got %T", bundle.ledger)
	}
	if _, ok := bundle.store.(*orders.InMemoryOrderStore); !ok {
		t.Fatalf("expected in-memory store, got %T", bundle.store)
	}
	if _, ok := bundle.journal.(*saga.MemoryJournal); !ok {
		t.Fatalf("expected in-memory journal, got %T", bundle.journal)
	}
}

func TestBuildStorage_FileJournal(t *testing.T) {
	path := t.TempDir() + "/journal.log"
	bundle, cleanup := buildStorage(context.Background(), config.StorageConfig{JournalPath: path}, t.Logf)
	t.Cleanup(cleanup)

	if _, ok := bundle.journal.(*saga.FileJournal); !ok {
		t.Fatalf("expected file journal, got %T", bundle.journal)
	}
}

func TestBuildStepCall_DefaultNeverFails(t *testing.T) {
	t.Setenv("ORDER_FLAKY", "")

	call, err := buildStepCall()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := call(context.Background()); err != nil {
			t.Fatalf("expected no-op call, got %v", err)
		}
	}
}

func TestBuildStepCall_FlakyStallOverride(t *testing.T) {
	t.Setenv("ORDER_FLAKY", "true")
	t.Setenv("ORDER_FLAKY_STALL", "1ms")

	call, err := buildStepCall()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Every branch returns quickly with a short stall: synthetic fault,
	// stall, or success.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		_ = call(ctx)
	}
	if ctx.Err() != nil {
		t.Fatalf("flaky call exceeded the stall bound")
	}
}
