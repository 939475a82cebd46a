package orders

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFlakyCall_Branches(t *testing.T) {
	var slept time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	values := []float64{0.1, 0.5, 0.9}
	i := 0
	call := NewFlakyCall(func() float64 { v := values[i]; i++; return v }, sleep, 30*time.Second)

	if err := call(context.Background()); !errors.Is(err, ErrSyntheticFault) {
		t.Fatalf("low draw must fail, got %v", err)
	}
	if err := call(context.Background()); err != nil {
		t.Fatalf("middle draw must stall then succeed, got %v", err)
	}
	if slept != 30*time.Second {
		t.Fatalf("unexpected stall: %v", slept)
	}
	if err := call(context.Background()); err != nil {
		t.Fatalf("high draw must succeed, got %v", err)
	}
}

func TestFlakyCall_StallPropagatesCancellation(t *testing.T) {
	sleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	call := NewFlakyCall(func() float64 { return 0.5 }, sleep, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := call(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
