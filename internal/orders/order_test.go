package orders

import "testing"

func TestOrderClone(t *testing.T) {
	order := Order{ID: "order-1", Items: []Item{{SKU: "ABC", Qty: 1}}}
	clone := order.Clone()
	clone.Items[0].Qty = 99
	if order.Items[0].Qty != 1 {
		t.Fatalf("clone shares item storage")
	}
}

func TestChargeAmount(t *testing.T) {
	order := Order{Items: []Item{{SKU: "ABC", Qty: 2}, {SKU: "DEF", Qty: 3}}}
	if got := ChargeAmount(order); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if got := ChargeAmount(Order{}); got != 0 {
		t.Fatalf("expected 0 for empty order, got %d", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusStarted, StatusProcessing, StatusAwaitingManualReview, StatusShipping} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestPaymentKeyIsDeterministic(t *testing.T) {
	a := PaymentKey("order-1", "run-abc")
	b := PaymentKey("order-1", "run-abc")
	if a != b {
		t.Fatalf("key not stable: %q vs %q", a, b)
	}
	if a != "PAY-order-1-run-abc" {
		t.Fatalf("unexpected key: %q", a)
	}
	if PaymentKey("order-1", "run-def") == a {
		t.Fatalf("distinct runs must derive distinct keys")
	}
}
