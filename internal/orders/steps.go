package orders

import (
	"context"
	"fmt"
	"time"
)

// Steps are the order saga's side-effecting collaborators. Each call is
// retried by the saga runtime under its own policy, so implementations must
// tolerate re-invocation.
type Steps interface {
	ReceiveOrder(ctx context.Context, orderID string) (Order, error)
	ValidateOrder(ctx context.Context, order Order) (bool, error)
	MarkOrderPaid(ctx context.Context, orderID string) error
	PreparePackage(ctx context.Context, order Order) (string, error)
	DispatchCarrier(ctx context.Context, order Order) (string, error)
}

// PaymentLedger captures payments at most once per payment key. Capture must
// be idempotent: a repeated call with the same key returns the original
// result without charging again.
type PaymentLedger interface {
	Capture(ctx context.Context, order Order, paymentKey string) (PaymentResult, error)
}

// OrderStore persists orders.
type OrderStore interface {
	// CreateOrder inserts the order if absent and returns the stored row
	// either way, so retried receives converge on one record.
	CreateOrder(ctx context.Context, order Order) (Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status string) error
}

// DispatchFailureIndex records carrier dispatch failures for operator
// tooling. Recording is best-effort from the saga's point of view.
type DispatchFailureIndex interface {
	RecordDispatchFailure(ctx context.Context, orderID, reason string) error
}

// NewStoreSteps constructs the production Steps over an order store and a
// flaky demo collaborator.
func NewStoreSteps(store OrderStore, call func(context.Context) error, now func() time.Time) *StoreSteps {
	return &StoreSteps{store: store, call: call, now: now}
}

// StoreSteps implements Steps against an OrderStore. The flaky call fronts
// each step so retry and timeout behavior can be observed end to end.
type StoreSteps struct {
	store OrderStore
	call  func(context.Context) error
	now   func() time.Time
}

func (s *StoreSteps) ReceiveOrder(ctx context.Context, orderID string) (Order, error) {
	if err := s.call(ctx); err != nil {
		return Order{}, fmt.Errorf("receive order %s: %w", orderID, err)
	}
	now := s.now()
	order := Order{
		ID:        orderID,
		Items:     []Item{{SKU: "ABC", Qty: 1}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, err := s.store.CreateOrder(ctx, order)
	if err != nil {
		return Order{}, fmt.Errorf("create order %s: %w", orderID, err)
	}
	return stored, nil
}

func (s *StoreSteps) ValidateOrder(ctx context.Context, order Order) (bool, error) {
	if err := s.call(ctx); err != nil {
		return false, fmt.Errorf("validate order %s: %w", order.ID, err)
	}
	valid := len(order.Items) > 0
	status := "validated"
	if !valid {
		status = "validation_failed"
	}
	if err := s.store.UpdateOrderStatus(ctx, order.ID, status); err != nil {
		return false, fmt.Errorf("mark order %s %s: %w", order.ID, status, err)
	}
	return valid, nil
}

func (s *StoreSteps) MarkOrderPaid(ctx context.Context, orderID string) error {
	if err := s.store.UpdateOrderStatus(ctx, orderID, "paid"); err != nil {
		return fmt.Errorf("mark order %s paid: %w", orderID, err)
	}
	return nil
}

func (s *StoreSteps) PreparePackage(ctx context.Context, order Order) (string, error) {
	if err := s.call(ctx); err != nil {
		return "", fmt.Errorf("prepare package for order %s: %w", order.ID, err)
	}
	if err := s.store.UpdateOrderStatus(ctx, order.ID, "package_prepared"); err != nil {
		return "", fmt.Errorf("mark order %s package_prepared: %w", order.ID, err)
	}
	return "done", nil
}

func (s *StoreSteps) DispatchCarrier(ctx context.Context, order Order) (string, error) {
	if err := s.call(ctx); err != nil {
		return "", fmt.Errorf("dispatch carrier for order %s: %w", order.ID, err)
	}
	if err := s.store.UpdateOrderStatus(ctx, order.ID, "dispatched"); err != nil {
		return "", fmt.Errorf("mark order %s dispatched: %w", order.ID, err)
	}
	return "done", nil
}
