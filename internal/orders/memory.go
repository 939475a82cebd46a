package orders

import (
	"context"
	"sync"
)

// NewInMemoryOrderStore constructs an in-memory order store.
func NewInMemoryOrderStore() *InMemoryOrderStore {
	return &InMemoryOrderStore{
		orders:   make(map[string]Order),
		statuses: make(map[string]string),
	}
}

// InMemoryOrderStore keeps orders in memory. It backs tests and the
// databaseless dev mode.
type InMemoryOrderStore struct {
	mu       sync.Mutex
	orders   map[string]Order
	statuses map[string]string
}

func (s *InMemoryOrderStore) CreateOrder(_ context.Context, order Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.ID]; ok {
		return existing.Clone(), nil
	}
	s.orders[order.ID] = order.Clone()
	return order, nil
}

func (s *InMemoryOrderStore) UpdateOrderStatus(_ context.Context, orderID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[orderID] = status
	return nil
}

// OrderStatus returns an order's stored status (for testing/inspection).
func (s *InMemoryOrderStore) OrderStatus(orderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[orderID]
	return status, ok
}

// NewInMemoryPaymentLedger constructs an in-memory payment ledger.
func NewInMemoryPaymentLedger() *InMemoryPaymentLedger {
	return &InMemoryPaymentLedger{captures: make(map[string]PaymentResult)}
}

// InMemoryPaymentLedger deduplicates captures by payment key in memory.
type InMemoryPaymentLedger struct {
	mu       sync.Mutex
	captures map[string]PaymentResult
	charges  int
}

func (l *InMemoryPaymentLedger) Capture(_ context.Context, order Order, paymentKey string) (PaymentResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.captures[paymentKey]; ok {
		return existing, nil
	}
	result := PaymentResult{Status: "captured", Amount: ChargeAmount(order)}
	l.captures[paymentKey] = result
	l.charges++
	return result, nil
}

// WasCaptured reports whether a payment key was charged (for testing/inspection).
func (l *InMemoryPaymentLedger) WasCaptured(paymentKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.captures[paymentKey]
	return ok
}

// ChargeCount returns the number of distinct charges made (for testing/inspection).
func (l *InMemoryPaymentLedger) ChargeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.charges
}

// NewInMemoryDispatchFailureIndex constructs an in-memory dispatch failure index.
func NewInMemoryDispatchFailureIndex() *InMemoryDispatchFailureIndex {
	return &InMemoryDispatchFailureIndex{reasons: make(map[string][]string)}
}

// InMemoryDispatchFailureIndex records dispatch failures in memory.
type InMemoryDispatchFailureIndex struct {
	mu      sync.Mutex
	reasons map[string][]string
}

func (i *InMemoryDispatchFailureIndex) RecordDispatchFailure(_ context.Context, orderID, reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reasons[orderID] = append(i.reasons[orderID], reason)
	return nil
}

// Failures returns the recorded failure reasons for an order (for testing/inspection).
func (i *InMemoryDispatchFailureIndex) Failures(orderID string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.reasons[orderID]))
	copy(out, i.reasons[orderID])
	return out
}
