package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"orderflow/internal/saga"
)

// NewService wires a Service around a saga manager and the order saga's
// collaborators.
func NewService(mgr *saga.Manager, steps Steps, ledger PaymentLedger, index DispatchFailureIndex, cfg Config, onStatus func(orderID string, snap StatusSnapshot)) *Service {
	return &Service{
		mgr:      mgr,
		steps:    steps,
		ledger:   ledger,
		index:    index,
		cfg:      cfg,
		onStatus: onStatus,
		orders:   make(map[string]*saga.Handle),
		shipping: make(map[string]*saga.Handle),
	}
}

// Service is the application surface over order sagas: it starts runs,
// routes signals and serves status queries. It retains handles to runs it
// started so status and results stay queryable after a run finishes.
type Service struct {
	mgr      *saga.Manager
	steps    Steps
	ledger   PaymentLedger
	index    DispatchFailureIndex
	cfg      Config
	onStatus func(orderID string, snap StatusSnapshot)

	mu       sync.Mutex
	orders   map[string]*saga.Handle
	shipping map[string]*saga.Handle
}

// StartOrder begins the saga for an order. An empty address selects the
// default. Starting an order that is already running returns ErrRunActive.
func (s *Service) StartOrder(ctx context.Context, orderID, address string) error {
	inst := NewOrderSaga(orderID, address, s.steps, s.ledger, s.cfg, s.onStatus).
		WithDispatchFailureIndex(s.index)
	h, err := s.mgr.Start(ctx, OrderRunID(orderID), inst)
	if err != nil {
		return fmt.Errorf("start order %s: %w", orderID, err)
	}
	s.mu.Lock()
	s.orders[orderID] = h
	s.mu.Unlock()
	return nil
}

// CancelOrder requests cooperative cancellation of an order's saga.
func (s *Service) CancelOrder(orderID string) error {
	return s.signalOrder(orderID, saga.Signal{Name: SignalCancelOrder})
}

// UpdateAddress changes the shipping address for an order still in flight.
func (s *Service) UpdateAddress(orderID, address string) error {
	payload, err := json.Marshal(AddressChange{Address: address})
	if err != nil {
		return err
	}
	return s.signalOrder(orderID, saga.Signal{Name: SignalUpdateAddress, Payload: payload})
}

// CompleteManualReview records an operator's review decision for an order.
func (s *Service) CompleteManualReview(orderID string) error {
	return s.signalOrder(orderID, saga.Signal{Name: SignalCompleteManualReview})
}

// RetryDispatch asks an order's shipping saga to retry a failed carrier
// dispatch.
func (s *Service) RetryDispatch(orderID string) error {
	h, err := s.shippingHandle(orderID)
	if err != nil {
		return fmt.Errorf("retry dispatch for order %s: %w", orderID, err)
	}
	if err := h.Signal(saga.Signal{Name: SignalRetryDispatch}); err != nil {
		return fmt.Errorf("retry dispatch for order %s: %w", orderID, err)
	}
	return nil
}

// OrderStatus returns an order saga's current snapshot.
func (s *Service) OrderStatus(orderID string) (StatusSnapshot, error) {
	h, err := s.orderHandle(orderID)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("status of order %s: %w", orderID, err)
	}
	snap, ok := h.Snapshot().(StatusSnapshot)
	if !ok {
		return StatusSnapshot{}, fmt.Errorf("status of order %s: unexpected snapshot type", orderID)
	}
	return snap, nil
}

// ShippingStatus returns the shipping child saga's current snapshot.
func (s *Service) ShippingStatus(orderID string) (ShippingSnapshot, error) {
	h, err := s.shippingHandle(orderID)
	if err != nil {
		return ShippingSnapshot{}, fmt.Errorf("shipping status of order %s: %w", orderID, err)
	}
	snap, ok := h.Snapshot().(ShippingSnapshot)
	if !ok {
		return ShippingSnapshot{}, fmt.Errorf("shipping status of order %s: unexpected snapshot type", orderID)
	}
	return snap, nil
}

// OrderResult blocks until an order's saga finishes and returns its terminal
// result.
func (s *Service) OrderResult(ctx context.Context, orderID string) (Result, error) {
	h, err := s.orderHandle(orderID)
	if err != nil {
		return Result{}, fmt.Errorf("result of order %s: %w", orderID, err)
	}
	var res Result
	if err := h.Result(ctx, &res); err != nil {
		return Result{}, fmt.Errorf("result of order %s: %w", orderID, err)
	}
	return res, nil
}

func (s *Service) signalOrder(orderID string, sig saga.Signal) error {
	h, err := s.orderHandle(orderID)
	if err != nil {
		return fmt.Errorf("signal %s to order %s: %w", sig.Name, orderID, err)
	}
	if err := h.Signal(sig); err != nil {
		return fmt.Errorf("signal %s to order %s: %w", sig.Name, orderID, err)
	}
	return nil
}

func (s *Service) orderHandle(orderID string) (*saga.Handle, error) {
	s.mu.Lock()
	h, ok := s.orders[orderID]
	s.mu.Unlock()
	if ok {
		return h, nil
	}
	// Runs resumed by recovery rather than StartOrder live only in the
	// manager.
	h, ok = s.mgr.Get(OrderRunID(orderID))
	if !ok {
		return nil, saga.ErrRunNotFound
	}
	s.mu.Lock()
	s.orders[orderID] = h
	s.mu.Unlock()
	return h, nil
}

func (s *Service) shippingHandle(orderID string) (*saga.Handle, error) {
	s.mu.Lock()
	h, ok := s.shipping[orderID]
	s.mu.Unlock()
	if ok {
		return h, nil
	}
	h, ok = s.mgr.Get(ShippingRunID(orderID))
	if !ok {
		return nil, saga.ErrRunNotFound
	}
	s.mu.Lock()
	s.shipping[orderID] = h
	s.mu.Unlock()
	return h, nil
}
