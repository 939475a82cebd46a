package orders

import (
	"context"
	"encoding/json"
	"sync"

	"orderflow/internal/saga"
)

// Signal names accepted by the order saga.
const (
	SignalCancelOrder          = "cancel_order"
	SignalUpdateAddress        = "update_address"
	SignalCompleteManualReview = "complete_manual_review"
)

// Step names journaled by the order saga.
const (
	StepReceiveOrder   = "receive_order"
	StepValidateOrder  = "validate_order"
	StepCapturePayment = "capture_payment"
)

// AddressChange is the update_address signal payload.
type AddressChange struct {
	Address string `json:"address"`
}

// NewOrderSaga constructs the saga instance driving one order's lifecycle.
// onStatus, when non-nil, is invoked after every status transition with a
// fresh snapshot; it must not block.
func NewOrderSaga(orderID, address string, steps Steps, ledger PaymentLedger, cfg Config, onStatus func(orderID string, snap StatusSnapshot)) *OrderSaga {
	if address == "" {
		address = DefaultAddress
	}
	return &OrderSaga{
		orderID:  orderID,
		address:  address,
		status:   StatusStarted,
		steps:    steps,
		ledger:   ledger,
		cfg:      cfg,
		onStatus: onStatus,
	}
}

// OrderSaga orchestrates receipt, validation, manual review, payment capture
// and shipping for a single order. All mutable state lives behind mu so
// Snapshot can be served from any goroutine while the run progresses.
type OrderSaga struct {
	mu              sync.Mutex
	orderID         string
	address         string
	status          Status
	order           *Order
	validation      *bool
	payment         *PaymentResult
	shipping        *ShippingResult
	cancelled       bool
	reviewCompleted bool

	steps    Steps
	ledger   PaymentLedger
	index    DispatchFailureIndex
	cfg      Config
	onStatus func(orderID string, snap StatusSnapshot)
}

// WithDispatchFailureIndex wires the index handed down to the shipping child.
func (s *OrderSaga) WithDispatchFailureIndex(index DispatchFailureIndex) *OrderSaga {
	s.index = index
	return s
}

func (s *OrderSaga) Execute(ctx context.Context, rc *saga.RunContext) (any, error) {
	s.setStatus(StatusProcessing)

	raw, err := rc.ExecuteStep(ctx, StepReceiveOrder, s.cfg.Policies.Receive, func(ctx context.Context) (any, error) {
		return s.steps.ReceiveOrder(ctx, s.orderID)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return s.failed(StepReceiveOrder, err), nil
	}
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return s.failed(StepReceiveOrder, err), nil
	}
	s.setOrder(order)

	rc.Checkpoint(ctx)
	if s.isCancelled() {
		return s.cancelResult(), nil
	}

	raw, err = rc.ExecuteStep(ctx, StepValidateOrder, s.cfg.Policies.Validate, func(ctx context.Context) (any, error) {
		return s.steps.ValidateOrder(ctx, s.orderSnapshot())
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return s.failed(StepValidateOrder, err), nil
	}
	var valid bool
	if err := json.Unmarshal(raw, &valid); err != nil {
		return s.failed(StepValidateOrder, err), nil
	}
	s.setValidation(valid)
	if !valid {
		return s.failedWithReason(StepValidateOrder, ReasonValidationFailed), nil
	}

	rc.Checkpoint(ctx)
	if s.isCancelled() {
		return s.cancelResult(), nil
	}

	s.setStatus(StatusAwaitingManualReview)
	met, err := rc.AwaitCondition(ctx, "manual_review", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.reviewCompleted || s.cancelled
	}, s.cfg.ReviewDeadline)
	if err != nil {
		return nil, err
	}
	if s.isCancelled() {
		return s.cancelResult(), nil
	}
	if !met && s.cfg.ReviewTimeoutOutcome != ReviewTimeoutProceed {
		return s.failedWithReason("manual_review", ReasonReviewTimeout), nil
	}

	s.setStatus(StatusProcessingPayment)
	paymentKey := PaymentKey(s.orderID, rc.RunID())
	raw, err = rc.ExecuteStep(ctx, StepCapturePayment, s.cfg.Policies.Capture, func(ctx context.Context) (any, error) {
		res, err := s.ledger.Capture(ctx, s.orderSnapshot(), paymentKey)
		if err != nil {
			return nil, err
		}
		// A retried attempt re-enters Capture with the same key, so the paid
		// marker failing here cannot double charge.
		if err := s.steps.MarkOrderPaid(ctx, s.orderID); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return s.failed(StepCapturePayment, err), nil
	}
	var payment PaymentResult
	if err := json.Unmarshal(raw, &payment); err != nil {
		return s.failed(StepCapturePayment, err), nil
	}
	s.setPayment(payment, paymentKey)

	// The capture is keyed, so a cancel landing during the payment step
	// leaves at most one charge behind.
	rc.Checkpoint(ctx)
	if s.isCancelled() {
		return s.cancelResult(), nil
	}

	// The order ships to whatever address is current when the child starts.
	s.setStatus(StatusShipping)
	shipOrder := s.orderSnapshot()
	child := NewShippingSaga(shipOrder, s.steps, s.index, s.cfg)
	childRaw, abandoned, err := rc.RunChild(ctx, ShippingRunID(s.orderID), child, s.cfg.ShippingWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return s.failed("shipping", err), nil
	}
	if !abandoned {
		var shipping ShippingResult
		if err := json.Unmarshal(childRaw, &shipping); err != nil {
			return s.failed("shipping", err), nil
		}
		s.setShipping(shipping)
	}

	s.setStatus(StatusCompleted)
	return s.result(StatusCompleted, "", ""), nil
}

// ApplySignal mutates saga state. The runtime only calls it from the run's
// goroutine while the run is suspended, after journaling the signal.
func (s *OrderSaga) ApplySignal(sig saga.Signal) {
	switch sig.Name {
	case SignalCancelOrder:
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		// Observers see the cancellation at once; the run itself winds down
		// at its next checkpoint.
		s.setStatus(StatusCancelled)
	case SignalUpdateAddress:
		var change AddressChange
		if err := json.Unmarshal(sig.Payload, &change); err != nil || change.Address == "" {
			return
		}
		s.mu.Lock()
		s.address = change.Address
		if s.order != nil {
			s.order.ShippingAddress = change.Address
		}
		s.mu.Unlock()
	case SignalCompleteManualReview:
		s.mu.Lock()
		if !s.reviewCompleted {
			s.reviewCompleted = true
			if s.status == StatusAwaitingManualReview {
				s.status = StatusManualReviewCompleted
			}
		}
		s.mu.Unlock()
	}
}

// Snapshot returns the saga's current public state.
func (s *OrderSaga) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatusSnapshot{
		Status:                s.status,
		ValidationResult:      s.validation,
		PaymentResult:         s.payment,
		ShippingResult:        s.shipping,
		IsCancelled:           s.cancelled,
		ShippingAddress:       s.address,
		ManualReviewCompleted: s.reviewCompleted,
	}
	if s.order != nil {
		o := s.order.Clone()
		snap.Order = &o
	}
	return snap
}

func (s *OrderSaga) setStatus(status Status) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *OrderSaga) setOrder(order Order) {
	s.mu.Lock()
	order.ShippingAddress = s.address
	s.order = &order
	s.mu.Unlock()
	s.notify()
}

func (s *OrderSaga) setValidation(valid bool) {
	s.mu.Lock()
	s.validation = &valid
	s.mu.Unlock()
}

func (s *OrderSaga) setPayment(payment PaymentResult, paymentKey string) {
	s.mu.Lock()
	s.payment = &payment
	if s.order != nil {
		s.order.PaymentID = paymentKey
	}
	s.mu.Unlock()
	s.notify()
}

func (s *OrderSaga) setShipping(shipping ShippingResult) {
	s.mu.Lock()
	s.shipping = &shipping
	s.mu.Unlock()
}

func (s *OrderSaga) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *OrderSaga) orderSnapshot() Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		return Order{ID: s.orderID, ShippingAddress: s.address}
	}
	o := s.order.Clone()
	o.ShippingAddress = s.address
	return o
}

func (s *OrderSaga) notify() {
	if s.onStatus == nil {
		return
	}
	snap, _ := s.Snapshot().(StatusSnapshot)
	s.onStatus(s.orderID, snap)
}

func (s *OrderSaga) cancelResult() Result {
	s.setStatus(StatusCancelled)
	return s.result(StatusCancelled, ReasonCancelled, "")
}

func (s *OrderSaga) failed(phase string, err error) Result {
	return s.failedWithReason(phase, err.Error())
}

func (s *OrderSaga) failedWithReason(phase, reason string) Result {
	s.setStatus(StatusFailed)
	return s.result(StatusFailed, reason, phase)
}

func (s *OrderSaga) result(status Status, reason, phase string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := Result{
		Status:          status,
		Reason:          reason,
		Phase:           phase,
		OrderID:         s.orderID,
		PaymentResult:   s.payment,
		ShippingResult:  s.shipping,
		ShippingAddress: s.address,
	}
	if s.order != nil {
		o := s.order.Clone()
		res.Order = &o
	}
	return res
}
