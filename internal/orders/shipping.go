package orders

import (
	"context"
	"errors"
	"sync"

	"orderflow/internal/saga"
)

// SignalRetryDispatch asks a shipping saga stuck on a failed carrier
// dispatch to try again.
const SignalRetryDispatch = "retry_dispatch"

// Step names journaled by the shipping saga.
const (
	StepPreparePackage  = "prepare_package"
	StepDispatchCarrier = "dispatch_carrier"
)

// Package and dispatch states exposed by the shipping saga.
const (
	PackagePreparing = "preparing"
	PackagePrepared  = "prepared"

	DispatchPending     = "pending"
	DispatchInProgress  = "dispatching"
	DispatchFailedState = "dispatch_failed"
	DispatchCompleted   = "dispatched"
)

// NewShippingSaga constructs the child saga that prepares and dispatches one
// order's package. index may be nil, in which case dispatch failures are not
// published for operator tooling.
func NewShippingSaga(order Order, steps Steps, index DispatchFailureIndex, cfg Config) *ShippingSaga {
	return &ShippingSaga{
		order:          order,
		dispatchStatus: DispatchPending,
		steps:          steps,
		index:          index,
		cfg:            cfg,
	}
}

// ShippingSaga prepares a package and dispatches a carrier. When dispatch
// attempts are exhausted it holds open an operator window: a retry_dispatch
// signal restarts the dispatch, and if the window lapses the failure
// propagates to the parent.
type ShippingSaga struct {
	mu             sync.Mutex
	order          Order
	packageStatus  string
	dispatchStatus string
	failureReason  string
	retryRequested bool

	steps Steps
	index DispatchFailureIndex
	cfg   Config
}

func (s *ShippingSaga) Execute(ctx context.Context, rc *saga.RunContext) (any, error) {
	s.setPackage(PackagePreparing)
	if _, err := rc.ExecuteStep(ctx, StepPreparePackage, s.cfg.Policies.Prepare, func(ctx context.Context) (any, error) {
		return s.steps.PreparePackage(ctx, s.order)
	}); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	s.setPackage(PackagePrepared)

	for {
		s.setDispatch(DispatchInProgress, "")
		_, err := rc.ExecuteStep(ctx, StepDispatchCarrier, s.cfg.Policies.Dispatch, func(ctx context.Context) (any, error) {
			return s.steps.DispatchCarrier(ctx, s.order)
		})
		if err == nil {
			s.setDispatch(DispatchCompleted, "")
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason := err.Error()
		s.setDispatch(DispatchFailedState, reason)
		if s.index != nil {
			// Best effort; replay after a crash may publish the same
			// failure twice, which the index tolerates.
			_ = s.index.RecordDispatchFailure(ctx, s.order.ID, reason)
		}

		retried, aerr := rc.AwaitCondition(ctx, "retry_dispatch", func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.retryRequested
		}, s.cfg.RetryDispatchWait)
		if aerr != nil {
			return nil, aerr
		}
		if !retried {
			return nil, saga.Terminal(errors.New("carrier dispatch failed: " + reason))
		}
		s.mu.Lock()
		s.retryRequested = false
		s.mu.Unlock()
	}

	return ShippingResult{
		Status:         "completed",
		PackageStatus:  PackagePrepared,
		DispatchStatus: DispatchCompleted,
		OrderID:        s.order.ID,
	}, nil
}

func (s *ShippingSaga) ApplySignal(sig saga.Signal) {
	if sig.Name != SignalRetryDispatch {
		return
	}
	s.mu.Lock()
	s.retryRequested = true
	s.dispatchStatus = DispatchPending
	s.failureReason = ""
	s.mu.Unlock()
}

// Snapshot returns the shipping saga's current public state.
func (s *ShippingSaga) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShippingSnapshot{
		PackageStatus:         s.packageStatus,
		DispatchStatus:        s.dispatchStatus,
		DispatchFailureReason: s.failureReason,
	}
}

func (s *ShippingSaga) setPackage(status string) {
	s.mu.Lock()
	s.packageStatus = status
	s.mu.Unlock()
}

func (s *ShippingSaga) setDispatch(status, reason string) {
	s.mu.Lock()
	s.dispatchStatus = status
	s.failureReason = reason
	s.mu.Unlock()
}
