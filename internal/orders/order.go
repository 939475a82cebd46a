package orders

import "time"

// Item is one order line.
type Item struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// Order is the saga's working record. It is passed by value to steps and to
// the shipping saga: steps return derived values that the saga applies, they
// never mutate the caller's copy.
type Order struct {
	ID              string    `json:"id"`
	Items           []Item    `json:"items"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	PaymentID       string    `json:"payment_id"`
	ShippingAddress string    `json:"shipping_address"`
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	out := o
	out.Items = make([]Item, len(o.Items))
	copy(out.Items, o.Items)
	return out
}

// ChargeAmount computes the charge for an order as the sum of item
// quantities. Real pricing is a downstream concern; the saga only needs a
// deterministic amount to deduplicate on.
func ChargeAmount(o Order) int64 {
	var amount int64
	for _, item := range o.Items {
		amount += int64(item.Qty)
	}
	return amount
}

// Status is an order saga's lifecycle state.
type Status string

const (
	StatusStarted               Status = "started"
	StatusProcessing            Status = "processing"
	StatusAwaitingManualReview  Status = "awaiting_manual_review"
	StatusManualReviewCompleted Status = "manual_review_completed"
	StatusProcessingPayment     Status = "processing_payment"
	StatusShipping              Status = "shipping"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
)

// Terminal reports whether the status is a terminal outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Terminal result reasons.
const (
	ReasonCancelled        = "Order cancelled by user"
	ReasonValidationFailed = "Order validation failed"
	ReasonReviewTimeout    = "Manual review timed out"
)

// DefaultAddress is used when a saga is started without an initial address.
const DefaultAddress = "Default Address"

// PaymentResult is the outcome of a payment capture.
type PaymentResult struct {
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// ShippingResult is the shipping saga's terminal result.
type ShippingResult struct {
	Status         string `json:"status"`
	PackageStatus  string `json:"package_status"`
	DispatchStatus string `json:"dispatch_status"`
	OrderID        string `json:"order_id"`
}

// Result is the order saga's structured terminal outcome. Every exit path
// produces one: completed, failed (with reason and faulting phase), or
// cancelled. Step faults are never surfaced as bare errors.
type Result struct {
	Status          Status          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	Phase           string          `json:"phase,omitempty"`
	OrderID         string          `json:"order_id"`
	Order           *Order          `json:"order_data,omitempty"`
	PaymentResult   *PaymentResult  `json:"payment_result,omitempty"`
	ShippingResult  *ShippingResult `json:"shipping_result,omitempty"`
	ShippingAddress string          `json:"shipping_address,omitempty"`
}

// StatusSnapshot is the order saga's read-only query surface.
type StatusSnapshot struct {
	Status                Status          `json:"status"`
	Order                 *Order          `json:"order_data,omitempty"`
	ValidationResult      *bool           `json:"validation_result,omitempty"`
	PaymentResult         *PaymentResult  `json:"payment_result,omitempty"`
	ShippingResult        *ShippingResult `json:"shipping_result,omitempty"`
	IsCancelled           bool            `json:"is_cancelled"`
	ShippingAddress       string          `json:"shipping_address"`
	ManualReviewCompleted bool            `json:"manual_review_completed"`
}

// ShippingSnapshot is the shipping saga's read-only query surface.
type ShippingSnapshot struct {
	PackageStatus         string `json:"package_status"`
	DispatchStatus        string `json:"dispatch_status"`
	DispatchFailureReason string `json:"dispatch_failure_reason,omitempty"`
}

// OrderRunID returns the saga run id addressing an order's top-level saga.
func OrderRunID(orderID string) string { return "order-" + orderID }

// ShippingRunID returns the run id of an order's shipping child saga.
func ShippingRunID(orderID string) string { return "shipping-" + orderID }

// PaymentKey derives the idempotency key for an order's payment capture from
// the order id and the saga run id. Both are stable across retries and
// recovery, so re-invocations recompute the identical key.
func PaymentKey(orderID, runID string) string {
	return "PAY-" + orderID + "-" + runID
}
