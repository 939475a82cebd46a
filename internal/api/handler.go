package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"orderflow/internal/orders"
	"orderflow/internal/saga"
)

// Handler serves the order saga's HTTP surface.
type Handler struct {
	service *orders.Service
}

// NewHandler wires the handler around the order service.
func NewHandler(service *orders.Service) *Handler {
	return &Handler{service: service}
}

// StartOrder begins an order saga and returns immediately; progress is
// observed via the status endpoint or the WebSocket feed.
func (h *Handler) StartOrder(w http.ResponseWriter, r *http.Request) {
	var req StartOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "order_id is required")
		return
	}

	slog.InfoContext(r.Context(), "starting order", "order_id", req.OrderID)

	if err := h.service.StartOrder(r.Context(), req.OrderID, req.Address); err != nil {
		if errors.Is(err, saga.ErrRunActive) {
			writeError(w, http.StatusConflict, "order_already_running", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, StartOrderResponse{OrderID: req.OrderID, Status: "started"})
}

// CancelOrder requests cancellation; the saga observes it at its next
// checkpoint.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, "cancel", h.service.CancelOrder)
}

// UpdateAddress changes the shipping address of an in-flight order.
func (h *Handler) UpdateAddress(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}

	var req UpdateAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "address is required")
		return
	}

	if err := h.service.UpdateAddress(orderID, req.Address); err != nil {
		writeSignalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{OrderID: orderID, Action: "update_address"})
}

// CompleteManualReview records an operator's review decision.
func (h *Handler) CompleteManualReview(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, "complete_manual_review", h.service.CompleteManualReview)
}

// RetryDispatch asks a shipping saga stuck on a failed dispatch to retry.
func (h *Handler) RetryDispatch(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, "retry_dispatch", h.service.RetryDispatch)
}

// OrderStatus returns an order saga's current snapshot.
func (h *Handler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}

	snap, err := h.service.OrderStatus(orderID)
	if err != nil {
		if errors.Is(err, saga.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "order_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, OrderStatusResponse{OrderID: orderID, StatusSnapshot: snap})
}

// ShippingStatus returns the shipping child saga's current snapshot.
func (h *Handler) ShippingStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}

	snap, err := h.service.ShippingStatus(orderID)
	if err != nil {
		if errors.Is(err, saga.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "shipping_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ShippingStatusResponse{OrderID: orderID, ShippingSnapshot: snap})
}

func (h *Handler) signal(w http.ResponseWriter, r *http.Request, action string, send func(orderID string) error) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}

	slog.InfoContext(r.Context(), "signaling order", "order_id", orderID, "action", action)

	if err := send(orderID); err != nil {
		writeSignalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{OrderID: orderID, Action: action})
}

func writeSignalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, saga.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, saga.ErrRunFinished):
		writeError(w, http.StatusConflict, "order_finished", err.Error())
	case errors.Is(err, saga.ErrMailboxFull):
		writeError(w, http.StatusServiceUnavailable, "mailbox_full", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "signal_failed", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
