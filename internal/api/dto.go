package api

import "orderflow/internal/orders"

type StartOrderRequest struct {
	OrderID string `json:"order_id"`
	Address string `json:"address,omitempty"`
}

type StartOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type UpdateAddressRequest struct {
	Address string `json:"address"`
}

type AcceptedResponse struct {
	OrderID string `json:"order_id"`
	Action  string `json:"action"`
}

type OrderStatusResponse struct {
	OrderID string `json:"order_id"`
	orders.StatusSnapshot
}

type ShippingStatusResponse struct {
	OrderID string `json:"order_id"`
	orders.ShippingSnapshot
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
