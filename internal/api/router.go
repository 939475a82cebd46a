package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"orderflow/internal/observability"
	"orderflow/internal/realtime"
)

// NewRouter assembles the HTTP surface: order lifecycle operations, status
// queries, the WebSocket status feed and the metrics endpoint.
func NewRouter(handler *Handler, hub *realtime.Hub, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/orders", handler.StartOrder)
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Post("/cancel", handler.CancelOrder)
		r.Post("/address", handler.UpdateAddress)
		r.Post("/review/complete", handler.CompleteManualReview)
		r.Get("/status", handler.OrderStatus)
		r.Route("/shipping", func(r chi.Router) {
			r.Post("/retry-dispatch", handler.RetryDispatch)
			r.Get("/status", handler.ShippingStatus)
		})
	})

	if hub != nil {
		r.Get("/ws", ServeWS(hub))
	}
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(metrics))
	}

	return r
}
