package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ms-orders/internal/auth"
)

// NewRouter wires the HTTP surface. The webhook sink stays outside auth;
// order submission takes an optional bearer token; e-ticket verification
// requires an organization credential.
func NewRouter(h *Handler, jwtSecret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// The stream endpoint holds connections open, so it stays outside the
	// request timeout.
	r.Get("/transactions/{localID}/stream-status", h.StreamTransactionStatus)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/transactions/webhook/{gateway}", h.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(auth.Optional(jwtSecret))
			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Get("/orders/{orderID}/etickets", h.GetOrderETickets)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireOrganization(jwtSecret))
			r.Post("/etickets/verify", h.VerifyETicket)
			r.Get("/events/{eventID}/analytics", h.GetEventSales)
			r.Get("/organizations/sales", h.GetOrganizationSales)
		})
	})

	return r
}
