// Package handler exposes the order service over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/bagmarket/internal/domain/order"
	"github.com/xenking/bagmarket/pkg/httpmiddleware"
)

// OrderService is the part of *order.Service the handlers call.
type OrderService interface {
	CreateOrder(ctx context.Context, req order.CreateOrderRequest) (*order.Order, error)
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, f order.Filter) ([]order.Order, error)
	HandleNotification(ctx context.Context, n order.Notification) (*order.Order, error)
	StartPayment(ctx context.Context, orderID string) (*order.Order, error)
	SyncPayment(ctx context.Context, orderID string) (*order.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*order.Order, error)
	RefundOrder(ctx context.Context, orderID string) (*order.Order, error)
}

var _ OrderService = (*order.Service)(nil)

// Config holds the optional parts of the Handler.
type Config struct {
	// WebhookAuth guards POST /api/payments/webhook, typically
	// httpmiddleware.VerifySignature.
	WebhookAuth httpmiddleware.Middleware
	// Idempotency wraps the mutating order routes.
	Idempotency httpmiddleware.Middleware
	// StripeWebhookSecret enables POST /api/payments/webhook/stripe.
	StripeWebhookSecret string
}

// Handler serves the order and payment webhook routes.
type Handler struct {
	orders       OrderService
	webhookAuth  httpmiddleware.Middleware
	idempotency  httpmiddleware.Middleware
	stripeSecret string
}

// New creates a Handler.
func New(orders OrderService, cfg Config) *Handler {
	return &Handler{
		orders:       orders,
		webhookAuth:  cfg.WebhookAuth,
		idempotency:  cfg.Idempotency,
		stripeSecret: cfg.StripeWebhookSecret,
	}
}

// Routes registers the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/orders", func(r chi.Router) {
		r.Get("/", h.listOrders)
		r.Get("/{orderId}", h.getOrder)

		r.Group(func(r chi.Router) {
			if h.idempotency != nil {
				r.Use(h.idempotency)
			}
			r.Post("/", h.createOrder)
			r.Post("/{orderId}/payment", h.startPayment)
			r.Post("/{orderId}/sync", h.syncPayment)
			r.Post("/{orderId}/cancel", h.cancelOrder)
			r.Post("/{orderId}/refund", h.refundOrder)
		})
	})

	r.Route("/api/payments/webhook", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.webhookAuth != nil {
				r.Use(h.webhookAuth)
			}
			r.Post("/", h.paymentWebhook)
		})
		if h.stripeSecret != "" {
			r.Post("/stripe", h.stripeWebhook)
		}
	})
}

// NewRouter returns a chi router serving the API with chi's 404/405
// handlers replaced by JSON errors.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	h.Routes(r)
	return r
}
