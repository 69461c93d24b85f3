package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bagmarket/internal/domain/order"
	"github.com/xenking/bagmarket/internal/payment/stripepay"
)

// paymentWebhook receives payment outcomes from the payment service. It
// answers 200 for applied and already applied outcomes so the sender stops
// redelivering, and a 5xx when the outcome could not be stored.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := decodeNotification(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification: "+err.Error())
		return
	}
	h.notify(w, r, n)
}

// stripeWebhook receives Stripe events. Events without a payment outcome are
// acknowledged so Stripe does not retry them.
func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := stripepay.ParseWebhook(data, r.Header.Get("Stripe-Signature"), h.stripeSecret)
	switch {
	case errors.Is(err, stripepay.ErrInvalidSignature):
		zctx.From(r.Context()).Warn("Stripe webhook rejected", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, stripepay.ErrIgnoredEvent):
		zctx.From(r.Context()).Debug("Stripe event ignored", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}
	h.notify(w, r, n)
}

func (h *Handler) notify(w http.ResponseWriter, r *http.Request, n order.Notification) {
	ctx := r.Context()
	o, err := h.orders.HandleNotification(ctx, n)
	if err != nil {
		status, msg := errorStatus(err, http.StatusConflict)
		lg := zctx.From(ctx).With(zap.String("order_id", n.OrderID), zap.String("status", n.Status))
		if status >= http.StatusInternalServerError {
			lg.Error("Payment notification failed", zap.Error(err))
		} else {
			lg.Warn("Payment notification rejected", zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}
	writeOrder(w, http.StatusOK, o)
}
