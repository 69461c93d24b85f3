package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bagmarket/internal/domain/order"
)

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := decodeCreateOrder(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	o, err := h.orders.CreateOrder(r.Context(), req)
	if err != nil {
		h.fail(r.Context(), w, err, http.StatusBadRequest)
		return
	}
	w.Header().Set("Location", "/api/orders/"+o.ID)
	writeOrder(w, http.StatusCreated, o)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(r.Context(), w, err, http.StatusConflict)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f order.Filter
	for name, dst := range map[string]*int64{"userId": &f.UserID, "businessId": &f.BusinessID} {
		v := strings.TrimSpace(q.Get(name))
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = id
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		f.Status = order.Status(strings.ToLower(v))
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}

	orders, err := h.orders.ListOrders(r.Context(), f)
	if err != nil {
		h.fail(r.Context(), w, err, http.StatusConflict)
		return
	}
	writeOrders(w, orders)
}

// orderAction adapts a service call on a single order to a handler.
func (h *Handler) orderAction(call func(context.Context, string) (*order.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := call(r.Context(), chi.URLParam(r, "orderId"))
		if err != nil {
			h.fail(r.Context(), w, err, http.StatusConflict)
			return
		}
		writeOrder(w, http.StatusOK, o)
	}
}

func (h *Handler) startPayment(w http.ResponseWriter, r *http.Request) {
	h.orderAction(h.orders.StartPayment)(w, r)
}

func (h *Handler) syncPayment(w http.ResponseWriter, r *http.Request) {
	h.orderAction(h.orders.SyncPayment)(w, r)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(h.orders.CancelOrder)(w, r)
}

func (h *Handler) refundOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(h.orders.RefundOrder)(w, r)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error, stateStatus int) {
	status, msg := errorStatus(err, stateStatus)
	if status >= http.StatusInternalServerError {
		zctx.From(ctx).Error("Request failed", zap.Error(err))
	}
	writeError(w, status, msg)
}
