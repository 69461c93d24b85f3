package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/bagmarket/internal/domain/bag"
	"github.com/xenking/bagmarket/internal/domain/payment"
)

const (
	defaultCurrency = "EUR"
	// priceScale is the number of decimal places kept on frozen prices.
	priceScale = 2
)

// LineRequest is a requested order line before pricing.
type LineRequest struct {
	BagID    int64
	Quantity int
}

// CreateOrderRequest holds the input for placing an order.
type CreateOrderRequest struct {
	UserID     int64
	BusinessID int64
	Items      []LineRequest
}

// Notification is an inbound payment outcome as delivered by the payment
// service. PaymentID is optional.
type Notification struct {
	OrderID   string
	Status    string
	PaymentID string
}

// Option configures a Service.
type Option func(*Service)

// WithMeterProvider enables order metrics on the given provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) {
		s.metrics = newServiceMetrics(mp)
	}
}

// WithCurrency sets the ISO currency used for payment requests.
func WithCurrency(currency string) Option {
	return func(s *Service) {
		if c := strings.TrimSpace(currency); c != "" {
			s.currency = strings.ToUpper(c)
		}
	}
}

// Service owns order placement and payment reconciliation.
type Service struct {
	bags     bag.Gateway
	orders   Store
	payments payment.Gateway
	currency string
	metrics  *serviceMetrics
}

// NewService creates an order Service over the catalog, the order store and
// the payment gateway.
func NewService(
	bags bag.Gateway,
	orders Store,
	payments payment.Gateway,
	opts ...Option,
) *Service {
	s := &Service{
		bags:     bags,
		orders:   orders,
		payments: payments,
		currency: defaultCurrency,
		metrics:  newServiceMetrics(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder validates the requested lines against the catalog, freezes
// their prices rounded to cents and persists a pending order.
//
// Catalog lookups run one by one in input order and stop at the first
// missing or inactive bag, so nothing is persisted unless every line passed.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if len(req.Items) == 0 {
		return nil, &InvalidOrderError{Reason: "empty items"}
	}
	for _, line := range req.Items {
		if line.Quantity < 1 {
			return nil, &InvalidOrderError{Reason: "invalid quantity", BagID: line.BagID}
		}
	}

	items := make([]Item, 0, len(req.Items))
	for _, line := range req.Items {
		snap, err := s.bags.GetItem(ctx, line.BagID)
		if errors.Is(err, bag.ErrNotFound) || (err == nil && snap == nil) {
			return nil, &NotFoundError{Reason: "bag not found", ID: formatID(line.BagID)}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "get bag %d", line.BagID)
		}
		if !snap.Active() {
			return nil, &InvalidStateError{Reason: "bag inactive", ID: formatID(line.BagID)}
		}
		items = append(items, Item{
			BagID:    line.BagID,
			Quantity: line.Quantity,
			Price:    snap.Price.Round(priceScale),
		})
	}

	o := &Order{
		UserID:     req.UserID,
		BusinessID: req.BusinessID,
		Items:      items,
		Status:     StatusPending,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	s.metrics.created.Add(ctx, 1)
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.Int("items", len(o.Items)),
		zap.Stringer("total", o.Total()),
	)
	return o, nil
}

// GetOrder returns the stored order.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.find(ctx, id)
}

// ListOrders returns stored orders matching the filter.
func (s *Service) ListOrders(ctx context.Context, f Filter) ([]Order, error) {
	orders, err := s.orders.FindAll(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// ReconcilePayment applies a payment outcome to a pending order. Orders whose
// payment outcome is already settled are returned unchanged, which makes
// redelivered and late notifications harmless.
func (s *Service) ReconcilePayment(ctx context.Context, orderID, paymentStatus string) (*Order, error) {
	ps, ok := ParsePaymentStatus(paymentStatus)
	if !ok {
		s.metrics.notification(ctx, outcomeRejected)
		return nil, &InvalidOrderError{Reason: "unknown payment status"}
	}

	o, err := s.find(ctx, orderID)
	if err != nil {
		s.notFound(ctx, err)
		return nil, err
	}
	return s.reconcile(ctx, o, ps)
}

// HandleNotification reconciles a webhook delivery. When the delivery names
// a payment, it is associated with an order that has none yet; deliveries
// for a different payment attempt than the associated one are ignored.
func (s *Service) HandleNotification(ctx context.Context, n Notification) (*Order, error) {
	ps, ok := ParsePaymentStatus(n.Status)
	if !ok {
		s.metrics.notification(ctx, outcomeRejected)
		return nil, &InvalidOrderError{Reason: "unknown payment status"}
	}

	o, err := s.find(ctx, n.OrderID)
	if err != nil {
		s.notFound(ctx, err)
		return nil, err
	}

	if ref := strings.TrimSpace(n.PaymentID); ref != "" {
		if o.PaymentReference == "" && o.Status == StatusPending {
			if o, err = s.associate(ctx, o, ref); err != nil {
				var stateErr *InvalidStateError
				if !errors.As(err, &stateErr) {
					return nil, err
				}
				if o, err = s.find(ctx, n.OrderID); err != nil {
					return nil, err
				}
			}
		}
		if o.PaymentReference != ref {
			s.metrics.notification(ctx, outcomeStale)
			zctx.From(ctx).Warn("Ignoring notification for another payment attempt",
				zap.String("order_id", o.ID),
				zap.String("payment_id", ref),
				zap.String("associated", o.PaymentReference),
			)
			return o, nil
		}
	}

	return s.reconcile(ctx, o, ps)
}

func (s *Service) reconcile(ctx context.Context, o *Order, ps PaymentStatus) (*Order, error) {
	lg := zctx.From(ctx).With(
		zap.String("order_id", o.ID),
		zap.String("payment_status", string(ps)),
	)
	if o.Status.Settled() {
		s.metrics.notification(ctx, outcomeNoop)
		lg.Info("Payment outcome already settled", zap.String("status", string(o.Status)))
		return o, nil
	}

	target := ps.Target()
	updated, err := s.orders.UpdateStatus(ctx, o.ID, target, StatusPending)
	if errors.Is(err, ErrStatusConflict) {
		// Another delivery settled the order first.
		current, ferr := s.find(ctx, o.ID)
		if ferr != nil {
			return nil, ferr
		}
		if !current.Status.Settled() {
			return nil, errors.Wrapf(err, "update order %s", o.ID)
		}
		s.metrics.notification(ctx, outcomeNoop)
		lg.Info("Payment outcome settled concurrently", zap.String("status", string(current.Status)))
		return current, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "update order %s", o.ID)
	}

	s.metrics.notification(ctx, outcomeApplied)
	s.metrics.transition(ctx, StatusPending, target)
	lg.Info("Order status changed",
		zap.String("from", string(StatusPending)),
		zap.String("to", string(target)),
	)
	return updated, nil
}

// AssociatePayment records the payment attempt for a pending order. Repeating
// the call with the same reference is a no-op; a different reference is
// rejected.
func (s *Service) AssociatePayment(ctx context.Context, orderID, ref string) (*Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &InvalidOrderError{Reason: "empty payment reference"}
	}
	o, err := s.find(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.associate(ctx, o, ref)
}

func (s *Service) associate(ctx context.Context, o *Order, ref string) (*Order, error) {
	switch {
	case o.PaymentReference == ref:
		return o, nil
	case o.PaymentReference != "":
		return nil, &InvalidStateError{Reason: "payment already associated", ID: o.ID}
	case o.Status != StatusPending:
		return nil, &InvalidStateError{Reason: "order not awaiting payment", ID: o.ID}
	}

	updated, err := s.orders.SetPaymentReference(ctx, o.ID, ref)
	if errors.Is(err, ErrReferenceConflict) {
		current, ferr := s.find(ctx, o.ID)
		if ferr != nil {
			return nil, ferr
		}
		if current.PaymentReference == ref {
			return current, nil
		}
		return nil, &InvalidStateError{Reason: "payment already associated", ID: o.ID}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "set payment reference for order %s", o.ID)
	}

	zctx.From(ctx).Info("Payment associated",
		zap.String("order_id", o.ID),
		zap.String("payment_id", ref),
	)
	return updated, nil
}

// StartPayment creates a payment for the frozen order total and associates
// it with the order. An order that already has a payment is returned as is.
func (s *Service) StartPayment(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.find(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentReference != "" {
		return o, nil
	}
	if o.Status != StatusPending {
		return nil, &InvalidStateError{Reason: "order not awaiting payment", ID: o.ID}
	}

	p, err := s.payments.CreatePayment(ctx, payment.CreateRequest{
		OrderID:        o.ID,
		UserID:         o.UserID,
		Amount:         o.Total(),
		Currency:       s.currency,
		IdempotencyKey: "order:" + o.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create payment for order %s: %w", ErrPaymentGateway, o.ID, err)
	}
	return s.associate(ctx, o, p.ID)
}

// SyncPayment pulls the payment state from the payment service and
// reconciles it, for orders whose notification never arrived.
func (s *Service) SyncPayment(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.find(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentReference == "" || o.Status.Settled() {
		return o, nil
	}

	p, err := s.payments.GetPayment(ctx, o.PaymentReference)
	if err != nil {
		return nil, fmt.Errorf("%w: get payment %s: %w", ErrPaymentGateway, o.PaymentReference, err)
	}
	switch p.Status {
	case payment.StatusCompleted:
		return s.reconcile(ctx, o, PaymentCompleted)
	case payment.StatusFailed:
		return s.reconcile(ctx, o, PaymentFailed)
	case payment.StatusCancelled:
		return s.reconcile(ctx, o, PaymentCancelled)
	default:
		return o, nil
	}
}

// CancelOrder cancels a pending order together with its payment attempt.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.find(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case StatusCancelled:
		return o, nil
	case StatusPending:
	default:
		return nil, &InvalidStateError{Reason: "order not cancellable", ID: o.ID}
	}

	if o.PaymentReference != "" {
		if _, err := s.payments.CancelPayment(ctx, o.PaymentReference); err != nil {
			return nil, fmt.Errorf("%w: cancel payment %s: %w", ErrPaymentGateway, o.PaymentReference, err)
		}
	}
	return s.transition(ctx, o, StatusCancelled)
}

// RefundOrder refunds the payment of a confirmed order and marks it refunded.
// Refunding an already refunded order is a no-op. A confirmed order without a
// payment reference is marked refunded without calling the gateway.
func (s *Service) RefundOrder(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.find(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case StatusRefunded:
		return o, nil
	case StatusConfirmed:
	default:
		return nil, &InvalidStateError{Reason: "order not refundable", ID: o.ID}
	}

	// Orders confirmed through a bare status notification never learned
	// their payment id; there is nothing to refund remotely.
	if o.PaymentReference == "" {
		zctx.From(ctx).Warn("Refunding order without payment reference", zap.String("order_id", o.ID))
		return s.transition(ctx, o, StatusRefunded)
	}

	if _, err := s.payments.RefundPayment(ctx, o.PaymentReference); err != nil {
		return nil, fmt.Errorf("%w: refund payment %s: %w", ErrPaymentGateway, o.PaymentReference, err)
	}
	return s.transition(ctx, o, StatusRefunded)
}

// transition applies an explicit (non-webhook) status change guarded by the
// order's current status.
func (s *Service) transition(ctx context.Context, o *Order, to Status) (*Order, error) {
	if !CanTransition(o.Status, to) {
		return nil, &InvalidStateError{Reason: fmt.Sprintf("cannot move from %s to %s", o.Status, to), ID: o.ID}
	}
	updated, err := s.orders.UpdateStatus(ctx, o.ID, to, o.Status)
	if errors.Is(err, ErrStatusConflict) {
		current, ferr := s.find(ctx, o.ID)
		if ferr != nil {
			return nil, ferr
		}
		if current.Status == to {
			return current, nil
		}
		return nil, &InvalidStateError{Reason: "order status changed concurrently", ID: o.ID}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "update order %s", o.ID)
	}

	s.metrics.transition(ctx, o.Status, to)
	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(o.Status)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

func (s *Service) find(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Reason: "order not found", ID: id}
		}
		return nil, errors.Wrapf(err, "find order %s", id)
	}
	return o, nil
}

func (s *Service) notFound(ctx context.Context, err error) {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		s.metrics.notification(ctx, outcomeNotFound)
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
