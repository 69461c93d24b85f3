// Package stripepay implements the payment gateway on Stripe Payment
// Intents and translates Stripe webhook events into payment notifications.
package stripepay

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"

	"github.com/xenking/bagmarket/internal/domain/payment"
)

// MetadataOrderID is the Payment Intent metadata key carrying the order id.
const MetadataOrderID = "order_id"

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// Clients overrides the Stripe API clients, mainly for tests.
type Clients struct {
	Intents intentAPI
	Refunds refundAPI
}

// Config configures the Gateway.
type Config struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Clients   *Clients
}

var _ payment.Gateway = (*Gateway)(nil)

// Gateway is a payment.Gateway backed by Stripe.
type Gateway struct {
	intents intentAPI
	refunds refundAPI
	account string
}

// New constructs a Stripe gateway.
func New(cfg Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients Clients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = Clients{Intents: sc.PaymentIntents, Refunds: sc.Refunds}
	}
	if clients.Intents == nil || clients.Refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	return &Gateway{
		intents: clients.Intents,
		refunds: clients.Refunds,
		account: strings.TrimSpace(cfg.AccountID),
	}, nil
}

// CreatePayment creates a Payment Intent for the order total.
func (g *Gateway) CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.Payment, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	params.AddMetadata(MetadataOrderID, req.OrderID)
	params.AddMetadata("user_id", strconv.FormatInt(req.UserID, 10))

	intent, err := g.intents.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "stripe: create payment intent")
	}
	zctx.From(ctx).Info("Stripe payment intent created",
		zap.String("order_id", req.OrderID),
		zap.String("payment_intent", intent.ID),
	)
	return toPayment(intent), nil
}

// GetPayment retrieves a Payment Intent.
func (g *Gateway) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.intents.Get(id, params)
	if err != nil {
		return nil, mapError(err, "stripe: get payment intent")
	}
	return toPayment(intent), nil
}

// CancelPayment cancels a Payment Intent that has not succeeded yet.
func (g *Gateway) CancelPayment(ctx context.Context, id string) (*payment.Payment, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.intents.Cancel(id, params)
	if err != nil {
		return nil, mapError(err, "stripe: cancel payment intent")
	}
	return toPayment(intent), nil
}

// RefundPayment refunds a succeeded Payment Intent in full.
func (g *Gateway) RefundPayment(ctx context.Context, id string) (*payment.Payment, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(id),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund:" + id)
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	refund, err := g.refunds.New(params)
	if err != nil {
		return nil, mapError(err, "stripe: refund payment intent")
	}

	p := &payment.Payment{
		ID:       id,
		Amount:   fromMinorUnits(refund.Amount),
		Currency: strings.ToUpper(string(refund.Currency)),
		Status:   payment.StatusRefunded,
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		p.Status = payment.StatusCompleted
	}
	return p, nil
}

func toPayment(intent *stripe.PaymentIntent) *payment.Payment {
	return &payment.Payment{
		ID:       intent.ID,
		OrderID:  intent.Metadata[MetadataOrderID],
		Amount:   fromMinorUnits(intent.Amount),
		Currency: strings.ToUpper(string(intent.Currency)),
		Status:   intentStatus(intent.Status),
	}
}

func intentStatus(s stripe.PaymentIntentStatus) payment.Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return payment.StatusCompleted
	case stripe.PaymentIntentStatusCanceled:
		return payment.StatusCancelled
	default:
		return payment.StatusPending
	}
}

func mapError(err error, msg string) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == 404 {
		return errors.Wrap(payment.ErrNotFound, msg)
	}
	return errors.Wrap(err, msg)
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
