package stripepay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/xenking/bagmarket/internal/domain/order"
	"github.com/xenking/bagmarket/internal/domain/payment"
)

// --- Mock implementations ---

type fakeIntents struct {
	created  *stripe.PaymentIntentParams
	byID     map[string]*stripe.PaymentIntent
	canceled []string
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.created = params
	intent := &stripe.PaymentIntent{
		ID:       "pi_123",
		Amount:   *params.Amount,
		Currency: stripe.Currency(*params.Currency),
		Status:   stripe.PaymentIntentStatusRequiresPaymentMethod,
		Metadata: params.Metadata,
	}
	return intent, nil
}

func (f *fakeIntents) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	intent, ok := f.byID[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Code: stripe.ErrorCodeResourceMissing}
	}
	return intent, nil
}

func (f *fakeIntents) Cancel(id string, _ *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.canceled = append(f.canceled, id)
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, nil
}

type fakeRefunds struct {
	params *stripe.RefundParams
}

func (f *fakeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return &stripe.Refund{ID: "re_1", Amount: 998, Currency: "eur", Status: stripe.RefundStatusSucceeded}, nil
}

// --- Helpers ---

func newTestGateway(t *testing.T) (*Gateway, *fakeIntents, *fakeRefunds) {
	t.Helper()
	intents := &fakeIntents{byID: map[string]*stripe.PaymentIntent{}}
	refunds := &fakeRefunds{}
	g, err := New(Config{Clients: &Clients{Intents: intents, Refunds: refunds}})
	require.NoError(t, err)
	return g, intents, refunds
}

func signedPayload(t *testing.T, body, secret string) (payload []byte, header string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func eventJSON(typ, intentID, orderID string) string {
	return fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": %q,
		"data": {"object": {"id": %q, "object": "payment_intent", "metadata": {"order_id": %q}}}
	}`, typ, intentID, orderID)
}

// --- Tests ---

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestCreatePayment(t *testing.T) {
	g, intents, _ := newTestGateway(t)

	p, err := g.CreatePayment(context.Background(), payment.CreateRequest{
		OrderID:        "o-1",
		UserID:         42,
		Amount:         decimal.RequireFromString("9.98"),
		Currency:       "EUR",
		IdempotencyKey: "order:o-1",
	})
	require.NoError(t, err)

	require.NotNil(t, intents.created)
	assert.Equal(t, int64(998), *intents.created.Amount)
	assert.Equal(t, "eur", *intents.created.Currency)
	assert.Equal(t, "order:o-1", *intents.created.IdempotencyKey)
	assert.Equal(t, "o-1", intents.created.Metadata[MetadataOrderID])

	assert.Equal(t, "pi_123", p.ID)
	assert.Equal(t, "o-1", p.OrderID)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.True(t, decimal.RequireFromString("9.98").Equal(p.Amount))
}

func TestGetPayment(t *testing.T) {
	g, intents, _ := newTestGateway(t)
	intents.byID["pi_ok"] = &stripe.PaymentIntent{ID: "pi_ok", Status: stripe.PaymentIntentStatusSucceeded}
	intents.byID["pi_gone"] = &stripe.PaymentIntent{ID: "pi_gone", Status: stripe.PaymentIntentStatusCanceled}

	p, err := g.GetPayment(context.Background(), "pi_ok")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, p.Status)

	p, err = g.GetPayment(context.Background(), "pi_gone")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, p.Status)

	_, err = g.GetPayment(context.Background(), "pi_missing")
	require.ErrorIs(t, err, payment.ErrNotFound)
}

func TestCancelAndRefund(t *testing.T) {
	g, intents, refunds := newTestGateway(t)

	p, err := g.CancelPayment(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, p.Status)
	assert.Equal(t, []string{"pi_1"}, intents.canceled)

	p, err = g.RefundPayment(context.Background(), "pi_2")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.Equal(t, "pi_2", *refunds.params.PaymentIntent)
	assert.True(t, decimal.RequireFromString("9.98").Equal(p.Amount))
}

func TestParseWebhook(t *testing.T) {
	const secret = "whsec_test"
	tests := []struct {
		typ  string
		want order.PaymentStatus
	}{
		{"payment_intent.succeeded", order.PaymentCompleted},
		{"payment_intent.payment_failed", order.PaymentFailed},
		{"payment_intent.canceled", order.PaymentCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			payload, header := signedPayload(t, eventJSON(tt.typ, "pi_7", "o-7"), secret)

			n, err := ParseWebhook(payload, header, secret)
			require.NoError(t, err)
			assert.Equal(t, "o-7", n.OrderID)
			assert.Equal(t, "pi_7", n.PaymentID)
			assert.Equal(t, string(tt.want), n.Status)
		})
	}
}

func TestParseWebhook_BadSignature(t *testing.T) {
	payload, header := signedPayload(t, eventJSON("payment_intent.succeeded", "pi_7", "o-7"), "whsec_other")

	_, err := ParseWebhook(payload, header, "whsec_test")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseWebhook_IgnoredEvents(t *testing.T) {
	const secret = "whsec_test"

	payload, header := signedPayload(t, eventJSON("payment_intent.created", "pi_7", "o-7"), secret)
	_, err := ParseWebhook(payload, header, secret)
	require.ErrorIs(t, err, ErrIgnoredEvent)

	payload, header = signedPayload(t, eventJSON("payment_intent.succeeded", "pi_7", ""), secret)
	_, err = ParseWebhook(payload, header, secret)
	require.ErrorIs(t, err, ErrIgnoredEvent)
}
