package stripepay

import (
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/xenking/bagmarket/internal/domain/order"
)

// ErrIgnoredEvent is returned for Stripe events that carry no payment
// outcome.
var ErrIgnoredEvent = errors.New("stripe: event carries no payment outcome")

// ErrInvalidSignature is returned when the Stripe-Signature header does not
// verify.
var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

var eventOutcomes = map[stripe.EventType]order.PaymentStatus{
	stripe.EventTypePaymentIntentSucceeded:     order.PaymentCompleted,
	stripe.EventTypePaymentIntentPaymentFailed: order.PaymentFailed,
	stripe.EventTypePaymentIntentCanceled:      order.PaymentCancelled,
}

// ParseWebhook verifies a Stripe webhook delivery and converts it to a
// payment notification for the order named in the intent metadata.
func ParseWebhook(payload []byte, signature, secret string) (order.Notification, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return order.Notification{}, errors.Wrap(ErrInvalidSignature, err.Error())
	}
	return NotificationFromEvent(ev)
}

// NotificationFromEvent converts a verified Stripe event.
func NotificationFromEvent(ev stripe.Event) (order.Notification, error) {
	status, ok := eventOutcomes[ev.Type]
	if !ok || ev.Data == nil {
		return order.Notification{}, ErrIgnoredEvent
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
		return order.Notification{}, errors.Wrap(err, "stripe: decode payment intent")
	}
	orderID := intent.Metadata[MetadataOrderID]
	if orderID == "" {
		return order.Notification{}, errors.Wrapf(ErrIgnoredEvent, "intent %s has no order id", intent.ID)
	}

	return order.Notification{
		OrderID:   orderID,
		Status:    string(status),
		PaymentID: intent.ID,
	}, nil
}
