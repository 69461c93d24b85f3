// Package events carries order lifecycle events from the transactional
// outbox to the message broker.
package events

import (
	"strconv"
	"time"

	"github.com/go-faster/jx"
	"github.com/oklog/ulid/v2"

	"github.com/xenking/bagmarket/internal/domain/order"
)

// Event types written to the outbox.
const (
	TypeOrderCreated       = "order.created"
	TypeOrderStatusChanged = "order.status_changed"
	TypePaymentAssociated  = "order.payment_associated"
)

// Event is a single outbox record. OrderID doubles as the partition key so
// that events of one order stay ordered.
type Event struct {
	ID        string
	OrderID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// NewOrderEvent snapshots o into an event of the given type.
func NewOrderEvent(typ string, o *order.Order) Event {
	now := time.Now().UTC()
	return Event{
		ID:        ulid.Make().String(),
		OrderID:   o.ID,
		Type:      typ,
		Payload:   encodeOrder(typ, o, now),
		CreatedAt: now,
	}
}

func encodeOrder(typ string, o *order.Order, at time.Time) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(typ)
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("user_id")
	e.Int64(o.UserID)
	e.FieldStart("business_id")
	e.Int64(o.BusinessID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	if o.PaymentReference != "" {
		e.FieldStart("payment_reference")
		e.Str(o.PaymentReference)
	}
	e.FieldStart("total")
	e.Str(o.Total().StringFixed(2))
	e.FieldStart("items")
	e.ArrStart()
	for _, item := range o.Items {
		e.ObjStart()
		e.FieldStart("bag_id")
		e.Int64(item.BagID)
		e.FieldStart("quantity")
		e.Int(item.Quantity)
		e.FieldStart("price")
		e.Str(item.Price.StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("occurred_at")
	e.Str(at.Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

// Headers returns the broker headers describing the event.
func (e Event) Headers() map[string]string {
	return map[string]string{
		"event_id":   e.ID,
		"event_type": e.Type,
		"created_at": strconv.FormatInt(e.CreatedAt.UnixMilli(), 10),
	}
}
