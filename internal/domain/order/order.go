package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a customer's purchase of a set of bags at prices frozen when the
// order was placed.
type Order struct {
	ID               string
	UserID           int64
	BusinessID       int64
	Items            []Item
	Status           Status
	PaymentReference string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Item is a single line of an order. Price is the unit price copied from the
// catalog snapshot at creation time.
type Item struct {
	BagID    int64           `json:"bag_id"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Subtotal returns price × quantity for the line.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Total sums the frozen line subtotals, rounded to cents.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total.Round(2)
}

// Filter narrows FindAll results. Zero fields are ignored.
type Filter struct {
	UserID     int64
	BusinessID int64
	Status     Status
}

// Store persists orders and their items with per-order atomicity.
type Store interface {
	// Create assigns ID, CreatedAt and UpdatedAt and writes the order with
	// its items in one unit.
	Create(ctx context.Context, o *Order) error
	// FindByID returns ErrNotFound when the order does not exist.
	FindByID(ctx context.Context, id string) (*Order, error)
	FindAll(ctx context.Context, f Filter) ([]Order, error)
	// UpdateStatus moves the order to status "to" only if it is currently in
	// "expected". It returns ErrStatusConflict when the order exists but is in
	// another status, and ErrNotFound when it does not exist.
	UpdateStatus(ctx context.Context, id string, to, expected Status) (*Order, error)
	// SetPaymentReference records the payment attempt id on the order.
	SetPaymentReference(ctx context.Context, id, ref string) (*Order, error)
	// AddItem and RemoveItem change the lines of a pending order. They
	// return ErrItemsLocked for any other status and RemoveItem returns
	// ErrLastItem instead of leaving the order empty.
	AddItem(ctx context.Context, id string, item Item) (*Order, error)
	RemoveItem(ctx context.Context, id string, bagID int64) (*Order, error)
}
