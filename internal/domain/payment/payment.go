// Package payment defines the outbound contract towards the remote payment
// service. A Gateway associates payment attempts with orders; settlement is
// reported back asynchronously through webhooks.
package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the payment service has no such payment.
var ErrNotFound = errors.New("payment not found")

// Status is the normalised state of a payment on the remote side.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// CreateRequest is the payload for starting a payment.
type CreateRequest struct {
	OrderID  string
	UserID   int64
	Amount   decimal.Decimal
	Currency string
	// IdempotencyKey lets the payment service deduplicate retried creates.
	IdempotencyKey string
}

// Payment is the payment service's view of a payment attempt.
type Payment struct {
	ID       string
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	Status   Status
}

// Gateway is the client contract for the remote payment service.
type Gateway interface {
	CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	CancelPayment(ctx context.Context, id string) (*Payment, error)
	RefundPayment(ctx context.Context, id string) (*Payment, error)
}
