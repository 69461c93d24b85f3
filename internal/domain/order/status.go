package order

import (
	"slices"
	"strings"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is one of the known order statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Settled reports whether the payment outcome has been applied. Settled
// orders absorb every further webhook as a no-op.
func (s Status) Settled() bool {
	return s != StatusPending
}

// PaymentStatus is the outcome vocabulary of payment notifications.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// ParsePaymentStatus normalises a notification status. The second result is
// false for anything outside the known vocabulary.
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch ps := PaymentStatus(strings.ToLower(strings.TrimSpace(s))); ps {
	case PaymentCompleted, PaymentFailed, PaymentCancelled:
		return ps, true
	case "canceled":
		return PaymentCancelled, true
	default:
		return "", false
	}
}

// Target returns the order status a pending order moves to on this outcome.
func (p PaymentStatus) Target() Status {
	if p == PaymentCompleted {
		return StatusConfirmed
	}
	return StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusRefunded},
}

// CanTransition reports whether from → to is an edge of the order state
// machine.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}
