package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound          = errors.New("order not found")
	ErrStatusConflict    = errors.New("order status changed concurrently")
	ErrReferenceConflict = errors.New("order already has another payment reference")
	ErrItemsLocked       = errors.New("order items can only change while pending")
	ErrLastItem          = errors.New("order must keep at least one item")
)

// ErrPaymentGateway wraps failures of the remote payment service.
var ErrPaymentGateway = errors.New("payment gateway failure")

// InvalidOrderError reports a request that fails structural or business
// validation. BagID is set when a specific line caused the failure.
type InvalidOrderError struct {
	Reason string
	BagID  int64
}

func (e *InvalidOrderError) Error() string {
	if e.BagID != 0 {
		return fmt.Sprintf("invalid order: %s: bag %d", e.Reason, e.BagID)
	}
	return "invalid order: " + e.Reason
}

// NotFoundError reports a referenced bag or order that does not exist.
type NotFoundError struct {
	Reason string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.ID)
}

// InvalidStateError reports an entity whose current state forbids the
// requested operation.
type InvalidStateError struct {
	Reason string
	ID     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.ID)
}
