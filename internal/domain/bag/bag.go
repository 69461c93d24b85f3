package bag

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested bag does not exist.
var ErrNotFound = errors.New("bag not found")

// Status is the sellable state of a bag as stored in the catalog.
type Status int

const (
	// StatusInactive marks a bag that can no longer be ordered.
	StatusInactive Status = 0
	// StatusActive marks a bag that is on sale.
	StatusActive Status = 1
)

// Snapshot is a point-in-time view of a catalog item. Orders copy the price
// out of it; they never keep a reference to the live catalog row.
type Snapshot struct {
	ID         int64
	BusinessID int64
	Name       string
	Status     Status
	Price      decimal.Decimal
}

// Active reports whether the bag could be ordered when the snapshot was taken.
func (s *Snapshot) Active() bool {
	return s.Status == StatusActive
}

// Gateway is the read contract the order core needs from the catalog.
type Gateway interface {
	// GetItem returns ErrNotFound when no bag has the given id.
	GetItem(ctx context.Context, id int64) (*Snapshot, error)
}
