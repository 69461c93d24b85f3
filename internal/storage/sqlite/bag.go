package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/bagmarket/internal/domain/bag"
)

var _ bag.Gateway = (*BagRepository)(nil)

// BagRepository serves catalog snapshots from the bags table.
type BagRepository struct {
	db *DB
}

// NewBagRepository returns a BagRepository on d.
func NewBagRepository(d *DB) *BagRepository {
	return &BagRepository{db: d}
}

// GetItem returns the current snapshot of a bag, or bag.ErrNotFound.
func (r *BagRepository) GetItem(ctx context.Context, id int64) (*bag.Snapshot, error) {
	var b bag.Snapshot
	err := r.db.db.QueryRowContext(ctx,
		`SELECT id, business_id, name, status, price FROM bags WHERE id = ?`, id,
	).Scan(&b.ID, &b.BusinessID, &b.Name, &b.Status, &b.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bag.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting bag %d: %w", id, err)
	}
	return &b, nil
}

// Upsert inserts or replaces catalog entries in one transaction.
func (r *BagRepository) Upsert(ctx context.Context, bags []bag.Snapshot) error {
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		for _, b := range bags {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO bags (id, business_id, name, status, price) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					business_id = excluded.business_id,
					name        = excluded.name,
					status      = excluded.status,
					price       = excluded.price`,
				b.ID, b.BusinessID, b.Name, int(b.Status), b.Price.StringFixed(2),
			); err != nil {
				return fmt.Errorf("upserting bag %d: %w", b.ID, err)
			}
		}
		return nil
	})
}
