package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bagmarket/internal/domain/bag"
)

const (
	getBagSQL = `SELECT id, business_id, name, status, price FROM bags WHERE id = $1`

	upsertBagSQL = `INSERT INTO bags (id, business_id, name, status, price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			business_id = EXCLUDED.business_id,
			name        = EXCLUDED.name,
			status      = EXCLUDED.status,
			price       = EXCLUDED.price`

	// Keeps BIGSERIAL ahead of explicitly seeded ids.
	syncBagSeqSQL = `SELECT setval(pg_get_serial_sequence('bags', 'id'), GREATEST((SELECT MAX(id) FROM bags), 1))`
)

var _ bag.Gateway = (*BagRepository)(nil)

// BagRepository serves catalog snapshots from the bags table.
type BagRepository struct {
	pool *pgxpool.Pool
}

// NewBagRepository returns a BagRepository that uses the given pool.
func NewBagRepository(pool *pgxpool.Pool) *BagRepository {
	return &BagRepository{pool: pool}
}

// GetItem returns the current snapshot of a bag, or bag.ErrNotFound.
func (r *BagRepository) GetItem(ctx context.Context, id int64) (*bag.Snapshot, error) {
	rows, err := r.pool.Query(ctx, getBagSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting bag %d: %w", id, err)
	}

	b, err := pgx.CollectExactlyOneRow(rows, scanBag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, bag.ErrNotFound
		}
		return nil, fmt.Errorf("getting bag %d: %w", id, err)
	}
	return &b, nil
}

// Upsert inserts or replaces catalog entries in one transaction.
func (r *BagRepository) Upsert(ctx context.Context, bags []bag.Snapshot) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range bags {
			batch.Queue(upsertBagSQL, b.ID, b.BusinessID, b.Name, int16(b.Status), b.Price)
		}
		batch.Queue(syncBagSeqSQL)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upserting %d bags: %w", len(bags), err)
		}
		return nil
	})
}

func scanBag(row pgx.CollectableRow) (bag.Snapshot, error) {
	var (
		b      bag.Snapshot
		status int16
	)
	err := row.Scan(&b.ID, &b.BusinessID, &b.Name, &status, &b.Price)
	b.Status = bag.Status(status)
	return b, err
}
