package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xenking/bagmarket/internal/events"
)

var _ events.Source = (*OutboxRepository)(nil)

// OutboxRepository reads the order_events outbox for the relay.
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository returns an OutboxRepository on d.
func NewOutboxRepository(d *DB) *OutboxRepository {
	return &OutboxRepository{db: d}
}

// FetchPending returns up to limit unsent events, oldest first.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := r.db.db.QueryContext(ctx,
		`SELECT id, order_id, event_type, payload, created_at FROM order_events
		WHERE sent_at IS NULL ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.Event
	for rows.Next() {
		var (
			ev      events.Event
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.Type, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.CreatedAt = fromUnix(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkSent flags the events as delivered.
func (r *OutboxRepository) MarkSent(ctx context.Context, ids []string) error {
	now := toUnix(time.Now())
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE order_events SET sent_at = ? WHERE id = ?`, now, id); err != nil {
				return fmt.Errorf("marking event %s sent: %w", id, err)
			}
		}
		return nil
	})
}
