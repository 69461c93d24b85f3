package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bagmarket/internal/events"
)

const (
	fetchPendingSQL = `SELECT id, order_id, event_type, payload, created_at FROM order_events
		WHERE sent_at IS NULL ORDER BY created_at, id LIMIT $1`

	markSentSQL = `UPDATE order_events SET sent_at = now() WHERE id = ANY($1)`
)

var _ events.Source = (*OutboxRepository)(nil)

// OutboxRepository reads the order_events outbox for the relay.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// FetchPending returns up to limit unsent events, oldest first.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := r.pool.Query(ctx, fetchPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching pending events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Event, error) {
		var ev events.Event
		err := row.Scan(&ev.ID, &ev.OrderID, &ev.Type, &ev.Payload, &ev.CreatedAt)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching pending events: %w", err)
	}
	return out, nil
}

// MarkSent flags the events as delivered.
func (r *OutboxRepository) MarkSent(ctx context.Context, ids []string) error {
	if _, err := r.pool.Exec(ctx, markSentSQL, ids); err != nil {
		return fmt.Errorf("marking %d events sent: %w", len(ids), err)
	}
	return nil
}
