package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bagmarket/internal/domain/order"
	"github.com/xenking/bagmarket/internal/events"
)

const (
	orderColumns = `id, user_id, business_id, status, payment_reference, created_at, updated_at`

	insertOrderSQL = `INSERT INTO orders (id, user_id, business_id, status, payment_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	insertItemSQL = `INSERT INTO order_items (order_id, position, bag_id, quantity, price)
		VALUES ($1, $2, $3, $4, $5)`

	appendItemSQL = `INSERT INTO order_items (order_id, position, bag_id, quantity, price)
		SELECT $1::uuid, COALESCE(MAX(position), -1) + 1, $2::bigint, $3::int, $4::numeric
		FROM order_items WHERE order_id = $1::uuid`

	deleteItemSQL = `DELETE FROM order_items WHERE order_id = $1 AND bag_id = $2`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	orderItemsSQL = `SELECT order_id, bag_id, quantity, price FROM order_items
		WHERE order_id = ANY($1::uuid[]) ORDER BY order_id, position`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	updateStatusSQL = `UPDATE orders SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING ` + orderColumns

	setReferenceSQL = `UPDATE orders SET payment_reference = $2, updated_at = now()
		WHERE id = $1 AND (payment_reference = '' OR payment_reference = $2)
		RETURNING ` + orderColumns

	touchPendingSQL = `UPDATE orders SET updated_at = now() WHERE id = $1 AND status = $2`

	countItemsSQL = `SELECT COUNT(*) FROM order_items WHERE order_id = $1::uuid`

	insertEventSQL = `INSERT INTO order_events (id, order_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
)

var _ order.Store = (*OrderRepository)(nil)

// OrderRepository implements order.Store on PostgreSQL. Every mutation also
// appends an order event to the outbox in the same transaction.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order with its items.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	uid, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating order id: %w", err)
	}
	id := uid.String()
	now := time.Now().UTC()

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertOrderSQL,
			id, o.UserID, o.BusinessID, string(o.Status), o.PaymentReference, now,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, item := range o.Items {
			batch.Queue(insertItemSQL, id, i, item.BagID, item.Quantity, item.Price)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		created := *o
		created.ID = id
		created.CreatedAt, created.UpdatedAt = now, now
		return appendEvent(ctx, tx, events.TypeOrderCreated, &created)
	})
	if err != nil {
		return fmt.Errorf("creating order for user %d: %w", o.UserID, err)
	}

	o.ID = id
	o.CreatedAt, o.UpdatedAt = now, now
	return nil
}

// FindByID returns a single order with its items.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (*order.Order, error) {
	uid, ok := parseID(id)
	if !ok {
		return nil, order.ErrNotFound
	}
	o, err := findOrder(ctx, r.pool, uid)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return o, nil
}

// FindAll returns orders matching the filter, newest first.
func (r *OrderRepository) FindAll(ctx context.Context, f order.Filter) ([]order.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.BusinessID != 0 {
		args = append(args, f.BusinessID)
		where = append(where, fmt.Sprintf("business_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	if err := loadItems(ctx, r.pool, orders); err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return orders, nil
}

// UpdateStatus performs a compare-and-set on the order status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, to, expected order.Status) (*order.Order, error) {
	uid, ok := parseID(id)
	if !ok {
		return nil, order.ErrNotFound
	}

	var updated *order.Order
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := updateReturning(ctx, tx, uid, order.ErrStatusConflict, updateStatusSQL, uid, string(to), string(expected))
		if err != nil {
			return err
		}
		updated = o
		return appendEvent(ctx, tx, events.TypeOrderStatusChanged, o)
	})
	if err != nil {
		return nil, fmt.Errorf("updating order %q status to %s: %w", id, to, err)
	}
	return updated, nil
}

// SetPaymentReference records ref unless another reference is already set.
func (r *OrderRepository) SetPaymentReference(ctx context.Context, id, ref string) (*order.Order, error) {
	uid, ok := parseID(id)
	if !ok {
		return nil, order.ErrNotFound
	}

	var updated *order.Order
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := updateReturning(ctx, tx, uid, order.ErrReferenceConflict, setReferenceSQL, uid, ref)
		if err != nil {
			return err
		}
		updated = o
		return appendEvent(ctx, tx, events.TypePaymentAssociated, o)
	})
	if err != nil {
		return nil, fmt.Errorf("setting payment reference of order %q: %w", id, err)
	}
	return updated, nil
}

// AddItem appends a line to the order.
func (r *OrderRepository) AddItem(ctx context.Context, id string, item order.Item) (*order.Order, error) {
	return r.mutateItems(ctx, id, appendItemSQL, item.BagID, item.Quantity, item.Price)
}

// RemoveItem deletes every line of the order referencing bagID.
func (r *OrderRepository) RemoveItem(ctx context.Context, id string, bagID int64) (*order.Order, error) {
	return r.mutateItems(ctx, id, deleteItemSQL, bagID)
}

func (r *OrderRepository) mutateItems(ctx context.Context, id, sql string, args ...any) (*order.Order, error) {
	uid, ok := parseID(id)
	if !ok {
		return nil, order.ErrNotFound
	}

	var updated *order.Order
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, touchPendingSQL, uid, string(order.StatusPending))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, orderExistsSQL, uid).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return order.ErrNotFound
			}
			return order.ErrItemsLocked
		}
		if _, err := tx.Exec(ctx, sql, append([]any{uid}, args...)...); err != nil {
			return err
		}
		var lines int
		if err := tx.QueryRow(ctx, countItemsSQL, uid).Scan(&lines); err != nil {
			return err
		}
		if lines == 0 {
			return order.ErrLastItem
		}
		updated, err = findOrder(ctx, tx, uid)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("changing items of order %q: %w", id, err)
	}
	return updated, nil
}

// updateReturning runs a guarded UPDATE ... RETURNING. When no row matched
// it tells a missing order apart from a failed guard.
func updateReturning(ctx context.Context, q querier, id string, guardErr error, sql string, args ...any) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := q.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, order.ErrNotFound
		}
		return nil, guardErr
	}
	if err != nil {
		return nil, err
	}

	orders := []order.Order{o}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func findOrder(ctx context.Context, q querier, id string) (*order.Order, error) {
	rows, err := q.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, err
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, err
	}
	orders := []order.Order{o}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func loadItems(ctx context.Context, q querier, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	byID := make(map[string]*order.Order, len(orders))
	for i := range orders {
		ids = append(ids, orders[i].ID)
		byID[orders[i].ID] = &orders[i]
		orders[i].Items = []order.Item{}
	}

	rows, err := q.Query(ctx, orderItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("loading order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			item    order.Item
		)
		if err := rows.Scan(&orderID, &item.BagID, &item.Quantity, &item.Price); err != nil {
			return fmt.Errorf("scanning order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	return rows.Err()
}

func appendEvent(ctx context.Context, q querier, typ string, o *order.Order) error {
	ev := events.NewOrderEvent(typ, o)
	if _, err := q.Exec(ctx, insertEventSQL, ev.ID, o.ID, ev.Type, ev.Payload, ev.CreatedAt); err != nil {
		return fmt.Errorf("appending %s event: %w", typ, err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.BusinessID, &status, &o.PaymentReference, &o.CreatedAt, &o.UpdatedAt)
	o.Status = order.Status(status)
	return o, err
}

// parseID normalises an order id. Malformed ids cannot exist in the uuid
// column, so callers treat them as missing orders.
func parseID(id string) (string, bool) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return uid.String(), true
}
