package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/bagmarket/internal/domain/order"
	"github.com/xenking/bagmarket/internal/events"
)

const orderColumns = `id, user_id, business_id, status, payment_reference, created_at, updated_at`

var _ order.Store = (*OrderRepository)(nil)

// OrderRepository implements order.Store on SQLite. Every mutation also
// appends an order event to the outbox in the same transaction.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository on d.
func NewOrderRepository(d *DB) *OrderRepository {
	return &OrderRepository{db: d}
}

// Create persists a new order with its items.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	uid, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating order id: %w", err)
	}
	created := *o
	created.ID = uid.String()
	created.CreatedAt = time.Now().UTC()
	created.UpdatedAt = created.CreatedAt

	err = r.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			created.ID, created.UserID, created.BusinessID, string(created.Status),
			created.PaymentReference, toUnix(created.CreatedAt), toUnix(created.UpdatedAt),
		); err != nil {
			return err
		}
		for i, item := range created.Items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, position, bag_id, quantity, price) VALUES (?, ?, ?, ?, ?)`,
				created.ID, i, item.BagID, item.Quantity, item.Price.String(),
			); err != nil {
				return err
			}
		}
		return appendEvent(ctx, tx, events.TypeOrderCreated, &created)
	})
	if err != nil {
		return fmt.Errorf("creating order for user %d: %w", o.UserID, err)
	}

	o.ID = created.ID
	o.CreatedAt, o.UpdatedAt = created.CreatedAt, created.UpdatedAt
	return nil
}

// FindByID returns a single order with its items.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (*order.Order, error) {
	o, err := findOrder(ctx, r.db.db, id)
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
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.BusinessID != 0 {
		where = append(where, "business_id = ?")
		args = append(args, f.BusinessID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("listing orders: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	_ = rows.Close()

	for i := range orders {
		if orders[i].Items, err = loadItems(ctx, r.db.db, orders[i].ID); err != nil {
			return nil, fmt.Errorf("listing orders: %w", err)
		}
	}
	return orders, nil
}

// UpdateStatus performs a compare-and-set on the order status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, to, expected order.Status) (*order.Order, error) {
	var updated *order.Order
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		o, err := guardedUpdate(ctx, tx, id, order.ErrStatusConflict,
			`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), toUnix(time.Now()), id, string(expected),
		)
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
	var updated *order.Order
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		o, err := guardedUpdate(ctx, tx, id, order.ErrReferenceConflict,
			`UPDATE orders SET payment_reference = ?, updated_at = ?
			WHERE id = ? AND (payment_reference = '' OR payment_reference = ?)`,
			ref, toUnix(time.Now()), id, ref,
		)
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
	return r.mutateItems(ctx, id,
		`INSERT INTO order_items (order_id, position, bag_id, quantity, price)
		SELECT ?, COALESCE(MAX(position), -1) + 1, ?, ?, ? FROM order_items WHERE order_id = ?`,
		id, item.BagID, item.Quantity, item.Price.String(), id,
	)
}

// RemoveItem deletes every line of the order referencing bagID.
func (r *OrderRepository) RemoveItem(ctx context.Context, id string, bagID int64) (*order.Order, error) {
	return r.mutateItems(ctx, id,
		`DELETE FROM order_items WHERE order_id = ? AND bag_id = ?`,
		id, bagID,
	)
}

func (r *OrderRepository) mutateItems(ctx context.Context, id, query string, args ...any) (*order.Order, error) {
	var updated *order.Order
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := guardedUpdate(ctx, tx, id, order.ErrItemsLocked,
			`UPDATE orders SET updated_at = ? WHERE id = ? AND status = ?`,
			toUnix(time.Now()), id, string(order.StatusPending),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		var lines int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_items WHERE order_id = ?`, id).Scan(&lines); err != nil {
			return err
		}
		if lines == 0 {
			return order.ErrLastItem
		}
		var err error
		updated, err = findOrder(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("changing items of order %q: %w", id, err)
	}
	return updated, nil
}

// guardedUpdate runs a conditional UPDATE and re-reads the order. When no row
// matched it tells a missing order apart from a failed guard.
func guardedUpdate(ctx context.Context, q querier, id string, guardErr error, query string, args ...any) (*order.Order, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = ?)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, order.ErrNotFound
		}
		return nil, guardErr
	}
	return findOrder(ctx, q, id)
}

func findOrder(ctx context.Context, q querier, id string) (*order.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = loadItems(ctx, q, id); err != nil {
		return nil, err
	}
	return o, nil
}

func loadItems(ctx context.Context, q querier, id string) ([]order.Item, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT bag_id, quantity, price FROM order_items WHERE order_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("loading order items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []order.Item{}
	for rows.Next() {
		var item order.Item
		if err := rows.Scan(&item.BagID, &item.Quantity, &item.Price); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func appendEvent(ctx context.Context, q querier, typ string, o *order.Order) error {
	ev := events.NewOrderEvent(typ, o)
	if _, err := q.ExecContext(ctx,
		`INSERT INTO order_events (id, order_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.OrderID, ev.Type, ev.Payload, toUnix(ev.CreatedAt),
	); err != nil {
		return fmt.Errorf("appending %s event: %w", typ, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o                  order.Order
		status             string
		created, updatedAt int64
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.BusinessID, &status, &o.PaymentReference, &created, &updatedAt); err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	o.CreatedAt = fromUnix(created)
	o.UpdatedAt = fromUnix(updatedAt)
	return &o, nil
}
