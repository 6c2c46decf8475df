package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"order-saga/saga"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	total_amount NUMERIC NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_user_created_idx ON orders (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS order_items (
	order_id   TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
	position   INT NOT NULL,
	product_id TEXT NOT NULL,
	quantity   INT NOT NULL,
	price      NUMERIC NOT NULL,
	PRIMARY KEY (order_id, position)
);
ALTER TABLE orders ALTER COLUMN total_amount TYPE NUMERIC;
ALTER TABLE order_items ALTER COLUMN price TYPE NUMERIC;`

const uniqueViolation = "23505"

// Postgres stores orders in an orders table with their lines in order_items.
// Money columns are unscaled NUMERIC, so a total always equals the sum of
// its lines, and cross the wire as text.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Create(ctx context.Context, order *saga.Order) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, user_id, status, total_amount, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
			order.ID, order.UserID, string(order.Status), order.TotalAmount.String(), order.CreatedAt, order.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("order %s already exists: %w", order.ID, saga.ErrConflict)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		batch := &pgx.Batch{}
		for i, item := range order.Items {
			batch.Queue(
				`INSERT INTO order_items (order_id, position, product_id, quantity, price)
				 VALUES ($1, $2, $3, $4, $5::numeric)`,
				order.ID, i, item.ProductID, item.Quantity, item.Price.String())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}
		return nil
	})
}

func (p *Postgres) Get(ctx context.Context, id string) (*saga.Order, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, user_id, status, total_amount::text, created_at, updated_at FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, saga.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	if err := p.loadItems(ctx, []*saga.Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, from, to saga.Status, at time.Time) (*saga.Order, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("order %s is %s, expected %s: %w", id, current.Status, from, saga.ErrConflict)
	}
	return p.Get(ctx, id)
}

func (p *Postgres) List(ctx context.Context, q saga.ListQuery) ([]*saga.Order, int, error) {
	const filter = `WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)`

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM orders `+filter, q.UserID, string(q.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, status, total_amount::text, created_at, updated_at FROM orders `+filter+
			` ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		q.UserID, string(q.Status), q.Limit, q.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*saga.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan orders: %w", err)
	}
	if err := p.loadItems(ctx, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (p *Postgres) loadItems(ctx context.Context, orders []*saga.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[string]*saga.Order, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		ids = append(ids, o.ID)
		o.Items = []saga.OrderItem{}
	}

	rows, err := p.pool.Query(ctx,
		`SELECT order_id, product_id, quantity, price::text FROM order_items
		 WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID, price string
			item           saga.OrderItem
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.Quantity, &price); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if item.Price, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("parse item price %q: %w", price, err)
		}
		byID[orderID].Items = append(byID[orderID].Items, item)
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*saga.Order, error) {
	var (
		o      saga.Order
		status string
		total  string
	)
	if err := row.Scan(&o.ID, &o.UserID, &status, &total, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = saga.Status(status)
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse total %q: %w", total, err)
	}
	o.TotalAmount = amount
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}
