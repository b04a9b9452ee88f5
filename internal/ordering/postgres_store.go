package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersync/internal/events"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

// PostgresStore implements Store. Order writes and their outbox rows share a
// transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateCart replaces the customer's cart with items.
func (s *PostgresStore) CreateCart(ctx context.Context, customerID int64, items []CartLineItem) (Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cart := Cart{CustomerID: customerID}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO carts (customer_id) VALUES ($1)
			ON CONFLICT (customer_id) DO UPDATE SET updated_at = NOW()
			RETURNING id
		`, customerID).Scan(&cart.ID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM cart_line_items WHERE cart_id = $1`, cart.ID); err != nil {
			return err
		}
		for _, item := range items {
			err := tx.QueryRow(ctx, `
				INSERT INTO cart_line_items (cart_id, product_id, item_name, variant, qty, price)
				VALUES ($1, $2, $3, $4, $5, $6::numeric)
				RETURNING id, price::text
			`, cart.ID, item.ProductID, item.ItemName, item.Variant, item.Qty, item.Price).Scan(&item.ID, &item.Price)
			if err != nil {
				return err
			}
			cart.LineItems = append(cart.LineItems, item)
		}
		return nil
	})
	if err != nil {
		return Cart{}, fmt.Errorf("failed to create cart for customer %d: %w", customerID, err)
	}
	return cart, nil
}

func (s *PostgresStore) FindCart(ctx context.Context, customerID int64) (Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cart := Cart{CustomerID: customerID}
	err := s.pool.QueryRow(ctx, `SELECT id FROM carts WHERE customer_id = $1`, customerID).Scan(&cart.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cart{}, fmt.Errorf("customer %d: %w", customerID, ErrCartNotFound)
	}
	if err != nil {
		return Cart{}, fmt.Errorf("failed to get cart for customer %d: %w", customerID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, product_id, item_name, variant, qty, price::text
		FROM cart_line_items
		WHERE cart_id = $1
		ORDER BY id
	`, cart.ID)
	if err != nil {
		return Cart{}, fmt.Errorf("failed to get cart items: %w", err)
	}
	cart.LineItems, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (CartLineItem, error) {
		var item CartLineItem
		err := row.Scan(&item.ID, &item.ProductID, &item.ItemName, &item.Variant, &item.Qty, &item.Price)
		return item, err
	})
	if err != nil {
		return Cart{}, fmt.Errorf("failed to scan cart items: %w", err)
	}
	return cart, nil
}

func (s *PostgresStore) ClearCartData(ctx context.Context, customerID int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `DELETE FROM carts WHERE customer_id = $1`, customerID)
	if err != nil {
		return fmt.Errorf("failed to clear cart for customer %d: %w", customerID, err)
	}
	return nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, order events.OrderWithLineItems, msg OutboxMessage) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders (order_number, customer_id, amount, status, txn_id)
			VALUES ($1, $2, $3::numeric, $4, $5)
			RETURNING id
		`, order.OrderNumber, order.CustomerID, order.Amount, string(order.Status), order.TxnID).Scan(&id)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, item := range order.OrderItems {
			batch.Queue(`
				INSERT INTO order_line_items (order_id, product_id, item_name, qty, price)
				VALUES ($1, $2, $3, $4, $5::numeric)
			`, id, item.ProductID, item.ItemName, item.Qty, item.Price)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
		return insertOutbox(ctx, tx, msg)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert order %d: %w", order.OrderNumber, err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, id int64, status events.OrderStatus, msg *OutboxMessage) (events.OrderWithLineItems, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var order events.OrderWithLineItems
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
		}
		if msg != nil {
			if err := insertOutbox(ctx, tx, *msg); err != nil {
				return err
			}
		}
		order, err = findOrder(ctx, tx, id)
		return err
	})
	if err != nil {
		return events.OrderWithLineItems{}, err
	}
	return order, nil
}

func (s *PostgresStore) FindOrder(ctx context.Context, id int64) (events.OrderWithLineItems, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return findOrder(ctx, s.pool, id)
}

func (s *PostgresStore) FindOrders(ctx context.Context, customerID int64) ([]events.OrderWithLineItems, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT id FROM orders WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}

	orders := make([]events.OrderWithLineItems, 0, len(ids))
	for _, id := range ids {
		order, err := findOrder(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return nil
}

func (s *PostgresStore) LastOrderNumber(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var last int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(order_number), 0) FROM orders`).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read last order number: %w", err)
	}
	return last, nil
}

func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, topic, event, headers::text, payload::text, attempts, last_error, created_at
		FROM outbox
		WHERE delivered_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxMessage, error) {
		var (
			msg     OutboxMessage
			event   string
			headers string
			payload string
		)
		if err := row.Scan(&msg.ID, &msg.Topic, &event, &headers, &payload, &msg.Attempts, &msg.LastError, &msg.CreatedAt); err != nil {
			return OutboxMessage{}, err
		}
		msg.Event = events.EventKind(event)
		msg.Payload = []byte(payload)
		if err := events.Unmarshal([]byte(headers), &msg.Headers); err != nil {
			return OutboxMessage{}, fmt.Errorf("outbox %s has bad headers: %w", msg.ID, err)
		}
		return msg, nil
	})
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `UPDATE outbox SET delivered_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func findOrder(ctx context.Context, q querier, id int64) (events.OrderWithLineItems, error) {
	var (
		order  events.OrderWithLineItems
		status string
	)
	err := q.QueryRow(ctx, `
		SELECT id, order_number, customer_id, txn_id, status, amount::text
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.OrderNumber, &order.CustomerID, &order.TxnID, &status, &order.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return events.OrderWithLineItems{}, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return events.OrderWithLineItems{}, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	order.Status = events.OrderStatus(status)

	rows, err := q.Query(ctx, `
		SELECT id, product_id, item_name, qty, price::text
		FROM order_line_items
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return events.OrderWithLineItems{}, fmt.Errorf("failed to get items of order %d: %w", id, err)
	}
	order.OrderItems, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.OrderLineItem, error) {
		var item events.OrderLineItem
		err := row.Scan(&item.ID, &item.ProductID, &item.ItemName, &item.Qty, &item.Price)
		return item, err
	})
	if err != nil {
		return events.OrderWithLineItems{}, err
	}
	return order, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, msg OutboxMessage) error {
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	rawHeaders, err := events.Marshal(headers)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, topic, event, headers, payload, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
	`, msg.ID, msg.Topic, string(msg.Event), string(rawHeaders), string(msg.Payload), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message %s: %w", msg.ID, err)
	}
	return nil
}
