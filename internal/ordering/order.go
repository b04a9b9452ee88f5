package ordering

import (
	"context"
	"errors"
	"time"

	"ordersync/internal/events"
)

var (
	ErrCartNotFound  = errors.New("cart not found")
	ErrOrderNotFound = errors.New("order not found")
)

type CartLineItem struct {
	ID        int64  `json:"id,omitempty"`
	ProductID int64  `json:"productId"`
	ItemName  string `json:"itemName"`
	Variant   string `json:"variant,omitempty"`
	Qty       int    `json:"qty"`
	Price     string `json:"price"`
}

type Cart struct {
	ID         int64          `json:"id"`
	CustomerID int64          `json:"customerId"`
	LineItems  []CartLineItem `json:"lineItems"`
}

type CartStore interface {
	// FindCart returns ErrCartNotFound when the customer has no cart.
	FindCart(ctx context.Context, customerID int64) (Cart, error)
	ClearCartData(ctx context.Context, customerID int64) error
}

// OrderStore persists orders. Every write that changes what other services
// should know about carries the outbox message to store in the same
// transaction.
type OrderStore interface {
	CreateOrder(ctx context.Context, order events.OrderWithLineItems, msg OutboxMessage) (int64, error)
	UpdateOrder(ctx context.Context, id int64, status events.OrderStatus, msg *OutboxMessage) (events.OrderWithLineItems, error)
	// FindOrder returns ErrOrderNotFound when id is unknown.
	FindOrder(ctx context.Context, id int64) (events.OrderWithLineItems, error)
	FindOrders(ctx context.Context, customerID int64) ([]events.OrderWithLineItems, error)
	DeleteOrder(ctx context.Context, id int64) error
	// LastOrderNumber returns the highest order number stored, 0 when there are none.
	LastOrderNumber(ctx context.Context) (int64, error)
}

type OutboxStore interface {
	// PendingOutbox returns undelivered messages, oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// Store is everything the order service persists.
type Store interface {
	CartStore
	OrderStore
	OutboxStore
}

type OutboxMessage struct {
	ID          string
	Topic       string
	Event       events.EventKind
	Headers     map[string]string
	Payload     []byte
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

func (m OutboxMessage) Envelope() events.Envelope {
	return events.Envelope{
		Headers: m.Headers,
		Event:   m.Event,
		Data:    m.Payload,
	}
}
