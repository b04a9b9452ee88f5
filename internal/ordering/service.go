// Package ordering turns carts into orders and tells the catalog about them.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"ordersync/internal/apperr"
	"ordersync/internal/events"
	"ordersync/internal/platform/kafka"
	"ordersync/internal/platform/observability"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const orderCreatedMessage = "Order created successfully."

type CreateOrderResult struct {
	Message     string `json:"message"`
	OrderNumber int64  `json:"orderNumber"`
}

type Service struct {
	carts   CartStore
	orders  OrderStore
	numbers Sequence
	relay   *Relay
	topic   string
	tracer  observability.Tracer
	logger  *zap.Logger
}

func NewService(carts CartStore, orders OrderStore, numbers Sequence, relay *Relay, tracer observability.Tracer, logger *zap.Logger) *Service {
	return &Service{
		carts:   carts,
		orders:  orders,
		numbers: numbers,
		relay:   relay,
		topic:   events.CatalogEventsTopic,
		tracer:  tracer,
		logger:  logger,
	}
}

// CreateOrder checks out the customer's cart. The order, its line items and
// the ORDER_CREATED event are stored together; the event is then published
// right away if the broker is reachable and by the relay otherwise.
func (s *Service) CreateOrder(ctx context.Context, customerID int64, headers map[string]string) (CreateOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "create_order")
	defer span.End()
	span.SetAttributes(attribute.Int64("customer.id", customerID))

	if customerID <= 0 {
		return CreateOrderResult{}, apperr.Validation("customerId", "must be positive")
	}

	cart, err := s.carts.FindCart(ctx, customerID)
	if errors.Is(err, ErrCartNotFound) {
		return CreateOrderResult{}, apperr.NotFound("cart", err)
	}
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("failed to load cart: %w", err)
	}

	items, amount, err := foldCart(cart)
	if err != nil {
		return CreateOrderResult{}, err
	}

	orderNumber, err := s.numbers.Next(ctx)
	if err != nil {
		return CreateOrderResult{}, err
	}

	order := events.OrderWithLineItems{
		OrderNumber: orderNumber,
		CustomerID:  customerID,
		TxnID:       events.PendingTxnID,
		Status:      events.StatusPending,
		Amount:      amount.String(),
		OrderItems:  items,
	}
	env, err := events.NewEnvelope(events.OrderCreated, events.OrderPayload{OrderInput: &order}, headers)
	if err != nil {
		return CreateOrderResult{}, err
	}
	msg := newOutboxMessage(s.topic, env)

	orderID, err := s.orders.CreateOrder(ctx, order, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return CreateOrderResult{}, fmt.Errorf("failed to create order: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("order.id", orderID),
		attribute.Int64("order.number", orderNumber),
		attribute.String("order.amount", order.Amount),
	)

	if err := s.carts.ClearCartData(ctx, customerID); err != nil {
		// The order exists; a stale cart is not worth failing the checkout.
		s.logger.Error("❌ Failed to clear cart", zap.Error(err), zap.Int64("customer_id", customerID))
	}

	if err := s.relay.Deliver(ctx, msg); err != nil {
		s.logger.Warn("ORDER_CREATED queued for retry", zap.Error(err), zap.Int64("order_number", orderNumber))
	}

	span.SetStatus(codes.Ok, "")
	s.logger.Info("✅ Order created",
		zap.Int64("order_id", orderID),
		zap.Int64("order_number", orderNumber),
		zap.Int64("customer_id", customerID),
		zap.String("amount", order.Amount),
	)
	return CreateOrderResult{Message: orderCreatedMessage, OrderNumber: orderNumber}, nil
}

// UpdateOrder sets the order status. Cancelling an order emits ORDER_CANCELED
// in the same write.
func (s *Service) UpdateOrder(ctx context.Context, id int64, status events.OrderStatus, headers map[string]string) (events.OrderWithLineItems, error) {
	ctx, span := s.tracer.Start(ctx, "update_order")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", id), attribute.String("order.status", string(status)))

	if !status.Valid() {
		return events.OrderWithLineItems{}, apperr.Validation("status", fmt.Sprintf("unknown status %q", status))
	}

	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return events.OrderWithLineItems{}, err
	}

	var msg *OutboxMessage
	if status == events.StatusCanceled && current.Status != events.StatusCanceled {
		canceled := current
		canceled.Status = events.StatusCanceled
		env, err := events.NewEnvelope(events.OrderCanceled, events.OrderPayload{OrderInput: &canceled}, headers)
		if err != nil {
			return events.OrderWithLineItems{}, err
		}
		m := newOutboxMessage(s.topic, env)
		msg = &m
	}

	updated, err := s.orders.UpdateOrder(ctx, id, status, msg)
	if errors.Is(err, ErrOrderNotFound) {
		return events.OrderWithLineItems{}, apperr.NotFound("order", err)
	}
	if err != nil {
		return events.OrderWithLineItems{}, fmt.Errorf("failed to update order %d: %w", id, err)
	}

	if msg != nil {
		if err := s.relay.Deliver(ctx, *msg); err != nil {
			s.logger.Warn("ORDER_CANCELED queued for retry", zap.Error(err), zap.Int64("order_id", id))
		}
	}

	s.logger.Info("Order updated", zap.Int64("order_id", id), zap.String("status", string(status)))
	return updated, nil
}

func (s *Service) GetOrder(ctx context.Context, id int64) (events.OrderWithLineItems, error) {
	order, err := s.orders.FindOrder(ctx, id)
	if errors.Is(err, ErrOrderNotFound) {
		return events.OrderWithLineItems{}, apperr.NotFound("order", err)
	}
	if err != nil {
		return events.OrderWithLineItems{}, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return order, nil
}

func (s *Service) GetOrders(ctx context.Context, customerID int64) ([]events.OrderWithLineItems, error) {
	if customerID <= 0 {
		return nil, apperr.Validation("customerId", "must be positive")
	}
	orders, err := s.orders.FindOrders(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

func (s *Service) DeleteOrder(ctx context.Context, id int64) error {
	err := s.orders.DeleteOrder(ctx, id)
	if errors.Is(err, ErrOrderNotFound) {
		return apperr.NotFound("order", err)
	}
	if err != nil {
		return fmt.Errorf("failed to delete order %d: %w", id, err)
	}
	s.logger.Info("Order deleted", zap.Int64("order_id", id))
	return nil
}

// HandleSubscription consumes OrderEvents. Nothing acts on them yet.
func (s *Service) HandleSubscription(_ context.Context, env events.Envelope) (kafka.Result, error) {
	s.logger.Info("📨 Received order event",
		zap.String("event", env.Event.String()),
		zap.Int("payload_bytes", len(env.Data)),
	)
	return kafka.Skipped("no action for " + env.Event.String()), nil
}

// foldCart converts cart lines to order lines and totals qty * price.
func foldCart(cart Cart) ([]events.OrderLineItem, decimal.Decimal, error) {
	amount := decimal.Zero
	items := make([]events.OrderLineItem, 0, len(cart.LineItems))
	for i, line := range cart.LineItems {
		price, err := decimal.NewFromString(line.Price)
		if err != nil {
			return nil, decimal.Zero, apperr.Validation("lineItems["+strconv.Itoa(i)+"].price", "not a decimal")
		}
		amount = amount.Add(price.Mul(decimal.NewFromInt(int64(line.Qty))))
		items = append(items, events.OrderLineItem{
			ProductID: line.ProductID,
			ItemName:  line.ItemName,
			Qty:       line.Qty,
			Price:     line.Price,
		})
	}
	return items, amount, nil
}
