// Package catalog applies order events to product stock.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"ordersync/internal/events"
	"ordersync/internal/platform/kafka"
	"ordersync/internal/platform/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// orderInput mirrors events.OrderWithLineItems but keeps orderItems raw so a
// malformed list can be reported instead of failing the decode.
type orderInput struct {
	ID          int64           `json:"id"`
	OrderNumber int64           `json:"orderNumber"`
	OrderItems  json.RawMessage `json:"orderItems"`
}

// ref names the order in adjustment tokens: its order number, else its id.
func (in orderInput) ref() (string, bool) {
	switch {
	case in.OrderNumber > 0:
		return strconv.FormatInt(in.OrderNumber, 10), true
	case in.ID > 0:
		return "id-" + strconv.FormatInt(in.ID, 10), true
	default:
		return "0", false
	}
}

type orderPayload struct {
	OrderInput *orderInput `json:"orderInput"`
}

type adjustment struct {
	kind  events.EventKind
	sign  int
	label string
}

var (
	reserve = adjustment{kind: events.OrderCreated, sign: -1, label: "reserve"}
	restock = adjustment{kind: events.OrderCanceled, sign: +1, label: "restock"}
)

type summary struct {
	applied    int
	missing    int
	duplicates int
	unreserved int
	blocked    int
	invalid    int
}

// Reconciler keeps product stock in line with ORDER_CREATED and
// ORDER_CANCELED events. Each line item is adjusted at most once per event
// kind, however often the event is delivered.
type Reconciler struct {
	products ProductStore
	ledger   Ledger
	tracer   observability.Tracer
	logger   *zap.Logger
}

func NewReconciler(products ProductStore, ledger Ledger, tracer observability.Tracer, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		products: products,
		ledger:   ledger,
		tracer:   tracer,
		logger:   logger,
	}
}

// Handle is a kafka.Handler. Payloads it cannot read are skipped with a
// reason; store and ledger failures are returned.
func (r *Reconciler) Handle(ctx context.Context, env events.Envelope) (kafka.Result, error) {
	switch env.Event {
	case events.OrderCreated:
		return r.apply(ctx, env, reserve)
	case events.OrderCanceled:
		return r.apply(ctx, env, restock)
	default:
		r.logger.Info("Ignoring event", zap.String("event", env.Event.String()))
		return kafka.Skipped(fmt.Sprintf("unsupported event %q", env.Event)), nil
	}
}

func (r *Reconciler) apply(ctx context.Context, env events.Envelope, adj adjustment) (kafka.Result, error) {
	ctx, span := r.tracer.Start(ctx, "stock_reconciliation")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", env.Event.String()),
		attribute.String("inventory.operation", adj.label),
	)

	order, items, reason := parseOrderItems(env)
	if reason != "" {
		r.logger.Warn("⚠️ Malformed order payload",
			zap.String("event", env.Event.String()),
			zap.String("reason", reason),
		)
		span.SetStatus(codes.Ok, reason)
		return kafka.Skipped(reason), nil
	}
	span.SetAttributes(
		attribute.Int64("order.number", order.OrderNumber),
		attribute.Int("order.items", len(items)),
	)

	ref, ok := order.ref()
	logger := r.logger.With(zap.String("order_ref", ref), zap.String("operation", adj.label))
	if !ok {
		logger.Warn("Order carries neither orderNumber nor id, duplicates cannot be told apart")
	}

	var sum summary
	for i, item := range items {
		if err := r.applyItem(ctx, logger, adj, ref, i, item, &sum); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stock update failed")
			return kafka.Result{}, err
		}
	}

	span.SetAttributes(
		attribute.Int("inventory.applied", sum.applied),
		attribute.Int("inventory.missing", sum.missing),
		attribute.Int("inventory.duplicates", sum.duplicates),
	)
	span.SetStatus(codes.Ok, "")
	logger.Info("✅ Stock reconciled",
		zap.Int("applied", sum.applied),
		zap.Int("missing_products", sum.missing),
		zap.Int("duplicates", sum.duplicates),
		zap.Int("unreserved", sum.unreserved),
		zap.Int("blocked_reservations", sum.blocked),
		zap.Int("invalid_items", sum.invalid),
	)
	return kafka.Succeeded(), nil
}

func (r *Reconciler) applyItem(ctx context.Context, logger *zap.Logger, adj adjustment, ref string, index int, item events.OrderLineItem, sum *summary) error {
	logger = logger.With(zap.Int64("product_id", item.ProductID), zap.Int("qty", item.Qty))

	if item.Qty <= 0 {
		sum.invalid++
		logger.Warn("Skipping line item with non-positive quantity")
		return nil
	}

	if _, err := r.products.FindOne(ctx, item.ProductID); errors.Is(err, ErrProductNotFound) {
		sum.missing++
		logger.Warn("🔍 Product not found, skipping line item")
		return nil
	} else if err != nil {
		return err
	}

	token := AdjustmentToken(adj.kind, ref, index, item.ProductID)
	if adj.kind == events.OrderCanceled {
		restock, err := r.claimRestock(ctx, logger, token, AdjustmentToken(events.OrderCreated, ref, index, item.ProductID), sum)
		if err != nil || !restock {
			return err
		}
	} else {
		first, err := r.ledger.Claim(ctx, token)
		if err != nil {
			return err
		}
		if !first {
			sum.duplicates++
			logger.Info("Line item already applied", zap.String("token", token))
			return nil
		}
	}

	product, err := r.products.AdjustStock(ctx, item.ProductID, adj.sign*item.Qty)
	if err != nil {
		if releaseErr := r.ledger.Release(ctx, token); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return fmt.Errorf("failed to %s product %d: %w", adj.label, item.ProductID, err)
	}
	if product.Stock < 0 {
		logger.Warn("Stock below zero", zap.Int("stock", product.Stock))
	}

	sum.applied++
	logger.Info("📦 Stock updated", zap.Int("stock", product.Stock))
	return nil
}

// claimRestock claims the restock token of a line item and reports whether
// its stock should be restored. A cancel that arrives before the matching
// reservation claims the reservation token as well, so the late reservation
// is treated as a duplicate and the item is left as it was.
func (r *Reconciler) claimRestock(ctx context.Context, logger *zap.Logger, token, reserveToken string, sum *summary) (bool, error) {
	reserved, err := r.ledger.Claimed(ctx, reserveToken)
	if err != nil {
		return false, err
	}

	first, err := r.ledger.Claim(ctx, token)
	if err != nil {
		return false, err
	}
	if !first && reserved {
		sum.duplicates++
		logger.Info("Line item already applied", zap.String("token", token))
		return false, nil
	}
	if reserved {
		return true, nil
	}

	blocked, err := r.ledger.Claim(ctx, reserveToken)
	if err != nil {
		if releaseErr := r.ledger.Release(ctx, token); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return false, err
	}
	if !blocked {
		// The reservation landed between the lookup and the claim.
		return true, nil
	}

	sum.unreserved++
	sum.blocked++
	logger.Info("No reservation recorded for line item, blocking a later reservation", zap.String("token", reserveToken))
	return false, nil
}

// parseOrderItems returns a non-empty reason when env does not carry a
// readable order item list.
func parseOrderItems(env events.Envelope) (orderInput, []events.OrderLineItem, string) {
	var payload orderPayload
	if err := env.Decode(&payload); err != nil {
		return orderInput{}, nil, "payload is not an order: " + err.Error()
	}
	if payload.OrderInput == nil {
		return orderInput{}, nil, "payload has no orderInput"
	}

	raw := bytes.TrimSpace(payload.OrderInput.OrderItems)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return orderInput{}, nil, "orderInput has no orderItems"
	}
	if raw[0] != '[' {
		return orderInput{}, nil, "orderItems is not a list"
	}

	var items []events.OrderLineItem
	if err := events.Unmarshal(raw, &items); err != nil {
		return orderInput{}, nil, "orderItems are malformed: " + err.Error()
	}
	return *payload.OrderInput, items, ""
}
