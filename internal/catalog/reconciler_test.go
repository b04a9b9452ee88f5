package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ordersync/internal/events"
	"ordersync/internal/platform/kafka"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingStore struct {
	*MemoryProductStore
	updates     []Product
	failUpdates int
	findErr     error
}

func (s *recordingStore) FindOne(ctx context.Context, id int64) (Product, error) {
	if s.findErr != nil {
		return Product{}, s.findErr
	}
	return s.MemoryProductStore.FindOne(ctx, id)
}

func (s *recordingStore) AdjustStock(ctx context.Context, id int64, delta int) (Product, error) {
	if s.failUpdates > 0 {
		s.failUpdates--
		return Product{}, errors.New("connection reset")
	}
	p, err := s.MemoryProductStore.AdjustStock(ctx, id, delta)
	if err == nil {
		s.updates = append(s.updates, p)
	}
	return p, err
}

func newTestReconciler(products ...Product) (*Reconciler, *recordingStore, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	store := &recordingStore{MemoryProductStore: NewMemoryProductStore(products...)}
	r := NewReconciler(store, NewMemoryLedger(), noop.NewTracerProvider().Tracer("test"), zap.New(core))
	return r, store, logs
}

func envelope(kind events.EventKind, data string) events.Envelope {
	return events.Envelope{Event: kind, Data: json.RawMessage(data), Headers: map[string]string{}}
}

func stockOf(t *testing.T, store *recordingStore, id int64) int {
	t.Helper()
	p, err := store.MemoryProductStore.FindOne(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestReconcileDecrementsStock(t *testing.T) {
	r, store, _ := newTestReconciler(Product{ID: 1, Name: "lamp", Price: "10", Stock: 10})

	result, err := r.Handle(context.Background(),
		envelope(events.OrderCreated, `{"orderInput":{"orderItems":[{"productId":1,"qty":3}]}}`))
	require.NoError(t, err)

	assert.Equal(t, kafka.StatusSucceeded, result.Status)
	require.Len(t, store.updates, 1)
	assert.Equal(t, 7, store.updates[0].Stock)
	assert.Equal(t, 7, stockOf(t, store, 1))
}

func TestReconcileUnknownProductIsSkipped(t *testing.T) {
	r, store, logs := newTestReconciler(Product{ID: 1, Stock: 10})

	result, err := r.Handle(context.Background(),
		envelope(events.OrderCreated, `{"orderInput":{"orderItems":[{"productId":999,"qty":1}]}}`))
	require.NoError(t, err)

	assert.Equal(t, kafka.StatusSucceeded, result.Status)
	assert.Empty(t, store.updates)
	assert.Equal(t, 1, logs.FilterMessage("🔍 Product not found, skipping line item").Len())
}

func TestReconcileMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"orderItems absent", `{"orderInput":{"orderNumber":5}}`},
		{"orderItems null", `{"orderInput":{"orderItems":null}}`},
		{"orderItems is a string", `{"orderInput":{"orderItems":"lamp"}}`},
		{"orderItems is an object", `{"orderInput":{"orderItems":{"productId":1}}}`},
		{"orderInput absent", `{"order":{}}`},
		{"orderInput is a number", `{"orderInput":42}`},
		{"payload is a list", `[1,2,3]`},
		{"item fields have wrong types", `{"orderInput":{"orderItems":[{"productId":"one","qty":"three"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store, _ := newTestReconciler(Product{ID: 1, Stock: 10})

			result, err := r.Handle(context.Background(), envelope(events.OrderCreated, tt.data))
			require.NoError(t, err)

			assert.Equal(t, kafka.StatusSkipped, result.Status)
			assert.NotEmpty(t, result.Reason)
			assert.Empty(t, store.updates)
		})
	}
}

func TestReconcileAppliesEachItemIndependently(t *testing.T) {
	r, store, _ := newTestReconciler(
		Product{ID: 1, Stock: 10},
		Product{ID: 2, Stock: 4},
	)

	_, err := r.Handle(context.Background(), envelope(events.OrderCreated,
		`{"orderInput":{"orderNumber":11,"orderItems":[{"productId":1,"qty":2},{"productId":999,"qty":1},{"productId":2,"qty":0},{"productId":2,"qty":1}]}}`))
	require.NoError(t, err)

	assert.Equal(t, 8, stockOf(t, store, 1))
	assert.Equal(t, 3, stockOf(t, store, 2))
	assert.Len(t, store.updates, 2)
}

func TestReconcileRedeliveryDoesNotDoubleDecrement(t *testing.T) {
	r, store, _ := newTestReconciler(Product{ID: 1, Stock: 10})
	env := envelope(events.OrderCreated, `{"orderInput":{"orderNumber":100,"orderItems":[{"productId":1,"qty":3}]}}`)

	for i := 0; i < 3; i++ {
		_, err := r.Handle(context.Background(), env)
		require.NoError(t, err)
	}

	assert.Equal(t, 7, stockOf(t, store, 1))
	assert.Len(t, store.updates, 1)
}

func TestReconcileSameProductTwiceInOneOrder(t *testing.T) {
	r, store, _ := newTestReconciler(Product{ID: 1, Stock: 10})

	_, err := r.Handle(context.Background(), envelope(events.OrderCreated,
		`{"orderInput":{"orderNumber":3,"orderItems":[{"productId":1,"qty":1},{"productId":1,"qty":2}]}}`))
	require.NoError(t, err)

	assert.Equal(t, 7, stockOf(t, store, 1))
}

func TestReconcileUpdateFailureReleasesClaim(t *testing.T) {
	r, store, _ := newTestReconciler(Product{ID: 1, Stock: 10})
	store.failUpdates = 1
	env := envelope(events.OrderCreated, `{"orderInput":{"orderNumber":8,"orderItems":[{"productId":1,"qty":4}]}}`)

	_, err := r.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, 10, stockOf(t, store, 1))

	_, err = r.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 6, stockOf(t, store, 1))
}

func TestReconcileStoreLookupFailurePropagates(t *testing.T) {
	r, store, _ := newTestReconciler(Product{ID: 1, Stock: 10})
	store.findErr = errors.New("database unavailable")

	_, err := r.Handle(context.Background(),
		envelope(events.OrderCreated, `{"orderInput":{"orderItems":[{"productId":1,"qty":1}]}}`))
	assert.ErrorIs(t, err, store.findErr)
}

func TestReconcileAllowsNegativeStock(t *testing.T) {
	r, store, logs := newTestReconciler(Product{ID: 1, Stock: 1})

	_, err := r.Handle(context.Background(),
		envelope(events.OrderCreated, `{"orderInput":{"orderItems":[{"productId":1,"qty":3}]}}`))
	require.NoError(t, err)

	assert.Equal(t, -2, stockOf(t, store, 1))
	assert.Equal(t, 1, logs.FilterMessage("Stock below zero").Len())
}

func TestReconcileCancelRestoresStockOnce(t *testing.T) {
	r, store, _ := newTestReconciler(Product{ID: 1, Stock: 10})
	payload := `{"orderInput":{"orderNumber":21,"status":"CANCELED","orderItems":[{"productId":1,"qty":3}]}}`

	_, err := r.Handle(context.Background(), envelope(events.OrderCreated, payload))
	require.NoError(t, err)
	require.Equal(t, 7, stockOf(t, store, 1))

	for i := 0; i < 2; i++ {
		_, err = r.Handle(context.Background(), envelope(events.OrderCanceled, payload))
		require.NoError(t, err)
	}
	assert.Equal(t, 10, stockOf(t, store, 1))
}

func TestReconcileCancelWithoutReservationIsNoop(t *testing.T) {
	r, store, _ := newTestReconciler(Product{ID: 1, Stock: 10})

	_, err := r.Handle(context.Background(), envelope(events.OrderCanceled,
		`{"orderInput":{"orderNumber":22,"orderItems":[{"productId":1,"qty":3}]}}`))
	require.NoError(t, err)

	assert.Equal(t, 10, stockOf(t, store, 1))
	assert.Empty(t, store.updates)
}

func TestReconcileCancelBeforeCreateBlocksReservation(t *testing.T) {
	r, store, logs := newTestReconciler(Product{ID: 1, Stock: 10})
	payload := `{"orderInput":{"orderNumber":23,"orderItems":[{"productId":1,"qty":3}]}}`

	_, err := r.Handle(context.Background(), envelope(events.OrderCanceled, payload))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("No reservation recorded for line item, blocking a later reservation").Len())

	_, err = r.Handle(context.Background(), envelope(events.OrderCreated, payload))
	require.NoError(t, err)
	_, err = r.Handle(context.Background(), envelope(events.OrderCanceled, payload))
	require.NoError(t, err)

	assert.Equal(t, 10, stockOf(t, store, 1))
	assert.Empty(t, store.updates)
}

func TestReconcileFallsBackToOrderID(t *testing.T) {
	r, store, logs := newTestReconciler(Product{ID: 1, Stock: 10})

	for _, id := range []string{"31", "32", "31"} {
		_, err := r.Handle(context.Background(), envelope(events.OrderCreated,
			`{"orderInput":{"id":`+id+`,"orderItems":[{"productId":1,"qty":2}]}}`))
		require.NoError(t, err)
	}

	assert.Equal(t, 6, stockOf(t, store, 1), "distinct orders apply, the redelivery does not")
	assert.Zero(t, logs.FilterMessage("Order carries neither orderNumber nor id, duplicates cannot be told apart").Len())
}

func TestReconcileWarnsWithoutOrderIdentity(t *testing.T) {
	r, store, logs := newTestReconciler(Product{ID: 1, Stock: 10})

	_, err := r.Handle(context.Background(), envelope(events.OrderCreated,
		`{"orderInput":{"orderItems":[{"productId":1,"qty":2}]}}`))
	require.NoError(t, err)

	assert.Equal(t, 8, stockOf(t, store, 1))
	assert.Equal(t, 1, logs.FilterMessage("Order carries neither orderNumber nor id, duplicates cannot be told apart").Len())
}

func TestReconcileUnsupportedEvent(t *testing.T) {
	r, store, _ := newTestReconciler(Product{ID: 1, Stock: 10})

	result, err := r.Handle(context.Background(), envelope("ORDER_SHIPPED", `{}`))
	require.NoError(t, err)

	assert.Equal(t, kafka.StatusSkipped, result.Status)
	assert.Empty(t, store.updates)
}
