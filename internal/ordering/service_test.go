package ordering

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ordersync/internal/apperr"
	"ordersync/internal/catalog"
	"ordersync/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type published struct {
	topic string
	env   events.Envelope
}

// fakePublisher acknowledges every publish unless told otherwise.
type fakePublisher struct {
	mu    sync.Mutex
	sent  []published
	calls int
	unack bool
	err   error
	failN int
}

func (p *fakePublisher) Publish(_ context.Context, env events.Envelope, topic string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.failN > 0 {
		p.failN--
		return false, errors.New("broker unavailable")
	}
	if p.err != nil {
		return false, p.err
	}
	if p.unack {
		return false, nil
	}
	p.sent = append(p.sent, published{topic: topic, env: env})
	return true, nil
}

func (p *fakePublisher) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

type serviceFixture struct {
	service   *Service
	store     *MemoryStore
	publisher *fakePublisher
	relay     *Relay
	logs      *observer.ObservedLogs
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	store := NewMemoryStore()
	publisher := &fakePublisher{}
	relay := NewRelay(store, publisher, RelayConfig{}, logger)
	service := NewService(store, store, NewMemorySequence(0), relay, noop.NewTracerProvider().Tracer("test"), logger)
	return &serviceFixture{
		service:   service,
		store:     store,
		publisher: publisher,
		relay:     relay,
		logs:      logs,
	}
}

func (f *serviceFixture) putCart(customerID int64, items ...CartLineItem) {
	f.store.PutCart(Cart{ID: customerID, CustomerID: customerID, LineItems: items})
}

func decodeOrder(t *testing.T, env events.Envelope) events.OrderWithLineItems {
	t.Helper()
	var payload events.OrderPayload
	require.NoError(t, env.Decode(&payload))
	require.NotNil(t, payload.OrderInput)
	return *payload.OrderInput
}

func TestCreateOrderPublishesOrderCreated(t *testing.T) {
	f := newServiceFixture(t)
	f.putCart(456, CartLineItem{ProductID: 123, ItemName: "Keyboard", Qty: 2, Price: "1200"})

	result, err := f.service.CreateOrder(context.Background(), 456, map[string]string{
		events.HeaderAuthorization: "Bearer token",
	})
	require.NoError(t, err)
	assert.Equal(t, "Order created successfully.", result.Message)
	assert.Equal(t, int64(1), result.OrderNumber)

	_, err = f.store.FindCart(context.Background(), 456)
	assert.ErrorIs(t, err, ErrCartNotFound, "cart should be cleared")

	sent := f.publisher.published()
	require.Len(t, sent, 1)
	assert.Equal(t, events.CatalogEventsTopic, sent[0].topic)
	assert.Equal(t, events.OrderCreated, sent[0].env.Event)
	assert.Equal(t, "Bearer token", sent[0].env.Header(events.HeaderAuthorization))

	order := decodeOrder(t, sent[0].env)
	assert.Equal(t, int64(456), order.CustomerID)
	assert.Equal(t, "2400", order.Amount)
	assert.Equal(t, events.StatusPending, order.Status)
	assert.Equal(t, events.PendingTxnID, order.TxnID)
	require.Len(t, order.OrderItems, 1)
	assert.Equal(t, int64(123), order.OrderItems[0].ProductID)
	assert.Equal(t, 2, order.OrderItems[0].Qty)

	outbox := f.store.Outbox()
	require.Len(t, outbox, 1)
	assert.NotNil(t, outbox[0].DeliveredAt)
}

func TestCreateOrderPersistsOrder(t *testing.T) {
	f := newServiceFixture(t)
	f.putCart(7,
		CartLineItem{ProductID: 1, ItemName: "Pen", Qty: 3, Price: "0.10"},
		CartLineItem{ProductID: 2, ItemName: "Pad", Qty: 1, Price: "2.35"},
	)

	_, err := f.service.CreateOrder(context.Background(), 7, nil)
	require.NoError(t, err)

	orders, err := f.service.GetOrders(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "2.65", orders[0].Amount)
	assert.Len(t, orders[0].OrderItems, 2)
	for _, item := range orders[0].OrderItems {
		assert.NotZero(t, item.ID)
	}
}

func TestCreateOrderMissingCart(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateOrder(context.Background(), 99, nil)

	var notFound *apperr.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "cart", notFound.Entity)
	assert.ErrorIs(t, err, ErrCartNotFound)
	assert.Empty(t, f.publisher.published())
}

func TestCreateOrderRejectsBadPrice(t *testing.T) {
	f := newServiceFixture(t)
	f.putCart(5, CartLineItem{ProductID: 1, Qty: 1, Price: "twelve"})

	_, err := f.service.CreateOrder(context.Background(), 5, nil)

	var validation *apperr.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "lineItems[0].price", validation.Field)
	assert.Empty(t, f.store.Outbox())
}

func TestCreateOrderRejectsNonPositiveCustomer(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateOrder(context.Background(), 0, nil)

	var validation *apperr.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestCreateOrderSucceedsWhenBrokerIsDown(t *testing.T) {
	f := newServiceFixture(t)
	f.publisher.err = errors.New("no brokers")
	f.putCart(1, CartLineItem{ProductID: 1, Qty: 1, Price: "5"})

	result, err := f.service.CreateOrder(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.OrderNumber)

	outbox := f.store.Outbox()
	require.Len(t, outbox, 1)
	assert.Nil(t, outbox[0].DeliveredAt)
	assert.Equal(t, 1, outbox[0].Attempts)
	assert.Contains(t, outbox[0].LastError, "no brokers")
	assert.Equal(t, 1, f.logs.FilterMessage("ORDER_CREATED queued for retry").Len())
}

func TestRelayRetriesUntilAcknowledged(t *testing.T) {
	f := newServiceFixture(t)
	f.publisher.unack = true
	f.putCart(1, CartLineItem{ProductID: 1, Qty: 1, Price: "5"})

	_, err := f.service.CreateOrder(context.Background(), 1, nil)
	require.NoError(t, err)

	n, err := f.relay.Flush(context.Background())
	assert.ErrorIs(t, err, errNotAcknowledged)
	assert.Zero(t, n)

	f.publisher.mu.Lock()
	f.publisher.unack = false
	f.publisher.mu.Unlock()

	n, err = f.relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outbox := f.store.Outbox()
	require.Len(t, outbox, 1)
	assert.NotNil(t, outbox[0].DeliveredAt)
	assert.Equal(t, 2, outbox[0].Attempts)
	assert.Len(t, f.publisher.published(), 1)

	n, err = f.relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "delivered rows are not sent again")
}

func TestRelayKeepsOrderOnFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.publisher.err = errors.New("down")
	for customer := int64(1); customer <= 3; customer++ {
		f.putCart(customer, CartLineItem{ProductID: 1, Qty: 1, Price: "1"})
		_, err := f.service.CreateOrder(context.Background(), customer, nil)
		require.NoError(t, err)
	}

	f.publisher.mu.Lock()
	f.publisher.err = nil
	f.publisher.failN = 1
	f.publisher.mu.Unlock()

	n, err := f.relay.Flush(context.Background())
	require.Error(t, err)
	assert.Zero(t, n, "first failure holds back later rows")

	n, err = f.relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sent := f.publisher.published()
	require.Len(t, sent, 3)
	for i, p := range sent {
		assert.Equal(t, int64(i+1), decodeOrder(t, p.env).OrderNumber)
	}
}

func TestDeliverDoesNotOvertakePendingMessages(t *testing.T) {
	f := newServiceFixture(t)
	f.publisher.failN = 1
	f.putCart(4, CartLineItem{ProductID: 1, Qty: 3, Price: "2"})

	_, err := f.service.CreateOrder(context.Background(), 4, nil)
	require.NoError(t, err)
	require.Empty(t, f.publisher.published())

	_, err = f.service.UpdateOrder(context.Background(), 1, events.StatusCanceled, nil)
	require.NoError(t, err)

	n, err := f.relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	sent := f.publisher.published()
	require.Len(t, sent, 2)
	assert.Equal(t, events.OrderCreated, sent[0].env.Event)
	assert.Equal(t, events.OrderCanceled, sent[1].env.Event)
}

func TestCanceledOrderRestoresStockAfterBrokerOutage(t *testing.T) {
	f := newServiceFixture(t)
	f.publisher.failN = 1
	f.putCart(4, CartLineItem{ProductID: 1, Qty: 3, Price: "2"})

	_, err := f.service.CreateOrder(context.Background(), 4, nil)
	require.NoError(t, err)
	_, err = f.service.UpdateOrder(context.Background(), 1, events.StatusCanceled, nil)
	require.NoError(t, err)
	_, err = f.relay.Flush(context.Background())
	require.NoError(t, err)

	products := catalog.NewMemoryProductStore(catalog.Product{ID: 1, Stock: 10})
	reconciler := catalog.NewReconciler(products, catalog.NewMemoryLedger(), noop.NewTracerProvider().Tracer("test"), zap.NewNop())
	for _, p := range f.publisher.published() {
		_, err := reconciler.Handle(context.Background(), p.env)
		require.NoError(t, err)
	}

	product, err := products.FindOne(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 10, product.Stock)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	f := newServiceFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, f.relay.Run(ctx))
}

func TestOrderNumbersAreUnique(t *testing.T) {
	f := newServiceFixture(t)
	const customers = 20
	for c := int64(1); c <= customers; c++ {
		f.putCart(c, CartLineItem{ProductID: 1, Qty: 1, Price: "1"})
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[int64]bool{}
	)
	for c := int64(1); c <= customers; c++ {
		wg.Add(1)
		go func(customer int64) {
			defer wg.Done()
			result, err := f.service.CreateOrder(context.Background(), customer, nil)
			assert.NoError(t, err)
			mu.Lock()
			numbers[result.OrderNumber] = true
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	assert.Len(t, numbers, customers)
}

func TestMemoryStoreRejectsDuplicateOrderNumber(t *testing.T) {
	store := NewMemoryStore()
	order := events.OrderWithLineItems{OrderNumber: 10, CustomerID: 1, Status: events.StatusPending}

	_, err := store.CreateOrder(context.Background(), order, OutboxMessage{ID: "a"})
	require.NoError(t, err)
	_, err = store.CreateOrder(context.Background(), order, OutboxMessage{ID: "b"})
	assert.Error(t, err)
	assert.Len(t, store.Outbox(), 1)
}

func TestCancelOrderPublishesOrderCanceled(t *testing.T) {
	f := newServiceFixture(t)
	f.putCart(3, CartLineItem{ProductID: 123, Qty: 2, Price: "10"})
	_, err := f.service.CreateOrder(context.Background(), 3, nil)
	require.NoError(t, err)

	updated, err := f.service.UpdateOrder(context.Background(), 1, events.StatusCanceled, nil)
	require.NoError(t, err)
	assert.Equal(t, events.StatusCanceled, updated.Status)

	sent := f.publisher.published()
	require.Len(t, sent, 2)
	assert.Equal(t, events.OrderCanceled, sent[1].env.Event)
	canceled := decodeOrder(t, sent[1].env)
	assert.Equal(t, int64(1), canceled.OrderNumber)
	require.Len(t, canceled.OrderItems, 1)
	assert.Equal(t, 2, canceled.OrderItems[0].Qty)

	_, err = f.service.UpdateOrder(context.Background(), 1, events.StatusCanceled, nil)
	require.NoError(t, err)
	assert.Len(t, f.publisher.published(), 2, "cancelling twice emits one event")
}

func TestConfirmOrderPublishesNothing(t *testing.T) {
	f := newServiceFixture(t)
	f.putCart(3, CartLineItem{ProductID: 1, Qty: 1, Price: "1"})
	_, err := f.service.CreateOrder(context.Background(), 3, nil)
	require.NoError(t, err)

	_, err = f.service.UpdateOrder(context.Background(), 1, events.StatusConfirmed, nil)
	require.NoError(t, err)
	assert.Len(t, f.publisher.published(), 1)
}

func TestUpdateOrderErrors(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.UpdateOrder(context.Background(), 1, "SHIPPED", nil)
	var validation *apperr.ValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = f.service.UpdateOrder(context.Background(), 1, events.StatusConfirmed, nil)
	var notFound *apperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestGetAndDeleteOrder(t *testing.T) {
	f := newServiceFixture(t)
	f.putCart(8, CartLineItem{ProductID: 1, Qty: 1, Price: "1"})
	_, err := f.service.CreateOrder(context.Background(), 8, nil)
	require.NoError(t, err)

	order, err := f.service.GetOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), order.CustomerID)

	require.NoError(t, f.service.DeleteOrder(context.Background(), 1))

	_, err = f.service.GetOrder(context.Background(), 1)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	err = f.service.DeleteOrder(context.Background(), 1)
	var notFound *apperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestHandleSubscriptionSkips(t *testing.T) {
	f := newServiceFixture(t)
	env, err := events.NewEnvelope(events.OrderCreated, map[string]int{"x": 1}, nil)
	require.NoError(t, err)

	result, err := f.service.HandleSubscription(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "no action for ORDER_CREATED", result.Reason)
	assert.Equal(t, 1, f.logs.FilterMessage("📨 Received order event").Len())
}
