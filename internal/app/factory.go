package app

import (
	"context"
	"fmt"

	"ordersync/internal/catalog"
	"ordersync/internal/config"
	"ordersync/internal/events"
	"ordersync/internal/ordering"
	"ordersync/internal/platform/httpserver"
	"ordersync/internal/platform/kafka"
)

// Runner is one long-running loop of a service.
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// ServiceFactory creates business logic services with their dependencies
type ServiceFactory struct {
	infra *Container
}

func NewServiceFactory(infra *Container) *ServiceFactory {
	return &ServiceFactory{infra: infra}
}

// Runners returns the loops of the configured service.
func (f *ServiceFactory) Runners() ([]Runner, error) {
	switch kind := f.infra.Config().Service.Kind; kind {
	case config.ServiceCatalog:
		return f.catalogRunners(), nil
	case config.ServiceOrder:
		return f.orderRunners(), nil
	default:
		return nil, fmt.Errorf("unknown service %q", kind)
	}
}

func (f *ServiceFactory) CreateSubscriber() *kafka.Subscriber {
	k := f.infra.Config().Kafka
	return kafka.NewSubscriber(f.infra.Manager(), kafka.SubscriberConfig{
		MaxAttempts:    k.MaxAttempts,
		InitialBackoff: k.InitialBackoff,
		MaxBackoff:     k.MaxBackoff,
	}, f.infra.Metrics(), f.infra.Tracer(), f.infra.Logger())
}

func (f *ServiceFactory) CreatePublisher() *kafka.Publisher {
	return kafka.NewPublisher(f.infra.Manager(), f.infra.Metrics(), f.infra.Tracer(), f.infra.Logger())
}

// CreateReconciler uses PostgreSQL and Redis when connected and in-memory
// stand-ins otherwise.
func (f *ServiceFactory) CreateReconciler() *catalog.Reconciler {
	var products catalog.ProductStore = catalog.NewMemoryProductStore()
	if pool := f.infra.Pool(); pool != nil {
		products = catalog.NewPostgresProductStore(pool)
	}

	var ledger catalog.Ledger = catalog.NewMemoryLedger()
	if client := f.infra.Redis(); client != nil {
		r := f.infra.Config().Redis
		ledger = catalog.NewRedisLedger(client, r.KeyPrefix, r.LedgerTTL)
	}

	return catalog.NewReconciler(products, ledger, f.infra.Tracer(), f.infra.Logger())
}

// CreateOrderService returns the order service and the relay that drains its outbox.
func (f *ServiceFactory) CreateOrderService() (*ordering.Service, *ordering.Relay) {
	var store ordering.Store = ordering.NewMemoryStore()
	if pool := f.infra.Pool(); pool != nil {
		store = ordering.NewPostgresStore(pool)
	}

	numbers := f.CreateSequence(store)

	o := f.infra.Config().Outbox
	relay := ordering.NewRelay(store, f.CreatePublisher(), ordering.RelayConfig{
		PollInterval: o.PollInterval,
		BatchSize:    o.BatchSize,
	}, f.infra.Logger())

	service := ordering.NewService(store, store, numbers, relay, f.infra.Tracer(), f.infra.Logger())
	return service, relay
}

// CreateSequence numbers orders from Redis when connected. Otherwise
// numbering continues after the highest order number in orders.
func (f *ServiceFactory) CreateSequence(orders ordering.OrderStore) ordering.Sequence {
	if client := f.infra.Redis(); client != nil {
		return ordering.NewRedisSequence(client, f.infra.Config().Redis.SequenceKey)
	}
	return ordering.NewStoreSequence(orders)
}

func (f *ServiceFactory) catalogRunners() []Runner {
	reconciler := f.CreateReconciler()
	subscriber := f.CreateSubscriber()
	router := httpserver.NewRouter(f.infra.Registry())

	return []Runner{
		{Name: "subscriber", Run: func(ctx context.Context) error {
			return subscriber.Subscribe(ctx, events.CatalogEventsTopic, reconciler.Handle)
		}},
		{Name: "http", Run: func(ctx context.Context) error {
			return httpserver.Serve(ctx, f.infra.Config().HTTP.Addr, router, f.infra.Logger())
		}},
	}
}

func (f *ServiceFactory) orderRunners() []Runner {
	service, relay := f.CreateOrderService()
	subscriber := f.CreateSubscriber()
	router := httpserver.NewRouter(f.infra.Registry())
	ordering.NewHandlers(service, f.infra.Logger()).Mount(router)

	return []Runner{
		{Name: "subscriber", Run: func(ctx context.Context) error {
			return subscriber.Subscribe(ctx, events.OrderEventsTopic, service.HandleSubscription)
		}},
		{Name: "outbox-relay", Run: relay.Run},
		{Name: "http", Run: func(ctx context.Context) error {
			return httpserver.Serve(ctx, f.infra.Config().HTTP.Addr, router, f.infra.Logger())
		}},
	}
}
