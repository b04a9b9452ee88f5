package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/events"
	"ordersync/internal/platform/kafka"
	"ordersync/internal/platform/observability"
	"ordersync/internal/platform/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config            *config.Config
	logger            *zap.Logger
	tracer            observability.Tracer
	registry          *prometheus.Registry
	metrics           *kafka.Metrics
	manager           *kafka.ConnectionManager
	pool              *pgxpool.Pool
	redis             *redis.Client
	otelLogShutdown   func(context.Context) error
	otelTraceShutdown func(context.Context) error
}

// NewContainer creates and initializes all infrastructure components
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	tp, err := c.setupObservability(ctx)
	if err != nil {
		return nil, err
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = kafka.NewMetrics(c.registry)
	c.setupKafka(tp)

	if err := c.setupStorage(ctx); err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}
	return c, nil
}

// setupObservability configures OpenTelemetry logging and tracing, then
// builds the zap logger on top of the log bridge.
func (c *Container) setupObservability(ctx context.Context) (trace.TracerProvider, error) {
	level, err := observability.ParseLevel(c.config.Service.LogLevel)
	if err != nil {
		return nil, err
	}

	settings := observability.Settings{
		ServiceName:    c.config.Service.Name,
		ServiceVersion: config.ServiceVersion,
		Endpoint:       c.config.Otel.Endpoint,
		AuthHeader:     c.config.Otel.AuthHeader,
		LogsPath:       config.LogsPath,
		TracesPath:     config.TracesPath,
		Insecure:       c.config.Otel.Insecure,
		ExportTimeout:  config.ExportTimeout,
		MaxQueueSize:   config.MaxQueueSize,
	}

	var setupErr error
	c.otelLogShutdown, err = observability.SetupLoggingSDK(ctx, settings)
	setupErr = errors.Join(setupErr, err)

	tp, traceShutdown, err := observability.SetupTracingSDK(ctx, settings)
	setupErr = errors.Join(setupErr, err)
	c.otelTraceShutdown = traceShutdown

	c.logger = observability.NewLogger(c.config.Service.Name, level)
	if setupErr != nil {
		c.logger.Error("Failed to setup OpenTelemetry, continuing without export", zap.Error(setupErr))
	}
	c.tracer = tp.Tracer(c.config.Service.Name)
	return tp, nil
}

func (c *Container) setupKafka(tp trace.TracerProvider) {
	k := c.config.Kafka

	factory := kafka.NewClientFactory(kafka.ClientConfig{
		Brokers:           k.BrokerList(),
		ClientID:          k.ClientID,
		RequiredAcks:      kafkago.RequiredAcks(k.RequiredAcks),
		SessionTimeout:    k.SessionTimeout,
		HeartbeatInterval: k.HeartbeatInterval,
		TracerProvider:    tp,
	})

	c.manager = kafka.NewConnectionManager(factory, kafka.ManagerConfig{
		GroupID: k.GroupID,
		Topics:  topicSpecs(k),
	}, c.logger)
}

// topicSpecs lists both event topics and their dead-letter topics.
func topicSpecs(k config.KafkaConfig) []kafka.TopicSpec {
	var topics []kafka.TopicSpec
	for _, name := range []string{events.CatalogEventsTopic, events.OrderEventsTopic} {
		for _, topic := range []string{name, events.DeadLetterTopic(name)} {
			topics = append(topics, kafka.TopicSpec{
				Name:              topic,
				Partitions:        k.Partitions,
				ReplicationFactor: k.ReplicationFactor,
			})
		}
	}
	return topics
}

// setupStorage connects to PostgreSQL and Redis when they are configured.
func (c *Container) setupStorage(ctx context.Context) error {
	if db := c.config.Database; db.URL != "" {
		pool, err := postgres.NewPool(ctx, db.URL, postgres.PoolConfig{
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			MaxConnIdleTime: db.MaxConnIdleTime,
		})
		if err != nil {
			return err
		}
		c.pool = pool
		c.logger.Info("Connected to PostgreSQL")
	} else {
		c.logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	if r := c.config.Redis; r.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", r.Addr, err)
		}
		c.redis = client
		c.logger.Info("Connected to Redis", zap.String("addr", r.Addr))
	} else {
		c.logger.Warn("REDIS_ADDR not set, using in-memory ledger and sequence")
	}
	return nil
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	if c.manager != nil {
		if err := c.manager.Close(); err != nil {
			c.logger.Error("Failed to close Kafka connections", zap.Error(err))
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("Failed to close Redis client", zap.Error(err))
		}
	}

	if c.otelTraceShutdown != nil {
		if err := c.otelTraceShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OTel tracing", zap.Error(err))
		}
	}
	if c.otelLogShutdown != nil {
		if err := c.otelLogShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OTel logging", zap.Error(err))
		}
	}

	c.logger.Info("Infrastructure shutdown complete")
	_ = c.logger.Sync()
}

func (c *Container) Config() *config.Config            { return c.config }
func (c *Container) Logger() *zap.Logger               { return c.logger }
func (c *Container) Tracer() observability.Tracer      { return c.tracer }
func (c *Container) Registry() *prometheus.Registry    { return c.registry }
func (c *Container) Metrics() *kafka.Metrics           { return c.metrics }
func (c *Container) Manager() *kafka.ConnectionManager { return c.manager }
func (c *Container) Pool() *pgxpool.Pool               { return c.pool }
func (c *Container) Redis() *redis.Client              { return c.redis }
