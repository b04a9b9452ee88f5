package kafka

import (
	"context"
	"fmt"

	"ordersync/internal/events"
	"ordersync/internal/platform/observability"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publisher writes envelopes through the manager's producer.
type Publisher struct {
	manager *ConnectionManager
	metrics *Metrics
	tracer  observability.Tracer
	logger  *zap.Logger
}

func NewPublisher(manager *ConnectionManager, metrics *Metrics, tracer observability.Tracer, logger *zap.Logger) *Publisher {
	return &Publisher{
		manager: manager,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}
}

// Publish sends one message keyed by the event kind. It reports true when the
// broker acknowledged the write and false when no acknowledgment came back.
// Connection and write failures are returned as errors.
func (p *Publisher) Publish(ctx context.Context, env events.Envelope, topic string) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "publish "+topic, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	headers := make(map[string]string, len(env.Headers)+1)
	for k, v := range env.Headers {
		headers[k] = v
	}
	if headers[events.HeaderCorrelationID] == "" {
		headers[events.HeaderCorrelationID] = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("messaging.destination.name", topic),
		attribute.String("event.kind", env.Event.String()),
		attribute.String("correlation.id", headers[events.HeaderCorrelationID]),
	)

	producer, err := p.manager.ConnectProducer(ctx)
	if err != nil {
		p.metrics.published.WithLabelValues(topic, publishError).Inc()
		span.SetStatus(codes.Error, "connect failed")
		return false, fmt.Errorf("failed to connect producer: %w", err)
	}

	deliveries, err := producer.Produce(ctx, kafkago.Message{
		Topic:   topic,
		Key:     []byte(env.Event),
		Value:   env.Data,
		Headers: toKafkaHeaders(headers),
	})
	if err != nil {
		p.metrics.published.WithLabelValues(topic, publishError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return false, fmt.Errorf("failed to publish %s to %s: %w", env.Event, topic, err)
	}

	if len(deliveries) == 0 {
		p.metrics.published.WithLabelValues(topic, publishUnacked).Inc()
		p.logger.Warn("Publish not acknowledged",
			zap.String("topic", topic),
			zap.String("event", env.Event.String()),
		)
		return false, nil
	}

	p.metrics.published.WithLabelValues(topic, publishAcked).Inc()
	span.SetStatus(codes.Ok, "")
	p.logger.Info("📤 Event published",
		zap.String("topic", topic),
		zap.String("event", env.Event.String()),
		zap.String("correlation_id", headers[events.HeaderCorrelationID]),
	)
	return true, nil
}
