package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"ordersync/internal/events"
	"ordersync/internal/platform/observability"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Dead-letter metadata headers.
const (
	HeaderErrorMessage      = "error_message"
	HeaderOriginalTopic     = "original_topic"
	HeaderOriginalPartition = "original_partition"
	HeaderOriginalOffset    = "original_offset"
	HeaderRetryAttempts     = "retry_attempts"
	HeaderFailedAt          = "failed_at"
)

const deadLetterAttempts = 3

type Status int

const (
	StatusSucceeded Status = iota
	StatusSkipped
)

func (s Status) String() string {
	if s == StatusSkipped {
		return "skipped"
	}
	return "succeeded"
}

// Result is what a handler reports for a record it did not fail on.
type Result struct {
	Status Status
	Reason string
}

func Succeeded() Result { return Result{Status: StatusSucceeded} }

func Skipped(reason string) Result { return Result{Status: StatusSkipped, Reason: reason} }

// Handler processes one envelope. A returned error marks the record failed;
// it is retried and finally dead-lettered.
type Handler func(ctx context.Context, env events.Envelope) (Result, error)

// Permanent marks err as not worth retrying. The record goes straight to the
// dead-letter topic.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type SubscriberConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

type Subscriber struct {
	manager *ConnectionManager
	cfg     SubscriberConfig
	metrics *Metrics
	tracer  observability.Tracer
	logger  *zap.Logger
}

func NewSubscriber(manager *ConnectionManager, cfg SubscriberConfig, metrics *Metrics, tracer observability.Tracer, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		manager: manager,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}
}

// Subscribe joins topic from the earliest retained offset and feeds every
// record to handler until ctx is cancelled. A record's offset is committed
// only after the handler succeeded or skipped it, or after it was written to
// the dead-letter topic. Cancelling ctx lets the in-flight record finish.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, handler Handler) error {
	consumer, err := s.manager.ConnectConsumer(ctx)
	if err != nil {
		return err
	}
	if err := consumer.Subscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	allowed := map[string]struct{}{
		events.CatalogEventsTopic: {},
		events.OrderEventsTopic:   {},
		topic:                     {},
	}

	fetchBackoff := s.newBackOff()
	fetchBackoff.MaxElapsedTime = 0

	s.logger.Info("Subscriber started. Waiting for messages...", zap.String("topic", topic))
loop:
	for {
		if ctx.Err() != nil {
			break
		}

		msg, err := consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("consumer for %s closed: %w", topic, err)
			}
			wait := fetchBackoff.NextBackOff()
			s.logger.Error("❌ Error reading from Kafka", zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				break loop
			case <-time.After(wait):
			}
			continue
		}
		fetchBackoff.Reset()

		if _, ok := allowed[msg.Topic]; !ok {
			s.metrics.consumed.WithLabelValues(msg.Topic, outcomeDiscarded).Inc()
			s.logger.Debug("Discarding record outside allow-list", zap.String("topic", msg.Topic))
			continue
		}

		if err := s.process(ctx, consumer, msg, handler); err != nil {
			return err
		}
	}

	s.logger.Info("Subscriber finished", zap.String("topic", topic))
	return nil
}

// process handles one allowed record. Work on the record is detached from
// ctx so shutdown does not interrupt a handler halfway; only the waits
// between retries observe cancellation.
func (s *Subscriber) process(ctx context.Context, consumer Consumer, msg kafkago.Message, handler Handler) error {
	logger := s.logger.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	if len(msg.Key) == 0 || len(msg.Value) == 0 {
		s.metrics.consumed.WithLabelValues(msg.Topic, outcomeSkipped).Inc()
		logger.Warn("Skipping record without key or value")
		return nil
	}

	headers := fromKafkaHeaders(msg.Headers)
	work := extractTraceContext(context.WithoutCancel(ctx), headers)
	work, span := s.tracer.Start(work, "consume "+msg.Topic, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination.name", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
		attribute.String("event.kind", string(msg.Key)),
	)

	logger.Info("📨 Kafka message received", zap.ByteString("key", msg.Key))

	env, err := decodeRecord(msg, headers)
	if err != nil {
		logger.Error("❌ Invalid JSON in record", zap.Error(err))
		return s.deadLetterAndCommit(ctx, work, consumer, msg, err, 0, span, logger)
	}

	started := time.Now()
	result, attempts, err := s.handleWithRetry(ctx, work, msg.Topic, env, handler, logger)
	s.metrics.handlerDuration.WithLabelValues(msg.Topic).Observe(time.Since(started).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Shutdown during retries, leaving record uncommitted", zap.Error(err))
			return nil
		}
		logger.Error("❌ Handler failed", zap.Error(err), zap.Int("attempts", attempts))
		return s.deadLetterAndCommit(ctx, work, consumer, msg, err, attempts, span, logger)
	}

	switch result.Status {
	case StatusSkipped:
		s.metrics.consumed.WithLabelValues(msg.Topic, outcomeSkipped).Inc()
		logger.Info("Record skipped by handler", zap.String("reason", result.Reason))
	default:
		s.metrics.consumed.WithLabelValues(msg.Topic, outcomeHandled).Inc()
	}
	span.SetStatus(codes.Ok, result.Status.String())

	s.commit(work, consumer, msg, logger)
	return nil
}

func (s *Subscriber) handleWithRetry(ctx, work context.Context, topic string, env events.Envelope, handler Handler, logger *zap.Logger) (Result, int, error) {
	var (
		result   Result
		attempts int
	)

	policy := s.newBackOff()
	policy.MaxElapsedTime = 0

	operation := func() error {
		attempts++
		r, err := invoke(work, handler, env)
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.retries.WithLabelValues(topic).Inc()
		logger.Warn("Handler failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	return result, attempts, err
}

// invoke runs handler and turns a panic into an error.
func invoke(ctx context.Context, handler Handler, env events.Envelope) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, env)
}

func (s *Subscriber) deadLetterAndCommit(ctx, work context.Context, consumer Consumer, msg kafkago.Message, cause error, attempts int, span trace.Span, logger *zap.Logger) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "dead-lettered")

	if err := s.deadLetter(ctx, msg, cause, attempts); err != nil {
		if ctx.Err() != nil {
			logger.Info("Shutdown during dead-letter write, leaving record uncommitted")
			return nil
		}
		return fmt.Errorf("failed to dead-letter %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}

	s.metrics.consumed.WithLabelValues(msg.Topic, outcomeDeadLettered).Inc()
	logger.Warn("Record moved to dead-letter topic",
		zap.String("dead_letter_topic", events.DeadLetterTopic(msg.Topic)),
		zap.Int("attempts", attempts),
	)
	s.commit(work, consumer, msg, logger)
	return nil
}

func (s *Subscriber) deadLetter(ctx context.Context, msg kafkago.Message, cause error, attempts int) error {
	producer, err := s.manager.ConnectProducer(ctx)
	if err != nil {
		return err
	}

	headers := make([]kafkago.Header, 0, len(msg.Headers)+6)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafkago.Header{Key: HeaderErrorMessage, Value: []byte(cause.Error())},
		kafkago.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafkago.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafkago.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafkago.Header{Key: HeaderRetryAttempts, Value: []byte(strconv.Itoa(attempts))},
		kafkago.Header{Key: HeaderFailedAt, Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	)
	dlq := kafkago.Message{
		Topic:   events.DeadLetterTopic(msg.Topic),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}

	write := func() error {
		deliveries, err := producer.Produce(ctx, dlq)
		if err != nil {
			return err
		}
		if len(deliveries) == 0 {
			return errors.New("dead-letter write not acknowledged")
		}
		return nil
	}
	policy := s.newBackOff()
	return backoff.Retry(write, backoff.WithContext(backoff.WithMaxRetries(policy, deadLetterAttempts-1), ctx))
}

func (s *Subscriber) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxInterval = s.cfg.MaxBackoff
	policy.Reset()
	return policy
}

func (s *Subscriber) commit(ctx context.Context, consumer Consumer, msg kafkago.Message, logger *zap.Logger) {
	next := Offset{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset + 1}
	if err := consumer.CommitOffsets(ctx, next); err != nil {
		// The record will be redelivered; handlers tolerate that.
		logger.Error("❌ Failed to commit offset", zap.Error(err), zap.Int64("next_offset", next.Offset))
	}
}

func decodeRecord(msg kafkago.Message, headers map[string]string) (events.Envelope, error) {
	var data json.RawMessage
	if err := events.Unmarshal(msg.Value, &data); err != nil {
		return events.Envelope{}, fmt.Errorf("record value is not JSON: %w", err)
	}
	return events.Envelope{
		Headers: headers,
		Event:   events.EventKind(msg.Key),
		Data:    data,
	}, nil
}
