package ordering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ordersync/internal/events"

	"go.uber.org/zap"
)

// EventPublisher is satisfied by *kafka.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, env events.Envelope, topic string) (bool, error)
}

var errNotAcknowledged = errors.New("publish not acknowledged")

func newOutboxMessage(topic string, env events.Envelope) OutboxMessage {
	return OutboxMessage{
		ID:        newOutboxID(),
		Topic:     topic,
		Event:     env.Event,
		Headers:   env.Headers,
		Payload:   env.Data,
		CreatedAt: time.Now().UTC(),
	}
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Relay publishes outbox messages until the broker acknowledges them.
// Messages leave in id order; a failed message holds back the ones after it
// until the next pass.
type Relay struct {
	store     OutboxStore
	publisher EventPublisher
	cfg       RelayConfig
	logger    *zap.Logger

	mu sync.Mutex
}

func NewRelay(store OutboxStore, publisher EventPublisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run flushes the outbox every poll interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("Outbox relay started", zap.Duration("poll_interval", r.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Outbox flush incomplete", zap.Error(err))
			}
		}
	}
}

// Flush publishes pending messages and returns how many were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flush(ctx)
}

func (r *Relay) flush(ctx context.Context) (int, error) {
	pending, err := r.store.PendingOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load outbox: %w", err)
	}

	delivered := 0
	for _, msg := range pending {
		if err := r.deliver(ctx, msg); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// Deliver publishes msg now when it is the oldest pending message. Otherwise
// the outbox is flushed from its oldest message, so msg never overtakes an
// earlier one. A failure is recorded on the message and left for Run to retry.
func (r *Relay) Deliver(ctx context.Context, msg OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.store.PendingOutbox(ctx, 1)
	if err != nil {
		return fmt.Errorf("failed to load outbox: %w", err)
	}
	if len(head) == 0 {
		return nil
	}
	if head[0].ID == msg.ID {
		return r.deliver(ctx, head[0])
	}

	r.logger.Debug("Older outbox messages pending, flushing in order",
		zap.String("outbox_id", msg.ID),
		zap.String("oldest_id", head[0].ID),
	)
	_, err = r.flush(ctx)
	return err
}

func (r *Relay) deliver(ctx context.Context, msg OutboxMessage) error {
	logger := r.logger.With(
		zap.String("outbox_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("event", msg.Event.String()),
	)

	ok, err := r.publisher.Publish(ctx, msg.Envelope(), msg.Topic)
	if err == nil && !ok {
		err = errNotAcknowledged
	}
	if err != nil {
		if markErr := r.store.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
			logger.Error("❌ Failed to record outbox attempt", zap.Error(markErr))
		}
		logger.Warn("Outbox delivery failed", zap.Error(err), zap.Int("attempts", msg.Attempts+1))
		return fmt.Errorf("failed to deliver outbox message %s: %w", msg.ID, err)
	}

	if err := r.store.MarkDelivered(ctx, msg.ID); err != nil {
		// The message will be published again; consumers are idempotent.
		return fmt.Errorf("failed to mark outbox message %s delivered: %w", msg.ID, err)
	}
	logger.Debug("Outbox message delivered")
	return nil
}
