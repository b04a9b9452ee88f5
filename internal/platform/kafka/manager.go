package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type ManagerConfig struct {
	GroupID string
	// Topics are provisioned the first time a producer is created.
	Topics []TopicSpec
}

// ConnectionManager owns the process' single producer and single consumer.
// Connect calls are idempotent and safe for concurrent use.
type ConnectionManager struct {
	factory ClientFactory
	cfg     ManagerConfig
	logger  *zap.Logger

	producerMu sync.Mutex
	producer   Producer

	consumerMu sync.Mutex
	consumer   Consumer
}

func NewConnectionManager(factory ClientFactory, cfg ManagerConfig, logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
	}
}

// ConnectProducer returns the cached producer, provisioning topics and
// creating the producer on the first call.
func (m *ConnectionManager) ConnectProducer(ctx context.Context) (Producer, error) {
	m.producerMu.Lock()
	defer m.producerMu.Unlock()

	if m.producer != nil {
		return m.producer, nil
	}

	if err := m.ensureTopics(ctx); err != nil {
		return nil, err
	}

	producer, err := m.factory.NewProducer()
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	m.producer = producer
	m.logger.Info("Producer connected")
	return producer, nil
}

func (m *ConnectionManager) DisconnectProducer() error {
	m.producerMu.Lock()
	defer m.producerMu.Unlock()

	if m.producer == nil {
		return nil
	}
	err := m.producer.Close()
	m.producer = nil
	if err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	m.logger.Info("Producer disconnected")
	return nil
}

// ConnectConsumer returns the cached consumer, joining the configured group
// on the first call.
func (m *ConnectionManager) ConnectConsumer(ctx context.Context) (Consumer, error) {
	m.consumerMu.Lock()
	defer m.consumerMu.Unlock()

	if m.consumer != nil {
		return m.consumer, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	consumer, err := m.factory.NewConsumer(m.cfg.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for group %s: %w", m.cfg.GroupID, err)
	}
	m.consumer = consumer
	m.logger.Info("Consumer connected", zap.String("group_id", m.cfg.GroupID))
	return consumer, nil
}

func (m *ConnectionManager) DisconnectConsumer() error {
	m.consumerMu.Lock()
	defer m.consumerMu.Unlock()

	if m.consumer == nil {
		return nil
	}
	err := m.consumer.Close()
	m.consumer = nil
	if err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	m.logger.Info("Consumer disconnected")
	return nil
}

// Close disconnects both handles.
func (m *ConnectionManager) Close() error {
	return errors.Join(m.DisconnectConsumer(), m.DisconnectProducer())
}

// ensureTopics creates the configured topics the broker does not list yet.
// Existing topics are never altered.
func (m *ConnectionManager) ensureTopics(ctx context.Context) error {
	if len(m.cfg.Topics) == 0 {
		return nil
	}

	admin, err := m.factory.NewAdmin()
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}

	existing, err := admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		known[name] = struct{}{}
	}

	var missing []TopicSpec
	for _, spec := range m.cfg.Topics {
		if _, ok := known[spec.Name]; !ok {
			missing = append(missing, spec)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if err := admin.CreateTopics(ctx, missing...); err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	for _, spec := range missing {
		m.logger.Info("Topic created",
			zap.String("topic", spec.Name),
			zap.Int("partitions", spec.Partitions),
			zap.Int("replication_factor", spec.ReplicationFactor),
		)
	}
	return nil
}
