package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	dialTimeout  = 10 * time.Second
	batchTimeout = 10 * time.Millisecond
)

// ClientConfig configures the kafka-go backed ClientFactory.
type ClientConfig struct {
	Brokers           []string
	ClientID          string
	RequiredAcks      kafkago.RequiredAcks
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	TracerProvider    trace.TracerProvider
}

type kafkaGoFactory struct {
	cfg ClientConfig
}

// NewClientFactory returns a ClientFactory talking to a real cluster.
func NewClientFactory(cfg ClientConfig) ClientFactory {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	return &kafkaGoFactory{cfg: cfg}
}

func (f *kafkaGoFactory) NewAdmin() (Admin, error) {
	if len(f.cfg.Brokers) == 0 {
		return nil, errors.New("no brokers configured")
	}
	return &clientAdmin{
		client: &kafkago.Client{
			Addr:      kafkago.TCP(f.cfg.Brokers...),
			Timeout:   dialTimeout,
			Transport: &kafkago.Transport{ClientID: f.cfg.ClientID},
		},
	}, nil
}

func (f *kafkaGoFactory) NewProducer() (Producer, error) {
	if len(f.cfg.Brokers) == 0 {
		return nil, errors.New("no brokers configured")
	}

	// Topic is left empty so each message names its own destination.
	baseWriter := &kafkago.Writer{
		Addr:                   kafkago.TCP(f.cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           f.cfg.RequiredAcks,
		AllowAutoTopicCreation: false,
		Transport:              &kafkago.Transport{ClientID: f.cfg.ClientID},
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(f.cfg.TracerProvider),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingSystemKey.String("kafka"),
				attribute.String("messaging.kafka.client_id", f.cfg.ClientID),
			},
		),
	)
	if err != nil {
		return nil, err
	}
	return &tracedProducer{writer: writer, acks: f.cfg.RequiredAcks}, nil
}

func (f *kafkaGoFactory) NewConsumer(groupID string) (Consumer, error) {
	if len(f.cfg.Brokers) == 0 {
		return nil, errors.New("no brokers configured")
	}
	if groupID == "" {
		return nil, errors.New("consumer group id is required")
	}
	return &groupConsumer{cfg: f.cfg, groupID: groupID}, nil
}

type clientAdmin struct {
	client *kafkago.Client
}

func (a *clientAdmin) ListTopics(ctx context.Context) ([]string, error) {
	resp, err := a.client.Metadata(ctx, &kafkago.MetadataRequest{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Topics))
	for _, topic := range resp.Topics {
		if topic.Error != nil {
			continue
		}
		names = append(names, topic.Name)
	}
	return names, nil
}

func (a *clientAdmin) CreateTopics(ctx context.Context, topics ...TopicSpec) error {
	configs := make([]kafkago.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafkago.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
		})
	}

	resp, err := a.client.CreateTopics(ctx, &kafkago.CreateTopicsRequest{Topics: configs})
	if err != nil {
		return err
	}

	var errs error
	for name, topicErr := range resp.Errors {
		// Another process may have created it between listing and creating.
		if topicErr == nil || errors.Is(topicErr, kafkago.TopicAlreadyExists) {
			continue
		}
		errs = errors.Join(errs, fmt.Errorf("topic %s: %w", name, topicErr))
	}
	return errs
}

type tracedProducer struct {
	writer *otelkafka.Writer
	acks   kafkago.RequiredAcks
}

func (p *tracedProducer) Produce(ctx context.Context, msgs ...kafkago.Message) ([]Delivery, error) {
	var (
		deliveries []Delivery
		errs       error
	)
	for _, msg := range msgs {
		if err := p.writer.WriteMessage(ctx, msg); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to write to %s: %w", msg.Topic, err))
			continue
		}
		deliveries = appendDelivery(deliveries, p.acks, msg)
	}
	return deliveries, errs
}

func (p *tracedProducer) Close() error {
	return p.writer.Close()
}

// appendDelivery records msg as acknowledged unless the writer was configured
// to not wait for acknowledgments at all.
func appendDelivery(deliveries []Delivery, acks kafkago.RequiredAcks, msg kafkago.Message) []Delivery {
	if acks == kafkago.RequireNone {
		return deliveries
	}
	return append(deliveries, Delivery{Topic: msg.Topic, Key: msg.Key})
}

type groupConsumer struct {
	cfg     ClientConfig
	groupID string

	mu     sync.Mutex
	topics []string
	reader *kafkago.Reader
}

// Subscribe joins topics from the earliest retained offset. Offsets are only
// committed through CommitOffsets.
func (c *groupConsumer) Subscribe(topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := slices.Clone(topics)
	slices.Sort(wanted)
	if c.reader != nil {
		if slices.Equal(c.topics, wanted) {
			return nil
		}
		return ErrAlreadySubscribed
	}

	c.reader = kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:           c.cfg.Brokers,
		GroupID:           c.groupID,
		GroupTopics:       wanted,
		StartOffset:       kafkago.FirstOffset,
		SessionTimeout:    c.cfg.SessionTimeout,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		CommitInterval:    0,
		MinBytes:          1,
		MaxBytes:          10e6,
		Dialer: &kafkago.Dialer{
			ClientID:  c.cfg.ClientID,
			Timeout:   dialTimeout,
			DualStack: true,
		},
	})
	c.topics = wanted
	return nil
}

func (c *groupConsumer) current() *kafkago.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

func (c *groupConsumer) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	reader := c.current()
	if reader == nil {
		return kafkago.Message{}, ErrNotSubscribed
	}
	return reader.FetchMessage(ctx)
}

// CommitOffsets commits the given next-offsets. kafka-go commits
// message offset + 1, so the offsets are shifted back by one here.
func (c *groupConsumer) CommitOffsets(ctx context.Context, offsets ...Offset) error {
	reader := c.current()
	if reader == nil {
		return ErrNotSubscribed
	}
	return reader.CommitMessages(ctx, commitMessages(offsets)...)
}

func (c *groupConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	c.reader = nil
	c.topics = nil
	return err
}

func commitMessages(offsets []Offset) []kafkago.Message {
	msgs := make([]kafkago.Message, 0, len(offsets))
	for _, o := range offsets {
		msgs = append(msgs, kafkago.Message{
			Topic:     o.Topic,
			Partition: o.Partition,
			Offset:    o.Offset - 1,
		})
	}
	return msgs
}
