package kafka

import (
	"context"
	"errors"

	kafkago "github.com/segmentio/kafka-go"
)

var (
	ErrNotSubscribed     = errors.New("consumer has not joined any topic")
	ErrAlreadySubscribed = errors.New("consumer already joined a different topic set")
)

// Delivery is one message the broker acknowledged.
type Delivery struct {
	Topic string
	Key   []byte
}

// Offset is a consumer-group position. Offset is the next offset to read,
// i.e. the last processed offset plus one.
type Offset struct {
	Topic     string
	Partition int
	Offset    int64
}

type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

type Producer interface {
	// Produce writes msgs and returns the acknowledged deliveries. An empty
	// result with a nil error means the broker was not asked to acknowledge.
	Produce(ctx context.Context, msgs ...kafkago.Message) ([]Delivery, error)
	Close() error
}

type Consumer interface {
	Subscribe(topics ...string) error
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitOffsets(ctx context.Context, offsets ...Offset) error
	Close() error
}

type Admin interface {
	ListTopics(ctx context.Context) ([]string, error)
	CreateTopics(ctx context.Context, topics ...TopicSpec) error
}

// ClientFactory opens broker clients. The kafka-go implementation lives in
// client.go; tests provide their own.
type ClientFactory interface {
	NewAdmin() (Admin, error)
	NewProducer() (Producer, error)
	NewConsumer(groupID string) (Consumer, error)
}
