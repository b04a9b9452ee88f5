package kafka

import (
	"context"
	"errors"
	"sync"

	kafkago "github.com/segmentio/kafka-go"
)

type fakeFactory struct {
	mu            sync.Mutex
	admin         *fakeAdmin
	consumer      *fakeConsumer
	producerErr   error
	producerCalls int
	consumerCalls int
	adminCalls    int
	// newProducer builds each producer handed out; defaults to an acking producer.
	newProducer func() *fakeProducer
	producers   []*fakeProducer
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		admin:    &fakeAdmin{},
		consumer: &fakeConsumer{},
	}
}

func (f *fakeFactory) NewAdmin() (Admin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminCalls++
	return f.admin, nil
}

func (f *fakeFactory) NewProducer() (Producer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.producerCalls++
	if f.producerErr != nil {
		return nil, f.producerErr
	}
	p := &fakeProducer{}
	if f.newProducer != nil {
		p = f.newProducer()
	}
	f.producers = append(f.producers, p)
	return p, nil
}

func (f *fakeFactory) NewConsumer(string) (Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumerCalls++
	return f.consumer, nil
}

func (f *fakeFactory) lastProducer() *fakeProducer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.producers) == 0 {
		return nil
	}
	return f.producers[len(f.producers)-1]
}

type fakeAdmin struct {
	mu       sync.Mutex
	existing []string
	listErr  error
	created  []TopicSpec
}

func (a *fakeAdmin) ListTopics(context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]string(nil), a.existing...), nil
}

func (a *fakeAdmin) CreateTopics(_ context.Context, topics ...TopicSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, topics...)
	for _, t := range topics {
		a.existing = append(a.existing, t.Name)
	}
	return nil
}

type fakeProducer struct {
	mu      sync.Mutex
	sent    []kafkago.Message
	unacked bool
	err     error
	closed  bool
}

func (p *fakeProducer) Produce(_ context.Context, msgs ...kafkago.Message) ([]Delivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.sent = append(p.sent, msgs...)
	if p.unacked {
		return nil, nil
	}
	deliveries := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		deliveries = append(deliveries, Delivery{Topic: m.Topic, Key: m.Key})
	}
	return deliveries, nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProducer) messages() []kafkago.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafkago.Message(nil), p.sent...)
}

// fakeConsumer replays queued records and cancels the subscription context
// once the queue is drained.
type fakeConsumer struct {
	mu         sync.Mutex
	queue      []kafkago.Message
	cancel     context.CancelFunc
	topics     []string
	commits    []Offset
	commitErr  error
	closed     bool
	fetchCalls int
	// fetchErrs are returned, one per call, before any queued record.
	fetchErrs []error
}

func (c *fakeConsumer) enqueue(msgs ...kafkago.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, msgs...)
}

func (c *fakeConsumer) Subscribe(topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topics...)
	return nil
}

func (c *fakeConsumer) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls++
	if err := ctx.Err(); err != nil {
		return kafkago.Message{}, err
	}
	if len(c.fetchErrs) > 0 {
		err := c.fetchErrs[0]
		c.fetchErrs = c.fetchErrs[1:]
		return kafkago.Message{}, err
	}
	if len(c.queue) == 0 {
		if c.cancel != nil {
			c.cancel()
		}
		return kafkago.Message{}, context.Canceled
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

func (c *fakeConsumer) CommitOffsets(_ context.Context, offsets ...Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits = append(c.commits, offsets...)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("already closed")
	}
	c.closed = true
	return nil
}

func (c *fakeConsumer) committed() []Offset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Offset(nil), c.commits...)
}
