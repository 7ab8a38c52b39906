// ABOUTME: In-memory broker implementation for tests and single-node dev mode
// ABOUTME: Tracks per-topic backlog as published-but-unacknowledged counts

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// memoryMessage implements Message for the in-memory broker.
type memoryMessage struct {
	id      string
	topic   string
	replyTo string
	payload []byte
}

func (m *memoryMessage) ID() string      { return m.id }
func (m *memoryMessage) Topic() string   { return m.topic }
func (m *memoryMessage) ReplyTo() string { return m.replyTo }
func (m *memoryMessage) Payload() []byte { return m.payload }

// memoryTopic holds the queue and backlog accounting for one topic.
type memoryTopic struct {
	queue   chan *memoryMessage
	mu      sync.Mutex
	pending int // published and not yet acknowledged
}

// MemoryClient is a broker Client backed by in-process channels. It exists
// for tests and for running the daemon without an external broker.
type MemoryClient struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
}

// NewMemoryClient creates an in-memory broker client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{topics: make(map[string]*memoryTopic)}
}

func (c *MemoryClient) topic(name string) *memoryTopic {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[name]
	if !ok {
		t = &memoryTopic{queue: make(chan *memoryMessage, 1024)}
		c.topics[name] = t
	}
	return t
}

// Publish enqueues the envelope and counts it toward the topic backlog
// until a consumer acknowledges it.
func (c *MemoryClient) Publish(ctx context.Context, env Envelope) error {
	id := env.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := c.topic(env.Topic)
	msg := &memoryMessage{id: id, topic: env.Topic, replyTo: env.ReplyTo, payload: env.Payload}

	t.mu.Lock()
	t.pending++
	t.mu.Unlock()

	select {
	case t.queue <- msg:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		t.pending--
		t.mu.Unlock()
		return ctx.Err()
	}
}

// Subscribe returns a consumer handle for the topic. The in-memory broker
// supports one shared queue per topic regardless of subscription name.
func (c *MemoryClient) Subscribe(ctx context.Context, topic Topic) (Consumer, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("subscribe %s: client closed", topic.Name)
	}
	return &memoryConsumer{topic: c.topic(topic.Name), done: make(chan struct{})}, nil
}

// Backlog reports the unacknowledged message count for the topic. The mode
// argument is accepted for interface parity and ignored.
func (c *MemoryClient) Backlog(ctx context.Context, mode string, topic Topic) (int, error) {
	c.mu.Lock()
	t, ok := c.topics[topic.Name]
	c.mu.Unlock()
	if !ok {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending, nil
}

// Close marks the client closed. Consumers keep draining their queues.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// memoryConsumer is a Consumer over a memoryTopic queue.
type memoryConsumer struct {
	topic     *memoryTopic
	done      chan struct{}
	closeOnce sync.Once
}

func (mc *memoryConsumer) Receive(ctx context.Context) (Message, error) {
	select {
	case <-mc.done:
		return nil, ErrConsumerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mc.topic.queue:
		return msg, nil
	}
}

func (mc *memoryConsumer) Ack(ctx context.Context, msg Message) error {
	mc.topic.mu.Lock()
	defer mc.topic.mu.Unlock()
	if mc.topic.pending > 0 {
		mc.topic.pending--
	}
	return nil
}

// Nack requeues the message for redelivery; it stays in the backlog count.
func (mc *memoryConsumer) Nack(ctx context.Context, msg Message) error {
	m, ok := msg.(*memoryMessage)
	if !ok {
		return fmt.Errorf("nack: foreign message type %T", msg)
	}
	select {
	case mc.topic.queue <- m:
		return nil
	default:
		return fmt.Errorf("nack: queue full for topic %s", m.topic)
	}
}

func (mc *memoryConsumer) Close() error {
	mc.closeOnce.Do(func() { close(mc.done) })
	return nil
}
