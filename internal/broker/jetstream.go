// ABOUTME: NATS JetStream implementation of the broker Client interface
// ABOUTME: Durable pull consumers per subscription, backlog via consumer NumPending

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Header keys used on published messages.
const (
	headerID      = "Consentd-Id"
	headerReplyTo = "Consentd-Reply-To"
)

// fetchWait bounds a single Fetch call so Receive can observe context
// cancellation between polls.
const fetchWait = 5 * time.Second

// JetStreamClient implements Client on top of NATS JetStream. Each topic
// maps to a stream; each subscription maps to a durable pull consumer on
// that stream.
type JetStreamClient struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	replicas int
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

// JetStreamConfig carries the connection parameters for ConnectJetStream.
type JetStreamConfig struct {
	// Endpoint is the NATS URL, e.g. nats://localhost:4222.
	Endpoint string
	// Replicas is the stream replica count, derived from the configured
	// partition count.
	Replicas int
}

// ConnectJetStream dials the broker and returns a ready client.
func ConnectJetStream(cfg JetStreamConfig, logger *slog.Logger) (*JetStreamClient, error) {
	nc, err := nats.Connect(cfg.Endpoint,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", cfg.Endpoint, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	return &JetStreamClient{
		nc:       nc,
		js:       js,
		replicas: replicas,
		logger:   logger,
		streams:  make(map[string]jetstream.Stream),
	}, nil
}

// streamName derives a stream name from a topic subject.
func streamName(topic string) string {
	return strings.ToUpper(strings.NewReplacer(".", "-", "*", "X", ">", "X").Replace(topic))
}

// stream returns the stream for the topic, creating it on first use.
func (c *JetStreamClient) stream(ctx context.Context, topic string) (jetstream.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[topic]; ok {
		return s, nil
	}
	s, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(topic),
		Subjects:  []string{topic},
		Retention: jetstream.WorkQueuePolicy,
		Replicas:  c.replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring stream for topic %s: %w", topic, err)
	}
	c.streams[topic] = s
	return s, nil
}

// Subscribe creates (or re-attaches to) the durable pull consumer for the
// topic's subscription and returns an owned handle.
func (c *JetStreamClient) Subscribe(ctx context.Context, topic Topic) (Consumer, error) {
	s, err := c.stream(ctx, topic.Name)
	if err != nil {
		return nil, err
	}
	cons, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       topic.Subscription,
		FilterSubject: topic.Name,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s as %s: %w", topic.Name, topic.Subscription, err)
	}
	c.logger.Info("subscribed", "topic", topic.Name, "subscription", topic.Subscription)
	return &jetStreamConsumer{consumer: cons, topic: topic, done: make(chan struct{})}, nil
}

// Publish sends the envelope to its topic with correlation headers.
func (c *JetStreamClient) Publish(ctx context.Context, env Envelope) error {
	if _, err := c.stream(ctx, env.Topic); err != nil {
		return err
	}
	id := env.ID
	if id == "" {
		id = uuid.New().String()
	}
	msg := &nats.Msg{
		Subject: env.Topic,
		Data:    env.Payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(headerID, id)
	if env.ReplyTo != "" {
		msg.Header.Set(headerReplyTo, env.ReplyTo)
	}
	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", env.Topic, err)
	}
	return nil
}

// Backlog reports the number of messages pending for the topic's
// subscription. The mode argument is accepted for interface parity and
// ignored by this implementation.
func (c *JetStreamClient) Backlog(ctx context.Context, mode string, topic Topic) (int, error) {
	s, err := c.stream(ctx, topic.Name)
	if err != nil {
		return 0, err
	}
	cons, err := s.Consumer(ctx, topic.Subscription)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return 0, fmt.Errorf("backlog for %s: %w", topic.Name, ErrTopicNotFound)
		}
		return 0, fmt.Errorf("looking up consumer for %s: %w", topic.Name, err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading consumer info for %s: %w", topic.Name, err)
	}
	// Unprocessed = never delivered + delivered but unacknowledged.
	return int(info.NumPending) + info.NumAckPending, nil
}

// Close drains and closes the underlying connection.
func (c *JetStreamClient) Close() error {
	c.nc.Close()
	return nil
}

// jetStreamConsumer adapts a jetstream.Consumer to the Consumer interface.
type jetStreamConsumer struct {
	consumer  jetstream.Consumer
	topic     Topic
	done      chan struct{}
	closeOnce sync.Once
}

// jetStreamMessage wraps a delivered jetstream.Msg.
type jetStreamMessage struct {
	msg   jetstream.Msg
	topic string
}

func (m *jetStreamMessage) ID() string {
	return m.msg.Headers().Get(headerID)
}

func (m *jetStreamMessage) Topic() string   { return m.topic }
func (m *jetStreamMessage) ReplyTo() string { return m.msg.Headers().Get(headerReplyTo) }
func (m *jetStreamMessage) Payload() []byte { return m.msg.Data() }

// Receive fetches the next message, polling in bounded rounds so it can
// observe cancellation and consumer close between fetches.
func (jc *jetStreamConsumer) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-jc.done:
			return nil, ErrConsumerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batch, err := jc.consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, fmt.Errorf("fetching from %s: %w", jc.topic.Name, err)
		}
		for msg := range batch.Messages() {
			return &jetStreamMessage{msg: msg, topic: jc.topic.Name}, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("fetch batch from %s: %w", jc.topic.Name, err)
		}
		// Empty batch: poll again.
	}
}

func (jc *jetStreamConsumer) Ack(ctx context.Context, msg Message) error {
	m, ok := msg.(*jetStreamMessage)
	if !ok {
		return fmt.Errorf("ack: foreign message type %T", msg)
	}
	return m.msg.Ack()
}

func (jc *jetStreamConsumer) Nack(ctx context.Context, msg Message) error {
	m, ok := msg.(*jetStreamMessage)
	if !ok {
		return fmt.Errorf("nack: foreign message type %T", msg)
	}
	return m.msg.Nak()
}

func (jc *jetStreamConsumer) Close() error {
	jc.closeOnce.Do(func() { close(jc.done) })
	return nil
}
