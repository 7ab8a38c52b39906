// ABOUTME: Broker collaborator interface consumed by the daemon core
// ABOUTME: Defines topics, messages, consumers, and the client contract

package broker

import (
	"context"
	"errors"
)

// Broker errors
var (
	// ErrConsumerClosed is returned by Receive when the consumer handle has
	// been closed during shutdown.
	ErrConsumerClosed = errors.New("consumer closed")
	// ErrTopicNotFound is returned when a backlog read references an
	// unknown topic.
	ErrTopicNotFound = errors.New("topic not found")
)

// Topic identifies a named message stream plus the subscription the daemon
// consumes it under. Immutable once assigned to an agent.
type Topic struct {
	Name         string
	Subscription string
}

// Envelope is an outbound message handed to Publish.
type Envelope struct {
	// ID correlates a response with the request that produced it.
	ID string
	// Topic is the destination stream name.
	Topic string
	// ReplyTo names the topic the processing agent should publish its
	// response to. Empty for response messages.
	ReplyTo string
	// Payload is the opaque message body.
	Payload []byte
}

// Message is a single inbound message as delivered by a consumer.
type Message interface {
	ID() string
	Topic() string
	ReplyTo() string
	Payload() []byte
}

// Consumer is an owned subscription handle. Receive blocks until a message
// arrives, the context is canceled, or the consumer is closed.
type Consumer interface {
	Receive(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Nack(ctx context.Context, msg Message) error
	Close() error
}

// Client is the message-broker collaborator. The daemon core consumes this
// interface only; the concrete wire protocol lives in the implementations.
type Client interface {
	// Subscribe attaches to the topic under its subscription name and
	// returns an owned consumer handle.
	Subscribe(ctx context.Context, topic Topic) (Consumer, error)
	// Publish enqueues an envelope onto its destination topic.
	Publish(ctx context.Context, env Envelope) error
	// Backlog reports the count of unprocessed messages on the topic as
	// seen by the broker. Mode selects the admin read strategy and is
	// implementation defined.
	Backlog(ctx context.Context, mode string, topic Topic) (int, error)
	// Close releases the client connection.
	Close() error
}
