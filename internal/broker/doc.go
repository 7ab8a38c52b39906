// Package broker defines the message-broker collaborator and its
// implementations.
//
// # Overview
//
// The daemon core consumes the Client interface only: subscribe to a
// topic, publish an envelope, and read a topic's backlog count. Two
// implementations exist:
//
//   - JetStreamClient maps each topic to a NATS JetStream stream and
//     each subscription to a durable pull consumer. Backlog is the sum
//     of the consumer's pending and unacknowledged counts.
//   - MemoryClient is an in-process broker for tests and local runs.
//     Backlog is published-minus-acknowledged, so a received but
//     unacknowledged message still counts.
//
// # Topics
//
// The topic set is fixed at startup and namespaced by a configured
// prefix. Topics(prefix) builds the full set; the shutdown protocol's
// drain gate iterates All().
package broker
