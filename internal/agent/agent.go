// ABOUTME: Agent capability contract and the per-topic receive loop
// ABOUTME: Blocks on consumer receive, hands processing to the shared response pool

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meridian-io/consentd/internal/broker"
	"github.com/meridian-io/consentd/internal/config"
	"github.com/meridian-io/consentd/internal/runtime"
)

// Agent is the capability each topic consumer implements: turn one inbound
// message into a response payload (published to the message's reply topic)
// or an error. Concrete agents are composed into a Runner, never
// subclassed.
type Agent interface {
	// Name identifies the agent in logs.
	Name() string
	// Topic is the stream the agent owns. Immutable.
	Topic() broker.Topic
	// Consume processes one message. A nil payload with a nil error means
	// the agent has nothing to publish for this message.
	Consume(ctx context.Context, msg broker.Message) ([]byte, error)
}

// receiveRetryDelay throttles the loop after a transient receive error.
const receiveRetryDelay = time.Second

// Runner drives one agent's receive loop.
type Runner struct {
	agent    Agent
	consumer broker.Consumer
	rc       *runtime.Context
	pool     *ResponsePool
	policy   config.FailurePolicy
	logger   *slog.Logger
}

// NewRunner wires an agent to its consumer handle and the shared pool.
func NewRunner(agent Agent, consumer broker.Consumer, rc *runtime.Context, pool *ResponsePool, policy config.FailurePolicy, logger *slog.Logger) *Runner {
	return &Runner{
		agent:    agent,
		consumer: consumer,
		rc:       rc,
		pool:     pool,
		policy:   policy,
		logger:   logger.With("agent", agent.Name(), "topic", agent.Topic().Name),
	}
}

// Run blocks on the consumer until the lifecycle leaves the accepting
// states, the context is canceled, or the consumer handle is closed.
// Messages received after draining begins are not processed further.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("agent loop started")
	defer r.logger.Info("agent loop stopped")

	for r.rc.Accepting() {
		msg, err := r.consumer.Receive(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrConsumerClosed) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return
			}
			r.logger.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		if !r.rc.Accepting() {
			// Drained while blocked in Receive: leave the message to the
			// broker's redelivery rather than starting new work.
			return
		}

		if err := r.pool.Submit(func(taskCtx context.Context) {
			r.process(taskCtx, msg)
		}); err != nil {
			r.logger.Warn("response pool rejected message", "msg_id", msg.ID(), "error", err)
			return
		}
	}
}

// process runs the agent's handle+respond step on a pool worker.
func (r *Runner) process(ctx context.Context, msg broker.Message) {
	payload, err := r.agent.Consume(ctx, msg)
	if err != nil {
		r.logger.Error("processing failed",
			"msg_id", msg.ID(),
			"policy", string(r.policy),
			"error", err,
		)
		r.dispose(ctx, msg)
		return
	}

	if payload != nil && msg.ReplyTo() != "" {
		env := broker.Envelope{ID: msg.ID(), Topic: msg.ReplyTo(), Payload: payload}
		if err := r.rc.Broker().Publish(ctx, env); err != nil {
			r.logger.Error("publishing response failed",
				"msg_id", msg.ID(),
				"reply_to", msg.ReplyTo(),
				"error", err,
			)
			r.dispose(ctx, msg)
			return
		}
	}

	if err := r.consumer.Ack(ctx, msg); err != nil {
		r.logger.Error("ack failed", "msg_id", msg.ID(), "error", err)
	}
}

// dispose applies the configured failure policy to a failed message.
func (r *Runner) dispose(ctx context.Context, msg broker.Message) {
	var err error
	switch r.policy {
	case config.FailureNack:
		err = r.consumer.Nack(ctx, msg)
	default:
		err = r.consumer.Ack(ctx, msg)
	}
	if err != nil {
		r.logger.Error("failure disposition failed", "msg_id", msg.ID(), "error", err)
	}
}
