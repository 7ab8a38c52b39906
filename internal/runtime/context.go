// ABOUTME: Process-wide runtime context holding broker, crypto session, and consumer handles
// ABOUTME: Constructed once at startup and passed by reference to every component

package runtime

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/meridian-io/consentd/internal/broker"
	"github.com/meridian-io/consentd/internal/crypto"
)

// State is the daemon lifecycle state. Transitions are linear and owned
// exclusively by the lifecycle controller; everything else only reads.
type State int32

// Lifecycle states
const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateTerminating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Context is the single shared runtime object. The broker handle and topic
// set are read-only after construction; the consumer list and crypto
// session are mutated only during startup and shutdown.
type Context struct {
	client  broker.Client
	session crypto.Session
	topics  broker.Set

	state atomic.Int32

	mu        sync.Mutex
	consumers []broker.Consumer
}

// NewContext builds the runtime context. Exactly one instance exists per
// process.
func NewContext(client broker.Client, session crypto.Session, topics broker.Set) *Context {
	c := &Context{client: client, session: session, topics: topics}
	c.state.Store(int32(StateStarting))
	return c
}

// Broker returns the shared broker client handle.
func (c *Context) Broker() broker.Client { return c.client }

// Session returns the crypto session handle.
func (c *Context) Session() crypto.Session { return c.session }

// Topics returns the fixed topic set tracked by the drain condition.
func (c *Context) Topics() broker.Set { return c.topics }

// HasCryptoSession reports whether the cryptographic dependency is
// available. Checked once by the startup fail-fast guard.
func (c *Context) HasCryptoSession() bool {
	return c.session != nil && c.session.HasSession()
}

// CloseCryptoSession closes the session if it is open. Safe to call more
// than once.
func (c *Context) CloseCryptoSession() error {
	if c.session == nil || !c.session.HasSession() {
		return nil
	}
	return c.session.CloseSession()
}

// RegisterConsumer records an active consumer handle. Called by the agent
// pool manager during startup only.
func (c *Context) RegisterConsumer(h broker.Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = append(c.consumers, h)
}

// ActiveConsumers returns a snapshot of the registered consumer handles.
func (c *Context) ActiveConsumers() []broker.Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broker.Consumer, len(c.consumers))
	copy(out, c.consumers)
	return out
}

// CloseConsumers closes and clears every registered handle. Called by the
// shutdown protocol; a second call finds an empty list and does nothing.
func (c *Context) CloseConsumers() {
	c.mu.Lock()
	consumers := c.consumers
	c.consumers = nil
	c.mu.Unlock()
	for _, h := range consumers {
		_ = h.Close()
	}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	return State(c.state.Load())
}

// SetState records a lifecycle transition. Only the lifecycle controller
// calls this.
func (c *Context) SetState(s State) {
	c.state.Store(int32(s))
}

// Accepting reports whether agents should keep pulling new messages.
func (c *Context) Accepting() bool {
	s := c.State()
	return s == StateStarting || s == StateRunning
}

// Protect runs fn, logging any panic with its stack instead of letting it
// tear the process down. Every goroutine the daemon spawns goes through
// this wrapper.
func Protect(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic",
				"goroutine", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
