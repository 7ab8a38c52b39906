// ABOUTME: Lifecycle controller owning startup order and the shutdown protocol
// ABOUTME: Fail-fast crypto check, agent launch, gateway serve, drain-then-stop

package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/meridian-io/consentd/internal/agent"
	"github.com/meridian-io/consentd/internal/config"
	"github.com/meridian-io/consentd/internal/runtime"
)

// ErrNoCryptoSession is the fail-fast startup error: the cryptographic
// dependency is unavailable, so the daemon must not expose any service.
var ErrNoCryptoSession = errors.New("crypto session unavailable")

// httpDrainTimeout bounds how long the draining step waits for in-flight
// HTTP requests after the listener closes.
const httpDrainTimeout = 10 * time.Second

// Server is the HTTP gateway as the controller sees it.
type Server interface {
	// Run binds the port and blocks until the context is canceled or the
	// server fails.
	Run(ctx context.Context) error
	// Shutdown releases the port and drains in-flight requests.
	Shutdown(ctx context.Context) error
}

// Controller orchestrates startup in strict order and owns every
// lifecycle state transition. Exactly one exists per process.
type Controller struct {
	cfg     *config.Config
	rc      *runtime.Context
	manager *agent.Manager
	pool    *agent.ResponsePool
	server  Server
	logger  *slog.Logger

	// exit is the external terminator collaborator: fatal startup errors
	// leave through it with a non-zero code. Injected for tests.
	exit func(code int)

	shutdownOnce sync.Once
}

// NewController wires the controller. A nil exit falls back to os.Exit.
func NewController(cfg *config.Config, rc *runtime.Context, manager *agent.Manager, pool *agent.ResponsePool, server Server, exit func(code int), logger *slog.Logger) *Controller {
	if exit == nil {
		exit = os.Exit
	}
	return &Controller{
		cfg:     cfg,
		rc:      rc,
		manager: manager,
		pool:    pool,
		server:  server,
		logger:  logger.With("component", "lifecycle"),
		exit:    exit,
	}
}

// Start runs the startup sequence and blocks serving until ctx is
// canceled (the termination signal), then runs the shutdown protocol.
//
// Order is load-bearing: the crypto-session check comes before anything
// else so a daemon missing its cryptographic dependency never binds a
// port or subscribes a consumer, and a single failed subscription aborts
// the whole process rather than leaving a partial agent set running.
func (c *Controller) Start(ctx context.Context, agents []agent.Agent) error {
	// Goroutine panics anywhere in the daemon are captured and logged by
	// the runtime.Protect wrapper every spawn goes through; they do not
	// silently vanish and do not by themselves end the process.
	c.logger.Info("starting", "agents", len(agents), "state", c.rc.State().String())

	if !c.rc.HasCryptoSession() {
		c.logger.Error("crypto session unavailable, terminating before exposing any service")
		c.exit(1)
		return ErrNoCryptoSession
	}

	if err := c.manager.StartAll(ctx, agents); err != nil {
		c.logger.Error("agent startup failed, terminating", "error", err)
		c.exit(1)
		return err
	}

	c.rc.SetState(runtime.StateRunning)
	c.logger.Info("all agents started, serving", "consumers", len(c.rc.ActiveConsumers()))

	err := c.server.Run(ctx)
	if err != nil {
		c.logger.Error("gateway failed", "error", err)
	}

	c.Shutdown()
	return err
}

// Shutdown runs the drain-then-stop protocol. The transitions are linear:
// running -> draining -> terminating -> stopped, with no skipping. A
// second invocation after the protocol has run is a no-op, so consumer
// handles and the crypto session are never closed twice.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("shutdown protocol started")

		// Draining: stop admitting business requests, release the port,
		// and let in-flight HTTP requests finish.
		c.rc.SetState(runtime.StateDraining)
		httpCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		if err := c.server.Shutdown(httpCtx); err != nil {
			c.logger.Error("HTTP shutdown failed", "error", err)
		}
		cancel()

		// Gate on the backlog-drain condition before any consumer stops.
		c.awaitBacklogDrain()

		// Terminating: stop the receive loops, then the response pool
		// with its bounded wait, then the crypto session.
		c.rc.SetState(runtime.StateTerminating)
		c.rc.CloseConsumers()
		c.manager.Wait()

		if !c.pool.Shutdown(c.cfg.Shutdown.PoolWait) {
			c.logger.Warn("response pool force-terminated after bounded wait")
		}

		if err := c.rc.CloseCryptoSession(); err != nil {
			c.logger.Error("closing crypto session failed", "error", err)
		}

		c.rc.SetState(runtime.StateStopped)
		c.logger.Info("shutdown protocol finished")
	})
}

// awaitBacklogDrain polls the broker until every tracked topic reports a
// backlog of zero in the same pass. Poll failures are logged and retried
// indefinitely: the daemon never exits with unacknowledged backlog. The
// retry interval backs off exponentially up to the configured cap so a
// slow drain does not busy-poll the broker admin surface.
func (c *Controller) awaitBacklogDrain() {
	backoff := c.cfg.Shutdown.DrainInitialBackoff
	ctx := context.Background()

	for {
		drained, err := c.backlogsEmpty(ctx)
		if err != nil {
			c.logger.Error("backlog poll failed, retrying", "error", err)
		} else if drained {
			c.logger.Info("all topic backlogs drained")
			return
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > c.cfg.Shutdown.DrainMaxBackoff {
			backoff = c.cfg.Shutdown.DrainMaxBackoff
		}
	}
}

// backlogsEmpty reads every tracked topic's backlog once.
func (c *Controller) backlogsEmpty(ctx context.Context) (bool, error) {
	for _, topic := range c.rc.Topics().All() {
		n, err := c.rc.Broker().Backlog(ctx, "random", topic)
		if err != nil {
			return false, err
		}
		if n != 0 {
			c.logger.Debug("topic still has backlog", "topic", topic.Name, "count", n)
			return false, nil
		}
	}
	return true, nil
}
