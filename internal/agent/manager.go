// ABOUTME: Agent pool manager that subscribes, registers, and launches every agent
// ABOUTME: Run loops share a fixed number of worker slots; a failed subscribe aborts startup

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridian-io/consentd/internal/config"
	"github.com/meridian-io/consentd/internal/runtime"
)

// Manager instantiates the fixed agent set, acquires each consumer handle,
// registers the handles with the runtime context, and schedules the run
// loops onto a bounded pool of worker slots.
type Manager struct {
	rc     *runtime.Context
	pool   *ResponsePool
	policy config.FailurePolicy
	slots  chan struct{}
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewManager builds the manager. poolSize is the agent worker slot count;
// if fewer slots than agents are configured, surplus agents queue behind
// the others.
func NewManager(rc *runtime.Context, pool *ResponsePool, cfg config.AgentsConfig, logger *slog.Logger) *Manager {
	return &Manager{
		rc:     rc,
		pool:   pool,
		policy: cfg.FailurePolicy,
		slots:  make(chan struct{}, cfg.PoolSize),
		logger: logger,
	}
}

// StartAll subscribes and launches every agent. Any subscribe failure
// aborts the whole startup: the daemon has no partial-agent degraded mode,
// so the error propagates to the lifecycle controller which terminates the
// process.
func (m *Manager) StartAll(ctx context.Context, agents []Agent) error {
	for _, a := range agents {
		consumer, err := m.rc.Broker().Subscribe(ctx, a.Topic())
		if err != nil {
			return fmt.Errorf("subscribing agent %s to %s: %w", a.Name(), a.Topic().Name, err)
		}
		m.rc.RegisterConsumer(consumer)

		runner := NewRunner(a, consumer, m.rc, m.pool, m.policy, m.logger)
		name := a.Name()

		m.wg.Add(1)
		go runtime.Protect(m.logger, "agent-"+name, func() {
			defer m.wg.Done()
			// Acquire a worker slot; surplus agents wait here.
			select {
			case m.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-m.slots }()
			runner.Run(ctx)
		})

		m.logger.Info("agent scheduled", "agent", name, "topic", a.Topic().Name, "subscription", a.Topic().Subscription)
	}
	return nil
}

// Wait blocks until every launched run loop has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}
