// ABOUTME: Bounded response-execution pool shared by all agent run loops
// ABOUTME: Orderly shutdown with a bounded wait, then force-abandonment of stragglers

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridian-io/consentd/internal/runtime"
)

// ErrPoolClosed is returned by Submit after shutdown has begun.
var ErrPoolClosed = errors.New("response pool closed")

// ResponsePool executes the per-message handle+respond step so a slow
// downstream never blocks an agent's receive loop. The worker count is the
// configured response queue size.
type ResponsePool struct {
	tasks  chan func(context.Context)
	wg     sync.WaitGroup
	logger *slog.Logger

	// taskCtx is canceled to force-terminate tasks that outlive the
	// bounded shutdown wait.
	taskCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewResponsePool starts size workers.
func NewResponsePool(size int, logger *slog.Logger) *ResponsePool {
	taskCtx, cancel := context.WithCancel(context.Background())
	p := &ResponsePool{
		tasks:   make(chan func(context.Context), size),
		logger:  logger,
		taskCtx: taskCtx,
		cancel:  cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			for task := range p.tasks {
				runtime.Protect(logger, fmt.Sprintf("response-worker-%d", worker), func() {
					task(p.taskCtx)
				})
			}
		}(i)
	}
	return p
}

// Submit enqueues a task, blocking if every worker is busy and the queue
// is full. Returns ErrPoolClosed once shutdown has begun.
func (p *ResponsePool) Submit(task func(context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	// Hold the lock across the send so Shutdown cannot close the channel
	// underneath an in-flight Submit.
	defer p.mu.Unlock()
	p.tasks <- task
	return nil
}

// Shutdown requests orderly termination: no new tasks are accepted, queued
// tasks run to completion, and the call waits up to the given bound.
// Tasks still running at the deadline are force-terminated via their
// context. Returns true if everything finished inside the bound. Calling
// Shutdown again is a no-op reporting true.
func (p *ResponsePool) Shutdown(wait time.Duration) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return true
	case <-time.After(wait):
		p.logger.Warn("response pool shutdown exceeded bounded wait, force-terminating remaining tasks",
			"wait", wait)
		p.cancel()
		return false
	}
}
