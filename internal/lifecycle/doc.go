// Package lifecycle owns the daemon's startup order and shutdown protocol.
//
// # Overview
//
// The lifecycle package contains the single Controller that drives the
// daemon through its states:
//
//	starting -> running -> draining -> terminating -> stopped
//
// Transitions are linear and never skip a state. The Controller is the
// only writer of the state; every other component (the gateway's request
// gate, the agent receive loops) reads it through the runtime context.
//
// # Startup
//
// Start runs a strict sequence:
//
//  1. Verify the crypto session is open. Without it the daemon logs,
//     calls the injected exit function with a non-zero code, and never
//     binds a port or subscribes a consumer.
//  2. Subscribe and launch every agent through the agent manager. A
//     single failed subscription aborts the whole process; there is no
//     partial-agent degraded mode.
//  3. Mark the daemon running and serve HTTP until the termination
//     signal cancels the context.
//
// # Shutdown
//
// Shutdown runs the drain-then-stop protocol:
//
//   - Draining: the state flips so the gateway rejects new business
//     requests, the listener closes, and in-flight HTTP requests finish.
//     The protocol then polls the broker until every tracked topic
//     reports a backlog of zero in the same pass, backing off
//     exponentially up to a configured cap. Poll errors are retried
//     indefinitely; the daemon never exits with unacknowledged backlog.
//   - Terminating: consumer handles close, the receive loops exit, the
//     response pool shuts down with its bounded wait (force-terminating
//     stragglers), and the crypto session closes.
//   - Stopped: terminal.
//
// A second Shutdown call is a no-op, so handles are never closed twice.
package lifecycle
