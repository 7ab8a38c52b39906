// Package gateway owns the HTTP listener and the lifecycle gate.
//
// # Overview
//
// The Gateway binds the configured address and serves two kinds of
// routes:
//
//   - /health and /health/ready, always reachable so probes keep
//     working through a drain.
//   - Business routes, each wrapped by the admission filter and a gate
//     that answers 503 whenever the daemon is not in the running state.
//     Draining therefore never enqueues new broker work.
//
// Run blocks until the context is canceled or the server fails; the
// actual listener shutdown belongs to the lifecycle controller's drain
// sequence, which calls Shutdown.
package gateway
