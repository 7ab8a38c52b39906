// Package admission rate-limits business requests by path pattern.
//
// # Overview
//
// Every protected path prefix gets its own token bucket sized to the
// configured per-second threshold. The overload policy is part of the
// rule: a DelayMS of -1 rejects excess requests immediately with 429,
// while a non-negative value waits up to that many milliseconds for
// capacity before rejecting. Admitted requests run under a bounded
// request context so no handler outlives the configured maximum.
//
// Rejected requests never reach the wrapped handler and never enqueue
// broker work.
package admission
