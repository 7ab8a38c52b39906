// Package runtime holds the process-wide shared state: the broker
// handle, the crypto session, the registered consumer handles, and the
// lifecycle state every component reads.
package runtime
