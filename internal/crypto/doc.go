// Package crypto provides the AEAD session the daemon requires at
// startup and uses to seal sensitive response payloads.
package crypto
