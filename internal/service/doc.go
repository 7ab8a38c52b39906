// Package service implements the business HTTP handlers. Consent and
// brand-search requests are enqueued onto the broker for agents to
// process; the registry, key-value, oauth, and report surfaces answer
// directly from the store.
package service
