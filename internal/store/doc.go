// Package store is the SQLite persistence layer.
//
// # Overview
//
// The Store holds consent records, the entity registry (brands,
// retailers, service providers, recipients, integrators, government),
// a small key-value table, and processing counters. It opens the
// database in WAL mode and creates its schema on first use.
//
// Lookups that find nothing return ErrNotFound; callers translate it to
// their own not-found semantics.
package store
