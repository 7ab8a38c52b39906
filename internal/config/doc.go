// Package config loads and validates the consentd configuration.
//
// # Overview
//
// Configuration is YAML with two conveniences applied before parsing:
//
//   - ${VAR_NAME} references are expanded from the environment, so
//     secrets like the crypto key and JWT secret stay out of the file.
//   - Duration fields are written as Go duration strings ("60s",
//     "100ms") and parsed into time.Duration values.
//
// # Sections
//
//   - server: HTTP listener address and idle timeout
//   - broker: provider (jetstream or memory), endpoint, topic prefix
//   - agents: worker slot count, response pool size, failure policy
//   - admission: per-path rate threshold and overload policy
//   - database: SQLite path
//   - auth: JWT secret and token TTL for the oauth surface
//   - crypto: hex-encoded session key (required to start)
//   - shutdown: pool wait and drain backoff tuning
//   - logging: level and format
//
// Defaults cover everything except server.http_addr and database.path.
package config
