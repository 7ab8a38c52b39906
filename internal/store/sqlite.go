// ABOUTME: SQLite persistence for consents, registry entities, key-value pairs, and counters
// ABOUTME: Uses modernc.org/sqlite with automatic schema creation and WAL mode

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Consent is one recipient's permission state for a brand.
type Consent struct {
	Recipient string    `json:"recipient"`
	Brand     string    `json:"brand"`
	Type      string    `json:"type"`   // e.g. call, message, email
	Status    string    `json:"status"` // approved or rejected
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entity is a generic registry record (brand, retailer, service provider,
// recipient, integrator, government body).
type Entity struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed persistence used by agents and the HTTP
// business handlers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a store at the given path. The schema is created if it does
// not exist; parent directories are created as needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL improves concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS consents (
		recipient  TEXT NOT NULL,
		brand      TEXT NOT NULL,
		type       TEXT NOT NULL,
		status     TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (recipient, brand, type)
	);
	CREATE TABLE IF NOT EXISTS entities (
		id         TEXT NOT NULL,
		kind       TEXT NOT NULL,
		name       TEXT NOT NULL,
		data       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (kind, id)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(kind, name);
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS counters (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// UpsertConsent writes the consent record, replacing any previous state
// for the (recipient, brand, type) triple.
func (s *Store) UpsertConsent(ctx context.Context, c Consent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consents (recipient, brand, type, status, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(recipient, brand, type) DO UPDATE SET
			status = excluded.status,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		c.Recipient, c.Brand, c.Type, c.Status, c.Source, c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting consent: %w", err)
	}
	return nil
}

// GetConsent returns the consent state for the triple, or ErrNotFound.
func (s *Store) GetConsent(ctx context.Context, recipient, brand, typ string) (*Consent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT recipient, brand, type, status, source, updated_at
		FROM consents WHERE recipient = ? AND brand = ? AND type = ?`,
		recipient, brand, typ)

	var c Consent
	if err := row.Scan(&c.Recipient, &c.Brand, &c.Type, &c.Status, &c.Source, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying consent: %w", err)
	}
	return &c, nil
}

// CreateEntity inserts a registry record.
func (s *Store) CreateEntity(ctx context.Context, e Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, kind, name, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Name, e.Data, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating %s entity: %w", e.Kind, err)
	}
	return nil
}

// GetEntity looks a registry record up by kind and id.
func (s *Store) GetEntity(ctx context.Context, kind, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, data, created_at FROM entities
		WHERE kind = ? AND id = ?`, kind, id)

	var e Entity
	if err := row.Scan(&e.ID, &e.Kind, &e.Name, &e.Data, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying entity: %w", err)
	}
	return &e, nil
}

// ListEntities returns all registry records of a kind, newest first.
func (s *Store) ListEntities(ctx context.Context, kind string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, data, created_at FROM entities
		WHERE kind = ? ORDER BY created_at DESC`, kind)
	if err != nil {
		return nil, fmt.Errorf("listing %s entities: %w", kind, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchEntities returns records of a kind whose name matches the query
// as a case-insensitive substring.
func (s *Store) SearchEntities(ctx context.Context, kind, query string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, data, created_at FROM entities
		WHERE kind = ? AND name LIKE ? ORDER BY name`,
		kind, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("searching %s entities: %w", kind, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutKV writes a key-value pair.
func (s *Store) PutKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("putting kv %q: %w", key, err)
	}
	return nil
}

// GetKV reads a value by key, or ErrNotFound.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting kv %q: %w", key, err)
	}
	return value, nil
}

// DeleteKV removes a key. Deleting a missing key is not an error.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting kv %q: %w", key, err)
	}
	return nil
}

// IncrementCounter bumps a named processing counter.
func (s *Store) IncrementCounter(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		return fmt.Errorf("incrementing counter %q: %w", name, err)
	}
	return nil
}

// Counters returns all named counters.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("reading counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning counter: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
