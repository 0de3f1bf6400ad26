package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/offsync/internal/payload"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (collections, entities, outbox)
// 2 - Added outbox.attempts, outbox.last_error, outbox.last_attempt_at
// 3 - Added leases
const currentSchemaVersion = 3

// Store is the durable PersistentStore.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db      *sql.DB
	idField string
	now     func() time.Time
}

// Option configures a Store at Open time.
type Option func(*options)

type options struct {
	collections []string
	idField     string
	now         func() time.Time
}

// WithCollections declares collections that must exist (empty) after Open.
func WithCollections(names ...string) Option {
	return func(o *options) {
		o.collections = append(o.collections, names...)
	}
}

// WithIDField sets the entity identifier field. Default: "id".
func WithIDField(field string) Option {
	return func(o *options) {
		if field != "" {
			o.idField = field
		}
	}
}

// WithClock overrides the time source used for saved_at and enqueued_at
// defaults. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically, then declares
// every collection passed via WithCollections.
//
// This function is idempotent - safe to call multiple times, and a first run
// against a missing file creates every declared collection empty.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{idField: payload.DefaultIDField, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, idField: o.idField, now: o.now}

	if err := s.declare(context.Background(), o.collections); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to declare collections: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IDField returns the entity identifier field this store enforces.
func (s *Store) IDField() string {
	return s.idField
}

// declare inserts empty collection rows for names that don't exist yet.
func (s *Store) declare(ctx context.Context, names []string) error {
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("collection name must not be empty")
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO collections (name) VALUES (?)
			ON CONFLICT(name) DO NOTHING
		`, name); err != nil {
			return fmt.Errorf("declare %q: %w", name, err)
		}
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}
	if version < 3 {
		if err := migrateToV3(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds replay bookkeeping columns to the outbox.
// ALTER TABLE ADD COLUMN has no IF NOT EXISTS in SQLite, so each column is
// checked first; this keeps the migration safe to re-run after a crash
// between the ALTERs and the user_version update.
func migrateToV2(db *sql.DB) error {
	columns := []struct {
		name string
		ddl  string
	}{
		{"attempts", "ALTER TABLE outbox ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0"},
		{"last_error", "ALTER TABLE outbox ADD COLUMN last_error TEXT NOT NULL DEFAULT ''"},
		{"last_attempt_at", "ALTER TABLE outbox ADD COLUMN last_attempt_at INTEGER"},
	}

	for _, col := range columns {
		exists, err := columnExists(db, "outbox", col.name)
		if err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if exists {
			continue
		}
		if _, err := db.Exec(col.ddl); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return nil
}

// migrateToV3 adds the lease table used to keep one drain running across
// every process that opens the same database file.
func migrateToV3(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			name       TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("migrate to v3: %w", err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table_info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
