// Package store persists recurring task definitions, their per-occurrence
// overrides and exclusions, and plain tasks in SQLite.
//
// Reads used for materialization go through Snapshot, which returns
// definitions with overrides and exclusions attached from a single
// transaction. Override writes are upserts keyed by
// (parent_id, natural_key) so concurrent edits of one occurrence converge.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	appLog "taskcal/internal/log"
)

var (
	// ErrNotFound is returned when a definition or task does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidKey is returned for a zero natural occurrence key.
	ErrInvalidKey = errors.New("store: invalid occurrence key")
	// ErrInvalidDefinition is returned for definitions missing required fields.
	ErrInvalidDefinition = errors.New("store: invalid definition")
)

const schema = `
CREATE TABLE IF NOT EXISTS definitions (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority    INTEGER NOT NULL DEFAULT 0,
	sort_order  INTEGER NOT NULL DEFAULT 0,
	start_at    INTEGER NOT NULL,
	due_at      INTEGER NOT NULL,
	rrule       TEXT NOT NULL,
	time_zone   TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exclusions (
	definition_id TEXT NOT NULL REFERENCES definitions(id) ON DELETE CASCADE,
	occurrence_at INTEGER NOT NULL,
	imported      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (definition_id, occurrence_at)
);

CREATE TABLE IF NOT EXISTS overrides (
	id           TEXT PRIMARY KEY,
	parent_id    TEXT NOT NULL REFERENCES definitions(id) ON DELETE CASCADE,
	natural_key  INTEGER NOT NULL,
	start_at     INTEGER,
	due_at       INTEGER,
	title        TEXT,
	description  TEXT,
	priority     INTEGER,
	completed_at INTEGER,
	imported     INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL,
	UNIQUE (parent_id, natural_key)
);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL DEFAULT 0,
	sort_order   INTEGER NOT NULL DEFAULT 0,
	start_at     INTEGER NOT NULL,
	due_at       INTEGER NOT NULL,
	completed_at INTEGER,
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_definitions_source ON definitions(source);
CREATE INDEX IF NOT EXISTS idx_tasks_source ON tasks(source);
`

// Store is a SQLite-backed repository. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path is empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite serializes writers anyway; one connection keeps pragmas and
	// transactions on the same handle.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	appLog.Info("store opened", "path", path)
	return &Store{db: db, now: time.Now}, nil
}

// migrate adds columns introduced after the first schema to databases
// created before them.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"exclusions", "overrides"} {
		ok, err := hasColumn(ctx, db, table, "imported")
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := db.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN imported INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("store: migrate %s: %w", table, err)
		}
		appLog.Info("store migrated", "table", table, "column", "imported")
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: inspect %s: %w", table, err)
	}
	return n > 0, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, readOnly bool, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	i := int(n.Int64)
	return &i
}
