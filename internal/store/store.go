// Package store provides the durable persistence layer for roles and history
// records, backed by a single-file SQLite database.
//
// The store owns both entities exclusively: callers receive transient copies
// from queries and hand records back through the CRUD operations. Every
// operation is a single SQL statement (or one short transaction), there is no
// cross-call state beyond the connection pool, and concurrent updates are
// last-writer-wins.
//
// On construction the store creates the schema if needed, adds columns that
// were introduced after the first release, and migrates any legacy flat JSON
// files into the database exactly once (see migrate.go).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HG-ha/Parrot/internal/observe"
)

// ErrInvalidRecord is returned when a record is rejected before touching the
// database, e.g. a role without a name or reference file.
var ErrInvalidRecord = errors.New("store: record is missing required fields")

// ErrMissingID is returned by operations that require a store-assigned ID
// when the record has none. Natural-key lookups are deliberately not a silent
// fallback; see FindRoleByName.
var ErrMissingID = errors.New("store: record has no id")

// Store is the SQLite-backed persistence layer. It is safe for concurrent
// use; the underlying database/sql pool serialises access to the file.
//
// The zero value is not usable; create instances with Open.
type Store struct {
	db      *sql.DB
	metrics *observe.Metrics
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithMetrics records per-query latencies on m. When not set, no metrics are
// emitted.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Open opens (creating if necessary) the database at path and ensures the
// schema is current. The parent directory is created when absent.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	s := &Store{db: db}
	for _, o := range opts {
		o(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the tables if they do not exist and applies the
// idempotent column additions that arrived after the first release.
func (s *Store) initSchema() error {
	const createRoles = `
		CREATE TABLE IF NOT EXISTS roles (
		    id          INTEGER PRIMARY KEY AUTOINCREMENT,
		    name        TEXT NOT NULL,
		    description TEXT,
		    file        TEXT NOT NULL,
		    speaker_text TEXT,
		    created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
	const createHistory = `
		CREATE TABLE IF NOT EXISTS history (
		    id           INTEGER PRIMARY KEY AUTOINCREMENT,
		    text         TEXT NOT NULL,
		    speaker      TEXT NOT NULL,
		    reference    TEXT NOT NULL,
		    file_path    TEXT NOT NULL,
		    speed        REAL DEFAULT 1.0,
		    mode         TEXT DEFAULT 'quick',
		    instruction  TEXT,
		    speaker_text TEXT,
		    timestamp    TEXT NOT NULL
		)`

	if _, err := s.db.Exec(createRoles); err != nil {
		return fmt.Errorf("store: create roles table: %w", err)
	}
	if _, err := s.db.Exec(createHistory); err != nil {
		return fmt.Errorf("store: create history table: %w", err)
	}
	if err := s.ensureColumn("roles", "speaker_text", "TEXT"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds column to table when it is absent. Databases written by
// older releases lack columns added later; ALTER TABLE on an existing column
// is an error in SQLite, so presence is checked first.
func (s *Store) ensureColumn(table, column, typ string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("store: inspect %s columns: %w", table, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cid         int
			name, ctype string
			notnull     int
			dflt        sql.NullString
			pk          int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("store: scan %s column info: %w", table, err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: inspect %s columns: %w", table, err)
	}
	if found {
		return nil
	}

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)); err != nil {
		return fmt.Errorf("store: add %s.%s: %w", table, column, err)
	}
	return nil
}

// clampPage corrects invalid pagination input instead of rejecting it: pages
// and page sizes below 1 become 1.
func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	return page, pageSize
}

// likePattern converts a raw keyword into the case-folded LIKE pattern used
// by all filter queries. Empty or whitespace-only keywords return "", which
// callers treat as "no filter".
func likePattern(keyword string) string {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return ""
	}
	return "%" + strings.ToLower(keyword) + "%"
}

// observeQuery records the latency of one query on the metrics instance, if
// any. entity is "roles" or "history"; op names the operation.
func (s *Store) observeQuery(entity, op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordStoreQuery(entity, op, time.Since(start))
	}
}

// count returns the number of rows in table matching the optional WHERE
// clause.
func (s *Store) count(table, where string, args ...any) (int, error) {
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	if err := s.db.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", table, err)
	}
	return n, nil
}
