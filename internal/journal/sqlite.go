package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/earshot/internal/dispatch"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is a file-backed [Store]. Use the path ":memory:" for an ephemeral
// journal.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the journal at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: sqlite path must not be empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("journal: create directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate sqlite: %w", err)
	}
	if err := addResponseColumn(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, path: path}, nil
}

// addResponseColumn upgrades journals created before the response column
// existed.
func addResponseColumn(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('events') WHERE name = 'response'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("journal: inspect sqlite schema: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, `ALTER TABLE events ADD COLUMN response TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("journal: add response column: %w", err)
	}
	return nil
}

// Append implements [Store].
func (s *SQLite) Append(ctx context.Context, ev dispatch.Event) error {
	words, err := encodeWords(ev.Words)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (kind, identity, text, words, level, state, previous, response, provider, duration_ns, at_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.Identity, ev.Text, words, ev.Level, ev.State, ev.Previous, ev.Response, ev.Provider,
		int64(ev.Duration), at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", ev.Kind, err)
	}
	return nil
}

// Recent implements [Store].
func (s *SQLite) Recent(ctx context.Context, limit int) ([]dispatch.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, identity, text, words, level, state, previous, response, provider, duration_ns, at_unix_ns
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Event
	for rows.Next() {
		var (
			ev       dispatch.Event
			kind     string
			words    string
			duration int64
			at       int64
		)
		if err := rows.Scan(&kind, &ev.Identity, &ev.Text, &words, &ev.Level, &ev.State, &ev.Previous, &ev.Response, &ev.Provider, &duration, &at); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		ev.Kind = dispatch.Kind(kind)
		ev.Duration = time.Duration(duration)
		ev.At = time.Unix(0, at)
		if ev.Words, err = decodeWords(words); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate events: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Close implements [Store].
func (s *SQLite) Close() error {
	return s.db.Close()
}
