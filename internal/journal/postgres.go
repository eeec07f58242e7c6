package journal

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/internal/dispatch"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS earshot_events (
    id          BIGSERIAL    PRIMARY KEY,
    kind        TEXT         NOT NULL,
    identity    TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL DEFAULT '',
    words       JSONB,
    level       INTEGER      NOT NULL DEFAULT 0,
    state       TEXT         NOT NULL DEFAULT '',
    previous    TEXT         NOT NULL DEFAULT '',
    response    TEXT         NOT NULL DEFAULT '',
    provider    TEXT         NOT NULL DEFAULT '',
    duration_ns BIGINT       NOT NULL DEFAULT 0,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

ALTER TABLE earshot_events ADD COLUMN IF NOT EXISTS response TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_earshot_events_kind ON earshot_events (kind);
CREATE INDEX IF NOT EXISTS idx_earshot_events_at ON earshot_events (at);
`

// Postgres is a [Store] on a shared PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: migrate postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Append implements [Store].
func (p *Postgres) Append(ctx context.Context, ev dispatch.Event) error {
	words, err := encodeWords(ev.Words)
	if err != nil {
		return err
	}
	var wordsArg any
	if words != "" {
		wordsArg = words
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO earshot_events (kind, identity, text, words, level, state, previous, response, provider, duration_ns, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(ev.Kind), ev.Identity, ev.Text, wordsArg, ev.Level, ev.State, ev.Previous, ev.Response, ev.Provider,
		int64(ev.Duration), at,
	)
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", ev.Kind, err)
	}
	return nil
}

// Recent implements [Store].
func (p *Postgres) Recent(ctx context.Context, limit int) ([]dispatch.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT kind, identity, text, COALESCE(words::text, ''), level, state, previous, response, provider, duration_ns, at
		FROM earshot_events ORDER BY id DESC LIMIT $1`, limit)
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
		)
		if err := rows.Scan(&kind, &ev.Identity, &ev.Text, &words, &ev.Level, &ev.State, &ev.Previous, &ev.Response, &ev.Provider, &duration, &ev.At); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		ev.Kind = dispatch.Kind(kind)
		ev.Duration = time.Duration(duration)
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
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Truncate removes every event. Tests use it to start from a clean table.
func (p *Postgres) Truncate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE earshot_events`); err != nil {
		return fmt.Errorf("journal: truncate: %w", err)
	}
	return nil
}
