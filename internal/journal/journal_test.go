package journal_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/journal"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

func events() []dispatch.Event {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return []dispatch.Event{
		{Kind: dispatch.KindWakeDetected, Identity: "mirza", Text: "hallo meerza", Response: "Ja?", At: at},
		{
			Kind: dispatch.KindUtteranceReady, Identity: "mirza", Text: "hoe laat is het",
			Words:    []stt.Word{{Text: "hoe laat", End: 600 * time.Millisecond}, {Text: "is het", Start: 600 * time.Millisecond, End: time.Second}},
			Provider: "whisper", Duration: 1200 * time.Millisecond, At: at.Add(time.Second),
		},
		{Kind: dispatch.KindSilenceEscalation, Identity: "mirza", Level: 1, At: at.Add(2 * time.Second)},
	}
}

// exerciseStore runs the behaviour shared by every backend.
func exerciseStore(t *testing.T, s journal.Store) {
	t.Helper()
	ctx := context.Background()

	for _, ev := range events() {
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("Append(%s): %v", ev.Kind, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) = %d events", len(got))
	}
	if got[0].Kind != dispatch.KindUtteranceReady || got[1].Kind != dispatch.KindSilenceEscalation {
		t.Errorf("order = %s, %s; want oldest first", got[0].Kind, got[1].Kind)
	}
	u := got[0]
	if u.Text != "hoe laat is het" || u.Provider != "whisper" || u.Duration != 1200*time.Millisecond {
		t.Errorf("utterance = %+v", u)
	}
	if len(u.Words) != 2 || u.Words[1].Start != 600*time.Millisecond {
		t.Errorf("words = %+v", u.Words)
	}
	if !u.At.Equal(events()[1].At) {
		t.Errorf("At = %v, want %v", u.At, events()[1].At)
	}
	if got[1].Level != 1 {
		t.Errorf("level = %d", got[1].Level)
	}

	all, err := s.Recent(ctx, 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("Recent(10) = %d events, %v", len(all), err)
	}
	if all[0].Kind != dispatch.KindWakeDetected || all[0].Response != "Ja?" {
		t.Errorf("wake = %+v, want the acknowledgement kept", all[0])
	}

	if none, err := s.Recent(ctx, 0); err != nil || none != nil {
		t.Errorf("Recent(0) = %v, %v", none, err)
	}
}

func TestSQLite_Memory(t *testing.T) {
	t.Parallel()

	s, err := journal.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestSQLite_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	s, err := journal.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Append(context.Background(), dispatch.Event{Kind: dispatch.KindShutdownComplete}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := journal.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.Recent(context.Background(), 10)
	if err != nil || len(got) != 1 || got[0].Kind != dispatch.KindShutdownComplete {
		t.Fatalf("Recent after reopen = %+v, %v", got, err)
	}
	if got[0].At.IsZero() {
		t.Error("zero At was not stamped")
	}
}

func TestSQLite_UpgradesOldSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT    NOT NULL,
		identity    TEXT    NOT NULL DEFAULT '',
		text        TEXT    NOT NULL DEFAULT '',
		words       TEXT    NOT NULL DEFAULT '',
		level       INTEGER NOT NULL DEFAULT 0,
		state       TEXT    NOT NULL DEFAULT '',
		previous    TEXT    NOT NULL DEFAULT '',
		provider    TEXT    NOT NULL DEFAULT '',
		duration_ns INTEGER NOT NULL DEFAULT 0,
		at_unix_ns  INTEGER NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO events (kind, at_unix_ns) VALUES ('shutdown_complete', 1)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err := journal.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	wake := dispatch.Event{Kind: dispatch.KindWakeDetected, Identity: "mirza", Response: "Zeg het maar"}
	if err := s.Append(context.Background(), wake); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Recent(context.Background(), 10)
	if err != nil || len(got) != 2 {
		t.Fatalf("Recent = %+v, %v", got, err)
	}
	if got[0].Response != "" || got[1].Response != "Zeg het maar" {
		t.Errorf("responses = %q, %q", got[0].Response, got[1].Response)
	}
}

func TestSQLite_EmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := journal.OpenSQLite(context.Background(), ""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestSink_FiltersKinds(t *testing.T) {
	t.Parallel()

	s, err := journal.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	sink := &journal.Sink{Store: s, Kinds: []dispatch.Kind{dispatch.KindUtteranceReady}}
	if sink.Name() != "journal" {
		t.Errorf("Name = %q", sink.Name())
	}
	for _, ev := range events() {
		if err := sink.Handle(context.Background(), ev); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	got, _ := s.Recent(context.Background(), 10)
	if len(got) != 1 || got[0].Kind != dispatch.KindUtteranceReady {
		t.Errorf("stored = %+v", got)
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("EARSHOT_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EARSHOT_POSTGRES_DSN not set, skipping PostgreSQL journal test")
	}
	ctx := context.Background()
	s, err := journal.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Truncate(ctx); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	exerciseStore(t, s)
}
