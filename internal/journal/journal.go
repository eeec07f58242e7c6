// Package journal keeps a durable log of conversation events.
//
// Two backends exist: [SQLite] for a single device and [Postgres] for a
// shared server. Both are fed from the dispatcher through [Sink], which runs
// behind a [dispatch.Async] queue so that database latency never reaches the
// capture loop.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Store persists events.
type Store interface {
	// Append writes ev.
	Append(ctx context.Context, ev dispatch.Event) error

	// Recent returns up to limit of the newest events, oldest first.
	Recent(ctx context.Context, limit int) ([]dispatch.Event, error)

	// Close releases the backend.
	Close() error
}

// Sink adapts a [Store] to [dispatch.Sink].
type Sink struct {
	Store Store
	// Kinds restricts which events are written. Empty means all.
	Kinds []dispatch.Kind
}

var _ dispatch.Sink = (*Sink)(nil)

// Name implements [dispatch.Sink].
func (s *Sink) Name() string { return "journal" }

// Handle implements [dispatch.Sink].
func (s *Sink) Handle(ctx context.Context, ev dispatch.Event) error {
	if len(s.Kinds) > 0 && !slices.Contains(s.Kinds, ev.Kind) {
		return nil
	}
	return s.Store.Append(ctx, ev)
}

func encodeWords(words []stt.Word) (string, error) {
	if len(words) == 0 {
		return "", nil
	}
	b, err := json.Marshal(words)
	if err != nil {
		return "", fmt.Errorf("journal: encode words: %w", err)
	}
	return string(b), nil
}

func decodeWords(raw string) ([]stt.Word, error) {
	if raw == "" {
		return nil, nil
	}
	var words []stt.Word
	if err := json.Unmarshal([]byte(raw), &words); err != nil {
		return nil, fmt.Errorf("journal: decode words: %w", err)
	}
	return words, nil
}
