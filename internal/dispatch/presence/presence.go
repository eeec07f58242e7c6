// Package presence tells the speech output side when the core starts and
// stops paying attention, so that a talking companion can be silenced while
// the user addresses it.
package presence

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/earshot/internal/dispatch"
)

const defaultTimeout = time.Second

// Hooks issues GET requests on state changes: StopURL when the machine falls
// asleep and StartURL after a wake match. Empty URLs are skipped.
type Hooks struct {
	StopURL  string
	StartURL string
	Client   *http.Client
}

var _ dispatch.Sink = (*Hooks)(nil)

// New returns Hooks with a 1 s client.
func New(stopURL, startURL string) *Hooks {
	return &Hooks{StopURL: stopURL, StartURL: startURL, Client: &http.Client{Timeout: defaultTimeout}}
}

// Name implements [dispatch.Sink].
func (h *Hooks) Name() string { return "presence" }

// Handle implements [dispatch.Sink].
func (h *Hooks) Handle(ctx context.Context, ev dispatch.Event) error {
	switch {
	case ev.Kind == dispatch.KindStateChanged && ev.State == "sleeping":
		return h.get(ctx, h.StopURL)
	case ev.Kind == dispatch.KindWakeDetected:
		return h.get(ctx, h.StartURL)
	}
	return nil
}

func (h *Hooks) get(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("presence: create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("presence: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("presence: GET %s: HTTP %d", url, resp.StatusCode)
	}
	return nil
}
