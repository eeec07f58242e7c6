// Package health serves the diagnostics endpoints of a running listener.
//
//   - GET /healthz: liveness, always 200 while the process serves HTTP.
//   - GET /readyz: 200 only when every [Checker] passes, 503 otherwise.
//   - GET /status: JSON snapshot of the conversation state, when configured.
//   - GET /metrics: Prometheus exposition, when configured.
//
// Probe responses are JSON objects with a "status" field ("ok" or "fail")
// and a "checks" map holding each checker's outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 2 * time.Second

// Checker is one named readiness condition. Check returns nil when the
// condition holds and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the diagnostics routes. Its configuration is fixed at
// construction and it is safe for concurrent use.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	status   func() any
	metrics  http.Handler
}

// Option configures a [Handler].
type Option func(*Handler)

// WithChecker adds a readiness condition.
func WithChecker(name string, check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.checkers = append(h.checkers, Checker{Name: name, Check: check})
	}
}

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithStatus serves the value returned by fn as JSON on /status.
func WithStatus(fn func() any) Option {
	return func(h *Handler) { h.status = fn }
}

// WithMetrics serves m on /metrics, typically promhttp.Handler().
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// New builds a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{timeout: DefaultCheckTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under its own timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res, code := result{Status: "ok", Checks: checks}, http.StatusOK
	if failed {
		res.Status, code = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// Status writes the configured snapshot, or 404 when none is configured.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register mounts the routes on mux. /status and /metrics are only mounted
// when configured.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /status", h.Status)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
