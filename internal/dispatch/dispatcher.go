package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Handler receives events.
type Handler func(ctx context.Context, ev Event)

type registration struct {
	kind    Kind // empty for all kinds
	handler Handler
}

// Dispatcher fans events out to registered handlers.
//
// Registration is safe at any time. Emit calls handlers on the caller's
// goroutine in registration order; a panicking handler is logged and the
// remaining handlers still run.
type Dispatcher struct {
	mu   sync.RWMutex
	regs []registration
	now  func() time.Time
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{now: time.Now}
}

// On registers h for events of kind k.
func (d *Dispatcher) On(k Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs = append(d.regs, registration{kind: k, handler: h})
}

// OnAll registers h for every event.
func (d *Dispatcher) OnAll(h Handler) {
	d.On("", h)
}

// OnWake registers fn for wake detections.
func (d *Dispatcher) OnWake(fn func(identity, text string)) {
	d.On(KindWakeDetected, func(_ context.Context, ev Event) { fn(ev.Identity, ev.Text) })
}

// OnUtterance registers fn for finished utterances.
func (d *Dispatcher) OnUtterance(fn func(text string, words []stt.Word)) {
	d.On(KindUtteranceReady, func(_ context.Context, ev Event) { fn(ev.Text, ev.Words) })
}

// OnEscalation registers fn for silence escalations.
func (d *Dispatcher) OnEscalation(fn func(level int)) {
	d.On(KindSilenceEscalation, func(_ context.Context, ev Event) { fn(ev.Level) })
}

// OnShutdown registers fn for shutdown completion.
func (d *Dispatcher) OnShutdown(fn func()) {
	d.On(KindShutdownComplete, func(context.Context, Event) { fn() })
}

// Emit delivers ev. A zero At is set to the current time.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = d.now()
	}
	d.mu.RLock()
	regs := make([]registration, len(d.regs))
	copy(regs, d.regs)
	d.mu.RUnlock()

	for _, r := range regs {
		if r.kind != "" && r.kind != ev.Kind {
			continue
		}
		d.call(ctx, r.handler, ev)
	}
}

func (d *Dispatcher) call(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: handler panicked",
				"kind", ev.Kind,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(ctx, ev)
}

// Wake emits a wake detection.
func (d *Dispatcher) Wake(ctx context.Context, identity, text string) {
	d.Emit(ctx, Event{Kind: KindWakeDetected, Identity: identity, Text: text})
}

// Utterance emits a finished utterance.
func (d *Dispatcher) Utterance(ctx context.Context, identity string, res stt.Result, audioLen time.Duration) {
	d.Emit(ctx, Event{
		Kind:     KindUtteranceReady,
		Identity: identity,
		Text:     res.Text,
		Words:    res.Words,
		Provider: res.Provider,
		Duration: audioLen,
	})
}

// Escalation emits a silence escalation.
func (d *Dispatcher) Escalation(ctx context.Context, identity string, level int) {
	d.Emit(ctx, Event{Kind: KindSilenceEscalation, Identity: identity, Level: level})
}

// Shutdown emits shutdown completion.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.Emit(ctx, Event{Kind: KindShutdownComplete})
}
