package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink consumes events off the worker goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Async queues events for a [Sink] and delivers them from its own goroutine.
// When the queue is full new events are dropped and counted.
type Async struct {
	sink    Sink
	queue   chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsync starts a delivery goroutine for sink with room for size events.
func NewAsync(sink Sink, size int) *Async {
	if size <= 0 {
		size = 64
	}
	a := &Async{
		sink:  sink,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	ctx := context.Background()
	for ev := range a.queue {
		if err := a.sink.Handle(ctx, ev); err != nil {
			slog.Warn("dispatch: sink failed", "sink", a.sink.Name(), "kind", ev.Kind, "err", err)
		}
	}
}

// Handle is a [Handler] that enqueues ev without blocking.
func (a *Async) Handle(_ context.Context, ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- ev:
	default:
		n := a.dropped.Add(1)
		slog.Warn("dispatch: sink queue full, dropping event", "sink", a.sink.Name(), "kind", ev.Kind, "dropped", n)
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits until queued ones were delivered
// or ctx ends.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
