// Package mock provides test doubles for the [vad.SpeechModel] and
// [vad.Engine] interfaces.
//
// Both types are safe for concurrent use and record calls so that tests can
// assert on how they were driven.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// ModelResult is one scripted answer from [Model].
type ModelResult struct {
	Segments []vad.Segment
	Err      error
}

// Model is a scripted [vad.SpeechModel]. Results are served in order; once
// exhausted, Default is returned.
type Model struct {
	mu sync.Mutex

	// Results is the scripted sequence of answers.
	Results []ModelResult

	// Default is returned after Results is exhausted.
	Default ModelResult

	calls []int
}

var _ vad.SpeechModel = (*Model)(nil)

// SpeechTimestamps implements [vad.SpeechModel].
func (m *Model) SpeechTimestamps(_ context.Context, samples []float32, _ int) ([]vad.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.calls)
	m.calls = append(m.calls, len(samples))
	if i < len(m.Results) {
		return m.Results[i].Segments, m.Results[i].Err
	}
	return m.Default.Segments, m.Default.Err
}

// Calls returns the number of samples passed to each call, in order.
func (m *Model) Calls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.calls))
	copy(out, m.calls)
	return out
}

// Engine is a scripted [vad.Engine]. Every window it creates replays
// Decisions frame by frame and then keeps returning the last one. When a
// decision reports speech for the first time, the window's OnSpeech hook runs.
type Engine struct {
	mu sync.Mutex

	// Decisions is replayed by every window.
	Decisions []vad.Decision

	threshold float64
	windows   int
	frames    int
}

var _ vad.Engine = (*Engine)(nil)

// Name implements [vad.Engine].
func (e *Engine) Name() string { return "mock" }

// SetThreshold implements [vad.Engine].
func (e *Engine) SetThreshold(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threshold = t
}

// Threshold implements [vad.Engine].
func (e *Engine) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold
}

// NewWindow implements [vad.Engine].
func (e *Engine) NewWindow(cfg vad.WindowConfig) vad.Window {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows++
	return &window{engine: e, onSpeech: cfg.OnSpeech}
}

// Windows returns how many windows were created.
func (e *Engine) Windows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.windows
}

// Frames returns how many frames were processed across all windows.
func (e *Engine) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

type window struct {
	engine   *Engine
	onSpeech func()
	pos      int
	last     vad.Decision
	spoke    bool
}

func (w *window) ProcessFrame(_ context.Context, _ audio.AudioFrame) vad.Decision {
	w.engine.mu.Lock()
	w.engine.frames++
	if w.pos < len(w.engine.Decisions) {
		w.last = w.engine.Decisions[w.pos]
		w.pos++
	}
	d := w.last
	w.engine.mu.Unlock()

	if d.SpeechDetected && !w.spoke {
		w.spoke = true
		if w.onSpeech != nil {
			w.onSpeech()
		}
	}
	return d
}

func (w *window) State() vad.Decision { return w.last }
