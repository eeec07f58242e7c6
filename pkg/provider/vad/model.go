package vad

import (
	"context"
	"log/slog"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ModelSampleRate is the rate speech models are fed at.
const ModelSampleRate = 16000

// ModelOption configures a [Model] engine.
type ModelOption func(*Model)

// WithModelMaxSilentFrames overrides the silent-frame limit. By default the
// fallback engine's limit is used.
func WithModelMaxSilentFrames(n int) ModelOption {
	return func(m *Model) {
		if n >= 0 {
			m.maxSilent = n
		}
	}
}

// WithModelName sets the name reported by [Model.Name].
func WithModelName(name string) ModelOption {
	return func(m *Model) { m.name = name }
}

// WithOnModelError registers a hook called after each model failure, before
// the frame is judged by the amplitude rule.
func WithOnModelError(fn func(err error)) ModelOption {
	return func(m *Model) { m.onError = fn }
}

// Model is the speech-timestamp [Engine].
//
// Each frame is converted to 16 kHz float samples and handed to the model.
// Any returned timestamp marks the frame as speech and resets the silent
// count; no timestamp counts the frame as silent. There is no grace period on
// this path. When the model fails, that frame is judged by the fallback
// [Amplitude] engine against the same window counters.
type Model struct {
	model     SpeechModel
	fallback  *Amplitude
	maxSilent int
	name      string
	onError   func(error)
}

var _ Engine = (*Model)(nil)

// NewModel wraps model. fallback supplies the threshold, gain and grace used
// whenever the model fails; it must not be nil.
func NewModel(model SpeechModel, fallback *Amplitude, opts ...ModelOption) *Model {
	m := &Model{
		model:     model,
		fallback:  fallback,
		maxSilent: fallback.maxSilent,
		name:      string(MethodModel),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Name implements [Engine].
func (m *Model) Name() string { return m.name }

// SetThreshold implements [Engine] by updating the fallback engine.
func (m *Model) SetThreshold(t float64) { m.fallback.SetThreshold(t) }

// Threshold implements [Engine].
func (m *Model) Threshold() float64 { return m.fallback.Threshold() }

// NewWindow implements [Engine].
func (m *Model) NewWindow(cfg WindowConfig) Window {
	w := &modelWindow{engine: m}
	w.amp = amplitudeWindow{engine: m.fallback}
	w.amp.onSpeech = cfg.OnSpeech
	return w
}

type modelWindow struct {
	engine *Model
	amp    amplitudeWindow
}

func (w *modelWindow) State() Decision {
	return w.amp.decision(false, 0, MethodModel)
}

func (w *modelWindow) ProcessFrame(ctx context.Context, frame audio.AudioFrame) Decision {
	s := &w.amp.windowState
	if s.latched {
		return s.decision(false, 0, MethodModel)
	}

	samples := frame.Samples
	if frame.Channels > 1 {
		samples = audio.Remix(samples, frame.Channels, 1)
	}
	if frame.SampleRate != ModelSampleRate {
		samples = audio.Resample(samples, 1, frame.SampleRate, ModelSampleRate)
	}

	segments, err := w.engine.model.SpeechTimestamps(ctx, audio.Float32(samples), ModelSampleRate)
	if err != nil {
		slog.Warn("vad: speech model failed, using amplitude rule for frame",
			"model", w.engine.name,
			"err", err,
		)
		if w.engine.onError != nil {
			w.engine.onError(err)
		}
		return w.amp.apply(s, frame)
	}

	if len(segments) > 0 {
		s.markSpeech()
		return s.decision(true, 0, MethodModel)
	}
	s.countSilent(w.engine.maxSilent)
	return s.decision(false, 0, MethodModel)
}
