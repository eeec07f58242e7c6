package vad

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/MrWong99/earshot/pkg/audio"
)

const (
	// DefaultGain is the microphone amplification applied before measuring.
	DefaultGain = 4.0

	// DefaultGraceFrames is how many quiet frames after speech are never
	// counted as silence.
	DefaultGraceFrames = 3

	// DefaultSpeechDelay is the speech-delay setting from which the silent
	// frame limit is derived.
	DefaultSpeechDelay = 4.0

	// DefaultThreshold is the threshold in effect before calibration.
	DefaultThreshold = 10.0
)

// MaxSilentFrames derives the silent-frame limit from a speech-delay setting.
// Silence is declared once the consecutive silent count exceeds the limit.
func MaxSilentFrames(speechDelay float64) int {
	return int(math.Floor(speechDelay * 1.5))
}

// AmplitudeOption configures an [Amplitude] engine.
type AmplitudeOption func(*Amplitude)

// WithGain sets the amplification applied to each frame before the RMS is
// measured. Default: 4.0.
func WithGain(g float64) AmplitudeOption {
	return func(a *Amplitude) {
		if g > 0 {
			a.gain = g
		}
	}
}

// WithGraceFrames sets the grace period after speech. Default: 3.
func WithGraceFrames(n int) AmplitudeOption {
	return func(a *Amplitude) {
		if n >= 0 {
			a.grace = n
		}
	}
}

// WithMaxSilentFrames sets the silent-frame limit directly.
func WithMaxSilentFrames(n int) AmplitudeOption {
	return func(a *Amplitude) {
		if n >= 0 {
			a.maxSilent = n
		}
	}
}

// WithSpeechDelay derives the silent-frame limit from a speech-delay setting.
// See [MaxSilentFrames].
func WithSpeechDelay(d float64) AmplitudeOption {
	return func(a *Amplitude) {
		if d > 0 {
			a.maxSilent = MaxSilentFrames(d)
		}
	}
}

// WithThreshold sets the initial amplitude threshold. Default: 10.
func WithThreshold(t float64) AmplitudeOption {
	return func(a *Amplitude) {
		if t > 0 {
			a.threshold.Store(math.Float64bits(t))
		}
	}
}

// Amplitude is the RMS-threshold [Engine].
//
// A frame is speech when its gain-adjusted RMS exceeds the threshold. Each
// speech frame resets the silent count and restores the grace period; quiet
// frames first consume the grace period and only then count as silent. Frames
// without any signal are quiet.
type Amplitude struct {
	gain      float64
	grace     int
	maxSilent int
	threshold atomic.Uint64
}

var _ Engine = (*Amplitude)(nil)

// NewAmplitude returns an amplitude engine with the given options applied over
// the defaults.
func NewAmplitude(opts ...AmplitudeOption) *Amplitude {
	a := &Amplitude{
		gain:      DefaultGain,
		grace:     DefaultGraceFrames,
		maxSilent: MaxSilentFrames(DefaultSpeechDelay),
	}
	a.threshold.Store(math.Float64bits(DefaultThreshold))
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements [Engine].
func (a *Amplitude) Name() string { return string(MethodAmplitude) }

// Gain returns the configured amplification.
func (a *Amplitude) Gain() float64 { return a.gain }

// MaxSilent returns the silent-frame limit.
func (a *Amplitude) MaxSilent() int { return a.maxSilent }

// SetThreshold implements [Engine]. Non-positive values are ignored.
func (a *Amplitude) SetThreshold(t float64) {
	if t > 0 {
		a.threshold.Store(math.Float64bits(t))
	}
}

// Threshold implements [Engine].
func (a *Amplitude) Threshold() float64 {
	return math.Float64frombits(a.threshold.Load())
}

// NewWindow implements [Engine].
func (a *Amplitude) NewWindow(cfg WindowConfig) Window {
	return &amplitudeWindow{engine: a, onSpeech: cfg.OnSpeech}
}

// Level returns the gain-adjusted RMS of frame as this engine measures it.
// The second result is false for frames without signal.
func (a *Amplitude) Level(frame audio.AudioFrame) (float64, bool) {
	return audio.RMS(audio.Amplify(frame.Samples, a.gain))
}

// windowState is shared by both engines so that a model window can fall back
// to the amplitude rule without losing its counters.
type windowState struct {
	speech   bool
	silent   int
	grace    int
	latched  bool
	onSpeech func()
}

func (s *windowState) decision(frameSpeech bool, level float64, m Method) Decision {
	return Decision{
		IsSilence:      s.latched,
		SpeechDetected: s.speech,
		SilentFrames:   s.silent,
		Speech:         frameSpeech,
		Level:          level,
		Method:         m,
	}
}

func (s *windowState) markSpeech() {
	if !s.speech && s.onSpeech != nil {
		s.onSpeech()
	}
	s.speech = true
	s.silent = 0
}

func (s *windowState) countSilent(limit int) {
	s.silent++
	if s.silent > limit {
		s.latched = true
	}
}

type amplitudeWindow struct {
	engine *Amplitude
	windowState
}

func (w *amplitudeWindow) ProcessFrame(_ context.Context, frame audio.AudioFrame) Decision {
	if w.latched {
		return w.decision(false, 0, MethodAmplitude)
	}
	return w.apply(&w.windowState, frame)
}

func (w *amplitudeWindow) State() Decision {
	return w.decision(false, 0, MethodAmplitude)
}

// apply runs the amplitude rule for one frame against s.
func (w *amplitudeWindow) apply(s *windowState, frame audio.AudioFrame) Decision {
	level, _ := w.engine.Level(frame)
	if level > w.engine.Threshold() {
		s.markSpeech()
		s.grace = w.engine.grace
		return s.decision(true, level, MethodAmplitude)
	}
	if s.grace > 0 {
		s.grace--
		return s.decision(false, level, MethodAmplitude)
	}
	s.countSilent(w.engine.maxSilent)
	return s.decision(false, level, MethodAmplitude)
}
