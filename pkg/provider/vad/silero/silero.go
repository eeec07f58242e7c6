// Package silero runs the Silero voice-activity ONNX model in-process as a
// [vad.SpeechModel].
//
// The underlying detector is stateful, so every call resets it before
// detection and calls are serialised. Segments shorter than the configured
// minimum speech duration are discarded.
package silero

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const (
	defaultThreshold    = 0.3
	defaultMinSpeechMs  = 100
	defaultMinSilenceMs = 100
)

// Option configures a [Model].
type Option func(*Model)

// WithThreshold sets the speech probability threshold. Default: 0.3.
func WithThreshold(t float64) Option {
	return func(m *Model) { m.threshold = t }
}

// WithMinSpeechMs drops segments shorter than ms. Default: 100.
func WithMinSpeechMs(ms int) Option {
	return func(m *Model) { m.minSpeechMs = ms }
}

// WithMinSilenceMs sets how much silence splits two segments. Default: 100.
func WithMinSilenceMs(ms int) Option {
	return func(m *Model) { m.minSilenceMs = ms }
}

// Model is a local Silero [vad.SpeechModel].
type Model struct {
	threshold    float64
	minSpeechMs  int
	minSilenceMs int

	mu       sync.Mutex
	detector *speech.Detector
	closed   bool
}

var _ vad.SpeechModel = (*Model)(nil)

// New loads the ONNX model at modelPath for 16 kHz input.
func New(modelPath string, opts ...Option) (*Model, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	m := &Model{
		threshold:    defaultThreshold,
		minSpeechMs:  defaultMinSpeechMs,
		minSilenceMs: defaultMinSilenceMs,
	}
	for _, o := range opts {
		o(m)
	}

	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           vad.ModelSampleRate,
		Threshold:            float32(m.threshold),
		MinSilenceDurationMs: m.minSilenceMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: load model %q: %w", modelPath, err)
	}
	m.detector = det
	return m, nil
}

// SpeechTimestamps implements [vad.SpeechModel].
func (m *Model) SpeechTimestamps(ctx context.Context, samples []float32, sampleRate int) ([]vad.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sampleRate != vad.ModelSampleRate {
		return nil, fmt.Errorf("silero: unsupported sample rate %d", sampleRate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("silero: model closed")
	}
	if err := m.detector.Reset(); err != nil {
		return nil, fmt.Errorf("silero: reset: %w", err)
	}
	raw, err := m.detector.Detect(samples)
	if err != nil {
		return nil, fmt.Errorf("silero: detect: %w", err)
	}

	total := float64(len(samples)) / float64(sampleRate)
	minDur := float64(m.minSpeechMs) / 1000
	out := make([]vad.Segment, 0, len(raw))
	for _, s := range raw {
		end := s.SpeechEndAt
		if end <= 0 {
			// Speech still running at the end of the block.
			end = total
		}
		if end-s.SpeechStartAt < minDur {
			continue
		}
		out = append(out, vad.Segment{Start: s.SpeechStartAt, End: end})
	}
	return out, nil
}

// Close releases the ONNX session. It is safe to call more than once.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.detector.Destroy(); err != nil {
		return fmt.Errorf("silero: destroy: %w", err)
	}
	return nil
}
