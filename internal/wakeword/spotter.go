package wakeword

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// DefaultMaxPhrase is how much audio a [BackendSpotter] keeps.
const DefaultMaxPhrase = 4 * time.Second

// Hypothesis is a recogniser output.
type Hypothesis struct {
	Text  string
	Final bool
}

// Spotter is a streaming keyword recogniser.
//
// Accept feeds one frame and may return a finalised hypothesis early.
// Flush finalises whatever audio is pending. Reset discards it. A Spotter is
// driven by a single goroutine.
type Spotter interface {
	Accept(ctx context.Context, frame audio.AudioFrame) (Hypothesis, error)
	Flush(ctx context.Context) (Hypothesis, error)
	Reset()
}

// BackendSpotter turns a batch [stt.Provider] into a [Spotter]. It keeps the
// most recent audio in a fixed ring, dropping the oldest samples when full,
// and transcribes the ring on Flush.
type BackendSpotter struct {
	provider   stt.Provider
	sampleRate int
	language   string

	mu   sync.Mutex
	ring *ringbuffer.RingBuffer
}

var _ Spotter = (*BackendSpotter)(nil)

// SpotterOption configures a [BackendSpotter].
type SpotterOption func(*spotterConfig)

type spotterConfig struct {
	maxPhrase  time.Duration
	sampleRate int
	language   string
}

// WithMaxPhrase bounds the buffered audio. Default: 4 s.
func WithMaxPhrase(d time.Duration) SpotterOption {
	return func(c *spotterConfig) {
		if d > 0 {
			c.maxPhrase = d
		}
	}
}

// WithSampleRate sets the rate of incoming frames. Default: 16000.
func WithSampleRate(rate int) SpotterOption {
	return func(c *spotterConfig) {
		if rate > 0 {
			c.sampleRate = rate
		}
	}
}

// WithLanguage sets the language hint passed to the provider.
func WithLanguage(lang string) SpotterOption {
	return func(c *spotterConfig) { c.language = lang }
}

// NewBackendSpotter wraps p.
func NewBackendSpotter(p stt.Provider, opts ...SpotterOption) *BackendSpotter {
	cfg := spotterConfig{maxPhrase: DefaultMaxPhrase, sampleRate: 16000}
	for _, o := range opts {
		o(&cfg)
	}
	size := int(cfg.maxPhrase.Seconds()*float64(cfg.sampleRate)) * 2
	return &BackendSpotter{
		provider:   p,
		sampleRate: cfg.sampleRate,
		language:   cfg.language,
		ring:       ringbuffer.New(size).SetBlocking(false),
	}
}

// Accept buffers frame. It never finalises on its own.
func (s *BackendSpotter) Accept(_ context.Context, frame audio.AudioFrame) (Hypothesis, error) {
	samples := frame.Samples
	if frame.Channels > 1 {
		samples = audio.Remix(samples, frame.Channels, 1)
	}
	if frame.SampleRate > 0 && frame.SampleRate != s.sampleRate {
		samples = audio.Resample(samples, 1, frame.SampleRate, s.sampleRate)
	}
	data := audio.Bytes(samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	if capacity := s.ring.Capacity(); len(data) > capacity {
		data = data[len(data)-capacity:]
	}
	if deficit := len(data) - s.ring.Free(); deficit > 0 {
		if _, err := s.ring.Read(make([]byte, deficit)); err != nil {
			s.ring.Reset()
		}
	}
	if _, err := s.ring.Write(data); err != nil {
		return Hypothesis{}, fmt.Errorf("wakeword: buffer frame: %w", err)
	}
	return Hypothesis{}, nil
}

// Flush transcribes the buffered audio and clears the ring.
func (s *BackendSpotter) Flush(ctx context.Context) (Hypothesis, error) {
	s.mu.Lock()
	pcm := s.ring.Bytes(nil)
	s.ring.Reset()
	s.mu.Unlock()

	samples := audio.FromBytes(pcm)
	if len(samples) == 0 {
		return Hypothesis{Final: true}, nil
	}
	res, err := s.provider.Transcribe(ctx, stt.Recording{
		Samples:        samples,
		SampleRate:     s.sampleRate,
		SpeechDetected: true,
		Language:       s.language,
	})
	if err != nil {
		return Hypothesis{}, fmt.Errorf("wakeword: transcribe with %s: %w", s.provider.Name(), err)
	}
	return Hypothesis{Text: res.Text, Final: true}, nil
}

// Reset discards buffered audio.
func (s *BackendSpotter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Reset()
}

// Buffered returns how much audio is held.
func (s *BackendSpotter) Buffered() time.Duration {
	s.mu.Lock()
	n := s.ring.Length()
	s.mu.Unlock()
	return time.Duration(n/2) * time.Second / time.Duration(s.sampleRate)
}
