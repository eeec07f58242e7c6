package wavfile

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/MrWong99/earshot/pkg/audio"
)

// SourceOption configures a replay [Source].
type SourceOption func(*Source)

// WithTarget converts the file to f before replay. Default: 16 kHz mono.
func WithTarget(f audio.Format) SourceOption {
	return func(s *Source) { s.format = f }
}

// WithFrameSamples sets the initial frame length. Default: 4000.
func WithFrameSamples(n int) SourceOption {
	return func(s *Source) {
		if n > 0 {
			s.frameSamples.Store(int64(n))
		}
	}
}

// WithTrailingSilence makes the source return all-zero frames once the file is
// exhausted instead of [io.EOF]. Useful for exercising the silence ladder.
func WithTrailingSilence() SourceOption {
	return func(s *Source) { s.padSilence = true }
}

// Source replays a WAV file frame by frame. It stands in for a microphone when
// testing a configuration against recorded audio.
type Source struct {
	format       audio.Format
	frameSamples atomic.Int64
	padSilence   bool

	mu      sync.Mutex
	samples []int16
	pos     int
	closed  bool
}

var _ audio.Source = (*Source)(nil)
var _ audio.FrameSizer = (*Source)(nil)

// OpenSource loads path from fs and prepares it for replay.
func OpenSource(fs afero.Fs, path string, opts ...SourceOption) (*Source, error) {
	s := &Source{format: audio.Format{SampleRate: 16000, Channels: 1}}
	s.frameSamples.Store(4000)
	for _, o := range opts {
		o(s)
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open replay file", Device: path, Err: err}
	}
	defer f.Close()

	samples, format, err := Decode(f)
	if err != nil {
		return nil, &audio.DeviceError{Op: "decode replay file", Device: path, Err: err}
	}
	conv := audio.Converter{Target: s.format}
	s.samples = conv.Convert(audio.AudioFrame{
		Samples:    samples,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}).Samples
	return s, nil
}

// Read implements [audio.Source]. The final frame of the file may be short.
func (s *Source) Read(ctx context.Context) (audio.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.AudioFrame{}, audio.ErrClosed
	}

	n := int(s.frameSamples.Load()) * s.format.Channels
	frame := audio.AudioFrame{
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  audio.AudioFrame{Samples: s.samples[:s.pos], SampleRate: s.format.SampleRate, Channels: s.format.Channels}.Duration(),
	}
	if s.pos >= len(s.samples) {
		if !s.padSilence {
			return audio.AudioFrame{}, fmt.Errorf("wavfile: replay: %w", io.EOF)
		}
		frame.Samples = make([]int16, n)
		return frame, nil
	}
	end := min(s.pos+n, len(s.samples))
	frame.Samples = append([]int16(nil), s.samples[s.pos:end]...)
	s.pos = end
	return frame, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// SetFrameSamples implements [audio.FrameSizer].
func (s *Source) SetFrameSamples(n int) {
	if n > 0 {
		s.frameSamples.Store(int64(n))
	}
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
