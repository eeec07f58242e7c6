// Package portaudio captures microphone audio and plays indicator tones through
// the PortAudio library.
//
// [Open] opens the default or a named input device at the requested sample
// rate. When the device refuses that rate and fallback is enabled, the device
// is reopened at its native rate and frames are converted to the requested
// format before they are returned, so consumers always see the format they
// asked for.
//
// PortAudio initialisation is reference counted by the library; every
// successful Open or NewPlayer is balanced by exactly one Terminate on Close.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Config describes the input stream to open.
type Config struct {
	// SampleRate is the rate delivered to consumers. Default: 16000.
	SampleRate int

	// FrameSamples is the initial number of samples per frame. Default: 4000.
	FrameSamples int

	// ChunkDuration is the size of a single blocking device read. It bounds how
	// long Read can go without observing context cancellation. Default: 50ms.
	ChunkDuration time.Duration

	// Device selects the input device by case-insensitive name substring.
	// Empty uses the default input device.
	Device string

	// NativeFallback reopens the device at its default sample rate when the
	// requested rate is rejected.
	NativeFallback bool
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = 4000
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 50 * time.Millisecond
	}
}

// Source is a microphone [audio.Source] backed by a blocking PortAudio stream.
type Source struct {
	stream *portaudio.Stream
	chunk  []int16
	native audio.Format
	target audio.Format

	frameSamples atomic.Int64

	mu     sync.Mutex // serialises Read against Close and guards asm
	closed bool
	asm    *assembler
}

var _ audio.Source = (*Source)(nil)
var _ audio.FrameSizer = (*Source)(nil)

// Open initialises PortAudio and starts the default input stream. Any failure
// is returned as an [*audio.DeviceError].
func Open(cfg Config) (*Source, error) {
	cfg.applyDefaults()

	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "initialize", Err: err}
	}

	s := &Source{target: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}}
	s.frameSamples.Store(int64(cfg.FrameSamples))

	dev, err := inputDevice(cfg.Device)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "find input device", Device: cfg.Device, Err: err}
	}

	stream, native, err := s.openAt(dev, cfg.SampleRate, cfg.ChunkDuration)
	if err != nil && cfg.NativeFallback {
		slog.Warn("portaudio: requested rate rejected, using device native rate",
			"device", dev.Name,
			"requested", cfg.SampleRate,
			"native", dev.DefaultSampleRate,
			"err", err,
		)
		stream, native, err = s.openAt(dev, int(dev.DefaultSampleRate), cfg.ChunkDuration)
	}
	if err != nil {
		_ = portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open stream", Device: dev.Name, Err: err}
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "start stream", Err: err}
	}

	s.stream = stream
	s.native = native
	s.asm = &assembler{src: stream, chunk: s.chunk, native: native, target: s.target}
	if native != s.target {
		s.asm.conv = &audio.Converter{Target: s.target}
	}
	slog.Info("portaudio: input stream started",
		"format", native.String(),
		"delivered", s.target.String(),
		"frame_samples", cfg.FrameSamples,
	)
	return s, nil
}

// inputDevice returns the default input device, or the first input device
// whose name contains name.
func inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(name)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input device matches %q", name)
}

func (s *Source) openAt(dev *portaudio.DeviceInfo, rate int, chunk time.Duration) (*portaudio.Stream, audio.Format, error) {
	n := max(int(float64(rate)*chunk.Seconds()), 1)
	buf := make([]int16, n)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = len(buf)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, audio.Format{}, err
	}
	s.chunk = buf
	return stream, audio.Format{SampleRate: rate, Channels: 1}, nil
}

// Read implements [audio.Source]. It assembles one frame from as many device
// chunks as needed, checking ctx between chunks. Samples beyond the frame are
// kept for the next Read, also across [Source.SetFrameSamples].
func (s *Source) Read(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.AudioFrame{}, audio.ErrClosed
	}
	return s.asm.frame(ctx, int(s.frameSamples.Load()))
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.target }

// SetFrameSamples implements [audio.FrameSizer].
func (s *Source) SetFrameSamples(n int) {
	if n > 0 {
		s.frameSamples.Store(int64(n))
	}
}

// Close stops the stream and releases PortAudio. It is safe to call more than
// once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}
