// Package mock provides scripted implementations of [audio.Source] and
// [audio.Player] for unit tests.
//
// Both mocks are safe for concurrent use and record every call so tests can
// assert on call counts and arguments.
//
// Typical usage:
//
//	src := &mock.Source{Frames: []mock.Step{
//	    {Frame: mock.Constant(2000, 300)},
//	    {Err: errors.New("overflow")},
//	}, Tail: mock.Constant(2000, 0)}
//	frame, err := src.Read(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// SampleRate is the rate used by frames built with [Constant].
const SampleRate = 16000

// Step is one scripted result of [Source.Read].
type Step struct {
	Frame audio.AudioFrame
	Err   error
}

// Source is a mock [audio.Source] that replays a fixed script.
// After the script is exhausted it returns Tail forever, or [audio.ErrClosed]
// when Tail has no samples.
type Source struct {
	mu sync.Mutex

	// Frames is the scripted sequence of results.
	Frames []Step

	// Tail is returned once Frames is exhausted.
	Tail audio.AudioFrame

	// OnRead, when set, is called with the zero-based read index before each
	// read is served. Tests use it to inject events mid-window.
	OnRead func(n int)

	// CloseErr is returned by Close.
	CloseErr error

	pos         int
	reads       int
	closed      bool
	closeCalls  int
	frameSizes  []int
	formatCalls int
}

var _ audio.Source = (*Source)(nil)
var _ audio.FrameSizer = (*Source)(nil)

// Read implements [audio.Source].
func (s *Source) Read(ctx context.Context) (audio.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}
	s.mu.Lock()
	n := s.reads
	s.reads++
	hook := s.OnRead
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.AudioFrame{}, audio.ErrClosed
	}
	if s.pos < len(s.Frames) {
		step := s.Frames[s.pos]
		s.pos++
		return step.Frame, step.Err
	}
	if len(s.Tail.Samples) == 0 {
		return audio.AudioFrame{}, audio.ErrClosed
	}
	return s.Tail, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formatCalls++
	return audio.Format{SampleRate: SampleRate, Channels: 1}
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	return s.CloseErr
}

// SetFrameSamples implements [audio.FrameSizer].
func (s *Source) SetFrameSamples(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameSizes = append(s.frameSizes, n)
}

// Reads returns the number of Read calls so far.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// CloseCalls returns the number of Close calls so far.
func (s *Source) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// FrameSizes returns every value passed to SetFrameSamples, in order.
func (s *Source) FrameSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.frameSizes))
	copy(out, s.frameSizes)
	return out
}

// Append adds steps to the end of the script.
func (s *Source) Append(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, steps...)
}

// Constant returns a 16 kHz mono frame of n samples alternating between +level
// and -level, which has an RMS of exactly level. A level of zero yields an
// all-zero frame.
func Constant(n int, level int16) audio.AudioFrame {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = level
		} else {
			samples[i] = -level
		}
	}
	return audio.AudioFrame{Samples: samples, SampleRate: SampleRate, Channels: 1}
}

// Repeat returns count steps that all yield frame.
func Repeat(frame audio.AudioFrame, count int) []Step {
	steps := make([]Step, count)
	for i := range steps {
		steps[i] = Step{Frame: frame}
	}
	return steps
}

// Player is a mock [audio.Player] that records every clip.
type Player struct {
	mu sync.Mutex

	// PlayErr is returned by Play.
	PlayErr error

	clips []audio.AudioFrame
}

var _ audio.Player = (*Player)(nil)

// Play implements [audio.Player].
func (p *Player) Play(_ context.Context, clip audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clips = append(p.clips, clip)
	return p.PlayErr
}

// Clips returns a copy of every clip played so far.
func (p *Player) Clips() []audio.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.AudioFrame, len(p.clips))
	copy(out, p.clips)
	return out
}

// ResetCalls clears the recorded clips.
func (p *Player) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clips = nil
}
