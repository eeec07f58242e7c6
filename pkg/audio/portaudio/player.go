package portaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/earshot/pkg/audio"
)

// playChunk is the number of samples written per blocking device write.
const playChunk = 512

// Player plays clips on the default output device. Clips are played one at a
// time; concurrent calls to Play are serialised.
type Player struct {
	mu     sync.Mutex
	closed bool
}

var _ audio.Player = (*Player)(nil)

// NewPlayer initialises PortAudio for output.
func NewPlayer() (*Player, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "initialize", Err: err}
	}
	return &Player{}, nil
}

// Play implements [audio.Player]. A fresh output stream is opened per clip at
// the clip's own sample rate.
func (p *Player) Play(ctx context.Context, clip audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.ErrClosed
	}
	if len(clip.Samples) == 0 {
		return nil
	}
	channels := max(clip.Channels, 1)

	buf := make([]int16, playChunk*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(clip.SampleRate), playChunk, buf)
	if err != nil {
		return &audio.DeviceError{Op: "open output stream", Err: err}
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(clip.Samples); off += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, clip.Samples[off:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close releases PortAudio. It is safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}
