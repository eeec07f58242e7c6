package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by [Source.Read] after the source has been closed.
var ErrClosed = errors.New("audio: source closed")

// Source is a blocking producer of fixed-size PCM frames. It owns the
// underlying input device for its entire lifetime.
//
// Read blocks for at most one frame's worth of audio and returns early with
// ctx.Err() when ctx is cancelled before the read begins. Implementations are
// driven by a single goroutine; Close may be called from any goroutine and is
// idempotent.
type Source interface {
	// Read returns the next frame. Transient device errors are returned as-is
	// so that callers can decide whether to retry within their frame budget.
	Read(ctx context.Context) (AudioFrame, error)

	// Format reports the format of frames returned by Read.
	Format() Format

	// Close releases the device. Subsequent reads return [ErrClosed].
	Close() error
}

// FrameSizer is implemented by sources whose frame length can change between
// reads. The pipeline uses shorter frames while listening for an utterance and
// longer frames while calibrating or spotting wake words.
type FrameSizer interface {
	// SetFrameSamples sets the number of samples per channel for later reads.
	SetFrameSamples(n int)
}

// SetFrameSamples changes the frame length of src when it supports it and is
// a no-op otherwise.
func SetFrameSamples(src Source, n int) {
	if fs, ok := src.(FrameSizer); ok && n > 0 {
		fs.SetFrameSamples(n)
	}
}

// Player plays short PCM clips such as indicator tones. Play blocks until the
// clip has finished or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, clip AudioFrame) error
}

// DeviceError reports that an audio device could not be found or opened.
// It is returned by source constructors and is fatal at startup.
type DeviceError struct {
	// Op is the failing operation, e.g. "initialize" or "open stream".
	Op string

	// Device names the device involved, when known.
	Device string

	// Err is the underlying driver error.
	Err error
}

func (e *DeviceError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("audio: %s %q: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("audio: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
