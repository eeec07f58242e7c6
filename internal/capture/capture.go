// Package capture records one VAD-bounded listening window.
//
// A [Recorder] reads frames until the VAD latches silence, the frame budget
// runs out, or the caller asks it to stop. Audio is buffered from the first
// speech frame onwards. Read errors are logged and retried; they consume the
// same budget as good frames.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const (
	// DefaultMaxFrames caps one window.
	DefaultMaxFrames = 100

	// DefaultFrameSamples is the frame size requested while listening.
	DefaultFrameSamples = 2000
)

// End says why a window finished.
type End int

const (
	// EndSilence means the VAD latched silence.
	EndSilence End = iota

	// EndCap means the frame budget ran out while audio was flowing.
	EndCap

	// EndStopped means the stop check fired.
	EndStopped

	// EndAbandoned means the budget was used up retrying failed reads.
	EndAbandoned
)

// String implements fmt.Stringer.
func (e End) String() string {
	switch e {
	case EndSilence:
		return "silence"
	case EndCap:
		return "cap"
	case EndStopped:
		return "stopped"
	case EndAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("End(%d)", int(e))
	}
}

// Window holds per-window hooks.
type Window struct {
	// OnSpeech runs on the recording goroutine at the first speech frame.
	OnSpeech func()

	// Stopped is polled before every read.
	Stopped func() bool

	// BetweenFrames runs after every processed frame. The conversation
	// machine drains collaborator intents here.
	BetweenFrames func()

	// Language is copied into the recording.
	Language string
}

// Result is a finished window.
type Result struct {
	Recording  stt.Recording
	End        End
	ReadErrors int
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithMaxFrames sets the frame budget per window.
func WithMaxFrames(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.maxFrames = n
		}
	}
}

// WithFrameSamples sets the frame size requested from the source.
func WithFrameSamples(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.frameSamples = n
		}
	}
}

// Recorder captures listening windows.
type Recorder struct {
	engine       vad.Engine
	maxFrames    int
	frameSamples int
}

// New returns a Recorder judging speech with engine.
func New(engine vad.Engine, opts ...Option) *Recorder {
	r := &Recorder{
		engine:       engine,
		maxFrames:    DefaultMaxFrames,
		frameSamples: DefaultFrameSamples,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// MaxFrames returns the frame budget.
func (r *Recorder) MaxFrames() int { return r.maxFrames }

// FrameSamples returns the requested frame size.
func (r *Recorder) FrameSamples() int { return r.frameSamples }

// MaxDuration is the longest audio a window can hold at sampleRate.
func (r *Recorder) MaxDuration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(r.maxFrames*r.frameSamples) * time.Second / time.Duration(sampleRate)
}

// Record runs one window on src. The error is non-nil only when ctx ends or
// the source is closed or exhausted; every other failure is folded into the
// result.
func (r *Recorder) Record(ctx context.Context, src audio.Source, w Window) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "capture.Record")
	defer span.End()
	log := observe.Logger(ctx)
	start := time.Now()

	audio.SetFrameSamples(src, r.frameSamples)
	win := r.engine.NewWindow(vad.WindowConfig{OnSpeech: w.OnSpeech})

	var (
		samples    []int16
		rate       = src.Format().SampleRate
		frames     int
		readErrors int
		lastFailed bool
		end        = EndCap
	)
	for frames < r.maxFrames {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("capture: %w", err)
		}
		if w.Stopped != nil && w.Stopped() {
			end = EndStopped
			break
		}
		frames++
		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("capture: %w", ctx.Err())
			}
			if errors.Is(err, audio.ErrClosed) || errors.Is(err, io.EOF) {
				return Result{}, fmt.Errorf("capture: read frame: %w", err)
			}
			readErrors++
			lastFailed = true
			log.Warn("capture: read frame",
				"frame", frames,
				"elapsed", time.Since(start),
				"err", err,
			)
			continue
		}
		lastFailed = false
		if frame.SampleRate > 0 {
			rate = frame.SampleRate
		}
		if frame.Channels > 1 {
			frame.Samples = audio.Remix(frame.Samples, frame.Channels, 1)
			frame.Channels = 1
		}

		dec := win.ProcessFrame(ctx, frame)
		if dec.SpeechDetected {
			samples = append(samples, frame.Samples...)
		}
		if w.BetweenFrames != nil {
			w.BetweenFrames()
		}
		if dec.IsSilence {
			end = EndSilence
			break
		}
	}
	if end == EndCap && lastFailed {
		end = EndAbandoned
	}

	state := win.State()
	rec := stt.Recording{
		Samples:        samples,
		SampleRate:     rate,
		SpeechDetected: state.SpeechDetected && end != EndAbandoned,
		Frames:         frames,
		Elapsed:        time.Since(start),
		Language:       w.Language,
	}
	if end == EndAbandoned {
		rec.Samples = nil
		log.Warn("capture: window abandoned after read errors",
			"frames", frames,
			"read_errors", readErrors,
			"elapsed", rec.Elapsed,
		)
	}
	return Result{Recording: rec, End: end, ReadErrors: readErrors}, nil
}
