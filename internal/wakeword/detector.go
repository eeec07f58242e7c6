package wakeword

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const (
	// DefaultFrameSamples is the frame size requested while spotting.
	DefaultFrameSamples = 4000

	// DefaultMaxFrames bounds one detection attempt.
	DefaultMaxFrames = 100
)

// Match is a successful detection.
type Match struct {
	// Identity is the table identity that was addressed.
	Identity string

	// Text is the recognised text that triggered the match.
	Text string

	// Phonetic is true when only the phonetic fallback matched.
	Phonetic bool

	// Score is the phonetic similarity, or 1 for a table match.
	Score float64
}

// DetectorOption configures a [Detector].
type DetectorOption func(*Detector)

// WithPhonetic enables the phonetic fallback.
func WithPhonetic(p *Phonetic) DetectorOption {
	return func(d *Detector) { d.phonetic = p }
}

// WithFrameSamples sets the frame size requested from the source.
func WithFrameSamples(n int) DetectorOption {
	return func(d *Detector) {
		if n > 0 {
			d.frameSamples = n
		}
	}
}

// WithMaxFrames bounds how many frames one attempt may consume.
func WithMaxFrames(n int) DetectorOption {
	return func(d *Detector) {
		if n > 0 {
			d.maxFrames = n
		}
	}
}

// WithStopCheck installs a cooperative stop flag polled between frames.
func WithStopCheck(stopped func() bool) DetectorOption {
	return func(d *Detector) { d.stopped = stopped }
}

// Detector runs wake-word attempts.
type Detector struct {
	table        *Table
	engine       vad.Engine
	spotter      Spotter
	phonetic     *Phonetic
	frameSamples int
	maxFrames    int
	stopped      func() bool
}

// NewDetector returns a Detector that bounds attempts with windows from
// engine and recognises speech with spotter.
func NewDetector(table *Table, engine vad.Engine, spotter Spotter, opts ...DetectorOption) *Detector {
	d := &Detector{
		table:        table,
		engine:       engine,
		spotter:      spotter,
		frameSamples: DefaultFrameSamples,
		maxFrames:    DefaultMaxFrames,
		stopped:      func() bool { return false },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Table returns the identity table.
func (d *Detector) Table() *Table { return d.table }

// Detect runs one attempt: it streams frames from src until the VAD window
// closes, the frame budget runs out, or the spotter finalises text early, and
// then matches the recognised text.
//
// ok is false when nobody was addressed. Recogniser failures are logged and
// reported as no match. The returned error is non-nil only when ctx ends or
// src can no longer deliver frames.
func (d *Detector) Detect(ctx context.Context, src audio.Source) (m Match, ok bool, err error) {
	ctx, span := observe.StartSpan(ctx, "wakeword.Detect")
	defer span.End()
	log := observe.Logger(ctx)
	start := time.Now()

	audio.SetFrameSamples(src, d.frameSamples)
	d.spotter.Reset()
	win := d.engine.NewWindow(vad.WindowConfig{})

	var frames, readErrors int
	for frames < d.maxFrames {
		if err := ctx.Err(); err != nil {
			return Match{}, false, err
		}
		if d.stopped() {
			d.spotter.Reset()
			return Match{}, false, nil
		}
		frames++
		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Match{}, false, ctx.Err()
			}
			if errors.Is(err, audio.ErrClosed) || errors.Is(err, io.EOF) {
				return Match{}, false, fmt.Errorf("wakeword: read frame: %w", err)
			}
			readErrors++
			log.Warn("wakeword: read frame", "frame", frames, "elapsed", time.Since(start), "err", err)
			continue
		}

		dec := win.ProcessFrame(ctx, frame)
		h, err := d.spotter.Accept(ctx, frame)
		if err != nil {
			log.Warn("wakeword: spotter rejected frame", "frame", frames, "err", err)
		} else if h.Final {
			if m, ok := d.Match(h.Text); ok {
				d.spotter.Reset()
				return m, true, nil
			}
		}
		if dec.IsSilence {
			break
		}
	}

	if !win.State().SpeechDetected {
		d.spotter.Reset()
		log.Debug("wakeword: no speech in window", "frames", frames, "read_errors", readErrors)
		return Match{}, false, nil
	}
	h, err := d.spotter.Flush(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Match{}, false, ctx.Err()
		}
		log.Warn("wakeword: recogniser failed",
			"frames", frames,
			"elapsed", time.Since(start),
			"err", err,
		)
		return Match{}, false, nil
	}
	m, ok = d.Match(h.Text)
	log.Debug("wakeword: attempt finished",
		"text", h.Text,
		"matched", ok,
		"identity", m.Identity,
		"frames", frames,
		"elapsed", time.Since(start),
	)
	return m, ok, nil
}

// Match matches already recognised text against the table, falling back to
// phonetic matching when enabled.
func (d *Detector) Match(text string) (Match, bool) {
	if id, ok := d.table.Match(text); ok {
		return Match{Identity: id, Text: text, Score: 1}, true
	}
	if d.phonetic == nil {
		return Match{}, false
	}
	if id, score, ok := d.phonetic.Match(d.table, text); ok {
		return Match{Identity: id, Text: text, Phonetic: true, Score: score}, true
	}
	return Match{}, false
}
