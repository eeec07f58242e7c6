// Package calibrate derives the silence threshold from ambient room noise.
//
// A [Calibrator] samples a short run of frames at startup, measures the RMS
// of each one, discards outliers with an interquartile-range filter and turns
// the loudest remaining background level into a threshold for the amplitude
// VAD. Calibration never aborts the pipeline: when no usable frames are read
// the profile falls back to the configured floor.
package calibrate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
)

const (
	// DefaultFrames is the number of frames sampled.
	DefaultFrames = 20

	// DefaultFrameSamples is the frame size used while sampling.
	DefaultFrameSamples = 4000

	// DefaultInterval is the pause between reads.
	DefaultInterval = 100 * time.Millisecond

	// DefaultMargin multiplies the background level into the threshold.
	DefaultMargin = 3.5

	// Floor is the lowest threshold ever produced.
	Floor = 10.0

	// iqrFactor widens the interquartile range into outlier bounds.
	iqrFactor = 1.5
)

// Profile is the result of one calibration run.
type Profile struct {
	// Median is the median frame level of the filtered samples.
	Median float64 `json:"median"`

	// Q1 and Q3 are the quartiles of all usable samples.
	Q1 float64 `json:"q1"`
	Q3 float64 `json:"q3"`

	// WakeThreshold is the loudest in-bound level.
	WakeThreshold float64 `json:"wake_threshold"`

	// Threshold is the silence threshold handed to the VAD.
	Threshold float64 `json:"threshold"`

	// Samples is the number of usable frames measured.
	Samples int `json:"samples"`

	// Fallback is true when the floor was used because nothing was measured.
	Fallback bool `json:"fallback"`

	// MeasuredAt is when the profile was computed.
	MeasuredAt time.Time `json:"measured_at"`
}

// Option configures a [Calibrator].
type Option func(*Calibrator)

// WithFrames sets how many frames are sampled.
func WithFrames(n int) Option {
	return func(c *Calibrator) {
		if n > 0 {
			c.frames = n
		}
	}
}

// WithFrameSamples sets the frame size requested from sources that support
// resizing.
func WithFrameSamples(n int) Option {
	return func(c *Calibrator) {
		if n > 0 {
			c.frameSamples = n
		}
	}
}

// WithInterval sets the pause between reads. Zero disables it.
func WithInterval(d time.Duration) Option {
	return func(c *Calibrator) {
		if d >= 0 {
			c.interval = d
		}
	}
}

// WithMargin sets the multiplier applied to the background level.
func WithMargin(m float64) Option {
	return func(c *Calibrator) {
		if m > 0 {
			c.margin = m
		}
	}
}

// WithFloor raises the minimum threshold. Values below [Floor] are ignored.
func WithFloor(f float64) Option {
	return func(c *Calibrator) {
		if f >= Floor {
			c.floor = f
		}
	}
}

// WithGain measures frames after applying the same amplification the VAD
// uses, so that the threshold and the live levels share one scale.
func WithGain(g float64) Option {
	return func(c *Calibrator) {
		if g > 0 {
			c.gain = g
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Calibrator) { c.now = now }
}

// Calibrator measures ambient noise.
type Calibrator struct {
	frames       int
	frameSamples int
	interval     time.Duration
	gain         float64
	now          func() time.Time

	mu     sync.Mutex
	margin float64
	floor  float64
}

// New returns a Calibrator with the given options applied over the defaults.
func New(opts ...Option) *Calibrator {
	c := &Calibrator{
		frames:       DefaultFrames,
		frameSamples: DefaultFrameSamples,
		interval:     DefaultInterval,
		margin:       DefaultMargin,
		floor:        Floor,
		gain:         1,
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Tune replaces the margin and floor used by later calibrations. Values at
// or below zero keep the current setting; floors are clamped to [Floor].
func (c *Calibrator) Tune(margin, floor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if margin > 0 {
		c.margin = margin
	}
	if floor > 0 {
		c.floor = max(floor, Floor)
	}
}

// FrameSamples returns the frame size used while sampling.
func (c *Calibrator) FrameSamples() int { return c.frameSamples }

// Calibrate samples src and returns the resulting profile. Read errors and
// frames without signal are skipped. The only error returned is ctx's.
func (c *Calibrator) Calibrate(ctx context.Context, src audio.Source) (Profile, error) {
	ctx, span := observe.StartSpan(ctx, "calibrate.Calibrate")
	defer span.End()
	log := observe.Logger(ctx)

	audio.SetFrameSamples(src, c.frameSamples)

	levels := make([]float64, 0, c.frames)
	var readErrors int
	for i := range c.frames {
		if i > 0 && c.interval > 0 {
			select {
			case <-ctx.Done():
				return Profile{}, fmt.Errorf("calibrate: %w", ctx.Err())
			case <-time.After(c.interval):
			}
		}
		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Profile{}, fmt.Errorf("calibrate: %w", ctx.Err())
			}
			readErrors++
			log.Warn("calibrate: read frame", "frame", i, "err", err)
			continue
		}
		level, ok := audio.RMS(audio.Amplify(frame.Samples, c.gain))
		if !ok {
			continue
		}
		levels = append(levels, level)
	}

	p := c.Compute(levels)
	span.SetAttributes(
		attribute.Int("samples", p.Samples),
		attribute.Float64("threshold", p.Threshold),
		attribute.Bool("fallback", p.Fallback),
	)
	if p.Fallback {
		log.Warn("calibrate: no usable frames, using floor",
			"frames", c.frames,
			"read_errors", readErrors,
			"threshold", p.Threshold,
		)
		return p, nil
	}
	log.Info("calibrate: noise profile",
		"samples", p.Samples,
		"median", round2(p.Median),
		"wake_threshold", round2(p.WakeThreshold),
		"threshold", round2(p.Threshold),
		"threshold_db", round2(audio.Decibels(p.Threshold)),
	)
	return p, nil
}

// Compute turns measured levels into a profile. An empty input yields the
// floor profile.
func (c *Calibrator) Compute(levels []float64) Profile {
	c.mu.Lock()
	margin, floor := c.margin, c.floor
	c.mu.Unlock()

	p := Profile{MeasuredAt: c.now(), Samples: len(levels)}
	if len(levels) == 0 {
		p.Fallback = true
		p.WakeThreshold = floor
		p.Threshold = floor
		return p
	}

	sorted := slices.Clone(levels)
	slices.Sort(sorted)
	p.Q1 = percentile(sorted, 0.25)
	p.Q3 = percentile(sorted, 0.75)
	iqr := p.Q3 - p.Q1
	lo, hi := p.Q1-iqrFactor*iqr, p.Q3+iqrFactor*iqr

	filtered := sorted[:0:0]
	for _, v := range sorted {
		if v >= lo && v <= hi {
			filtered = append(filtered, v)
		}
	}
	if len(filtered) == 0 {
		filtered = sorted
	}
	p.Median = percentile(filtered, 0.5)
	p.WakeThreshold = filtered[len(filtered)-1]
	p.Threshold = max(p.WakeThreshold*margin, p.Median, floor)
	return p
}

// percentile returns the q-quantile of sorted using linear interpolation
// between closest ranks.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	return math.Round(v*100) / 100
}

// LogValue implements slog.LogValuer.
func (p Profile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("threshold", round2(p.Threshold)),
		slog.Float64("median", round2(p.Median)),
		slog.Int("samples", p.Samples),
		slog.Bool("fallback", p.Fallback),
	)
}
