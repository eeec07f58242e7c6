package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter brings frames into a target [Format]. It is used when the input
// device cannot be opened at the rate the pipeline wants and the source falls
// back to the device's native format. The first mismatch is logged once.
// Create one per stream; it is not safe for concurrent use.
type Converter struct {
	Target Format
	warned sync.Once
}

// Convert returns frame in the target format. Frames already in the target
// format are returned unchanged. Channels are folded down before resampling
// so that only one channel is interpolated.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	if frame.Format() == c.Target {
		return frame
	}
	c.warned.Do(func() {
		slog.Warn("audio: converting input format",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	samples := frame.Samples
	channels := frame.Channels
	if channels != c.Target.Channels {
		samples = Remix(samples, channels, c.Target.Channels)
		channels = c.Target.Channels
	}
	if frame.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, channels, frame.SampleRate, c.Target.SampleRate)
	}
	return AudioFrame{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// Remix converts interleaved samples from one channel count to another.
// Downmixing to mono averages all channels; upmixing from mono duplicates the
// sample into every output channel. Other combinations go through mono.
func Remix(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	mono := samples
	if from != 1 {
		mono = make([]int16, frames)
		for i := range frames {
			var sum int32
			for ch := range from {
				sum += int32(samples[i*from+ch])
			}
			mono[i] = int16(sum / int32(from))
		}
	}
	if to == 1 {
		return mono
	}
	out := make([]int16, frames*to)
	for i, s := range mono[:frames] {
		for ch := range to {
			out[i*to+ch] = s
		}
	}
	return out
}

// Resample converts interleaved samples between sample rates using linear
// interpolation per channel. Invalid rates leave the input untouched.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			a := float64(samples[idx*channels+ch])
			b := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(math.Round(a + (b-a)*frac))
		}
	}
	return out
}
