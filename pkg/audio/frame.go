// Package audio defines the PCM frame type, the capture and playback contracts
// and the signal helpers shared by every stage of the speech-input pipeline.
//
// Audio flows through the pipeline as [AudioFrame] values holding signed 16-bit
// samples. A [Source] is the only producer of frames; voice-activity detection,
// wake-word spotting and transcription all consume them. Frames are ephemeral:
// they are kept only while a recording window is being buffered.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// rmsClip bounds each sample before squaring so a single clipped burst cannot
// dominate the level of an otherwise quiet frame.
const rmsClip = 32000

// AudioFrame is a fixed-length block of interleaved 16-bit PCM samples.
type AudioFrame struct {
	// Samples holds interleaved signed 16-bit samples.
	Samples []int16

	// SampleRate in Hz (16000 for model VAD and most transcription backends).
	SampleRate int

	// Channels is 1 for mono microphone capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the sample rate and channel layout of f.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration reports how much audio the frame holds. Frames without a valid
// format report zero.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// IsZero reports whether the frame carries no signal at all: either no samples
// or every sample equal to zero. Such frames have no meaningful level.
func (f AudioFrame) IsZero() bool {
	for _, s := range f.Samples {
		if s != 0 {
			return false
		}
	}
	return true
}

// RMS returns the root-mean-square level of the frame in raw 16-bit units.
// Samples are clipped to ±32000 first. The second result is false when the
// frame is empty or all zeros, in which case the level is unusable.
func (f AudioFrame) RMS() (float64, bool) {
	return RMS(f.Samples)
}

// RMS computes the root-mean-square level of samples. See [AudioFrame.RMS].
func RMS(samples []int16) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var sum float64
	nonZero := false
	for _, s := range samples {
		v := float64(s)
		if v > rmsClip {
			v = rmsClip
		} else if v < -rmsClip {
			v = -rmsClip
		}
		if v != 0 {
			nonZero = true
		}
		sum += v * v
	}
	if !nonZero {
		return 0, false
	}
	return math.Sqrt(sum / float64(len(samples))), true
}

// Amplify returns a copy of samples multiplied by gain and saturated to the
// int16 range. A gain of 1 still copies.
func Amplify(samples []int16, gain float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = saturate(float64(s) * gain)
	}
	return out
}

// Float32 converts samples to normalised float32 in [-1, 1), the layout
// expected by neural speech models.
func Float32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Bytes encodes samples as little-endian 16-bit PCM.
func Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// FromBytes decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func FromBytes(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Decibels converts a raw RMS level to dBFS-style decibels (20·log10). Levels
// at or below zero report negative infinity.
func Decibels(level float64) float64 {
	if level <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(level)
}

func saturate(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
