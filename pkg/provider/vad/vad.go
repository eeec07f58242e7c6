// Package vad decides, frame by frame, whether a listening window has gone
// quiet.
//
// An [Engine] creates one [Window] per listening window. The window owns the
// counters for that window only: whether speech has been heard, how many
// consecutive silent frames have passed and how much grace is left after the
// most recent speech. Nothing carries over between windows.
//
// Two engines are provided. [Amplitude] compares the gain-adjusted RMS level of
// each frame against a calibrated threshold. [Model] asks a neural
// [SpeechModel] for speech timestamps and falls back to the amplitude rule for
// any frame the model fails on, continuing the same window counters.
//
// Once a window reports [Decision.IsSilence] it stays silent: further frames
// are ignored and the same decision is returned.
package vad

import (
	"context"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Method names the rule that produced a [Decision].
type Method string

const (
	// MethodAmplitude is the RMS threshold rule.
	MethodAmplitude Method = "amplitude"

	// MethodModel is the speech-timestamp model rule.
	MethodModel Method = "model"
)

// Decision is the verdict for one frame together with the window state after
// that frame.
type Decision struct {
	// IsSilence reports that the window has ended in sustained silence.
	IsSilence bool

	// SpeechDetected reports whether any speech was heard in this window.
	SpeechDetected bool

	// SilentFrames is the number of consecutive silent frames counted after
	// the grace period.
	SilentFrames int

	// Speech reports whether this particular frame was classified as speech.
	Speech bool

	// Level is the gain-adjusted RMS of the frame, or zero when the frame
	// carried no signal or was judged by a model.
	Level float64

	// Method is the rule that judged this frame.
	Method Method
}

// WindowConfig configures a single listening window.
type WindowConfig struct {
	// OnSpeech is called synchronously on the first speech frame of the window.
	OnSpeech func()
}

// Window tracks voice activity across the frames of one listening window.
// A Window is used by a single goroutine.
type Window interface {
	// ProcessFrame judges frame and returns the updated window state.
	ProcessFrame(ctx context.Context, frame audio.AudioFrame) Decision

	// State returns the window state without consuming a frame.
	State() Decision
}

// Engine creates listening windows. Engines are safe for concurrent use.
type Engine interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// NewWindow starts a fresh window with zeroed counters.
	NewWindow(cfg WindowConfig) Window

	// SetThreshold replaces the amplitude threshold used by new and running
	// windows, e.g. after recalibration.
	SetThreshold(threshold float64)

	// Threshold returns the current amplitude threshold.
	Threshold() float64
}

// Segment is a span of detected speech, in seconds from the start of the
// analysed audio.
type Segment struct {
	Start float64
	End   float64
}

// SpeechModel returns speech timestamps for a short block of mono audio.
// Samples are normalised to [-1, 1). Implementations must not keep state
// between calls.
type SpeechModel interface {
	SpeechTimestamps(ctx context.Context, samples []float32, sampleRate int) ([]Segment, error)
}
