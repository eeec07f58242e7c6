// Package stt defines the contract for transcription backends.
//
// A backend receives one [Recording]: the audio of a single listening window,
// bounded by voice-activity silence or the maximum recording length, plus a
// flag saying whether any speech was heard. It returns the decoded text, or an
// empty [Result] meaning "no speech". Backends are black boxes; the pipeline
// only cares about text and optional word timing.
//
// Exactly one backend is chosen from configuration at startup. Failover between
// several backends is layered on top by the resilience package.
package stt

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Provider is a transcription backend.
//
// Transcribe must honour ctx: the caller bounds every call with a deadline and
// treats an overrun as a failure for that window only. When
// [Recording.SpeechDetected] is false, implementations must return an empty
// Result without contacting the backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name identifies the backend in logs and metrics, e.g. "whisper".
	Name() string

	// Transcribe decodes rec.
	Transcribe(ctx context.Context, rec Recording) (Result, error)
}

// Recording is the audio captured during one listening window.
type Recording struct {
	// Samples holds mono 16-bit PCM from the first speech frame onwards.
	Samples []int16

	// SampleRate of Samples in Hz.
	SampleRate int

	// SpeechDetected reports whether voice activity was seen in the window.
	SpeechDetected bool

	// Frames is how many frames the window consumed, including frames read
	// before speech began.
	Frames int

	// Elapsed is the wall time spent recording.
	Elapsed time.Duration

	// Language is an optional BCP-47 hint, e.g. "nl".
	Language string
}

// Duration returns the length of the buffered audio.
func (r Recording) Duration() time.Duration {
	return audio.AudioFrame{Samples: r.Samples, SampleRate: r.SampleRate, Channels: 1}.Duration()
}

// Empty reports whether the recording should skip the backend entirely.
func (r Recording) Empty() bool {
	return !r.SpeechDetected || len(r.Samples) == 0
}

// Result is the outcome of a transcription. The zero value means no speech.
type Result struct {
	// Text is the decoded utterance, trimmed.
	Text string

	// Words carries per-word or per-segment timing when the backend reports it.
	Words []Word

	// Confidence is an overall score in [0, 1], or zero when not reported.
	Confidence float64

	// Provider names the backend that produced the result.
	Provider string
}

// NoSpeech reports whether the result carries no text.
func (r Result) NoSpeech() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Word is timing detail for one word or segment of the utterance.
type Word struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// JoinText concatenates word texts with single spaces. Backends that only
// return segments use it to build [Result.Text].
func JoinText(words []Word) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if t := strings.TrimSpace(w.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
