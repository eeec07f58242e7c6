// Package dispatch is the only way the speech core talks to collaborators.
//
// The conversation machine emits [Event] values through a [Dispatcher].
// Handlers run synchronously on the machine's worker goroutine, in
// registration order, so a slow handler delays capture. Collaborators that do
// I/O wrap themselves in an [Async] queue instead.
package dispatch

import (
	"time"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Kind names an event type.
type Kind string

const (
	// KindWakeDetected fires when an identity was addressed.
	KindWakeDetected Kind = "wake_detected"

	// KindUtteranceReady carries a transcribed utterance.
	KindUtteranceReady Kind = "utterance_ready"

	// KindSilenceEscalation fires for ladder levels 1, 2 and 4.
	KindSilenceEscalation Kind = "silence_escalation"

	// KindShutdownComplete fires once after the worker released the source.
	KindShutdownComplete Kind = "shutdown_complete"

	// KindSpeechStarted fires at the first speech frame of a listening window.
	KindSpeechStarted Kind = "speech_started"

	// KindStateChanged fires on every state transition.
	KindStateChanged Kind = "state_changed"
)

// Kinds lists every kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindWakeDetected,
		KindUtteranceReady,
		KindSilenceEscalation,
		KindShutdownComplete,
		KindSpeechStarted,
		KindStateChanged,
	}
}

// Escalation levels.
const (
	LevelCheckIn   = 1
	LevelFollowUp  = 2
	LevelAntiSleep = 4
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind          `json:"kind"`
	Identity string        `json:"identity,omitempty"`
	Text     string        `json:"text,omitempty"`
	Response string        `json:"response,omitempty"`
	Words    []stt.Word    `json:"words,omitempty"`
	Level    int           `json:"level,omitempty"`
	State    string        `json:"state,omitempty"`
	Previous string        `json:"previous,omitempty"`
	Provider string        `json:"provider,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}
