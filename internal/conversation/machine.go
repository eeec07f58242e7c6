// Package conversation drives turn-taking for the speech core.
//
// A [Machine] owns the audio source and runs a single worker goroutine that
// alternates between two states. While sleeping it runs wake-word attempts;
// a match moves it to listening. While listening it records one VAD-bounded
// window at a time, hands the recording to the transcription backend and
// dispatches the utterance. Windows without speech feed the silence ladder:
//
//	1st silent window  -> silence_escalation level 1 (check-in)
//	2nd silent window  -> silence_escalation level 2 (follow-up)
//	3rd silent window  -> nothing
//	4th silent window  -> silence_escalation level 4 (anti-sleep), counter 0
//
// The machine stays listening after level 4 unless configured otherwise.
// Session counters are only ever written by the worker. Collaborators talk
// back through [Machine.Post]; [Machine.Stop] requests a cooperative
// shutdown that is observed between frames.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/MrWong99/earshot/internal/calibrate"
	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/wakeword"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// State is a conversation state.
type State string

const (
	// StateSleeping waits for a wake word.
	StateSleeping State = "sleeping"

	// StateListening records and transcribes utterances.
	StateListening State = "listening"
)

const (
	eventWake  = "wake"
	eventSleep = "sleep"
)

// DefaultTranscribeTimeout is added to the longest possible recording to
// bound one backend call.
const DefaultTranscribeTimeout = 15 * time.Second

// Indicator tones.
const (
	sleepToneHz     = 400
	sleepToneVolume = 0.6
	wakeToneHz      = 1200
	wakeToneVolume  = 0.8
	toneLength      = 100 * time.Millisecond
)

// DefaultWakeResponses are the acknowledgements attached to wake events.
var DefaultWakeResponses = []string{
	"Oh, kijk eens aan... je riep me?",
	"Duurt lang hoor. Wat is er?",
	"Eindelijk! Dacht al dat je me vergeten was.",
	"Oh? Heb je me dan toch nodig?",
	"Vraag maar raak, ik ben toch al bezig met niks.",
	"O ja hoor, wat wil je nu weer?",
	"Je hebt al mijn aandacht... lucky you.",
	"Je riep? Wat een eer.",
}

// Config holds the collaborators of a [Machine]. Source, Engine, Detector,
// Recorder, Provider and Dispatcher are required.
type Config struct {
	Source     audio.Source
	Engine     vad.Engine
	Detector   *wakeword.Detector
	Recorder   *capture.Recorder
	Provider   stt.Provider
	Dispatcher *dispatch.Dispatcher

	// Calibrator measures ambient noise before the first window and on
	// recalibration requests. Nil keeps the engine's threshold.
	Calibrator *calibrate.Calibrator

	// Profiles caches the startup calibration. Optional.
	Profiles *calibrate.Store

	// Player plays indicator tones. Nil disables them.
	Player audio.Player

	// Normalizer rewrites wake-word misspellings in utterances. Optional.
	Normalizer *wakeword.Normalizer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option configures a [Machine].
type Option func(*Machine)

// WithSleepAfterAntiSleep makes the machine return to sleeping after the
// anti-sleep escalation has been dispatched.
func WithSleepAfterAntiSleep(on bool) Option {
	return func(m *Machine) { m.sleepAfterAntiSleep = on }
}

// WithTranscribeTimeout sets the grace added to the longest recording when
// bounding a backend call.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.transcribeTimeout = d
		}
	}
}

// WithLanguage sets the language hint passed to the backend.
func WithLanguage(lang string) Option {
	return func(m *Machine) { m.language = lang }
}

// WithWakeResponses replaces the acknowledgements picked at random for wake
// events. An empty list disables them.
func WithWakeResponses(responses []string) Option {
	return func(m *Machine) { m.responses = responses }
}

// WithStartListening starts the machine listening on behalf of identity
// instead of waiting for a wake word.
func WithStartListening(identity string) Option {
	return func(m *Machine) { m.startIdentity = identity }
}

// Intent is a request from a collaborator.
type Intent int

const (
	// IntentResetSilence zeroes the silence counter. It applies immediately,
	// even in the middle of a window.
	IntentResetSilence Intent = iota + 1

	// IntentRecalibrate re-measures ambient noise before the next window.
	IntentRecalibrate

	// IntentSleep returns to sleeping after the current window.
	IntentSleep
)

// String implements fmt.Stringer.
func (i Intent) String() string {
	switch i {
	case IntentResetSilence:
		return "reset_silence"
	case IntentRecalibrate:
		return "recalibrate"
	case IntentSleep:
		return "sleep"
	default:
		return fmt.Sprintf("Intent(%d)", int(i))
	}
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	State        State             `json:"state"`
	Identity     string            `json:"identity,omitempty"`
	SilenceCount int               `json:"silence_count"`
	Windows      int               `json:"windows"`
	Utterances   int               `json:"utterances"`
	Threshold    float64           `json:"threshold"`
	Profile      calibrate.Profile `json:"profile"`
}

// Machine is the conversation state machine.
type Machine struct {
	src        audio.Source
	engine     vad.Engine
	detector   *wakeword.Detector
	recorder   *capture.Recorder
	provider   stt.Provider
	dispatcher *dispatch.Dispatcher
	calibrator *calibrate.Calibrator
	profiles   *calibrate.Store
	player     audio.Player
	normalizer *wakeword.Normalizer
	metrics    *observe.Metrics

	sleepAfterAntiSleep bool
	transcribeTimeout   time.Duration
	language            string
	responses           []string
	startIdentity       string

	fsm     *fsm.FSM
	intents chan Intent
	stopped atomic.Bool
	ran     atomic.Bool
	ready   atomic.Bool

	// pending holds intents deferred to the next loop boundary. Worker only.
	pending []Intent

	mu         sync.Mutex
	identity   string
	silence    int
	windows    int
	utterances int
	profile    calibrate.Profile
}

// New validates cfg and returns a sleeping Machine.
func New(cfg Config, opts ...Option) (*Machine, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if cfg.Engine == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if cfg.Detector == nil {
		errs = append(errs, errors.New("wake detector is required"))
	}
	if cfg.Recorder == nil {
		errs = append(errs, errors.New("recorder is required"))
	}
	if cfg.Provider == nil {
		errs = append(errs, errors.New("transcription provider is required"))
	}
	if cfg.Dispatcher == nil {
		errs = append(errs, errors.New("dispatcher is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}

	m := &Machine{
		src:               cfg.Source,
		engine:            cfg.Engine,
		detector:          cfg.Detector,
		recorder:          cfg.Recorder,
		provider:          cfg.Provider,
		dispatcher:        cfg.Dispatcher,
		calibrator:        cfg.Calibrator,
		profiles:          cfg.Profiles,
		player:            cfg.Player,
		normalizer:        cfg.Normalizer,
		metrics:           cfg.Metrics,
		transcribeTimeout: DefaultTranscribeTimeout,
		responses:         DefaultWakeResponses,
		intents:           make(chan Intent, 16),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}

	initial := StateSleeping
	if m.startIdentity != "" {
		initial = StateListening
		m.identity = m.startIdentity
	}
	m.fsm = fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventWake, Src: []string{string(StateSleeping)}, Dst: string(StateListening)},
			{Name: eventSleep, Src: []string{string(StateListening)}, Dst: string(StateSleeping)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.entered(ctx, State(e.Src), State(e.Dst))
			},
		},
	)
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.fsm.Current())
}

// Snapshot returns a copy of the session state. Safe from any goroutine.
func (m *Machine) Snapshot() Snapshot {
	state := m.State()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:        state,
		Identity:     m.identity,
		SilenceCount: m.silence,
		Windows:      m.windows,
		Utterances:   m.utterances,
		Threshold:    m.engine.Threshold(),
		Profile:      m.profile,
	}
}

// Stop asks the worker to finish. It returns immediately; Run returns once
// the current frame has been handled.
func (m *Machine) Stop() {
	m.stopped.Store(true)
}

// Stopping reports whether Stop has been called. The wake detector polls it
// between frames.
func (m *Machine) Stopping() bool {
	return m.stopped.Load()
}

// Ready reports whether the worker has finished its startup calibration and
// is still running.
func (m *Machine) Ready() bool {
	return m.ready.Load()
}

// Post queues an intent for the worker. It reports false when the queue is
// full.
func (m *Machine) Post(i Intent) bool {
	select {
	case m.intents <- i:
		return true
	default:
		observe.Logger(context.Background()).Warn("conversation: intent queue full, dropping", "intent", i.String())
		return false
	}
}

// Run is the worker loop. It calibrates, then alternates between wake
// detection and listening until ctx ends, Stop is called or the source runs
// dry. The source is closed and shutdown_complete is dispatched on every
// exit path. Run may only be called once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.ran.CompareAndSwap(false, true) {
		return errors.New("conversation: Run called twice")
	}
	log := observe.Logger(ctx)
	defer func() {
		if cerr := m.src.Close(); cerr != nil {
			log.Warn("conversation: close audio source", "err", cerr)
		}
		// Collaborators still receive shutdown_complete after cancellation.
		m.dispatcher.Shutdown(context.WithoutCancel(ctx))
		log.Info("conversation: worker stopped")
	}()

	if m.calibrator != nil {
		if err := m.calibrate(ctx, true); err != nil {
			return m.exitErr(ctx, err)
		}
	}
	m.metrics.RecordState(ctx, m.fsm.Is(string(StateListening)))
	if m.fsm.Is(string(StateSleeping)) {
		// Announce the initial sleep like any later one so collaborators
		// such as the presence hooks see it. Previous stays empty.
		m.dispatcher.Emit(ctx, dispatch.Event{Kind: dispatch.KindStateChanged, State: string(StateSleeping)})
		m.tone(ctx, sleepToneHz, sleepToneVolume)
	}
	m.ready.Store(true)
	defer m.ready.Store(false)
	log.Info("conversation: worker started", "state", m.fsm.Current(), "threshold", m.engine.Threshold())

	for !m.Stopping() && ctx.Err() == nil {
		if err := m.boundary(ctx); err != nil {
			return m.exitErr(ctx, err)
		}
		if m.Stopping() {
			break
		}
		var err error
		if m.fsm.Is(string(StateSleeping)) {
			err = m.sleepStep(ctx)
		} else {
			err = m.listenStep(ctx)
		}
		if err != nil {
			return m.exitErr(ctx, err)
		}
	}
	return nil
}

// exitErr maps worker errors to Run's result. Cancellation, a requested stop
// and an exhausted replay are normal ends.
func (m *Machine) exitErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil, errors.Is(err, io.EOF):
		return nil
	case m.Stopping() && errors.Is(err, audio.ErrClosed):
		return nil
	default:
		return fmt.Errorf("conversation: %w", err)
	}
}

func (m *Machine) sleepStep(ctx context.Context) error {
	match, ok, err := m.detector.Detect(ctx, m.src)
	if err != nil {
		return err
	}
	if !ok || m.Stopping() {
		return nil
	}
	m.wake(ctx, match)
	return nil
}

func (m *Machine) wake(ctx context.Context, match wakeword.Match) {
	m.tone(ctx, wakeToneHz, wakeToneVolume)

	m.mu.Lock()
	m.identity = match.Identity
	m.silence = 0
	m.mu.Unlock()

	if err := m.fsm.Event(ctx, eventWake); err != nil {
		observe.Logger(ctx).Error("conversation: wake transition", "err", err)
		return
	}
	m.metrics.RecordWake(ctx, match.Identity, match.Phonetic)

	var response string
	if len(m.responses) > 0 {
		response = m.responses[rand.IntN(len(m.responses))]
	}
	observe.Logger(ctx).Info("conversation: wake word detected",
		"identity", match.Identity,
		"text", match.Text,
		"phonetic", match.Phonetic,
		"score", match.Score,
	)
	m.dispatcher.Emit(ctx, dispatch.Event{
		Kind:     dispatch.KindWakeDetected,
		Identity: match.Identity,
		Text:     match.Text,
		Response: response,
	})
}

func (m *Machine) listenStep(ctx context.Context) error {
	res, err := m.recorder.Record(ctx, m.src, capture.Window{
		OnSpeech:      func() { m.speechStarted(ctx) },
		Stopped:       m.Stopping,
		BetweenFrames: func() { m.drain(ctx) },
		Language:      m.language,
	})
	if err != nil {
		return err
	}
	m.metrics.RecordWindow(ctx, res.End.String(), res.ReadErrors)
	m.mu.Lock()
	m.windows++
	m.mu.Unlock()
	if res.End == capture.EndStopped {
		return nil
	}

	result := m.transcribe(ctx, res.Recording)
	if result.NoSpeech() {
		m.escalate(ctx)
		return nil
	}

	if m.normalizer != nil {
		result.Text = m.normalizer.Normalize(result.Text)
	}
	m.mu.Lock()
	m.silence = 0
	m.utterances++
	identity := m.identity
	m.mu.Unlock()

	m.metrics.RecordUtterance(ctx, identity)
	observe.Logger(ctx).Info("conversation: utterance ready",
		"identity", identity,
		"text", result.Text,
		"provider", result.Provider,
		"frames", res.Recording.Frames,
		"audio", res.Recording.Duration(),
	)
	m.dispatcher.Utterance(ctx, identity, result, res.Recording.Duration())
	return nil
}

// speechStarted runs inside the window at the first speech frame.
func (m *Machine) speechStarted(ctx context.Context) {
	m.mu.Lock()
	prev := m.silence
	m.silence = 0
	identity := m.identity
	m.mu.Unlock()
	if prev > 0 {
		observe.Logger(ctx).Debug("conversation: speech resets silence counter", "was", prev)
	}
	m.dispatcher.Emit(ctx, dispatch.Event{Kind: dispatch.KindSpeechStarted, Identity: identity})
}

// transcribe calls the backend once for the window. Failures and overruns
// are logged and reported as no speech.
func (m *Machine) transcribe(ctx context.Context, rec stt.Recording) stt.Result {
	name := m.provider.Name()
	ctx, span := observe.StartSpan(ctx, "conversation.transcribe")
	defer span.End()

	budget := m.recorder.MaxDuration(rec.SampleRate) + m.transcribeTimeout
	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	res, err := m.provider.Transcribe(tctx, rec)
	elapsed := time.Since(start)
	if err != nil {
		kind := "error"
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			kind = "timeout"
		}
		span.RecordError(err)
		m.metrics.RecordProviderError(ctx, name, kind)
		m.metrics.RecordTranscription(ctx, name, kind, elapsed.Seconds())
		observe.Logger(ctx).Warn("conversation: transcription failed, treating as no speech",
			"provider", name,
			"frames", rec.Frames,
			"elapsed", elapsed,
			"budget", budget,
			"err", err,
		)
		return stt.Result{}
	}

	status := "ok"
	if res.NoSpeech() {
		status = "no_speech"
	}
	m.metrics.RecordTranscription(ctx, name, status, elapsed.Seconds())
	if res.Provider == "" {
		res.Provider = name
	}
	return res
}

// escalate advances the silence ladder after a window without speech.
func (m *Machine) escalate(ctx context.Context) {
	m.mu.Lock()
	m.silence++
	count := m.silence
	identity := m.identity
	level := 0
	switch {
	case count == 1:
		level = dispatch.LevelCheckIn
	case count == 2:
		level = dispatch.LevelFollowUp
	case count >= 4:
		level = dispatch.LevelAntiSleep
		m.silence = 0
	}
	m.mu.Unlock()

	log := observe.Logger(ctx)
	if level == 0 {
		log.Debug("conversation: silent window", "count", count)
		return
	}
	log.Info("conversation: silence escalation", "identity", identity, "level", level)
	m.metrics.RecordEscalation(ctx, level)
	m.dispatcher.Escalation(ctx, identity, level)

	if level == dispatch.LevelAntiSleep && m.sleepAfterAntiSleep {
		m.sleep(ctx)
	}
}

func (m *Machine) sleep(ctx context.Context) {
	if !m.fsm.Is(string(StateListening)) {
		return
	}
	if err := m.fsm.Event(ctx, eventSleep); err != nil {
		observe.Logger(ctx).Error("conversation: sleep transition", "err", err)
	}
}

// entered runs on every transition.
func (m *Machine) entered(ctx context.Context, from, to State) {
	m.mu.Lock()
	if to == StateSleeping {
		m.silence = 0
	}
	identity := m.identity
	m.mu.Unlock()

	m.metrics.RecordState(ctx, to == StateListening)
	observe.Logger(ctx).Info("conversation: state changed", "from", from, "to", to, "identity", identity)
	m.dispatcher.Emit(ctx, dispatch.Event{
		Kind:     dispatch.KindStateChanged,
		Identity: identity,
		State:    string(to),
		Previous: string(from),
	})
	if to == StateSleeping {
		m.tone(ctx, sleepToneHz, sleepToneVolume)
	}
}

// drain handles queued intents between frames. Only the silence reset takes
// effect mid-window; everything else waits for the loop boundary.
func (m *Machine) drain(ctx context.Context) {
	for {
		select {
		case i := <-m.intents:
			if i == IntentResetSilence {
				m.resetSilence(ctx)
				continue
			}
			m.pending = append(m.pending, i)
		default:
			return
		}
	}
}

// boundary applies every intent that is due between windows.
func (m *Machine) boundary(ctx context.Context) error {
	m.drain(ctx)
	pending := m.pending
	m.pending = nil
	for _, i := range pending {
		switch i {
		case IntentSleep:
			m.sleep(ctx)
		case IntentRecalibrate:
			if m.calibrator == nil {
				observe.Logger(ctx).Warn("conversation: recalibration requested without a calibrator")
				continue
			}
			if err := m.calibrate(ctx, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) resetSilence(ctx context.Context) {
	m.mu.Lock()
	m.silence = 0
	m.mu.Unlock()
	observe.Logger(ctx).Debug("conversation: silence counter reset by collaborator")
}

// calibrate measures ambient noise and pushes the threshold into the engine.
// With useCache a fresh stored profile replaces the measurement.
func (m *Machine) calibrate(ctx context.Context, useCache bool) error {
	log := observe.Logger(ctx)
	if useCache && m.profiles != nil {
		p, ok, err := m.profiles.Load()
		if err != nil {
			log.Warn("conversation: load noise profile", "err", err)
		}
		if ok {
			log.Info("conversation: reusing stored noise profile", "profile", p)
			m.applyProfile(ctx, p)
			return nil
		}
	}

	start := time.Now()
	p, err := m.calibrator.Calibrate(ctx, m.src)
	if err != nil {
		return err
	}
	m.metrics.CalibrationDuration.Record(ctx, time.Since(start).Seconds())
	m.applyProfile(ctx, p)
	if m.profiles != nil {
		if err := m.profiles.Save(p); err != nil {
			log.Warn("conversation: save noise profile", "err", err)
		}
	}
	return nil
}

func (m *Machine) applyProfile(ctx context.Context, p calibrate.Profile) {
	m.engine.SetThreshold(p.Threshold)
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
	m.metrics.RecordThreshold(ctx, p.Threshold)
}

// tone plays an indicator. Failures are logged only.
func (m *Machine) tone(ctx context.Context, hz, volume float64) {
	if m.player == nil {
		return
	}
	rate := m.src.Format().SampleRate
	if err := m.player.Play(ctx, audio.Tone(hz, toneLength, rate, volume)); err != nil {
		observe.Logger(ctx).Warn("conversation: play indicator", "hz", hz, "err", err)
	}
}
