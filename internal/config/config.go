// Package config provides the configuration schema, loader, provider registry
// and file watcher for earshot.
package config

import (
	"time"

	"github.com/MrWong99/earshot/internal/wakeword"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// VADMethod selects the voice activity rule.
type VADMethod string

const (
	// VADAmplitude compares the gain-adjusted RMS against the calibrated
	// threshold.
	VADAmplitude VADMethod = "amplitude"

	// VADModel asks a speech-timestamp model and falls back to the amplitude
	// rule when the model fails.
	VADModel VADMethod = "model"
)

// IsValid reports whether m is a recognised method.
func (m VADMethod) IsValid() bool {
	return m == VADAmplitude || m == VADModel
}

// JournalDriver selects the event journal backend.
type JournalDriver string

const (
	JournalSQLite   JournalDriver = "sqlite"
	JournalPostgres JournalDriver = "postgres"
)

// IsValid reports whether d is a recognised driver.
func (d JournalDriver) IsValid() bool {
	return d == JournalSQLite || d == JournalPostgres
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load], [LoadFS] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Calibration CalibrationConfig `yaml:"calibration"`
	VAD         VADConfig         `yaml:"vad"`
	Wake        WakeConfig        `yaml:"wake"`
	Capture     CaptureConfig     `yaml:"capture"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Journal     JournalConfig     `yaml:"journal"`
	NATS        NATSConfig        `yaml:"nats"`
	Presence    PresenceConfig    `yaml:"presence"`
}

// ServerConfig holds the diagnostics server and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables the
	// server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig configures the input device.
type AudioConfig struct {
	// SampleRate is the rate frames are delivered at. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Device names the input device. Empty selects the default device.
	Device string `yaml:"device"`

	// DeviceFallback opens the device at its native rate when SampleRate is
	// rejected and converts frames in software.
	DeviceFallback bool `yaml:"device_fallback"`

	// InputFile replays a WAV file instead of opening a device.
	InputFile string `yaml:"input_file"`

	// TrailingSilence keeps feeding silent frames once InputFile is
	// exhausted instead of ending the run.
	TrailingSilence bool `yaml:"trailing_silence"`
}

// CalibrationConfig configures the noise calibrator.
type CalibrationConfig struct {
	Frames       int           `yaml:"frames"`
	FrameSamples int           `yaml:"frame_samples"`
	Interval     time.Duration `yaml:"interval"`

	// Margin multiplies the background level. Default: 3.5.
	Margin float64 `yaml:"margin"`

	// Floor is the minimum threshold. Default and minimum: 10.
	Floor float64 `yaml:"floor"`

	// ProfilePath caches the measured profile. Empty disables the cache.
	ProfilePath string `yaml:"profile_path"`

	// MaxProfileAge is how long a cached profile is reused.
	MaxProfileAge time.Duration `yaml:"max_profile_age"`
}

// VADConfig configures voice activity detection.
type VADConfig struct {
	Method      VADMethod `yaml:"method"`
	Gain        float64   `yaml:"gain"`
	GraceFrames *int      `yaml:"grace_frames"`
	SpeechDelay float64   `yaml:"speech_delay"`

	// Threshold is used until calibration finishes.
	Threshold float64 `yaml:"threshold"`

	// Model selects the speech model for method "model".
	Model ProviderEntry `yaml:"model"`
}

// WakeConfig configures wake-word detection.
type WakeConfig struct {
	// Table maps identities to variants. Empty selects the built-in table.
	Table []wakeword.Entry `yaml:"table"`

	PhoneticFallback    bool    `yaml:"phonetic_fallback"`
	PhoneticThreshold   float64 `yaml:"phonetic_threshold"`
	FuzzyThreshold      float64 `yaml:"fuzzy_threshold"`
	NormalizeUtterances bool    `yaml:"normalize_utterances"`

	// Indicators plays tones on entering sleep and after a match.
	Indicators bool `yaml:"indicators"`

	// Responses replaces the acknowledgements attached to wake events.
	Responses []string `yaml:"responses"`

	MaxPhrase    time.Duration `yaml:"max_phrase"`
	FrameSamples int           `yaml:"frame_samples"`
	MaxFrames    int           `yaml:"max_frames"`

	// Recognizer selects the backend that transcribes wake phrases. Empty
	// uses providers.stt.
	Recognizer ProviderEntry `yaml:"recognizer"`
}

// CaptureConfig configures listening windows.
type CaptureConfig struct {
	MaxRecordingFrames int           `yaml:"max_recording_frames"`
	FrameSamples       int           `yaml:"frame_samples"`
	TranscribeTimeout  time.Duration `yaml:"transcribe_timeout"`
	Language           string        `yaml:"language"`
}

// EscalationConfig configures the silence ladder.
type EscalationConfig struct {
	// SleepAfterAntiSleep returns to sleeping once level 4 has fired.
	SleepAfterAntiSleep bool `yaml:"sleep_after_anti_sleep"`
}

// ProvidersConfig selects transcription backends.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when STT fails or its circuit is open.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
}

// ProviderEntry is the configuration block shared by all provider types.
// Name selects the factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g. "whisper").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider.
	Model string `yaml:"model"`

	// Language overrides capture.language for this provider.
	Language string `yaml:"language"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// JournalConfig configures the event journal. An empty driver disables it.
type JournalConfig struct {
	Driver JournalDriver `yaml:"driver"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn"`

	// QueueSize bounds events waiting to be written.
	QueueSize int `yaml:"queue_size"`
}

// NATSConfig configures the event publisher. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueSize     int    `yaml:"queue_size"`
}

// PresenceConfig configures the stop/start talking hooks.
type PresenceConfig struct {
	StopURL  string `yaml:"stop_url"`
	StartURL string `yaml:"start_url"`
}
