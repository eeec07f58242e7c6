package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/internal/calibrate"
	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/wakeword"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "deepgram", "openai", "remote"},
	"vad": {"silero", "silero-http"},
}

// Defaults.
const (
	DefaultSampleRate   = 16000
	DefaultJournalQueue = 256
	DefaultNATSQueue    = 256
	DefaultNATSPrefix   = "earshot"
)

// Load reads the YAML configuration file at path from the OS file system.
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS reads the YAML configuration file at path from fsys and returns a
// defaulted, validated [Config].
func LoadFS(fsys afero.Fs, path string) (*Config, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}

	c := &cfg.Calibration
	if c.Frames == 0 {
		c.Frames = calibrate.DefaultFrames
	}
	if c.FrameSamples == 0 {
		c.FrameSamples = calibrate.DefaultFrameSamples
	}
	if c.Interval == 0 {
		c.Interval = calibrate.DefaultInterval
	}
	if c.Margin == 0 {
		c.Margin = calibrate.DefaultMargin
	}
	if c.Floor == 0 {
		c.Floor = calibrate.Floor
	}

	v := &cfg.VAD
	if v.Method == "" {
		v.Method = VADAmplitude
	}
	if v.Gain == 0 {
		v.Gain = vad.DefaultGain
	}
	if v.GraceFrames == nil {
		g := vad.DefaultGraceFrames
		v.GraceFrames = &g
	}
	if v.SpeechDelay == 0 {
		v.SpeechDelay = vad.DefaultSpeechDelay
	}
	if v.Threshold == 0 {
		v.Threshold = vad.DefaultThreshold
	}

	w := &cfg.Wake
	if len(w.Table) == 0 {
		w.Table = wakeword.DefaultEntries()
	}
	if w.MaxPhrase == 0 {
		w.MaxPhrase = wakeword.DefaultMaxPhrase
	}
	if w.FrameSamples == 0 {
		w.FrameSamples = wakeword.DefaultFrameSamples
	}
	if w.MaxFrames == 0 {
		w.MaxFrames = wakeword.DefaultMaxFrames
	}
	if w.Responses == nil {
		w.Responses = slices.Clone(conversation.DefaultWakeResponses)
	}

	p := &cfg.Capture
	if p.MaxRecordingFrames == 0 {
		p.MaxRecordingFrames = capture.DefaultMaxFrames
	}
	if p.FrameSamples == 0 {
		p.FrameSamples = capture.DefaultFrameSamples
	}
	if p.TranscribeTimeout == 0 {
		p.TranscribeTimeout = conversation.DefaultTranscribeTimeout
	}

	if cfg.Journal.Driver != "" && cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = DefaultJournalQueue
	}
	if cfg.NATS.URL != "" {
		if cfg.NATS.SubjectPrefix == "" {
			cfg.NATS.SubjectPrefix = DefaultNATSPrefix
		}
		if cfg.NATS.QueueSize == 0 {
			cfg.NATS.QueueSize = DefaultNATSQueue
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.InputFile != "" && cfg.Audio.Device != "" {
		errs = append(errs, errors.New("audio.input_file and audio.device are mutually exclusive"))
	}

	c := cfg.Calibration
	if c.Frames < 0 {
		errs = append(errs, fmt.Errorf("calibration.frames %d must not be negative", c.Frames))
	}
	if c.Margin < 0 {
		errs = append(errs, fmt.Errorf("calibration.margin %.2f must be positive", c.Margin))
	}
	if c.Floor != 0 && c.Floor < calibrate.Floor {
		errs = append(errs, fmt.Errorf("calibration.floor %.2f is below the minimum of %.0f", c.Floor, float64(calibrate.Floor)))
	}
	if c.MaxProfileAge > 0 && c.ProfilePath == "" {
		slog.Warn("calibration.max_profile_age is set but calibration.profile_path is empty; profiles will not be cached")
	}

	v := cfg.VAD
	if v.Method != "" && !v.Method.IsValid() {
		errs = append(errs, fmt.Errorf("vad.method %q is invalid; valid values: amplitude, model", v.Method))
	}
	if v.Method == VADModel && v.Model.Name == "" {
		errs = append(errs, errors.New("vad.model.name is required when vad.method is model"))
	}
	if v.Gain < 0 {
		errs = append(errs, fmt.Errorf("vad.gain %.2f must be positive", v.Gain))
	}
	if v.GraceFrames != nil && *v.GraceFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.grace_frames %d must not be negative", *v.GraceFrames))
	}
	if v.SpeechDelay < 0 {
		errs = append(errs, fmt.Errorf("vad.speech_delay %.2f must not be negative", v.SpeechDelay))
	}
	validateProviderName("vad", v.Model.Name)

	if len(cfg.Wake.Table) > 0 {
		if _, err := wakeword.NewTable(cfg.Wake.Table); err != nil {
			errs = append(errs, fmt.Errorf("wake.table: %w", err))
		}
	}
	if th := cfg.Wake.PhoneticThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("wake.phonetic_threshold %.2f is out of range [0, 1]", th))
	}
	if th := cfg.Wake.FuzzyThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("wake.fuzzy_threshold %.2f is out of range [0, 1]", th))
	}
	validateProviderName("stt", cfg.Wake.Recognizer.Name)

	if cfg.Capture.MaxRecordingFrames < 0 {
		errs = append(errs, fmt.Errorf("capture.max_recording_frames %d must not be negative", cfg.Capture.MaxRecordingFrames))
	}
	if cfg.Capture.TranscribeTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.transcribe_timeout %s must not be negative", cfg.Capture.TranscribeTimeout))
	}

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}

	if cfg.Journal.Driver != "" {
		if !cfg.Journal.Driver.IsValid() {
			errs = append(errs, fmt.Errorf("journal.driver %q is invalid; valid values: sqlite, postgres", cfg.Journal.Driver))
		}
		if cfg.Journal.DSN == "" {
			errs = append(errs, errors.New("journal.dsn is required when journal.driver is set"))
		}
	}

	errs = append(errs,
		checkURL("nats.url", cfg.NATS.URL),
		checkURL("presence.stop_url", cfg.Presence.StopURL),
		checkURL("presence.start_url", cfg.Presence.StartURL),
	)

	return errors.Join(errs...)
}

func checkURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q is not an absolute URL", field, raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
