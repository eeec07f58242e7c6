// Command earshot listens on a microphone, waits for a wake word and turns
// the following speech into transcribed utterances.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/earshot/pkg/provider/stt/openai"
	"github.com/MrWong99/earshot/pkg/provider/stt/remote"
	"github.com/MrWong99/earshot/pkg/provider/stt/whisper"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	"github.com/MrWong99/earshot/pkg/provider/vad/silero"
	"github.com/MrWong99/earshot/pkg/provider/vad/silerohttp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	inputFile := flag.String("input", "", "replay a WAV file instead of opening the input device")
	calibrateOnly := flag.Bool("calibrate-only", false, "measure ambient noise, print the profile and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}
	if *inputFile != "" {
		cfg.Audio.InputFile = *inputFile
		cfg.Audio.Device = ""
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(promhttp.Handler()),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		var devErr *audio.DeviceError
		if errors.As(err, &devErr) {
			fmt.Fprintln(os.Stderr, "earshot: no usable input device; check audio.device or pass -input")
		}
		return 1
	}

	if *calibrateOnly {
		return calibrateAndExit(ctx, application)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.Reload(old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watchConfig(ctx, watcher)
	}

	slog.Info("listening, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// watchConfig polls the config file and re-reads it immediately on SIGHUP.
func watchConfig(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if _, err := w.Reload(); err != nil {
					slog.Warn("config reload rejected, keeping previous config", "err", err)
				}
			}
		}
	}()
	_ = w.Run(ctx)
}

func calibrateAndExit(ctx context.Context, application *app.App) int {
	defer application.Shutdown(context.Background())

	p, err := application.Calibrate(ctx)
	if err != nil {
		slog.Error("calibration failed", "err", err)
		return 1
	}
	fmt.Printf("threshold:      %.1f\n", p.Threshold)
	fmt.Printf("wake threshold: %.1f\n", p.WakeThreshold)
	fmt.Printf("median level:   %.1f\n", p.Median)
	fmt.Printf("samples:        %d\n", p.Samples)
	if p.Fallback {
		fmt.Println("(no usable measurements, floor applied)")
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every shipped backend factory into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if kw := optStrings(entry.Options, "keywords"); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, oaistt.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
			opts = append(opts, oaistt.WithTimeout(d))
		}
		if n := optInt(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, oaistt.WithMaxRetries(n))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("remote", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []remote.Option
		if optBool(entry.Options, "join_segments") {
			opts = append(opts, remote.WithJoinSegments())
		}
		return remote.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.SpeechModel, error) {
		var opts []silero.Option
		if th := optFloat(entry.Options, "threshold"); th > 0 {
			opts = append(opts, silero.WithThreshold(th))
		}
		if ms := optInt(entry.Options, "min_speech_ms"); ms > 0 {
			opts = append(opts, silero.WithMinSpeechMs(ms))
		}
		if ms := optInt(entry.Options, "min_silence_ms"); ms > 0 {
			opts = append(opts, silero.WithMinSilenceMs(ms))
		}
		return silero.New(entry.Model, opts...)
	})

	reg.RegisterVAD("silero-http", func(entry config.ProviderEntry) (vad.SpeechModel, error) {
		var opts []silerohttp.Option
		if th := optFloat(entry.Options, "threshold"); th > 0 {
			opts = append(opts, silerohttp.WithThreshold(th))
		}
		if ms := optInt(entry.Options, "min_speech_ms"); ms > 0 {
			opts = append(opts, silerohttp.WithMinSpeechMs(ms))
		}
		if ms := optInt(entry.Options, "min_silence_ms"); ms > 0 {
			opts = append(opts, silerohttp.WithMinSilenceMs(ms))
		}
		return silerohttp.New(entry.BaseURL, opts...)
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// buildProviders instantiates every backend named in cfg. Entries without a
// language inherit capture.language.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	withLang := func(e config.ProviderEntry) config.ProviderEntry {
		if e.Language == "" {
			e.Language = cfg.Capture.Language
		}
		return e
	}

	p, err := reg.CreateSTT(withLang(cfg.Providers.STT))
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = p
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	for _, fb := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(withLang(fb))
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered, skipping", "kind", "stt", "name", fb.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
		}
		ps.STTFallbacks = append(ps.STTFallbacks, p)
		slog.Info("provider created", "kind", "stt", "name", fb.Name, "role", "fallback")
	}

	if rec := cfg.Wake.Recognizer; rec.Name != "" {
		p, err := reg.CreateSTT(withLang(rec))
		if err != nil {
			return nil, fmt.Errorf("create wake recognizer %q: %w", rec.Name, err)
		}
		ps.Wake = p
		slog.Info("provider created", "kind", "stt", "name", rec.Name, "role", "wake")
	}

	if cfg.VAD.Method == config.VADModel {
		m, err := reg.CreateVAD(cfg.VAD.Model)
		if err != nil {
			return nil, fmt.Errorf("create vad model %q: %w", cfg.VAD.Model.Name, err)
		}
		ps.SpeechModel = m
		slog.Info("provider created", "kind", "vad", "name", cfg.VAD.Model.Name)
	}

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. Returns ""
// if the key is absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optInt accepts the integer and float forms YAML may decode a number into.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func optStrings(opts map[string]any, key string) []string {
	raw, _ := opts[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
