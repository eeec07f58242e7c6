// Package app wires the speech core into a running listener.
//
// [New] builds every component from a [config.Config] and the providers
// created by main through the registry. [App.Run] runs the conversation
// worker and the diagnostics server until the context ends or the audio
// source runs dry, and [App.Shutdown] releases everything in order.
//
// Tests inject doubles through options ([WithSource], [WithPlayer],
// [WithJournal], [WithEventConn] and friends). Without them New opens the
// real device, journal and NATS connection described by the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/calibrate"
	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/dispatch/natsbus"
	"github.com/MrWong99/earshot/internal/dispatch/presence"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/journal"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/wakeword"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/portaudio"
	"github.com/MrWong99/earshot/pkg/audio/wavfile"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// shutdownGrace bounds the diagnostics server shutdown once Run is ending.
const shutdownGrace = 5 * time.Second

// Providers holds the backends built by main through the config registry.
type Providers struct {
	// STT transcribes listening windows. Required.
	STT stt.Provider

	// STTFallbacks are tried in order when STT fails.
	STTFallbacks []stt.Provider

	// Wake transcribes wake phrases. Nil uses the transcription chain.
	Wake stt.Provider

	// SpeechModel backs the "model" VAD method.
	SpeechModel vad.SpeechModel
}

// App owns every component of a running listener.
type App struct {
	cfg       *config.Config
	providers *Providers

	fs             afero.Fs
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	source         audio.Source
	player         audio.Player
	journal        journal.Store
	eventConn      natsbus.Conn
	bus            *natsbus.Publisher

	amplitude  *vad.Amplitude
	engine     vad.Engine
	calibrator *calibrate.Calibrator
	profiles   *calibrate.Store
	failover   *resilience.STTFailover
	dispatcher *dispatch.Dispatcher
	machine    *conversation.Machine
	health     *health.Handler

	// sinks are drained during Shutdown before closers run.
	sinks []*dispatch.Async

	// closers are called in order during Shutdown.
	closers []func() error

	addrMu sync.Mutex
	addr   net.Addr

	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithSource replaces the microphone or replay file.
func WithSource(src audio.Source) Option {
	return func(a *App) { a.source = src }
}

// WithPlayer replaces the indicator tone output.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithFS sets the file system used for replay files and profile caching.
// Defaults to the OS file system.
func WithFS(fsys afero.Fs) Option {
	return func(a *App) { a.fs = fsys }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets [App.Reload] change the log level at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithJournal replaces the journal opened from journal.driver.
func WithJournal(s journal.Store) Option {
	return func(a *App) { a.journal = s }
}

// WithEventConn replaces the NATS connection dialled from nats.url.
func WithEventConn(c natsbus.Conn) Option {
	return func(a *App) { a.eventConn = c }
}

// New builds an App. On error every component opened so far is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: a transcription provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		fs:        afero.NewOsFs(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	defer func() {
		if err != nil {
			a.runClosers()
		}
	}()

	if err := a.initSource(); err != nil {
		return nil, fmt.Errorf("app: init audio source: %w", err)
	}
	a.initPlayer()
	if err := a.initVAD(ctx); err != nil {
		return nil, fmt.Errorf("app: init vad: %w", err)
	}
	a.initCalibration()

	transcriber, err := a.initTranscription()
	if err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}
	detector, normalizer, err := a.initWake(transcriber)
	if err != nil {
		return nil, fmt.Errorf("app: init wake detection: %w", err)
	}

	a.dispatcher = dispatch.New()
	if err := a.initSinks(ctx); err != nil {
		return nil, fmt.Errorf("app: init event sinks: %w", err)
	}

	machine, err := conversation.New(conversation.Config{
		Source:     a.source,
		Engine:     a.engine,
		Detector:   detector,
		Recorder:   capture.New(a.engine, capture.WithMaxFrames(cfg.Capture.MaxRecordingFrames), capture.WithFrameSamples(cfg.Capture.FrameSamples)),
		Provider:   transcriber,
		Dispatcher: a.dispatcher,
		Calibrator: a.calibrator,
		Profiles:   a.profiles,
		Player:     a.player,
		Normalizer: normalizer,
		Metrics:    a.metrics,
	},
		conversation.WithSleepAfterAntiSleep(cfg.Escalation.SleepAfterAntiSleep),
		conversation.WithTranscribeTimeout(cfg.Capture.TranscribeTimeout),
		conversation.WithLanguage(cfg.Capture.Language),
		conversation.WithWakeResponses(cfg.Wake.Responses),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.machine = machine

	if err := a.subscribeIntents(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.initHealth()

	slog.Info("app: ready",
		"vad", a.engine.Name(),
		"stt", transcriber.Name(),
		"identities", detector.Table().Identities(),
		"sinks", len(a.sinks),
	)
	return a, nil
}

// initSource opens the configured input. The source is also closed on
// Shutdown, which covers runs that never started the worker.
func (a *App) initSource() error {
	if a.source == nil {
		src, err := a.openSource()
		if err != nil {
			return err
		}
		a.source = src
	}
	a.closers = append(a.closers, a.source.Close)
	return nil
}

func (a *App) openSource() (audio.Source, error) {
	ac := a.cfg.Audio
	frame := a.cfg.Calibration.FrameSamples
	if ac.InputFile != "" {
		opts := []wavfile.SourceOption{
			wavfile.WithTarget(audio.Format{SampleRate: ac.SampleRate, Channels: 1}),
			wavfile.WithFrameSamples(frame),
		}
		if ac.TrailingSilence {
			opts = append(opts, wavfile.WithTrailingSilence())
		}
		slog.Info("app: replaying audio file", "path", ac.InputFile)
		return wavfile.OpenSource(a.fs, ac.InputFile, opts...)
	}
	return portaudio.Open(portaudio.Config{
		SampleRate:     ac.SampleRate,
		FrameSamples:   frame,
		Device:         ac.Device,
		NativeFallback: ac.DeviceFallback,
	})
}

// initPlayer opens the tone output. A missing output device only disables
// the tones.
func (a *App) initPlayer() {
	if !a.cfg.Wake.Indicators {
		a.player = nil
		return
	}
	if a.player != nil {
		return
	}
	p, err := portaudio.NewPlayer()
	if err != nil {
		slog.Warn("app: indicator tones disabled", "err", err)
		return
	}
	a.player = p
	a.closers = append(a.closers, p.Close)
}

func (a *App) initVAD(ctx context.Context) error {
	vc := a.cfg.VAD
	opts := []vad.AmplitudeOption{
		vad.WithGain(vc.Gain),
		vad.WithSpeechDelay(vc.SpeechDelay),
		vad.WithThreshold(vc.Threshold),
	}
	if vc.GraceFrames != nil {
		opts = append(opts, vad.WithGraceFrames(*vc.GraceFrames))
	}
	a.amplitude = vad.NewAmplitude(opts...)
	a.engine = a.amplitude

	if vc.Method != config.VADModel {
		return nil
	}
	model := a.providers.SpeechModel
	if model == nil {
		return fmt.Errorf("vad.method %q needs a speech model", vc.Method)
	}
	if c, ok := model.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	name := vc.Model.Name
	a.engine = vad.NewModel(model, a.amplitude,
		vad.WithModelName(name),
		vad.WithOnModelError(func(err error) {
			a.metrics.RecordProviderError(ctx, name, "vad")
			slog.Debug("app: speech model failed, using amplitude rule", "model", name, "err", err)
		}),
	)
	return nil
}

func (a *App) initCalibration() {
	cc := a.cfg.Calibration
	a.calibrator = calibrate.New(
		calibrate.WithFrames(cc.Frames),
		calibrate.WithFrameSamples(cc.FrameSamples),
		calibrate.WithInterval(cc.Interval),
		calibrate.WithMargin(cc.Margin),
		calibrate.WithFloor(cc.Floor),
		calibrate.WithGain(a.amplitude.Gain()),
	)
	if cc.ProfilePath != "" {
		a.profiles = calibrate.NewStore(a.fs, cc.ProfilePath, cc.MaxProfileAge)
	}
}

// initTranscription returns the provider used for listening windows: the
// configured backend alone, or a failover chain when fallbacks exist.
func (a *App) initTranscription() (stt.Provider, error) {
	p := a.providers
	seen := make(map[stt.Provider]bool)
	for _, prov := range append([]stt.Provider{p.STT, p.Wake}, p.STTFallbacks...) {
		if prov == nil || seen[prov] {
			continue
		}
		seen[prov] = true
		if c, ok := prov.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
	if len(p.STTFallbacks) == 0 {
		return p.STT, nil
	}
	f, err := resilience.NewSTTFailover(append([]stt.Provider{p.STT}, p.STTFallbacks...),
		resilience.WithFailureHook(func(ctx context.Context, name string, err error) {
			kind := "error"
			if errors.Is(err, resilience.ErrCircuitOpen) {
				kind = "circuit_open"
			}
			a.metrics.RecordProviderError(ctx, name, kind)
		}),
	)
	if err != nil {
		return nil, err
	}
	a.failover = f
	return f, nil
}

func (a *App) initWake(transcriber stt.Provider) (*wakeword.Detector, *wakeword.Normalizer, error) {
	wc := a.cfg.Wake
	table, err := wakeword.NewTable(wc.Table)
	if err != nil {
		return nil, nil, err
	}

	recognizer := a.providers.Wake
	if recognizer == nil {
		recognizer = transcriber
	}
	lang := wc.Recognizer.Language
	if lang == "" {
		lang = a.cfg.Capture.Language
	}
	spotter := wakeword.NewBackendSpotter(recognizer,
		wakeword.WithMaxPhrase(wc.MaxPhrase),
		wakeword.WithSampleRate(a.source.Format().SampleRate),
		wakeword.WithLanguage(lang),
	)

	opts := []wakeword.DetectorOption{
		wakeword.WithFrameSamples(wc.FrameSamples),
		wakeword.WithMaxFrames(wc.MaxFrames),
		// The machine is assigned before the detector first runs.
		wakeword.WithStopCheck(func() bool { return a.machine != nil && a.machine.Stopping() }),
	}
	if wc.PhoneticFallback {
		var popts []wakeword.PhoneticOption
		if wc.PhoneticThreshold > 0 {
			popts = append(popts, wakeword.WithPhoneticThreshold(wc.PhoneticThreshold))
		}
		if wc.FuzzyThreshold > 0 {
			popts = append(popts, wakeword.WithFuzzyThreshold(wc.FuzzyThreshold))
		}
		opts = append(opts, wakeword.WithPhonetic(wakeword.NewPhonetic(popts...)))
	}

	var normalizer *wakeword.Normalizer
	if wc.NormalizeUtterances {
		normalizer = wakeword.NewNormalizer(table)
	}
	return wakeword.NewDetector(table, a.engine, spotter, opts...), normalizer, nil
}

// initSinks attaches the optional collaborators. Each runs behind its own
// queue so a slow sink never stalls capture.
func (a *App) initSinks(ctx context.Context) error {
	if pc := a.cfg.Presence; pc.StopURL != "" || pc.StartURL != "" {
		a.attach(presence.New(pc.StopURL, pc.StartURL), 16)
	}

	jc := a.cfg.Journal
	if a.journal == nil && jc.Driver != "" {
		store, err := openJournal(ctx, jc)
		if err != nil {
			return err
		}
		a.journal = store
	}
	if a.journal != nil {
		a.closers = append(a.closers, a.journal.Close)
		a.attach(&journal.Sink{Store: a.journal}, jc.QueueSize)
	}

	nc := a.cfg.NATS
	switch {
	case a.eventConn != nil:
		a.bus = natsbus.New(a.eventConn, nc.SubjectPrefix)
	case nc.URL != "":
		pub, err := natsbus.Connect(nc.URL, nc.SubjectPrefix)
		if err != nil {
			return err
		}
		a.bus = pub
	}
	if a.bus != nil {
		a.closers = append(a.closers, a.bus.Close)
		a.attach(a.bus, nc.QueueSize)
	}
	return nil
}

func openJournal(ctx context.Context, jc config.JournalConfig) (journal.Store, error) {
	switch jc.Driver {
	case config.JournalSQLite:
		return journal.OpenSQLite(ctx, jc.DSN)
	case config.JournalPostgres:
		return journal.OpenPostgres(ctx, jc.DSN)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", jc.Driver)
	}
}

func (a *App) attach(sink dispatch.Sink, size int) {
	q := dispatch.NewAsync(sink, size)
	a.dispatcher.OnAll(q.Handle)
	a.sinks = append(a.sinks, q)
	slog.Info("app: event sink attached", "sink", sink.Name())
}

// subscribeIntents lets NATS clients steer the machine with messages on
// "<prefix>.intent".
func (a *App) subscribeIntents() error {
	if a.bus == nil {
		return nil
	}
	_, err := a.bus.SubscribeIntents(func(name string) {
		intent, ok := ParseIntent(name)
		if !ok {
			slog.Warn("app: unknown intent", "intent", name)
			return
		}
		a.machine.Post(intent)
	})
	return err
}

// ParseIntent maps the wire name of an intent to its value.
func ParseIntent(name string) (conversation.Intent, bool) {
	for _, i := range []conversation.Intent{
		conversation.IntentResetSilence,
		conversation.IntentRecalibrate,
		conversation.IntentSleep,
	} {
		if i.String() == name {
			return i, true
		}
	}
	return 0, false
}

func (a *App) initHealth() {
	opts := []health.Option{
		health.WithChecker("worker", func(context.Context) error {
			if !a.machine.Ready() {
				return errors.New("not running")
			}
			return nil
		}),
		health.WithStatus(func() any { return a.machine.Snapshot() }),
		health.WithMetrics(a.metricsHandler),
	}
	if a.failover != nil {
		opts = append(opts, health.WithChecker("transcription", func(context.Context) error {
			for _, b := range a.failover.Breakers() {
				if b.State() != resilience.StateOpen {
					return nil
				}
			}
			return errors.New("every backend circuit is open")
		}))
	}
	a.health = health.New(opts...)
}

// Machine returns the conversation worker.
func (a *App) Machine() *conversation.Machine { return a.machine }

// Dispatcher returns the event dispatcher so embedders can register
// handlers before [App.Run].
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Handler returns the diagnostics HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// Addr returns the diagnostics listener address once Run has bound it.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Calibrate measures ambient noise once, stores the profile when caching is
// configured and returns it. Used by the calibrate-only mode instead of Run.
func (a *App) Calibrate(ctx context.Context) (calibrate.Profile, error) {
	audio.SetFrameSamples(a.source, a.calibrator.FrameSamples())
	p, err := a.calibrator.Calibrate(ctx, a.source)
	if err != nil {
		return p, fmt.Errorf("app: calibrate: %w", err)
	}
	if a.profiles != nil {
		if err := a.profiles.Save(p); err != nil {
			return p, fmt.Errorf("app: save profile: %w", err)
		}
	}
	return p, nil
}

// Run blocks until the worker stops. The diagnostics server, when
// configured, is shut down once the worker has returned.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return a.machine.Run(gctx)
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			a.machine.Stop()
			cancel()
			_ = g.Wait()
			return fmt.Errorf("app: listen %q: %w", addr, err)
		}
		a.addrMu.Lock()
		a.addr = ln.Addr()
		a.addrMu.Unlock()

		srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("app: diagnostics server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// Reload applies a changed configuration. The log level and calibration
// margin and floor take effect immediately; other changes are logged as
// needing a restart.
func (a *App) Reload(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.Recalibrate {
		a.calibrator.Tune(new.Calibration.Margin, new.Calibration.Floor)
		a.machine.Post(conversation.IntentRecalibrate)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: configuration changes need a restart", "sections", d.RestartRequired)
	}
	return d
}

// ParseLevel maps a config log level to its slog level.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown stops the worker, drains the event queues and closes every
// component. Remaining steps are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.machine != nil {
			a.machine.Stop()
		}
		for _, s := range a.sinks {
			if err := s.Close(ctx); err != nil {
				slog.Warn("app: event queue not drained", "dropped", s.Dropped(), "err", err)
				shutdownErr = err
			}
		}
		if err := ctx.Err(); err != nil {
			shutdownErr = err
			slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers))
			return
		}
		a.runClosers()
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("app: closer failed", "index", i, "err", err)
		}
	}
	a.closers = nil
}
