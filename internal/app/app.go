// Package app wires all parlance subsystems into a runnable application.
//
// The [App] owns the backend client, the playback scheduler, the voice
// controller, telemetry and the ops HTTP server. Use [New] to construct it,
// [App.Run] to run the realtime session until the context is cancelled or
// the session ends, and [App.Shutdown] for graceful teardown.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parlance/internal/backend"
	"github.com/MrWong99/parlance/internal/config"
	"github.com/MrWong99/parlance/internal/health"
	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/resilience"
	"github.com/MrWong99/parlance/internal/voice"
	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/audio/codec"
	"github.com/MrWong99/parlance/pkg/audio/playback"
	"github.com/MrWong99/parlance/pkg/provider/vad"
	"github.com/MrWong99/parlance/pkg/transport"
)

// ErrNoBackend is returned by operations that need the HTTP backend when no
// backend.base_url is configured.
var ErrNoBackend = errors.New("app: no backend configured")

// errSessionEnded stops the run group when the voice session ends on its own.
var errSessionEnded = errors.New("app: voice session ended")

// Providers holds the device-facing implementations the application needs.
// Nil fields are rejected by [New].
type Providers struct {
	Audio    audio.Source
	VAD      vad.Engine
	Playback playback.Sink
}

// App owns every subsystem and manages their lifecycle.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Optional overrides injected via options (for testing).
	backendClient *backend.Client
	telemetry     *observe.Telemetry
	chatSink      voice.ChatSink
	dialer        voice.Dialer
	level         *slog.LevelVar

	encoder    *codec.Encoder
	scheduler  *playback.Scheduler
	controller *voice.Controller
	health     *health.Handler
	handler    http.Handler
	watcher    *config.Watcher
	configPath string
	watchOpts  []config.WatcherOption

	// reloadMu serialises hot reloads.
	reloadMu sync.Mutex

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for configuring an [App].
type Option func(*App)

// WithBackend injects a backend client instead of building one from
// cfg.Backend.
func WithBackend(c *backend.Client) Option {
	return func(a *App) { a.backendClient = c }
}

// WithTelemetry injects telemetry instead of calling [observe.InitProvider].
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithChatSink sets the sink for transcripts, replies and diagnostics.
// Default: [LogSink].
func WithChatSink(s voice.ChatSink) Option {
	return func(a *App) { a.chatSink = s }
}

// WithDialer replaces the realtime transport constructor.
func WithDialer(d voice.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithLevelVar binds server.log_level to lv so that hot reloads take effect.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch polls path and applies hot-reloadable changes.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// New creates a new App by wiring all subsystems together. Providers come
// from the caller, usually built through a [config.Registry].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	var errs []error
	if providers.Audio == nil {
		errs = append(errs, errors.New("audio provider is nil"))
	}
	if providers.VAD == nil {
		errs = append(errs, errors.New("vad provider is nil"))
	}
	if providers.Playback == nil {
		errs = append(errs, errors.New("playback provider is nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Telemetry ──────────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, err
	}
	met := a.telemetry.Metrics

	// ── 2. Backend client ─────────────────────────────────────────────────────
	if err := a.initBackend(met); err != nil {
		return nil, errors.Join(err, a.closeAll())
	}

	// ── 3. Chat sink ──────────────────────────────────────────────────────────
	if a.chatSink == nil {
		a.chatSink = LogSink{}
	}

	// ── 4. Playback scheduler ─────────────────────────────────────────────────
	a.initScheduler(met)

	// ── 5. Voice controller ───────────────────────────────────────────────────
	if err := a.initController(met); err != nil {
		return nil, errors.Join(err, a.closeAll())
	}

	// ── 6. Ops server ─────────────────────────────────────────────────────────
	a.initHealth()
	a.initHandler(met)

	// ── 7. Config watcher ─────────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig, a.watchOpts...)
		if err != nil {
			return nil, errors.Join(err, a.closeAll())
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	slog.Info("app initialised",
		"backend", a.backendClient != nil,
		"websocket_url", cfg.Backend.WebSocketURL,
		"persona", cfg.Session.PersonaID,
		"continuous", cfg.Session.Continuous,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry != nil {
		return nil
	}
	t, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parlance"})
	if err != nil {
		return fmt.Errorf("app: init telemetry: %w", err)
	}
	a.telemetry = t
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.Shutdown(ctx)
	})
	return nil
}

func (a *App) initBackend(met *observe.Metrics) error {
	if a.backendClient != nil || a.cfg.Backend.BaseURL == "" {
		return nil
	}
	c, err := backend.New(a.cfg.Backend.BaseURL,
		backend.WithFallbacks(a.cfg.Backend.FallbackURLs...),
		backend.WithTimeout(a.cfg.Backend.Timeout),
		backend.WithMetrics(met),
		backend.WithBreaker(resilience.BreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("backend endpoint state changed", "endpoint", name, "from", from.String(), "to", to.String())
			},
		}),
	)
	if err != nil {
		return fmt.Errorf("app: create backend client: %w", err)
	}
	a.backendClient = c
	return nil
}

func (a *App) initScheduler(met *observe.Metrics) {
	opts := []playback.Option{
		playback.OnStarted(func(it playback.Item) {
			slog.Debug("playback started", "id", it.ID, "ref", it.Ref)
		}),
		playback.OnCompleted(func(playback.Item) {
			met.RecordPlayback(context.Background(), "completed")
		}),
		playback.OnFailed(func(it playback.Item, err error) {
			if errors.Is(err, playback.ErrStopped) {
				met.RecordPlayback(context.Background(), "stopped")
				return
			}
			met.RecordPlayback(context.Background(), "failed")
			a.chatSink.Diagnostic(voice.Diagnostic{
				Kind:    voice.DiagPlayback,
				Message: "could not play reply audio",
				Err:     err,
			})
		}),
	}
	if a.backendClient != nil {
		opts = append(opts, playback.WithFetcher(a.backendClient))
	}
	a.scheduler = playback.New(a.providers.Playback, opts...)
	a.closers = append(a.closers, a.scheduler.Close)
}

func (a *App) initController(met *observe.Metrics) error {
	a.encoder = codec.New(codec.WithTargetRate(a.cfg.Audio.TargetRate))

	vcfg := voice.Config{
		URL:          a.cfg.Backend.WebSocketURL,
		VoiceConfig:  a.cfg.Session.VoiceConfig,
		Continuous:   a.cfg.Session.Continuous,
		RearmDelay:   a.cfg.Session.RearmDelay,
		ReplyTimeout: a.cfg.Session.ReplyTimeout,
		Capture:      a.cfg.Audio.Constraints(),
		Segment:      a.cfg.VAD.Segment(),
		Transport:    a.cfg.Transport.Session(),
	}
	opts := []voice.Option{
		voice.WithEncoder(a.encoder),
		voice.WithMetrics(met),
	}
	if a.backendClient != nil {
		opts = append(opts, voice.WithResolver(a.backendClient))
	}
	if a.dialer != nil {
		opts = append(opts, voice.WithDialer(a.dialer))
	}

	ctrl, err := voice.New(vcfg, a.providers.Audio, a.providers.VAD, a.scheduler, a.chatSink, opts...)
	if err != nil {
		return fmt.Errorf("app: create voice controller: %w", err)
	}
	a.controller = ctrl
	return nil
}

func (a *App) initHealth() {
	a.health = health.New(health.Checker{
		Name: "session",
		Check: func(context.Context) error {
			info, ok := a.controller.Session()
			if !ok {
				return nil
			}
			if info.Transport != transport.StateOpen {
				return fmt.Errorf("transport %s", info.Transport)
			}
			return nil
		},
	})
	if a.backendClient != nil {
		a.health.Add(health.Checker{
			Name: "backend",
			Check: func(context.Context) error {
				for _, st := range a.backendClient.Endpoints() {
					if st != resilience.StateOpen {
						return nil
					}
				}
				return errors.New("every backend endpoint is open-circuited")
			},
		})
	}
}

func (a *App) initHandler(met *observe.Metrics) {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.telemetry.Handler)
	mux.HandleFunc("GET /session", a.serveSession)
	a.handler = observe.Middleware(met)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the voice controller.
func (a *App) Controller() *voice.Controller { return a.controller }

// Handler returns the ops HTTP handler (/healthz, /readyz, /metrics,
// /session).
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the ops endpoints and runs a realtime session with
// session.persona_id. It returns nil when ctx is cancelled or the session
// ends on its own, and an error when the session could not be started.
func (a *App) Run(ctx context.Context) error {
	if err := a.StartSession(ctx, a.cfg.Session.PersonaID); err != nil {
		return err
	}
	done := a.controller.Done()
	if done == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("ops server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-done:
			slog.Info("voice session ended")
			return errSessionEnded
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errSessionEnded) {
		return err
	}
	return nil
}

// StartSession fetches the persona's voice configuration when none is
// configured and starts a realtime session.
func (a *App) StartSession(ctx context.Context, personaID string) error {
	if len(a.cfg.Session.VoiceConfig) == 0 && a.backendClient != nil {
		vc, err := a.backendClient.VoiceConfig(ctx, personaID, a.cfg.Session.VoiceType)
		if err != nil {
			slog.Warn("voice config unavailable, using server defaults", "persona", personaID, "err", err)
		} else {
			a.controller.SetVoiceConfig(vc.Raw)
		}
	}
	if err := a.controller.StartRealtime(ctx, personaID); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	return nil
}

// ─── One-shot operations ─────────────────────────────────────────────────────

// Recognize transcodes the audio file at path to canonical WAV and returns
// the backend's transcript.
func (a *App) Recognize(ctx context.Context, path string) (string, error) {
	if a.backendClient == nil {
		return "", ErrNoBackend
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("app: recognize: %w", err)
	}
	clip, err := a.encoder.Transcode(raw)
	if err != nil {
		slog.Warn("transcode failed, uploading source bytes", "path", path, "err", err)
	}
	return a.backendClient.Recognize(ctx, clip.Data)
}

// Say synthesizes text in the persona's voice and plays it, blocking until
// playback finished or ctx is done.
func (a *App) Say(ctx context.Context, text, personaID string) error {
	if a.backendClient == nil {
		return ErrNoBackend
	}
	ref, err := a.backendClient.Synthesize(ctx, text, personaID)
	if err != nil {
		return err
	}
	if err := a.scheduler.Enqueue(playback.Item{Ref: ref, Text: text}); err != nil {
		return fmt.Errorf("app: say: %w", err)
	}
	return a.scheduler.WaitIdle(ctx)
}

// BackendStatus asks the backend whether it can host realtime sessions.
func (a *App) BackendStatus(ctx context.Context) (backend.Status, error) {
	if a.backendClient == nil {
		return backend.Status{}, ErrNoBackend
	}
	return a.backendClient.Status(ctx)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, new)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		if err := a.controller.SetSegmentConfig(ctx, d.NewVAD.Segment()); err != nil {
			slog.Warn("failed to apply segmentation config", "err", err)
		} else {
			slog.Info("segmentation config reloaded",
				"silence_threshold", d.NewVAD.SilenceThreshold,
				"silence_timeout", d.NewVAD.SilenceTimeout,
			)
		}
	}
	if d.ContinuousChanged {
		if err := a.controller.SetContinuous(ctx, d.NewContinuous); err != nil {
			slog.Warn("failed to switch listening mode", "err", err)
		} else {
			slog.Info("listening mode changed", "continuous", d.NewContinuous)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

type sessionView struct {
	Active     bool   `json:"active"`
	ID         string `json:"id,omitempty"`
	PersonaID  string `json:"persona_id,omitempty"`
	Persona    string `json:"persona,omitempty"`
	URL        string `json:"url,omitempty"`
	Transport  string `json:"transport,omitempty"`
	Segmenter  string `json:"segmenter,omitempty"`
	UptimeSecs int64  `json:"uptime_secs,omitempty"`
}

func (a *App) serveSession(w http.ResponseWriter, _ *http.Request) {
	view := sessionView{}
	if info, ok := a.controller.Session(); ok {
		view = sessionView{
			Active:     true,
			ID:         info.ID,
			PersonaID:  info.PersonaID,
			Persona:    info.Persona.Label(),
			URL:        info.URL,
			Transport:  info.Transport.String(),
			Segmenter:  info.Segmenter.String(),
			UptimeSecs: int64(time.Since(info.Started).Seconds()),
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(view)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End the voice session first so that stop_voice_session goes out
		// while the transport is still up.
		if a.controller != nil {
			if err := a.controller.StopRealtime(ctx); err != nil && !errors.Is(err, voice.ErrNotActive) {
				slog.Warn("stop session error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far, for failures inside New.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
