// Command parlance is a terminal voice client for persona chat backends.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/parlance/internal/app"
	"github.com/MrWong99/parlance/internal/config"
	"github.com/MrWong99/parlance/internal/voice"
	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/audio/capture"
	"github.com/MrWong99/parlance/pkg/audio/playback"
	"github.com/MrWong99/parlance/pkg/audio/speaker"
	"github.com/MrWong99/parlance/pkg/provider/vad"
	"github.com/MrWong99/parlance/pkg/provider/vad/energy"
	"github.com/MrWong99/parlance/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parlance.yaml", "path to the YAML configuration file")
	persona := flag.String("persona", "", "persona id (overrides session.persona_id)")
	continuous := flag.Bool("continuous", false, "re-arm listening after every reply")
	recognize := flag.String("recognize", "", "transcribe an audio file and exit")
	say := flag.String("say", "", "speak text in the persona's voice and exit")
	devices := flag.Bool("devices", false, "list capture devices and exit")
	status := flag.Bool("status", false, "report whether the backend can host realtime sessions and exit")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	if *devices {
		return listDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlance: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		}
		return 1
	}
	if *persona != "" {
		cfg.Session.PersonaID = *persona
	}
	if *continuous {
		cfg.Session.Continuous = true
	}
	oneShot := *recognize != "" || *say != "" || *status
	if *recognize != "" || *status {
		cfg.Providers.Playback.Name = config.ProviderDiscard
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("parlance starting",
		"config", *configPath,
		"persona", cfg.Session.PersonaID,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{
		app.WithChatSink(newTerminalSink(os.Stdout)),
		app.WithLevelVar(level),
	}
	if *watch && !oneShot {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	// ── One-shot modes ────────────────────────────────────────────────────────
	switch {
	case *status:
		st, err := application.BackendStatus(ctx)
		if err != nil {
			slog.Error("status check failed", "err", err)
			return 1
		}
		fmt.Printf("server running: %t\nwebsockets available: %t\n", st.ServerRunning, st.WebSocketsAvailable)
		if !st.ServerRunning || !st.WebSocketsAvailable {
			return 1
		}
		return 0
	case *recognize != "":
		text, err := application.Recognize(ctx, *recognize)
		if err != nil {
			slog.Error("recognition failed", "file", *recognize, "err", err)
			return 1
		}
		fmt.Println(text)
		return 0
	case *say != "":
		if err := application.Say(ctx, *say, cfg.Session.PersonaID); err != nil {
			slog.Error("synthesis failed", "err", err)
			return 1
		}
		return 0
	}

	// ── Realtime session ──────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readCommands(ctx, os.Stdin, application.Controller(), cancel)

	fmt.Println("Listening. Type a message to send it as text, /stop to end an utterance, /listen to speak again, /quit to exit.")
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// parlance into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterAudio(config.ProviderPortAudio, func(entry config.ProviderEntry) (audio.Source, error) {
		src := capture.New()
		if n, ok := optInt(entry.Options, "buffer"); ok && n > 0 {
			src.Buffer = n
		}
		return src, nil
	})

	reg.RegisterVAD(config.ProviderEnergy, func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterPlayback(config.ProviderOto, func(entry config.ProviderEntry) (playback.Sink, error) {
		var opts []speaker.Option
		rate, _ := optInt(entry.Options, "sample_rate")
		channels, _ := optInt(entry.Options, "channels")
		opts = append(opts, speaker.WithFormat(rate, channels))
		if d := optString(entry.Options, "buffer"); d != "" {
			buf, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("oto: options.buffer: %w", err)
			}
			opts = append(opts, speaker.WithBufferSize(buf))
		}
		return speaker.New(opts...)
	})

	reg.RegisterPlayback(config.ProviderDiscard, func(entry config.ProviderEntry) (playback.Sink, error) {
		realtime, _ := entry.Options["realtime"].(bool)
		return playback.Discard{Realtime: realtime}, nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.Audio, err = reg.CreateAudio(cfg.Providers.Audio); err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	if ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	if ps.Playback, err = reg.CreatePlayback(cfg.Providers.Playback); err != nil {
		return nil, fmt.Errorf("create playback provider %q: %w", cfg.Providers.Playback.Name, err)
	}
	slog.Info("provider created", "kind", "playback", "name", cfg.Providers.Playback.Name)

	return ps, nil
}

func listDevices() int {
	names, err := capture.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		return 1
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return 0
}

// ── Terminal ──────────────────────────────────────────────────────────────────

// readCommands turns stdin lines into controller calls until ctx is done or
// stdin closes.
func readCommands(ctx context.Context, r io.Reader, ctrl *voice.Controller, quit context.CancelFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var err error
		switch line {
		case "/quit", "/exit":
			quit()
			return
		case "/stop":
			err = ctrl.StopUtterance(ctx)
		case "/listen":
			err = ctrl.Listen(ctx)
		case "/continuous on":
			err = ctrl.SetContinuous(ctx, true)
		case "/continuous off":
			err = ctrl.SetContinuous(ctx, false)
		default:
			err = ctrl.SendText(ctx, line)
		}
		if err != nil {
			slog.Warn("command failed", "input", line, "err", err)
		}
	}
}

// terminalSink prints the conversation to w.
type terminalSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newTerminalSink(w io.Writer) *terminalSink { return &terminalSink{w: w} }

func (t *terminalSink) UserTranscript(text string) {
	t.printf("You: %s\n", text)
}

func (t *terminalSink) AssistantText(text string, persona transport.Character) {
	name := persona.Label()
	if name == "" {
		name = "Assistant"
	}
	t.printf("%s: %s\n", name, text)
}

func (t *terminalSink) Diagnostic(d voice.Diagnostic) {
	app.LogSink{}.Diagnostic(d)
	switch d.Kind {
	case voice.DiagSessionStarted, voice.DiagReconnecting, voice.DiagReconnected,
		voice.DiagDisconnected, voice.DiagDeviceUnavailable, voice.DiagTooShort, voice.DiagRecognition:
		t.printf("[%s]\n", d.Message)
	}
}

func (t *terminalSink) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// integers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
