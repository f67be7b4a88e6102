package voice_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parlance/internal/backend"
	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/segment"
	"github.com/MrWong99/parlance/internal/voice"
	voicemock "github.com/MrWong99/parlance/internal/voice/mock"
	"github.com/MrWong99/parlance/pkg/audio"
	audiomock "github.com/MrWong99/parlance/pkg/audio/mock"
	"github.com/MrWong99/parlance/pkg/audio/playback"
	playbackmock "github.com/MrWong99/parlance/pkg/audio/playback/mock"
	"github.com/MrWong99/parlance/pkg/audio/wav"
	"github.com/MrWong99/parlance/pkg/provider/vad/energy"
	"github.com/MrWong99/parlance/pkg/transport"
	transportmock "github.com/MrWong99/parlance/pkg/transport/mock"
)

const rate = 16000

var format = audio.Format{SampleRate: rate, Channels: 1}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// frame returns a 100 ms mono frame of constant level.
func frame(level float32) audio.AudioFrame {
	samples := make([]float32, rate/10)
	for i := range samples {
		samples[i] = level
	}
	return audio.AudioFrame{Samples: samples, SampleRate: rate, Channels: 1}
}

// speak pushes speech 100 ms frames followed by silence 100 ms frames.
func speak(t *testing.T, s *audiomock.Stream, speech, silence int) {
	t.Helper()
	for range speech {
		if !s.Push(frame(0.3)) {
			t.Fatal("stream closed while pushing speech")
		}
	}
	for range silence {
		if !s.Push(frame(0)) {
			t.Fatal("stream closed while pushing silence")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakePlayer records enqueued items and is always idle.
type fakePlayer struct {
	mu    sync.Mutex
	items []playback.Item
	stops int
	idle  chan struct{}
}

func newFakePlayer() *fakePlayer {
	p := &fakePlayer{idle: make(chan struct{})}
	close(p.idle)
	return p
}

func (p *fakePlayer) Enqueue(item playback.Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
	return nil
}

func (p *fakePlayer) Stop() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return 0
}

func (p *fakePlayer) IdleCh() <-chan struct{} { return p.idle }

func (p *fakePlayer) Items() []playback.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]playback.Item(nil), p.items...)
}

type harness struct {
	ctrl   *voice.Controller
	stream *audiomock.Stream
	source *audiomock.Source
	tr     *transportmock.Transport
	sink   *voicemock.ChatSink
	player voice.Player

	continuous bool

	mu      sync.Mutex
	dialled []transport.Config
}

type harnessOption func(*harness, *voice.Config, *[]voice.Option)

func withPlayer(p voice.Player) harnessOption {
	return func(h *harness, _ *voice.Config, _ *[]voice.Option) { h.player = p }
}

func newHarness(t *testing.T, cfg voice.Config, hopts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		stream: audiomock.NewStream(format, 256),
		tr:     transportmock.New(),
		sink:   &voicemock.ChatSink{},
		player: newFakePlayer(),
	}
	h.source = &audiomock.Source{OpenResult: h.stream}
	if cfg.URL == "" {
		cfg.URL = "ws://voice.test/ws"
	}
	var opts []voice.Option
	for _, o := range hopts {
		o(h, &cfg, &opts)
	}
	h.continuous = cfg.Continuous
	opts = append(opts,
		voice.WithMetrics(testMetrics(t)),
		voice.WithDialer(func(c transport.Config) transport.Transport {
			h.mu.Lock()
			h.dialled = append(h.dialled, c)
			h.mu.Unlock()
			return h.tr
		}),
	)
	ctrl, err := voice.New(cfg, h.source, energy.New(), h.player, h.sink, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.StopRealtime(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.StartRealtime(context.Background(), "sherlock"); err != nil {
		t.Fatalf("StartRealtime: %v", err)
	}
}

// sync waits until every pushed frame has been taken off the stream and
// processed by the session goroutine.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	waitFor(t, "frames drained", func() bool { return len(h.stream.Frames()) == 0 })
	// A command round trip orders after the last received frame.
	if err := h.ctrl.SetContinuous(context.Background(), h.continuous); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func (h *harness) audioSent() []transport.AudioData {
	var out []transport.AudioData
	for _, m := range h.tr.Sent() {
		if a, ok := m.(transport.AudioData); ok {
			out = append(out, a)
		}
	}
	return out
}

func (h *harness) segState(t *testing.T) segment.State {
	t.Helper()
	info, ok := h.ctrl.Session()
	if !ok {
		t.Fatal("no active session")
	}
	return info.Segmenter
}

func manualConfig() voice.Config {
	return voice.Config{Segment: segment.Config{SilenceTimeout: 500 * time.Millisecond}}
}

// ─── End to end ───────────────────────────────────────────────────────────────

// TestScenario_SingleUtteranceOverWebSocket drives the controller against a
// real WebSocket server: 1.5 s of speech followed by 2.5 s of silence must
// produce exactly one canonical audio_data message.
func TestScenario_SingleUtteranceOverWebSocket(t *testing.T) {
	t.Parallel()

	clips := make(chan transport.AudioData, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		// A 4 s clip encodes to well over the 32 KiB default.
		conn.SetReadLimit(1 << 22)
		defer conn.CloseNow()
		ctx := r.Context()
		write := func(m transport.Message) {
			data, _ := transport.Encode(m)
			_ = conn.Write(ctx, websocket.MessageText, data)
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msg, err := transport.Decode(data)
			if err != nil {
				continue
			}
			switch m := msg.(type) {
			case transport.StartVoiceSession:
				write(transport.VoiceSessionStarted{
					SessionID: "srv-1",
					Character: transport.Character{ID: m.CharacterID, Name: "Sherlock"},
				})
			case transport.AudioData:
				clips <- m
				write(transport.AITextResponse{Text: "Elementary.", UtteranceID: m.UtteranceID})
				write(transport.AudioProcessed{
					Result:      transport.Result{Type: transport.ResultSpeechRecognized, Text: "hello"},
					UtteranceID: m.UtteranceID,
				})
			case transport.StopVoiceSession:
				write(transport.VoiceSessionStopped{SessionID: "srv-1"})
			}
		}
	}))
	t.Cleanup(srv.Close)

	stream := audiomock.NewStream(format, 64)
	sink := &voicemock.ChatSink{}
	ctrl, err := voice.New(voice.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		&audiomock.Source{OpenResult: stream}, energy.New(), newFakePlayer(), sink,
		voice.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := ctrl.StartRealtime(ctx, "sherlock"); err != nil {
		t.Fatalf("StartRealtime: %v", err)
	}

	speak(t, stream, 15, 25)

	waitFor(t, "transcript", func() bool { return len(sink.TranscriptsSnapshot()) == 1 })
	if err := ctrl.StopRealtime(ctx); err != nil {
		t.Fatalf("StopRealtime: %v", err)
	}

	if n := len(clips); n != 1 {
		t.Fatalf("server received %d audio_data messages, want 1", n)
	}
	clip := <-clips
	if clip.UtteranceID == "" {
		t.Error("audio_data carries no utterance id")
	}
	hdr, err := wav.ParseHeader(clip.Audio)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.SampleRate != 16000 || hdr.Channels != 1 || hdr.BitsPerSample != 16 {
		t.Errorf("header = %d Hz, %d ch, %d bit; want 16000 Hz mono 16 bit",
			hdr.SampleRate, hdr.Channels, hdr.BitsPerSample)
	}
	if d := hdr.Duration(); d < 3400*time.Millisecond || d > 3600*time.Millisecond {
		t.Errorf("clip duration = %v, want about 3.5s", d)
	}

	if got := sink.TranscriptsSnapshot(); got[0] != "hello" {
		t.Errorf("transcript = %q", got[0])
	}
	replies := sink.RepliesSnapshot()
	if len(replies) != 1 || replies[0].Text != "Elementary." || replies[0].Persona.Label() != "Sherlock" {
		t.Errorf("replies = %+v", replies)
	}
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestStartRealtime_Failures(t *testing.T) {
	t.Parallel()

	t.Run("device unavailable", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, manualConfig())
		h.source.OpenError = fmt.Errorf("%w: no microphone", audio.ErrDeviceUnavailable)

		err := h.ctrl.StartRealtime(context.Background(), "sherlock")
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
		}
		if h.ctrl.State() != voice.StateIdle {
			t.Error("controller left idle state")
		}
		if !h.sink.Has(voice.DiagDeviceUnavailable) {
			t.Error("device_unavailable not surfaced")
		}
		if h.tr.ConnectCalls != 0 {
			t.Error("transport dialled without a capture device")
		}
	})

	t.Run("connect failure releases capture", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, manualConfig())
		h.tr.ConnectErr = errors.New("connection refused")

		if err := h.ctrl.StartRealtime(context.Background(), "sherlock"); err == nil {
			t.Fatal("StartRealtime succeeded")
		}
		if h.stream.CloseCount() != 1 {
			t.Errorf("stream closed %d times, want 1", h.stream.CloseCount())
		}
		if h.ctrl.State() != voice.StateIdle {
			t.Error("controller left idle state")
		}
	})

	t.Run("no endpoint", func(t *testing.T) {
		t.Parallel()
		ctrl, err := voice.New(voice.Config{}, &audiomock.Source{}, energy.New(), newFakePlayer(), &voicemock.ChatSink{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := ctrl.StartRealtime(context.Background(), "x"); !errors.Is(err, voice.ErrNoEndpoint) {
			t.Errorf("err = %v, want ErrNoEndpoint", err)
		}
	})
}

func TestStartRealtime_AlreadyActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)
	if err := h.ctrl.StartRealtime(context.Background(), "sherlock"); !errors.Is(err, voice.ErrAlreadyActive) {
		t.Errorf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestStopRealtime_ReleasesEverything(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	h := newHarness(t, manualConfig(), withPlayer(player))
	h.start(t)

	if h.ctrl.State() != voice.StateActive {
		t.Fatal("controller not active after start")
	}
	if err := h.ctrl.StopRealtime(context.Background()); err != nil {
		t.Fatalf("StopRealtime: %v", err)
	}

	var stopSent bool
	for _, m := range h.tr.Sent() {
		if _, ok := m.(transport.StopVoiceSession); ok {
			stopSent = true
		}
	}
	if !stopSent {
		t.Error("stop_voice_session not sent")
	}
	if h.tr.CloseCount() != 1 {
		t.Errorf("transport closed %d times, want 1", h.tr.CloseCount())
	}
	if !h.stream.Closed() {
		t.Error("capture stream still open")
	}
	player.mu.Lock()
	stops := player.stops
	player.mu.Unlock()
	if stops != 1 {
		t.Errorf("playback stopped %d times, want 1", stops)
	}
	if h.ctrl.State() != voice.StateIdle {
		t.Error("controller still active")
	}
	if !h.sink.Has(voice.DiagSessionStopped) {
		t.Error("session_stopped not surfaced")
	}
	if err := h.ctrl.StopRealtime(context.Background()); !errors.Is(err, voice.ErrNotActive) {
		t.Errorf("second stop err = %v, want ErrNotActive", err)
	}
}

func TestStartRealtime_ResolvesEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig(), func(_ *harness, cfg *voice.Config, opts *[]voice.Option) {
		cfg.URL = ""
		*opts = append(*opts, voice.WithResolver(resolverFunc(func(_ context.Context, id string) (backend.Realtime, error) {
			return backend.Realtime{
				WebSocketURL: "ws://resolved:8765",
				Character:    transport.Character{ID: id, Name: "Watson"},
			}, nil
		})))
	})
	h.start(t)

	h.mu.Lock()
	dialled := h.dialled
	h.mu.Unlock()
	if len(dialled) != 1 || dialled[0].URL != "ws://resolved:8765" || dialled[0].CharacterID != "sherlock" {
		t.Fatalf("dialled = %+v", dialled)
	}
	info, _ := h.ctrl.Session()
	if info.Persona.Name != "Watson" {
		t.Errorf("persona = %+v", info.Persona)
	}
}

type resolverFunc func(ctx context.Context, id string) (backend.Realtime, error)

func (f resolverFunc) StartRealtime(ctx context.Context, id string) (backend.Realtime, error) {
	return f(ctx, id)
}

func TestSession_EndsWhenReconnectExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)
	done := h.ctrl.Done()

	h.tr.Fail(transport.ErrReconnectExhausted)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	if !h.sink.Has(voice.DiagDisconnected) {
		t.Error("disconnected not surfaced")
	}
	if !h.stream.Closed() {
		t.Error("capture stream still open")
	}
}

func TestSession_EndsWhenStreamTerminates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)
	done := h.ctrl.Done()

	h.stream.Terminate(errors.New("device unplugged"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	if !h.sink.Has(voice.DiagStreamTerminated) {
		t.Error("stream_terminated not surfaced")
	}
	if h.tr.CloseCount() != 1 {
		t.Error("transport not closed")
	}
}

func TestSession_ReconnectDiagnostics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)

	h.tr.SetState(transport.StateReconnecting)
	h.tr.SetState(transport.StateReconnecting)
	h.tr.SetState(transport.StateOpen)

	waitFor(t, "reconnected", func() bool { return h.sink.Has(voice.DiagReconnected) })
	var reconnecting int
	for _, k := range h.sink.Kinds() {
		if k == voice.DiagReconnecting {
			reconnecting++
		}
	}
	if reconnecting != 1 {
		t.Errorf("reconnecting surfaced %d times, want 1", reconnecting)
	}
	info, _ := h.ctrl.Session()
	if info.Transport != transport.StateOpen {
		t.Errorf("transport state = %v", info.Transport)
	}
}

// ─── Turn taking ──────────────────────────────────────────────────────────────

func TestTooShortUtteranceRearms(t *testing.T) {
	t.Parallel()
	cfg := manualConfig()
	cfg.Segment.MinUtterance = 2 * time.Second
	h := newHarness(t, cfg)
	h.start(t)

	// 0.2 s speech + 0.5 s silence is below the 2 s minimum.
	speak(t, h.stream, 2, 5)
	waitFor(t, "too_short", func() bool { return h.sink.Has(voice.DiagTooShort) })
	if n := len(h.audioSent()); n != 0 {
		t.Fatalf("sent %d clips for a short utterance", n)
	}

	speak(t, h.stream, 20, 5)
	waitFor(t, "audio_data", func() bool { return len(h.audioSent()) == 1 })
}

func TestManualMode_OneUtteranceInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)

	speak(t, h.stream, 5, 5)
	waitFor(t, "first audio_data", func() bool { return len(h.audioSent()) == 1 })
	id := h.audioSent()[0].UtteranceID

	// Ignored while the first utterance awaits its reply.
	speak(t, h.stream, 5, 5)
	h.sync(t)
	if n := len(h.audioSent()); n != 1 {
		t.Fatalf("sent %d clips while one was in flight", n)
	}

	h.tr.Inject(transport.AudioProcessed{
		Result:      transport.Result{Type: transport.ResultSpeechRecognized, Text: "hello"},
		UtteranceID: id,
	})
	waitFor(t, "transcript", func() bool { return len(h.sink.TranscriptsSnapshot()) == 1 })
	h.sync(t)
	if st := h.segState(t); st != segment.StateIdle {
		t.Fatalf("manual mode re-armed itself: %v", st)
	}

	if err := h.ctrl.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	speak(t, h.stream, 5, 5)
	waitFor(t, "second audio_data", func() bool { return len(h.audioSent()) == 2 })
}

func TestListenDuringTurnIsDeferred(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)

	speak(t, h.stream, 5, 5)
	waitFor(t, "audio_data", func() bool { return len(h.audioSent()) == 1 })
	if err := h.ctrl.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if st := h.segState(t); st != segment.StateIdle {
		t.Fatalf("listening while an utterance is in flight: %v", st)
	}

	h.tr.Inject(transport.AudioProcessed{
		Result:      transport.Result{Type: transport.ResultSpeechRecognized, Text: "hi"},
		UtteranceID: h.audioSent()[0].UtteranceID,
	})
	waitFor(t, "re-armed", func() bool { return h.segState(t) == segment.StateListening })
}

func TestStopUtterance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)

	speak(t, h.stream, 5, 0)
	h.sync(t)
	if err := h.ctrl.StopUtterance(context.Background()); err != nil {
		t.Fatalf("StopUtterance: %v", err)
	}
	sent := h.audioSent()
	if len(sent) != 1 {
		t.Fatalf("sent %d clips, want 1", len(sent))
	}
	hdr, err := wav.ParseHeader(sent[0].Audio)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if d := hdr.Duration(); d != 500*time.Millisecond {
		t.Errorf("clip duration = %v, want 500ms", d)
	}
}

func TestContinuousMode_RearmsAfterPlayback(t *testing.T) {
	t.Parallel()
	audioSink := playbackmock.NewSink(true)
	sched := playback.New(audioSink)
	t.Cleanup(func() { _ = sched.Close() })

	cfg := manualConfig()
	cfg.Continuous = true
	cfg.RearmDelay = 20 * time.Millisecond
	h := newHarness(t, cfg, withPlayer(sched))
	h.start(t)

	speak(t, h.stream, 5, 5)
	waitFor(t, "audio_data", func() bool { return len(h.audioSent()) == 1 })
	id := h.audioSent()[0].UtteranceID

	h.tr.Inject(transport.AIVoiceResponse{
		Text:        "Indeed.",
		Audio:       wav.Encode(make([]byte, 3200), 16000, 1),
		UtteranceID: id,
	})
	h.tr.Inject(transport.AudioProcessed{
		Result:      transport.Result{Type: transport.ResultSpeechRecognized, Text: "well"},
		UtteranceID: id,
	})

	select {
	case <-audioSink.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("reply never started playing")
	}
	waitFor(t, "transcript", func() bool { return len(h.sink.TranscriptsSnapshot()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if st := h.segState(t); st != segment.StateIdle {
		t.Fatalf("re-armed during playback: %v", st)
	}

	audioSink.Complete()
	waitFor(t, "re-armed", func() bool { return h.segState(t) == segment.StateListening })

	replies := h.sink.RepliesSnapshot()
	if len(replies) != 1 || replies[0].Text != "Indeed." {
		t.Errorf("replies = %+v", replies)
	}
}

func TestStaleReplyIsShownButNotPlayed(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	h := newHarness(t, manualConfig(), withPlayer(player))
	h.start(t)

	speak(t, h.stream, 5, 5)
	waitFor(t, "audio_data", func() bool { return len(h.audioSent()) == 1 })
	current := h.audioSent()[0].UtteranceID

	h.tr.Inject(transport.AIVoiceResponse{Text: "old news", AudioURL: "/old.mp3", UtteranceID: "previous"})
	h.tr.Inject(transport.AIVoiceResponse{Text: "fresh", AudioURL: "/new.mp3", UtteranceID: current})
	h.tr.Inject(transport.AIVoiceResponse{Text: "untagged", AudioURL: "/any.mp3"})

	waitFor(t, "replies", func() bool { return len(h.sink.RepliesSnapshot()) == 3 })
	h.sync(t)
	items := player.Items()
	if len(items) != 2 || items[0].Ref != "/new.mp3" || items[1].Ref != "/any.mp3" {
		t.Fatalf("enqueued = %+v", items)
	}
	if items[1].ID != current {
		t.Errorf("untagged item id = %q, want in-flight id %q", items[1].ID, current)
	}
}

func TestTurnFailures_RearmInManualMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		cfg   func(*voice.Config)
		reply func(h *harness, id string)
		diag  voice.DiagnosticKind
	}{
		{
			name:  "remote error",
			reply: func(h *harness, id string) { h.tr.Inject(transport.ErrorMessage{Message: "asr down", UtteranceID: id}) },
			diag:  voice.DiagRemoteError,
		},
		{
			name: "recognition failed",
			reply: func(h *harness, id string) {
				h.tr.Inject(transport.AudioProcessed{
					Result:      transport.Result{Type: transport.ResultRecognitionFailed, Message: "no speech"},
					UtteranceID: id,
				})
			},
			diag: voice.DiagRecognition,
		},
		{
			name:  "reply timeout",
			cfg:   func(c *voice.Config) { c.ReplyTimeout = 50 * time.Millisecond },
			reply: func(*harness, string) {},
			diag:  voice.DiagReplyTimeout,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := manualConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			h := newHarness(t, cfg)
			h.start(t)

			speak(t, h.stream, 5, 5)
			waitFor(t, "audio_data", func() bool { return len(h.audioSent()) == 1 })
			tc.reply(h, h.audioSent()[0].UtteranceID)

			waitFor(t, string(tc.diag), func() bool { return h.sink.Has(tc.diag) })
			waitFor(t, "re-armed", func() bool { return h.segState(t) == segment.StateListening })
		})
	}
}

func TestSendDroppedWhileDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)
	h.tr.SetState(transport.StateReconnecting)

	speak(t, h.stream, 5, 5)
	waitFor(t, "send_dropped", func() bool { return h.sink.Has(voice.DiagSendDropped) })
	waitFor(t, "re-armed", func() bool { return h.segState(t) == segment.StateListening })
}

func TestSendText(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	h.start(t)

	if err := h.ctrl.SendText(context.Background(), "good evening"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	var found bool
	for _, m := range h.tr.Sent() {
		if tm, ok := m.(transport.TextMessage); ok && tm.Message == "good evening" {
			found = true
		}
	}
	if !found {
		t.Fatal("text_message not sent")
	}

	h.tr.Inject(transport.AITextResponse{Text: "Good evening.", Character: transport.Character{ID: "1", Name: "Holmes"}})
	waitFor(t, "reply", func() bool { return len(h.sink.RepliesSnapshot()) == 1 })
	if r := h.sink.RepliesSnapshot()[0]; r.Persona.Name != "Holmes" {
		t.Errorf("persona = %+v", r.Persona)
	}

	if err := h.ctrl.SendText(context.Background(), ""); err == nil {
		t.Error("empty text accepted")
	}
}

func TestCommandsWithoutSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, manualConfig())
	ctx := context.Background()

	if err := h.ctrl.Listen(ctx); !errors.Is(err, voice.ErrNotActive) {
		t.Errorf("Listen err = %v", err)
	}
	if err := h.ctrl.SendText(ctx, "hi"); !errors.Is(err, voice.ErrNotActive) {
		t.Errorf("SendText err = %v", err)
	}
	if err := h.ctrl.SetContinuous(ctx, true); err != nil {
		t.Errorf("SetContinuous err = %v", err)
	}
	if _, ok := h.ctrl.Session(); ok {
		t.Error("Session reported an idle controller as active")
	}
}

func TestNew_RejectsMissingCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := voice.New(voice.Config{}, nil, nil, nil, nil); err == nil {
		t.Fatal("New accepted nil collaborators")
	}
}
