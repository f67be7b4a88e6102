// Package voice is the realtime voice session controller.
//
// A [Controller] wires the capture [audio.Source], the voice-activity
// [segment.Segmenter], the canonical [codec.Encoder], a [transport.Transport]
// and a [Player] into one conversational loop:
//
//	capture → segment → encode → audio_data → reply → chat sink / playback
//
// Each active session is owned by exactly one goroutine. Public methods talk
// to it over channels; nothing else mutates session state.
//
// At most one utterance is in flight: after an utterance is sent, listening
// is only re-armed once its terminal event (audio_processed, error or the
// reply timeout) arrived. In continuous mode listening re-arms automatically
// after the reply finished playing; in manual mode it re-arms only after a
// failed turn and otherwise waits for [Controller.Listen].
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parlance/internal/backend"
	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/segment"
	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/audio/codec"
	"github.com/MrWong99/parlance/pkg/audio/playback"
	"github.com/MrWong99/parlance/pkg/provider/vad"
	"github.com/MrWong99/parlance/pkg/transport"
)

var (
	// ErrAlreadyActive is returned by [Controller.StartRealtime] while a
	// session is running.
	ErrAlreadyActive = errors.New("voice: session already active")

	// ErrNotActive is returned by session operations when no session runs.
	ErrNotActive = errors.New("voice: no active session")

	// ErrNoEndpoint is returned by [Controller.StartRealtime] when neither a
	// WebSocket URL nor a [Resolver] is configured.
	ErrNoEndpoint = errors.New("voice: no realtime endpoint configured")
)

// Defaults for [Config].
const (
	DefaultRearmDelay   = time.Second
	DefaultReplyTimeout = 30 * time.Second
	defaultSendTimeout  = 10 * time.Second
)

// ─── Collaborators ────────────────────────────────────────────────────────────

// Player schedules reply audio. [playback.Scheduler] implements it.
type Player interface {
	Enqueue(item playback.Item) error
	Stop() int
	IdleCh() <-chan struct{}
}

// Resolver looks up the WebSocket endpoint of a persona's realtime session.
// [backend.Client] implements it.
type Resolver interface {
	StartRealtime(ctx context.Context, personaID string) (backend.Realtime, error)
}

// Dialer creates a transport for cfg. The default is [transport.New].
type Dialer func(cfg transport.Config) transport.Transport

// ChatSink receives everything the user should see. Methods are called from
// the session goroutine and must not block for long.
type ChatSink interface {
	// UserTranscript is the recognised text of one of the user's utterances.
	UserTranscript(text string)

	// AssistantText is a reply of the persona.
	AssistantText(text string, persona transport.Character)

	// Diagnostic reports a non-conversational event.
	Diagnostic(d Diagnostic)
}

// DiagnosticKind classifies a [Diagnostic].
type DiagnosticKind string

// Diagnostic kinds.
const (
	DiagSessionStarted    DiagnosticKind = "session_started"
	DiagSessionStopped    DiagnosticKind = "session_stopped"
	DiagDeviceUnavailable DiagnosticKind = "device_unavailable"
	DiagStreamTerminated  DiagnosticKind = "stream_terminated"
	DiagTooShort          DiagnosticKind = "too_short"
	DiagEncodingDegraded  DiagnosticKind = "encoding_degraded"
	DiagSendDropped       DiagnosticKind = "send_dropped"
	DiagReconnecting      DiagnosticKind = "reconnecting"
	DiagReconnected       DiagnosticKind = "reconnected"
	DiagDisconnected      DiagnosticKind = "disconnected"
	DiagRecognition       DiagnosticKind = "recognition_failed"
	DiagRemoteError       DiagnosticKind = "remote_error"
	DiagReplyTimeout      DiagnosticKind = "reply_timeout"
	DiagPlayback          DiagnosticKind = "playback_failed"
)

// Diagnostic is a non-conversational notice for the user.
type Diagnostic struct {
	Kind    DiagnosticKind
	Message string
	Err     error
}

func (d Diagnostic) String() string {
	if d.Err != nil {
		return fmt.Sprintf("%s: %s: %v", d.Kind, d.Message, d.Err)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// ─── Configuration ────────────────────────────────────────────────────────────

// Config describes a voice session.
type Config struct {
	// URL is the WebSocket endpoint. Empty resolves it through the
	// [Resolver] on every start.
	URL string

	// VoiceConfig is forwarded in start_voice_session.
	VoiceConfig map[string]any

	// Continuous re-arms listening after every completed turn.
	Continuous bool

	// RearmDelay is the pause between the end of reply playback and
	// re-arming in continuous mode. Default 1s.
	RearmDelay time.Duration

	// ReplyTimeout abandons an in-flight utterance without a terminal reply.
	// Default 30s.
	ReplyTimeout time.Duration

	// Capture is passed to [audio.Source.Open].
	Capture audio.Constraints

	// Segment configures the segmenter.
	Segment segment.Config

	// Transport is the template for every session transport. URL,
	// CharacterID and VoiceConfig are filled in per session.
	Transport transport.Config
}

func (c Config) withDefaults() Config {
	if c.RearmDelay <= 0 {
		c.RearmDelay = DefaultRearmDelay
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.Capture.Channels == 0 {
		c.Capture.Channels = 1
	}
	return c
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithEncoder replaces the default 16 kHz encoder.
func WithEncoder(e *codec.Encoder) Option {
	return func(c *Controller) { c.encoder = e }
}

// WithResolver sets the endpoint resolver used when Config.URL is empty.
func WithResolver(r Resolver) Option {
	return func(c *Controller) { c.resolver = r }
}

// WithDialer replaces [transport.New].
func WithDialer(d Dialer) Option {
	return func(c *Controller) { c.dial = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// ─── Controller ───────────────────────────────────────────────────────────────

// State is the controller lifecycle.
type State int

const (
	StateIdle State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// SessionInfo is a snapshot of the running session.
type SessionInfo struct {
	// ID is the server-assigned session id once voice_session_started
	// arrived, a local id before that.
	ID        string
	PersonaID string
	Persona   transport.Character
	URL       string
	Transport transport.State
	Segmenter segment.State
	Started   time.Time
}

// Controller runs at most one voice session at a time. It is safe for
// concurrent use.
type Controller struct {
	cfg      Config
	source   audio.Source
	vad      vad.Engine
	player   Player
	sink     ChatSink
	encoder  *codec.Encoder
	resolver Resolver
	dial     Dialer
	metrics  *observe.Metrics

	// lifecycle serialises StartRealtime and StopRealtime.
	lifecycle sync.Mutex

	mu     sync.Mutex
	active *session
}

// New creates an idle Controller.
func New(cfg Config, source audio.Source, engine vad.Engine, player Player, sink ChatSink, opts ...Option) (*Controller, error) {
	var errs []error
	if source == nil {
		errs = append(errs, errors.New("audio source is nil"))
	}
	if engine == nil {
		errs = append(errs, errors.New("vad engine is nil"))
	}
	if player == nil {
		errs = append(errs, errors.New("player is nil"))
	}
	if sink == nil {
		errs = append(errs, errors.New("chat sink is nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("voice: %w", err)
	}

	c := &Controller{
		cfg:    cfg.withDefaults(),
		source: source,
		vad:    engine,
		player: player,
		sink:   sink,
		dial:   func(cfg transport.Config) transport.Transport { return transport.New(cfg) },
	}
	for _, o := range opts {
		o(c)
	}
	if c.encoder == nil {
		c.encoder = codec.New()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// State reports whether a session is running.
func (c *Controller) State() State {
	if c.current() != nil {
		return StateActive
	}
	return StateIdle
}

// Session returns a snapshot of the running session.
func (c *Controller) Session() (SessionInfo, bool) {
	s := c.current()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// StartRealtime starts a voice session with personaID: it resolves the
// endpoint, acquires the capture device, connects the transport and arms the
// segmenter. On any failure every acquired resource is released and the
// controller stays idle.
func (c *Controller) StartRealtime(ctx context.Context, personaID string) (err error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.current() != nil {
		return ErrAlreadyActive
	}

	ctx, span := observe.StartSpan(ctx, "voice.start")
	defer func() {
		observe.Fail(span, err)
		span.End()
	}()

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	url := cfg.URL
	var persona transport.Character
	if url == "" {
		if c.resolver == nil {
			return ErrNoEndpoint
		}
		rt, err := c.resolver.StartRealtime(ctx, personaID)
		if err != nil {
			return fmt.Errorf("voice: resolve endpoint: %w", err)
		}
		url, persona = rt.WebSocketURL, rt.Character
	}

	stream, err := c.source.Open(ctx, cfg.Capture)
	if err != nil {
		c.sink.Diagnostic(Diagnostic{Kind: DiagDeviceUnavailable, Message: "microphone unavailable", Err: err})
		return fmt.Errorf("voice: open capture: %w", err)
	}

	seg, err := segment.New(c.vad, cfg.Segment)
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("voice: %w", err)
	}

	tcfg := cfg.Transport
	tcfg.URL = url
	tcfg.CharacterID = personaID
	tcfg.VoiceConfig = cfg.VoiceConfig
	tr := c.dial(tcfg)
	if err := tr.Connect(ctx); err != nil {
		_ = tr.Close()
		_ = stream.Close()
		_ = seg.Close()
		return fmt.Errorf("voice: connect %s: %w", url, err)
	}

	s := newSession(c, sessionParams{
		personaID: personaID,
		persona:   persona,
		url:       url,
		stream:    stream,
		seg:       seg,
		tr:        tr,
	})
	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(s.ctx).Info("voice: session started",
		"persona", personaID,
		"url", url,
		"format", stream.Format().String(),
		"continuous", cfg.Continuous,
	)
	c.sink.Diagnostic(Diagnostic{Kind: DiagSessionStarted, Message: "listening"})
	go s.run()
	return nil
}

// StopRealtime ends the running session: it sends stop_voice_session, closes
// the transport, releases the capture device, stops playback and resets the
// segmenter. It returns once every resource is released.
func (c *Controller) StopRealtime(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	s := c.current()
	if s == nil {
		return ErrNotActive
	}
	s.requestStop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the running session ends, or nil when
// idle.
func (c *Controller) Done() <-chan struct{} {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.done
}

// Listen arms the segmenter for the next utterance. While an utterance is in
// flight the request is remembered and honoured after its terminal event.
func (c *Controller) Listen(ctx context.Context) error {
	return c.do(ctx, func(s *session) error { return s.listen() })
}

// StopUtterance finalizes the current utterance immediately, regardless of
// the silence timer.
func (c *Controller) StopUtterance(ctx context.Context) error {
	return c.do(ctx, func(s *session) error { return s.stopUtterance() })
}

// SendText sends a typed message to the persona.
func (c *Controller) SendText(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("voice: empty text message")
	}
	return c.do(ctx, func(s *session) error { return s.sendText(text) })
}

// SetContinuous switches between continuous and manual turn taking.
func (c *Controller) SetContinuous(ctx context.Context, on bool) error {
	c.mu.Lock()
	c.cfg.Continuous = on
	c.mu.Unlock()
	err := c.do(ctx, func(s *session) error {
		s.continuous = on
		if on && s.inflight == nil {
			s.cancelRearm()
			s.rearm()
		}
		return nil
	})
	if errors.Is(err, ErrNotActive) {
		return nil
	}
	return err
}

// SetSegmentConfig updates segmentation thresholds, for the running session
// and for future ones.
func (c *Controller) SetSegmentConfig(ctx context.Context, cfg segment.Config) error {
	c.mu.Lock()
	c.cfg.Segment = cfg
	c.mu.Unlock()
	err := c.do(ctx, func(s *session) error { return s.seg.SetConfig(cfg) })
	if errors.Is(err, ErrNotActive) {
		return nil
	}
	return err
}

// SetVoiceConfig replaces the voice configuration sent with the next
// start_voice_session.
func (c *Controller) SetVoiceConfig(vc map[string]any) {
	c.mu.Lock()
	c.cfg.VoiceConfig = vc
	c.mu.Unlock()
}

func (c *Controller) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// release is called by the session goroutine when it has torn down.
func (c *Controller) release(s *session) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
}

// do runs fn on the session goroutine and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(*session) error) error {
	s := c.current()
	if s == nil {
		return ErrNotActive
	}
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
}
