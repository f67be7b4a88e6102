// Package transport maintains the persistent, bidirectional JSON message
// channel between the voice client and the roleplay backend.
//
// A [Session] dials a WebSocket endpoint, announces the persona with a
// start_voice_session message, keeps the link alive with periodic pings, and
// transparently reconnects after abnormal closures. Inbound messages, state
// transitions and errors are delivered in order on [Session.Events].
//
// State machine:
//
//	Disconnected → Connecting → Open → Closing → Disconnected
//	                             ↓ ↑
//	                         Reconnecting
//
// A close with status 1000 (normal closure), from either side, is graceful
// and never retried. Any other closure, including a dropped network link, is
// abnormal and enters Reconnecting.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Default session parameters.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongTimeout       = 10 * time.Second
	DefaultReconnectBackoff  = 3 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	defaultEventBuffer       = 64
)

var (
	// ErrNotOpen is returned by [Session.Send] unless the session is Open.
	ErrNotOpen = errors.New("transport: session not open")

	// ErrReconnectExhausted is delivered as an error event when
	// Config.MaxReconnectAttempts consecutive reconnects have failed.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrClosed is returned by [Session.Connect] once the session was closed.
	ErrClosed = errors.New("transport: session closed")
)

// State is the connection state of a [Session].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventKind discriminates [Event].
type EventKind int

const (
	// EventMessage carries an inbound protocol message.
	EventMessage EventKind = iota

	// EventState reports a state transition.
	EventState

	// EventError reports a session-level failure such as
	// [ErrReconnectExhausted].
	EventError
)

// Event is one entry on [Session.Events].
type Event struct {
	Kind    EventKind
	Message Message
	State   State
	Err     error
}

// Config describes the endpoint and the session-level behaviour.
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string

	// Header is sent with every dial.
	Header http.Header

	// CharacterID and VoiceConfig populate the start_voice_session message
	// sent after every successful dial.
	CharacterID string
	VoiceConfig map[string]any

	// HeartbeatInterval is the ping period. Default 30s.
	HeartbeatInterval time.Duration

	// PongTimeout is how long a ping may go unanswered before it is logged.
	// Missing pongs never close the session. Default 10s.
	PongTimeout time.Duration

	// ReconnectBackoff is the fixed delay before each reconnect attempt.
	// Default 3s.
	ReconnectBackoff time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects. 0 retries
	// until success or Close.
	MaxReconnectAttempts int

	// DialTimeout bounds each dial. Default 10s.
	DialTimeout time.Duration

	// EventBuffer is the capacity of the Events channel. Default 64.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}

// Transport is the contract the voice controller depends on. [Session] is the
// WebSocket implementation; transport/mock provides a test double.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, m Message) error
	Events() <-chan Event
	State() State
	Close() error
}

// Session is a single-use transport session. After it reaches its terminal
// Disconnected state the Events channel is closed and the Session cannot be
// reconnected; create a new one instead.
//
// All methods are safe for concurrent use.
type Session struct {
	cfg Config

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	started bool

	events       chan Event
	emitMu       sync.RWMutex
	eventsClosed bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	pingSent     atomic.Int64 // unix nanos of the outstanding ping, 0 when answered
	reconnects   atomic.Int64
	lastRTTNanos atomic.Int64
}

// New creates a disconnected [Session]. Call [Session.Connect] to dial.
func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		closed: make(chan struct{}),
	}
}

// Events returns the ordered stream of inbound messages, state transitions
// and errors. It is closed when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconnects returns the number of successful reconnects so far.
func (s *Session) Reconnects() int { return int(s.reconnects.Load()) }

// RTT returns the round-trip time measured by the most recent answered ping.
func (s *Session) RTT() time.Duration { return time.Duration(s.lastRTTNanos.Load()) }

// Connect dials the endpoint and sends start_voice_session. It may be called
// once; on failure the session ends in Disconnected and its Events channel
// is closed. ctx governs the initial dial only.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.isClosed() {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		s.finish()
		s.wg.Done()
		return err
	}

	go s.run(conn)
	return nil
}

// Send transmits m. It fails with [ErrNotOpen] unless the session is Open,
// and fails promptly when the session is closed mid-send.
func (s *Session) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateOpen || conn == nil {
		return fmt.Errorf("%w (state %s)", ErrNotOpen, state)
	}

	data, err := Encode(m)
	if err != nil {
		return err
	}

	ctx, cancel := s.bindClose(ctx)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if s.isClosed() {
			return fmt.Errorf("transport: send %s: %w", m.MessageType(), ErrClosed)
		}
		return fmt.Errorf("transport: send %s: %w", m.MessageType(), err)
	}
	return nil
}

// Close ends the session gracefully with a normal closure and waits for the
// background goroutines to exit. Subsequent calls are no-ops.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.started = true
		open := s.state == StateOpen
		s.mu.Unlock()

		close(s.closed)
		if open {
			s.setState(StateClosing)
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
				slog.Debug("transport: close handshake", "err", err)
			}
		}
		s.wg.Wait()
		if !started {
			s.finish()
		}
	})
	return nil
}

// run owns one connection at a time until the session terminates.
func (s *Session) run(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.finish()

	for {
		err := s.serve(conn)
		_ = conn.CloseNow()

		if s.isClosed() {
			s.setState(StateDisconnected)
			return
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			slog.Info("transport: server closed session", "url", s.cfg.URL)
			s.setConn(nil)
			s.setState(StateDisconnected)
			return
		}

		slog.Warn("transport: abnormal closure, reconnecting",
			"url", s.cfg.URL,
			"status", int(websocket.CloseStatus(err)),
			"err", err,
		)
		conn = s.reconnect()
		if conn == nil {
			s.setState(StateDisconnected)
			return
		}
	}
}

// serve reads from conn until it fails, running the heartbeat alongside.
func (s *Session) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(context.Background())
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		s.heartbeat(ctx, conn)
	}()
	// The heartbeat only exits once ctx is cancelled.
	defer func() {
		cancel()
		hb.Wait()
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			slog.Warn("transport: ignoring binary frame", "bytes", len(data))
			continue
		}
		s.dispatch(data)
	}
}

// dispatch decodes one inbound frame and forwards it. Unknown and malformed
// messages are logged and dropped.
func (s *Session) dispatch(data []byte) {
	m, err := Decode(data)
	switch {
	case errors.Is(err, ErrUnknownType):
		slog.Warn("transport: ignoring unknown message", "err", err)
		return
	case err != nil:
		slog.Warn("transport: ignoring malformed message", "err", err, "bytes", len(data))
		return
	}

	if _, ok := m.(Pong); ok {
		if sent := s.pingSent.Swap(0); sent != 0 {
			s.lastRTTNanos.Store(time.Now().UnixNano() - sent)
		}
	}
	s.emit(Event{Kind: EventMessage, Message: m})
}

func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if sent := s.pingSent.Load(); sent != 0 {
			if overdue := time.Since(time.Unix(0, sent)); overdue > s.cfg.PongTimeout {
				slog.Warn("transport: heartbeat pong overdue", "url", s.cfg.URL, "overdue", overdue)
			}
		}

		data, err := Encode(Ping{Timestamp: Now()})
		if err != nil {
			continue
		}
		s.pingSent.CompareAndSwap(0, time.Now().UnixNano())
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("transport: ping failed", "err", err)
			return
		}
	}
}

// reconnect dials with a fixed backoff until it succeeds, the session is
// closed, or the attempt budget runs out. It returns nil in the latter cases.
func (s *Session) reconnect() *websocket.Conn {
	s.setConn(nil)
	s.setState(StateReconnecting)

	for attempt := 1; ; attempt++ {
		select {
		case <-s.closed:
			return nil
		case <-time.After(s.cfg.ReconnectBackoff):
		}

		slog.Info("transport: attempting reconnection", "url", s.cfg.URL, "attempt", attempt)
		conn, err := s.dial(context.Background())
		if err == nil {
			s.reconnects.Add(1)
			slog.Info("transport: reconnected", "url", s.cfg.URL, "attempt", attempt)
			return conn
		}
		if s.isClosed() {
			return nil
		}
		slog.Warn("transport: reconnection attempt failed", "url", s.cfg.URL, "attempt", attempt, "err", err)

		if limit := s.cfg.MaxReconnectAttempts; limit > 0 && attempt >= limit {
			slog.Error("transport: giving up reconnecting", "url", s.cfg.URL, "attempts", attempt)
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, err)})
			return nil
		}
	}
}

// dial opens a connection, announces the session and moves to Open.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	ctx, unbind := s.bindClose(ctx)
	defer unbind()

	conn, _, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{
		HTTPHeader: s.cfg.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", s.cfg.URL, err)
	}
	// Replies may carry inline audio.
	conn.SetReadLimit(32 << 20)

	cfg := s.cfg.VoiceConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	start, err := Encode(StartVoiceSession{CharacterID: s.cfg.CharacterID, Config: cfg})
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("transport: send start_voice_session: %w", err)
	}

	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		_ = conn.CloseNow()
		return nil, ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()
	s.pingSent.Store(0)
	s.setState(StateOpen)
	return conn, nil
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	slog.Debug("transport: state change", "from", from, "to", to)
	s.emit(Event{Kind: EventState, State: to})
}

// emit delivers ev unless the session has been closed by the caller, in
// which case pending events are dropped.
func (s *Session) emit(ev Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// finish closes the Events channel exactly once.
func (s *Session) finish() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// bindClose derives a context that is also cancelled when the session closes.
func (s *Session) bindClose(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Compile-time interface assertion.
var _ Transport = (*Session)(nil)
