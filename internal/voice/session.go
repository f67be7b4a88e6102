package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/segment"
	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/audio/playback"
	"github.com/MrWong99/parlance/pkg/transport"
)

const stopMessageTimeout = 2 * time.Second

type command struct {
	fn    func(*session) error
	reply chan error
}

type sessionParams struct {
	personaID string
	persona   transport.Character
	url       string
	stream    audio.Stream
	seg       *segment.Segmenter
	tr        transport.Transport
}

// inflight is the utterance awaiting its terminal reply.
type inflight struct {
	id      string
	sent    time.Time
	replied bool
}

// session is one running voice session. Every field below the channel block
// is owned by the run goroutine.
type session struct {
	c         *Controller
	personaID string
	url       string
	started   time.Time
	stream    audio.Stream
	seg       *segment.Segmenter
	tr        transport.Transport

	cmds     chan command
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	id      string
	persona transport.Character
	trState transport.State

	ctx          context.Context
	continuous   bool
	inflight     *inflight
	wantListen   bool
	awaitIdle    bool
	reconnecting bool
	lastText     string
	replyTimer   *time.Timer
	rearmTimer   *time.Timer
}

func newSession(c *Controller, p sessionParams) *session {
	id := uuid.NewString()
	c.mu.Lock()
	continuous := c.cfg.Continuous
	c.mu.Unlock()
	return &session{
		c:          c,
		personaID:  p.personaID,
		url:        p.url,
		started:    time.Now(),
		stream:     p.stream,
		seg:        p.seg,
		tr:         p.tr,
		cmds:       make(chan command),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		id:         id,
		persona:    p.persona,
		trState:    p.tr.State(),
		ctx:        observe.WithSessionID(context.Background(), id),
		continuous: continuous,
	}
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		PersonaID: s.personaID,
		Persona:   s.persona,
		URL:       s.url,
		Transport: s.trState,
		Segmenter: s.seg.State(),
		Started:   s.started,
	}
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) log() *slog.Logger { return observe.Logger(s.ctx) }

// ─── Loop ─────────────────────────────────────────────────────────────────────

func (s *session) run() {
	defer close(s.done)
	defer s.teardown()

	s.seg.Listen()
	frames := s.stream.Frames()
	events := s.tr.Events()

	for {
		var idle <-chan struct{}
		if s.awaitIdle {
			idle = s.c.player.IdleCh()
		}

		select {
		case <-s.stop:
			return

		case f, ok := <-frames:
			if !ok {
				s.streamEnded()
				return
			}
			s.handleFrame(f)

		case ev, ok := <-events:
			if !ok {
				s.c.sink.Diagnostic(Diagnostic{Kind: DiagDisconnected, Message: "connection closed"})
				return
			}
			if !s.handleEvent(ev) {
				return
			}

		case cmd := <-s.cmds:
			cmd.reply <- cmd.fn(s)

		case <-timerC(s.replyTimer):
			s.replyTimer = nil
			s.replyTimedOut()

		case <-idle:
			s.awaitIdle = false
			s.rearmTimer = time.NewTimer(s.c.cfg.RearmDelay)

		case <-timerC(s.rearmTimer):
			s.rearmTimer = nil
			s.rearm()
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *session) streamEnded() {
	err := s.stream.Err()
	if err == nil {
		err = audio.ErrStreamTerminated
	}
	s.log().Warn("voice: capture stream ended", "err", err)
	s.c.sink.Diagnostic(Diagnostic{Kind: DiagStreamTerminated, Message: "microphone stopped delivering audio", Err: err})
}

func (s *session) teardown() {
	stopTimer(s.replyTimer)
	stopTimer(s.rearmTimer)

	if s.tr.State() == transport.StateOpen {
		ctx, cancel := context.WithTimeout(s.ctx, stopMessageTimeout)
		if err := s.tr.Send(ctx, transport.StopVoiceSession{}); err != nil {
			s.log().Debug("voice: stop_voice_session not delivered", "err", err)
		} else {
			s.c.metrics.RecordMessage(s.ctx, string(transport.TypeStopVoiceSession), "out")
		}
		cancel()
	}

	err := errors.Join(s.tr.Close(), s.stream.Close())
	audio.Drain(s.stream.Frames())
	dropped := s.c.player.Stop()
	s.seg.Reset()
	err = errors.Join(err, s.seg.Close())
	if err != nil {
		s.log().Warn("voice: session teardown", "err", err)
	}

	s.c.metrics.ActiveSessions.Add(s.ctx, -1)
	s.c.release(s)
	s.log().Info("voice: session stopped",
		"duration", time.Since(s.started).Round(time.Millisecond),
		"dropped_clips", dropped,
	)
	s.c.sink.Diagnostic(Diagnostic{Kind: DiagSessionStopped, Message: "voice session ended"})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// ─── Capture ──────────────────────────────────────────────────────────────────

func (s *session) handleFrame(f audio.AudioFrame) {
	ev, err := s.seg.Process(f)
	if err != nil {
		s.log().Warn("voice: segmenter rejected frame", "err", err)
		return
	}
	s.handleSegment(ev)
}

func (s *session) handleSegment(ev segment.Event) {
	switch ev.Type {
	case segment.EventSpeechStart:
		s.log().Debug("voice: speech started", "offset", ev.Offset)
	case segment.EventFinalized:
		s.submit(ev.Utterance)
	case segment.EventDiscarded:
		s.c.metrics.RecordUtterance(s.ctx, observe.OutcomeTooShort)
		s.log().Info("voice: utterance discarded", "err", ev.Err)
		s.c.sink.Diagnostic(Diagnostic{Kind: DiagTooShort, Message: "utterance too short, listening again", Err: ev.Err})
		s.seg.Listen()
	}
}

// submit encodes u and sends it. On success the utterance is in flight until
// its terminal reply.
func (s *session) submit(u *segment.Utterance) {
	start := time.Now()
	clip, encErr := s.c.encoder.Encode(u.Frames, u.SampleRate)
	s.c.metrics.EncodeDuration.Record(s.ctx, time.Since(start).Seconds())

	outcome := observe.OutcomeSent
	if encErr != nil {
		outcome = observe.OutcomeDegraded
		s.log().Warn("voice: sending unencoded utterance", "err", encErr, "container", clip.Container)
		s.c.sink.Diagnostic(Diagnostic{Kind: DiagEncodingDegraded, Message: "audio sent without conversion", Err: encErr})
	}

	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(s.ctx, defaultSendTimeout)
	err := s.tr.Send(ctx, transport.AudioData{Audio: clip.Data, UtteranceID: id})
	cancel()
	if err != nil {
		s.c.metrics.RecordUtterance(s.ctx, observe.OutcomeDropped)
		s.log().Warn("voice: utterance dropped", "err", err, "duration", clip.Duration)
		s.c.sink.Diagnostic(Diagnostic{Kind: DiagSendDropped, Message: "utterance could not be sent", Err: err})
		s.seg.Listen()
		return
	}

	s.c.metrics.RecordUtterance(s.ctx, outcome)
	s.c.metrics.RecordMessage(s.ctx, string(transport.TypeAudioData), "out")
	s.log().Info("voice: utterance sent",
		"utterance_id", id,
		"duration", clip.Duration,
		"bytes", len(clip.Data),
		"manual", u.Manual,
	)
	s.inflight = &inflight{id: id, sent: time.Now()}
	s.lastText = ""
	s.replyTimer = time.NewTimer(s.c.cfg.ReplyTimeout)
}

// ─── Transport ────────────────────────────────────────────────────────────────

// handleEvent reports false when the session must end.
func (s *session) handleEvent(ev transport.Event) bool {
	switch ev.Kind {
	case transport.EventState:
		s.transportState(ev.State)
	case transport.EventError:
		if errors.Is(ev.Err, transport.ErrReconnectExhausted) {
			s.log().Error("voice: giving up on connection", "err", ev.Err)
			s.c.sink.Diagnostic(Diagnostic{Kind: DiagDisconnected, Message: "connection lost", Err: ev.Err})
			return false
		}
		s.log().Warn("voice: transport error", "err", ev.Err)
	case transport.EventMessage:
		if ev.Message != nil {
			s.c.metrics.RecordMessage(s.ctx, string(ev.Message.MessageType()), "in")
			s.handleMessage(ev.Message)
		}
	}
	return true
}

func (s *session) transportState(st transport.State) {
	s.mu.Lock()
	s.trState = st
	s.mu.Unlock()
	s.c.metrics.RecordTransportState(s.ctx, st.String())

	switch st {
	case transport.StateReconnecting:
		if !s.reconnecting {
			s.reconnecting = true
			s.c.sink.Diagnostic(Diagnostic{Kind: DiagReconnecting, Message: "connection lost, reconnecting"})
		}
	case transport.StateOpen:
		if s.reconnecting {
			s.reconnecting = false
			s.c.sink.Diagnostic(Diagnostic{Kind: DiagReconnected, Message: "connection restored"})
		}
	}
}

func (s *session) handleMessage(m transport.Message) {
	switch m := m.(type) {
	case transport.ConnectionEstablished:
		s.log().Debug("voice: connection established", "connection_id", m.ConnectionID)

	case transport.VoiceSessionStarted:
		s.mu.Lock()
		if m.SessionID != "" {
			s.id = m.SessionID
		}
		if m.Character.Label() != "" {
			s.persona = m.Character
		}
		id := s.id
		s.mu.Unlock()
		s.ctx = observe.WithSessionID(context.Background(), id)
		s.log().Info("voice: remote session started", "persona", m.Character.Label())

	case transport.VoiceSessionStopped:
		s.log().Info("voice: remote session stopped")

	case transport.AITextResponse:
		s.replied(m.UtteranceID)
		s.lastText = m.Text
		s.c.sink.AssistantText(m.Text, s.character(m.Character))

	case transport.AIVoiceResponse:
		s.replied(m.UtteranceID)
		if m.Text != "" && m.Text != s.lastText {
			s.lastText = m.Text
			s.c.sink.AssistantText(m.Text, s.character(m.Character))
		}
		s.play(m)

	case transport.AudioProcessed:
		if s.stale(m.UtteranceID) {
			s.log().Debug("voice: ignoring result of stale utterance", "utterance_id", m.UtteranceID)
			return
		}
		switch m.Result.Type {
		case transport.ResultSpeechRecognized:
			s.c.sink.UserTranscript(m.Result.Text)
		default:
			msg := m.Result.Message
			if msg == "" {
				msg = string(m.Result.Type)
			}
			s.c.sink.Diagnostic(Diagnostic{Kind: DiagRecognition, Message: msg})
		}
		if s.inflight != nil {
			s.endTurn(m.Result.Type == transport.ResultSpeechRecognized)
		}

	case transport.ErrorMessage:
		err := m.AsError()
		s.log().Warn("voice: remote error", "err", err, "utterance_id", m.UtteranceID)
		s.c.sink.Diagnostic(Diagnostic{Kind: DiagRemoteError, Message: m.Message, Err: err})
		if s.inflight != nil && !s.stale(m.UtteranceID) {
			s.endTurn(false)
		}

	case transport.Pong:
		if r, ok := s.tr.(interface{ RTT() time.Duration }); ok {
			if rtt := r.RTT(); rtt > 0 {
				s.c.metrics.HeartbeatRTT.Record(s.ctx, rtt.Seconds())
			}
		}

	default:
		s.log().Debug("voice: unhandled message", "type", m.MessageType())
	}
}

// stale reports whether a reply belongs to an utterance other than the one in
// flight. Replies without an id always belong to the current turn.
func (s *session) stale(id string) bool {
	return id != "" && (s.inflight == nil || s.inflight.id != id)
}

// replied records the reply latency of the first reply to the in-flight
// utterance.
func (s *session) replied(id string) {
	if s.inflight == nil || s.inflight.replied || s.stale(id) {
		return
	}
	s.inflight.replied = true
	s.c.metrics.ReplyLatency.Record(s.ctx, time.Since(s.inflight.sent).Seconds())
}

func (s *session) character(c transport.Character) transport.Character {
	if c.Label() != "" {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

func (s *session) play(m transport.AIVoiceResponse) {
	if m.AudioURL == "" && len(m.Audio) == 0 {
		return
	}
	if s.stale(m.UtteranceID) {
		s.c.metrics.RecordPlayback(s.ctx, "stale")
		s.log().Info("voice: not playing reply to stale utterance", "utterance_id", m.UtteranceID)
		return
	}
	item := playback.Item{ID: m.UtteranceID, Ref: m.AudioURL, Data: m.Audio, Text: m.Text}
	if item.ID == "" && s.inflight != nil {
		item.ID = s.inflight.id
	}
	if err := s.c.player.Enqueue(item); err != nil {
		s.c.sink.Diagnostic(Diagnostic{Kind: DiagPlayback, Message: "reply audio could not be queued", Err: err})
	}
}

// ─── Turn taking ──────────────────────────────────────────────────────────────

func (s *session) replyTimedOut() {
	if s.inflight == nil {
		return
	}
	s.c.metrics.RecordUtterance(s.ctx, observe.OutcomeTimeout)
	s.log().Warn("voice: no reply to utterance", "utterance_id", s.inflight.id, "timeout", s.c.cfg.ReplyTimeout)
	s.c.sink.Diagnostic(Diagnostic{
		Kind:    DiagReplyTimeout,
		Message: fmt.Sprintf("no reply within %v", s.c.cfg.ReplyTimeout),
	})
	s.endTurn(false)
}

// endTurn clears the in-flight utterance and decides when to listen again.
func (s *session) endTurn(ok bool) {
	s.inflight = nil
	stopTimer(s.replyTimer)
	s.replyTimer = nil

	switch {
	case !ok, s.wantListen:
		s.wantListen = false
		s.rearm()
	case s.continuous:
		s.awaitIdle = true
	}
}

func (s *session) rearm() {
	if s.seg.State() != segment.StateIdle {
		return
	}
	s.seg.Listen()
	s.log().Debug("voice: listening")
}

func (s *session) cancelRearm() {
	s.awaitIdle = false
	stopTimer(s.rearmTimer)
	s.rearmTimer = nil
}

// ─── Commands ─────────────────────────────────────────────────────────────────

func (s *session) listen() error {
	if s.inflight != nil {
		s.wantListen = true
		return nil
	}
	s.cancelRearm()
	s.rearm()
	return nil
}

func (s *session) stopUtterance() error {
	ev := s.seg.Stop()
	if ev.Type == segment.EventNone {
		return nil
	}
	s.cancelRearm()
	s.handleSegment(ev)
	return nil
}

func (s *session) sendText(text string) error {
	ctx, cancel := context.WithTimeout(s.ctx, defaultSendTimeout)
	defer cancel()
	if err := s.tr.Send(ctx, transport.TextMessage{Message: text}); err != nil {
		return fmt.Errorf("voice: send text: %w", err)
	}
	s.c.metrics.RecordMessage(s.ctx, string(transport.TypeTextMessage), "out")
	s.lastText = ""
	return nil
}
