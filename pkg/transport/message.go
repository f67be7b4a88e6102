package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnknownType is returned by [Decode] for a well-formed envelope whose
// type tag is not part of the protocol.
var ErrUnknownType = errors.New("transport: unknown message type")

// Type is the value of the "type" field that tags every wire message.
type Type string

// Client → server message types.
const (
	TypeStartVoiceSession Type = "start_voice_session"
	TypeAudioData         Type = "audio_data"
	TypeTextMessage       Type = "text_message"
	TypePing              Type = "ping"
	TypeStopVoiceSession  Type = "stop_voice_session"
)

// Server → client message types.
const (
	TypeConnectionEstablished Type = "connection_established"
	TypeVoiceSessionStarted   Type = "voice_session_started"
	TypeAudioProcessed        Type = "audio_processed"
	TypeAITextResponse        Type = "ai_text_response"
	TypeAIVoiceResponse       Type = "ai_voice_response"
	TypeVoiceSessionStopped   Type = "voice_session_stopped"
	TypePong                  Type = "pong"
	TypeError                 Type = "error"
)

// Message is one protocol message. The set of implementations is closed: it
// is exactly the structs declared in this file.
type Message interface {
	// MessageType returns the wire type tag.
	MessageType() Type

	message()
}

// Timestamp is a point in time on the wire. Servers send ISO-8601 strings,
// clients send Unix milliseconds; both decode. Timestamps always encode as
// Unix milliseconds.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp{time.Now()} }

// MarshalJSON encodes t as Unix milliseconds, or null when zero.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, t.UnixMilli(), 10), nil
}

// timestampLayouts are tried in order for string timestamps. Python's
// isoformat omits the zone designator.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON accepts a number (Unix milliseconds), an ISO-8601 string or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Timestamp{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		for _, layout := range timestampLayouts {
			if v, err := time.Parse(layout, s); err == nil {
				t.Time = v
				return nil
			}
		}
		return fmt.Errorf("transport: unrecognised timestamp %q", s)
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("transport: timestamp: %w", err)
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

// Character is the persona description the server attaches to replies.
type Character struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Label returns the display name, falling back to the id. Servers that send
// the persona as a bare string put the name in ID.
func (c Character) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// UnmarshalJSON accepts an object, a bare id string, a numeric id or null.
func (c *Character) UnmarshalJSON(data []byte) error {
	switch {
	case string(data) == "null":
		return nil
	case len(data) > 0 && data[0] == '"':
		return json.Unmarshal(data, &c.ID)
	case len(data) > 0 && data[0] != '{':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		c.ID = n.String()
		return nil
	}
	var obj struct {
		ID          json.RawMessage `json:"id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Name, c.Description = obj.Name, obj.Description
	if len(obj.ID) == 0 || obj.ID[0] == '{' {
		return nil
	}
	return c.UnmarshalJSON(obj.ID)
}

// ─── Client → server ─────────────────────────────────────────────────────────

// StartVoiceSession opens a voice session for a persona.
type StartVoiceSession struct {
	CharacterID string         `json:"character_id"`
	Config      map[string]any `json:"config"`
}

// AudioData carries one complete utterance. Audio is base64 encoded on the wire.
type AudioData struct {
	Audio       []byte `json:"audio_data"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

// TextMessage sends typed text in place of speech.
type TextMessage struct {
	Message string `json:"message"`
}

// Ping is the client heartbeat.
type Ping struct {
	Timestamp Timestamp `json:"timestamp"`
}

// StopVoiceSession ends the voice session without closing the connection.
type StopVoiceSession struct{}

// ─── Server → client ─────────────────────────────────────────────────────────

// ConnectionEstablished greets a new connection.
type ConnectionEstablished struct {
	ConnectionID string    `json:"connection_id"`
	Timestamp    Timestamp `json:"timestamp"`
}

// VoiceSessionStarted acknowledges [StartVoiceSession].
type VoiceSessionStarted struct {
	SessionID string         `json:"session_id"`
	Character Character      `json:"character"`
	Config    map[string]any `json:"config,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
}

// ResultType classifies an [AudioProcessed] result.
type ResultType string

// Recognition outcomes.
const (
	ResultSpeechRecognized  ResultType = "speech_recognized"
	ResultRecognitionFailed ResultType = "recognition_failed"
	ResultRecognitionError  ResultType = "recognition_error"
	ResultError             ResultType = "error"
)

// Result is the recognition outcome inside [AudioProcessed].
type Result struct {
	Type    ResultType `json:"type"`
	Text    string     `json:"text,omitempty"`
	Message string     `json:"message,omitempty"`
}

// AudioProcessed reports the recognition result for an utterance. It is the
// last message the server sends for a given utterance.
type AudioProcessed struct {
	Result      Result    `json:"result"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Timestamp   Timestamp `json:"timestamp"`
}

// AITextResponse is the persona's textual reply.
type AITextResponse struct {
	Text        string    `json:"text"`
	Character   Character `json:"character"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Timestamp   Timestamp `json:"timestamp"`
}

// AIVoiceResponse is the persona's spoken reply. The audio is either a URL
// or inline bytes.
type AIVoiceResponse struct {
	Text        string    `json:"text"`
	AudioURL    string    `json:"audio_url,omitempty"`
	Audio       []byte    `json:"audio_data,omitempty"`
	Character   Character `json:"character"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Timestamp   Timestamp `json:"timestamp"`
}

// VoiceSessionStopped acknowledges [StopVoiceSession].
type VoiceSessionStopped struct {
	SessionID string    `json:"session_id"`
	Timestamp Timestamp `json:"timestamp"`
}

// Pong answers a [Ping].
type Pong struct {
	Timestamp Timestamp `json:"timestamp"`
}

// ErrorMessage is a server-side failure report. The connection stays open.
type ErrorMessage struct {
	Message     string    `json:"message"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Timestamp   Timestamp `json:"timestamp"`
}

func (StartVoiceSession) MessageType() Type     { return TypeStartVoiceSession }
func (AudioData) MessageType() Type             { return TypeAudioData }
func (TextMessage) MessageType() Type           { return TypeTextMessage }
func (Ping) MessageType() Type                  { return TypePing }
func (StopVoiceSession) MessageType() Type      { return TypeStopVoiceSession }
func (ConnectionEstablished) MessageType() Type { return TypeConnectionEstablished }
func (VoiceSessionStarted) MessageType() Type   { return TypeVoiceSessionStarted }
func (AudioProcessed) MessageType() Type        { return TypeAudioProcessed }
func (AITextResponse) MessageType() Type        { return TypeAITextResponse }
func (AIVoiceResponse) MessageType() Type       { return TypeAIVoiceResponse }
func (VoiceSessionStopped) MessageType() Type   { return TypeVoiceSessionStopped }
func (Pong) MessageType() Type                  { return TypePong }
func (ErrorMessage) MessageType() Type          { return TypeError }

func (StartVoiceSession) message()     {}
func (AudioData) message()             {}
func (TextMessage) message()           {}
func (Ping) message()                  {}
func (StopVoiceSession) message()      {}
func (ConnectionEstablished) message() {}
func (VoiceSessionStarted) message()   {}
func (AudioProcessed) message()        {}
func (AITextResponse) message()        {}
func (AIVoiceResponse) message()       {}
func (VoiceSessionStopped) message()   {}
func (Pong) message()                  {}
func (ErrorMessage) message()          {}

// RemoteError is a server-reported failure, surfaced as an error value.
type RemoteError struct {
	Message     string
	UtteranceID string
}

func (e *RemoteError) Error() string {
	return "transport: remote error: " + e.Message
}

// AsError converts m into a [RemoteError].
func (m ErrorMessage) AsError() *RemoteError {
	return &RemoteError{Message: m.Message, UtteranceID: m.UtteranceID}
}

// Encode serialises m with its type tag.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("transport: encode: nil message")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", m.MessageType(), err)
	}
	tag, _ := json.Marshal(m.MessageType())

	// Splice the tag in front of the struct's own fields.
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses one wire message. An unknown tag yields an error wrapping
// [ErrUnknownType]; malformed JSON yields a plain decode error.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: decode envelope: %w", err)
	}

	var m Message
	switch env.Type {
	case TypeStartVoiceSession:
		m = &StartVoiceSession{}
	case TypeAudioData:
		m = &AudioData{}
	case TypeTextMessage:
		m = &TextMessage{}
	case TypePing:
		m = &Ping{}
	case TypeStopVoiceSession:
		return StopVoiceSession{}, nil
	case TypeConnectionEstablished:
		m = &ConnectionEstablished{}
	case TypeVoiceSessionStarted:
		m = &VoiceSessionStarted{}
	case TypeAudioProcessed:
		m = &AudioProcessed{}
	case TypeAITextResponse:
		m = &AITextResponse{}
	case TypeAIVoiceResponse:
		m = &AIVoiceResponse{}
	case TypeVoiceSessionStopped:
		m = &VoiceSessionStopped{}
	case TypePong:
		m = &Pong{}
	case TypeError:
		m = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("transport: decode %s: %w", env.Type, err)
	}
	return deref(m), nil
}

// deref returns the value form of a decoded message so that callers can
// type-switch on value types only.
func deref(m Message) Message {
	switch v := m.(type) {
	case *StartVoiceSession:
		return *v
	case *AudioData:
		return *v
	case *TextMessage:
		return *v
	case *Ping:
		return *v
	case *ConnectionEstablished:
		return *v
	case *VoiceSessionStarted:
		return *v
	case *AudioProcessed:
		return *v
	case *AITextResponse:
		return *v
	case *AIVoiceResponse:
		return *v
	case *VoiceSessionStopped:
		return *v
	case *Pong:
		return *v
	case *ErrorMessage:
		return *v
	}
	return m
}
