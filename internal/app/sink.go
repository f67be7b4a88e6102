package app

import (
	"log/slog"

	"github.com/MrWong99/parlance/internal/voice"
	"github.com/MrWong99/parlance/pkg/transport"
)

// LogSink is a [voice.ChatSink] that writes the conversation to the default
// slog logger.
type LogSink struct{}

// UserTranscript implements [voice.ChatSink].
func (LogSink) UserTranscript(text string) {
	slog.Info("you said", "text", text)
}

// AssistantText implements [voice.ChatSink].
func (LogSink) AssistantText(text string, persona transport.Character) {
	slog.Info("reply", "persona", persona.Label(), "text", text)
}

// Diagnostic implements [voice.ChatSink].
func (LogSink) Diagnostic(d voice.Diagnostic) {
	switch d.Kind {
	case voice.DiagSessionStarted, voice.DiagSessionStopped, voice.DiagReconnected:
		slog.Info("voice", "kind", string(d.Kind), "message", d.Message)
	case voice.DiagDeviceUnavailable, voice.DiagStreamTerminated, voice.DiagDisconnected, voice.DiagRemoteError:
		slog.Error("voice", "kind", string(d.Kind), "message", d.Message, "err", d.Err)
	default:
		slog.Warn("voice", "kind", string(d.Kind), "message", d.Message, "err", d.Err)
	}
}

var _ voice.ChatSink = LogSink{}
