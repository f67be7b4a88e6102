// Package mock provides a recording implementation of [voice.ChatSink] for
// use in unit tests.
package mock

import (
	"sync"

	"github.com/MrWong99/parlance/internal/voice"
	"github.com/MrWong99/parlance/pkg/transport"
)

// AssistantCall records a single AssistantText invocation.
type AssistantCall struct {
	Text    string
	Persona transport.Character
}

// ChatSink is a mock implementation of [voice.ChatSink]. Every call is
// recorded; Notify, if set, receives a signal after each call.
type ChatSink struct {
	mu sync.Mutex

	// Transcripts records UserTranscript calls.
	Transcripts []string

	// Replies records AssistantText calls.
	Replies []AssistantCall

	// Diagnostics records Diagnostic calls.
	Diagnostics []voice.Diagnostic

	// Notify, if non-nil, receives a non-blocking signal after every call.
	Notify chan struct{}
}

// UserTranscript implements [voice.ChatSink].
func (s *ChatSink) UserTranscript(text string) {
	s.mu.Lock()
	s.Transcripts = append(s.Transcripts, text)
	s.mu.Unlock()
	s.signal()
}

// AssistantText implements [voice.ChatSink].
func (s *ChatSink) AssistantText(text string, persona transport.Character) {
	s.mu.Lock()
	s.Replies = append(s.Replies, AssistantCall{Text: text, Persona: persona})
	s.mu.Unlock()
	s.signal()
}

// Diagnostic implements [voice.ChatSink].
func (s *ChatSink) Diagnostic(d voice.Diagnostic) {
	s.mu.Lock()
	s.Diagnostics = append(s.Diagnostics, d)
	s.mu.Unlock()
	s.signal()
}

// TranscriptsSnapshot returns a copy of Transcripts.
func (s *ChatSink) TranscriptsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Transcripts...)
}

// RepliesSnapshot returns a copy of Replies.
func (s *ChatSink) RepliesSnapshot() []AssistantCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AssistantCall(nil), s.Replies...)
}

// Kinds returns the kinds of all recorded diagnostics in order.
func (s *ChatSink) Kinds() []voice.DiagnosticKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]voice.DiagnosticKind, len(s.Diagnostics))
	for i, d := range s.Diagnostics {
		out[i] = d.Kind
	}
	return out
}

// Has reports whether a diagnostic of kind was recorded.
func (s *ChatSink) Has(kind voice.DiagnosticKind) bool {
	for _, k := range s.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *ChatSink) signal() {
	if s.Notify == nil {
		return
	}
	select {
	case s.Notify <- struct{}{}:
	default:
	}
}

// Compile-time interface assertion.
var _ voice.ChatSink = (*ChatSink)(nil)
