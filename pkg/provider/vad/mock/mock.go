// Package mock provides scripted [vad.Engine] and [vad.SessionHandle]
// implementations for tests.
//
// A Session answers from Events in order and then repeats EventResult. When
// Gate is set it instead classifies each frame by its peak amplitude, which
// lets segmenter tests drive speech runs with synthetic audio.
package mock

import (
	"errors"
	"math"
	"slices"
	"sync"

	"github.com/MrWong99/parlance/pkg/provider/vad"
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad mock: session closed")

// Engine hands out Session, or a fresh default [Session] when it is nil.
type Engine struct {
	// Session is returned by every NewSession call when non-nil.
	Session vad.SessionHandle

	// NewSessionErr fails every NewSession call when non-nil.
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	e.configs = append(e.configs, cfg)
	e.mu.Unlock()

	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session != nil:
		return e.Session, nil
	default:
		return &Session{}, nil
	}
}

// Calls returns the configs passed to NewSession, oldest first.
func (e *Engine) Calls() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.configs)
}

// Session is a scripted [vad.SessionHandle].
type Session struct {
	// Events are returned one per frame until exhausted.
	Events []vad.VADEvent

	// EventResult is returned once Events is empty.
	EventResult vad.VADEvent

	// Gate, when positive, overrides Events: a frame whose peak reaches Gate
	// is speech, anything quieter is silence.
	Gate float64

	// ProcessFrameErr fails every ProcessFrame call when non-nil.
	ProcessFrameErr error

	mu       sync.Mutex
	frames   [][]float32
	speaking bool
	resets   int
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle]. It keeps a copy of samples.
func (s *Session) ProcessFrame(samples []float32) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}
	s.frames = append(s.frames, slices.Clone(samples))
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	if s.Gate > 0 {
		return s.gate(samples), nil
	}
	if len(s.Events) == 0 {
		return s.EventResult, nil
	}
	ev := s.Events[0]
	s.Events = s.Events[1:]
	return ev, nil
}

func (s *Session) gate(samples []float32) vad.VADEvent {
	var peak float64
	for _, v := range samples {
		peak = max(peak, math.Abs(float64(v)))
	}
	ev := vad.VADEvent{Level: peak}
	loud := peak >= s.Gate
	switch {
	case loud && !s.speaking:
		ev.Type = vad.VADSpeechStart
	case loud:
		ev.Type = vad.VADSpeechContinue
	case s.speaking:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	s.speaking = loud
	return ev
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.resets++
}

// Close implements [vad.SessionHandle]. Later frames fail with [ErrClosed].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns copies of every frame seen so far.
func (s *Session) Frames() [][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// FrameCount returns the number of frames seen so far.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Resets returns how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
