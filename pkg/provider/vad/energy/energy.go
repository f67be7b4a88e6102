// Package energy provides a pure-Go VAD engine that gates on the RMS energy
// of each frame. It implements the vad.Engine interface.
//
// A frame is speech when its RMS reaches SpeechThreshold. Once speech has
// started it continues while the RMS stays at or above SilenceThreshold,
// giving simple hysteresis against flicker around the threshold.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/provider/vad"
)

// DefaultThreshold is the RMS level used when a session config leaves
// SpeechThreshold unset.
const DefaultThreshold = 0.01

var errClosed = errors.New("energy: session is closed")

// Engine creates RMS-gated VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an [Engine].
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = cfg.SpeechThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %.4f out of range [0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.4f must be within [0, %.4f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.FrameSizeMs < 0 {
		return nil, fmt.Errorf("energy: negative frame size %d", cfg.FrameSizeMs)
	}
	if cfg.FrameSizeMs > 0 && cfg.SampleRate <= 0 {
		return nil, errors.New("energy: sample rate required when frame size is fixed")
	}
	return &session{cfg: cfg}, nil
}

// session implements vad.SessionHandle.
type session struct {
	cfg vad.Config

	mu       sync.Mutex
	inSpeech bool
	closed   bool
}

func (s *session) ProcessFrame(samples []float32) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if s.cfg.FrameSizeMs > 0 {
		want := s.cfg.SampleRate * s.cfg.FrameSizeMs / 1000
		if len(samples) != want {
			return vad.VADEvent{}, fmt.Errorf("energy: frame has %d samples, want %d", len(samples), want)
		}
	}

	level := audio.RMS(samples)
	ev := vad.VADEvent{Level: level}
	switch {
	case !s.inSpeech && level >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = vad.VADSpeechStart
	case s.inSpeech && level >= s.cfg.SilenceThreshold:
		ev.Type = vad.VADSpeechContinue
	case s.inSpeech:
		s.inSpeech = false
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)
