// Package mock provides a controllable [playback.Sink] for use in unit tests.
//
// In blocking mode every Play call parks until the test calls
// [Sink.Complete] or the scheduler cancels it, which makes "A is still
// playing" an observable, deterministic state.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parlance/pkg/audio/playback"
)

// Sink is a mock implementation of [playback.Sink].
type Sink struct {
	block   bool
	started chan playback.PCM
	release chan struct{}

	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call that is not
	// cancelled.
	PlayErr error

	// Played records every PCM passed to Play in order.
	Played []playback.PCM

	// Cancelled counts Play calls that returned because ctx was cancelled.
	Cancelled int
}

// NewSink returns a Sink. When block is true, Play waits for Complete.
func NewSink(block bool) *Sink {
	return &Sink{
		block:   block,
		started: make(chan playback.PCM, 64),
		release: make(chan struct{}),
	}
}

// Play implements [playback.Sink].
func (s *Sink) Play(ctx context.Context, pcm playback.PCM) error {
	s.mu.Lock()
	s.Played = append(s.Played, pcm)
	err := s.PlayErr
	s.mu.Unlock()

	select {
	case s.started <- pcm:
	default:
	}

	if s.block {
		select {
		case <-s.release:
		case <-ctx.Done():
			s.mu.Lock()
			s.Cancelled++
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	return err
}

// Started delivers each PCM as its Play call begins.
func (s *Sink) Started() <-chan playback.PCM { return s.started }

// Complete lets one blocked Play call finish successfully. It blocks until a
// Play call takes the release.
func (s *Sink) Complete() { s.release <- struct{}{} }

// PlayCount returns the number of Play calls.
func (s *Sink) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

// CancelCount returns Cancelled under the lock.
func (s *Sink) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Cancelled
}

// Compile-time interface assertion.
var _ playback.Sink = (*Sink)(nil)
