// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Format{SampleRate: 16000, Channels: 1}, 64)
//	src := &mock.Source{OpenResult: stream}
//	s, err := src.Open(ctx, audio.Constraints{SampleRate: 16000})
//	stream.Push(frame)
//	stream.Terminate(errors.New("device unplugged"))
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parlance/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Frames are injected with
// [Stream.Push]; the stream ends through [Stream.Close] or [Stream.Terminate].
type Stream struct {
	format audio.Format
	frames chan audio.AudioFrame
	done   chan struct{}
	once   sync.Once
	sendMu sync.RWMutex

	mu  sync.Mutex
	err error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream that reports format and buffers up to buf frames.
func NewStream(format audio.Format, buf int) *Stream {
	return &Stream{
		format: format,
		frames: make(chan audio.AudioFrame, buf),
		done:   make(chan struct{}),
	}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Err implements [audio.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers frame to the consumer. It blocks while the buffer is full and
// reports false if the stream has already ended.
func (s *Stream) Push(frame audio.AudioFrame) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return false
	}
}

// Terminate ends the stream as if the device had been revoked. [Stream.Err]
// then returns an error wrapping [audio.ErrStreamTerminated] and cause.
func (s *Stream) Terminate(cause error) {
	s.finish(fmt.Errorf("%w: %w", audio.ErrStreamTerminated, cause))
}

// Close implements [audio.Stream]. Records the call; only the first call ends
// the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.finish(nil)
	return nil
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CloseCount returns CallCountClose under the lock.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		// Pending Push calls observe done and release the read lock.
		s.sendMu.Lock()
		close(s.frames)
		s.sendMu.Unlock()
	})
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is the stream returned by Open. When nil and OpenError is nil,
	// Open returns a fresh mono 16 kHz [Stream].
	OpenResult audio.Stream

	// OpenError is returned by Open.
	OpenError error

	// OpenCalls records the constraints passed to each Open call.
	OpenCalls []audio.Constraints
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, c audio.Constraints) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, c)
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.OpenResult == nil {
		return NewStream(audio.Format{SampleRate: 16000, Channels: 1}, 64), nil
	}
	return s.OpenResult, nil
}

// OpenCount returns the number of Open calls.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
)
