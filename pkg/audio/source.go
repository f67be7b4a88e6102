// Package audio defines the frame type, the capture-source abstraction and the
// sample-level DSP helpers used by the parlance voice pipeline.
//
// The primary abstractions are:
//
//   - [Source] acquires a capture device and returns a [Stream].
//   - [Stream] is a lazy, non-restartable sequence of [AudioFrame] values that
//     owns the device until [Stream.Close] is called.
//
// Implementations live in adapter packages (e.g., audio/capture for PortAudio).
// This package lives under pkg/ so that other capture backends can implement
// [Source] without depending on parlance internals.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceUnavailable is returned by [Source.Open] when no capture device
	// exists, access is denied, or the device cannot be opened. It is fatal to
	// the voice session and is not retried.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

	// ErrStreamTerminated is reported by [Stream.Err] when the device was
	// revoked or failed while the stream was running.
	ErrStreamTerminated = errors.New("audio: capture stream terminated")
)

// DefaultFrameDuration is the capture block size used when [Constraints]
// leaves FrameDuration unset. It doubles as the energy window of the
// voice-activity segmenter.
const DefaultFrameDuration = 100 * time.Millisecond

// Constraints describes what the caller would like from the capture device.
// Every field is a preference: devices may not honour the sample rate or the
// processing hints, and the actual format is reported by [Stream.Format].
type Constraints struct {
	// DeviceName selects an input device by name. Empty selects the system default.
	DeviceName string

	// SampleRate is the desired capture rate in Hz. 0 uses the device default.
	SampleRate int

	// Channels is the desired channel count. 1 expresses a mono preference.
	Channels int

	// FrameDuration is the length of each emitted frame. 0 means
	// [DefaultFrameDuration].
	FrameDuration time.Duration

	// EchoCancellation, NoiseSuppression and AutoGainControl are processing
	// hints. Backends without such controls log and ignore them.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// FramesPerBuffer returns the number of sample frames per emitted frame at
// the given sample rate.
func (c Constraints) FramesPerBuffer(sampleRate int) int {
	d := c.FrameDuration
	if d <= 0 {
		d = DefaultFrameDuration
	}
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// Stream is an open capture stream. It exclusively owns the underlying device
// until Close is called.
//
// Implementations must be safe for concurrent use; Close may be called from
// any goroutine and any number of times.
type Stream interface {
	// Frames returns the channel of captured frames. The channel is closed when
	// the stream ends, either through Close or because the device failed.
	Frames() <-chan AudioFrame

	// Format reports the sample rate and channel count actually delivered.
	Format() Format

	// Err returns nil if the stream ended through Close, or an error wrapping
	// [ErrStreamTerminated] if the device failed. Only meaningful after the
	// Frames channel is closed.
	Err() error

	// Close stops capture and releases the device. Subsequent calls are no-ops.
	Close() error
}

// Source is the entry point for a capture backend.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires the capture device and starts streaming. ctx governs the
	// acquisition only; the stream stays alive until [Stream.Close].
	//
	// Returns an error wrapping [ErrDeviceUnavailable] if the device cannot be
	// acquired.
	Open(ctx context.Context, c Constraints) (Stream, error)
}
