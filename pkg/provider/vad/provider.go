// Package vad defines the Engine interface for voice-activity detection backends.
//
// A VAD engine wraps a frame-level speech detector (an RMS energy gate, WebRTC
// VAD, a neural model, …) and surfaces it as a stateful, per-stream session.
// Each session keeps its own state so that independent streams can be
// processed concurrently.
//
// VAD is synchronous: ProcessFrame returns immediately with a
// classification. Timing decisions (how long silence must last before an
// utterance ends) belong to the caller, see internal/segment.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session. Thresholds are expressed in
// the engine's native scale; for the energy engine this is linear RMS of
// float samples in [-1, 1].
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame.
	SampleRate int

	// FrameSizeMs is the expected frame duration in milliseconds. 0 accepts
	// frames of any length.
	FrameSizeMs int

	// SpeechThreshold is the level at or above which a frame is classified as
	// speech. Typical for the energy engine: 0.01.
	SpeechThreshold float64

	// SilenceThreshold is the level below which an active speech run is
	// considered ended. Must be ≤ SpeechThreshold. 0 means "same as
	// SpeechThreshold" (no hysteresis).
	SilenceThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies one mono frame of float samples and returns the
	// detection result. It must not block.
	ProcessFrame(samples []float32) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame must return an error. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
