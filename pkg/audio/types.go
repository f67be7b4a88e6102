package audio

import "time"

// AudioFrame represents a single block of captured audio flowing through the
// pipeline. Frames are produced once by a [Stream], owned by whichever stage is
// currently processing them, and never mutated in place by more than one stage.
type AudioFrame struct {
	// Samples holds interleaved float samples in the range [-1, 1]. For
	// multi-channel frames the layout is L0 R0 L1 R1 ….
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for most capture devices, 16000 for the
	// canonical upload format).
	SampleRate int

	// Channels is the number of interleaved channels in Samples.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Len returns the number of sample frames (samples per channel) in f.
func (f AudioFrame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of f. It returns 0 for frames with
// an invalid sample rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
