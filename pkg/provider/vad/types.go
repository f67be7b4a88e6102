package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Level is the engine's raw score for the frame (RMS for the energy
	// engine, speech probability for model-based engines).
	Level float64
}

// IsSpeech reports whether the frame belongs to an active speech run.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
