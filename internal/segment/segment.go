// Package segment decides where utterances begin and end in a stream of
// captured audio frames.
//
// A [Segmenter] walks the state machine
//
//	Idle → Listening → Speaking ⇄ TrailingSilence → Finalized → Idle
//
// Each frame is classified by a [vad.SessionHandle] (the energy engine by
// default). Once speech has been heard, continuous silence of
// Config.SilenceTimeout finalizes the utterance; [Segmenter.Stop] finalizes
// immediately. Utterances shorter than Config.MinUtterance are discarded with
// [ErrTooShort].
//
// All timing is measured on the audio clock (sample counts), never wall
// clock, so segmentation is deterministic for a given frame sequence.
package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/provider/vad"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultSilenceThreshold = 0.01
	DefaultSilenceTimeout   = 2000 * time.Millisecond
	DefaultMinUtterance     = 300 * time.Millisecond
	DefaultPreRoll          = 300 * time.Millisecond
	DefaultMaxUtterance     = 60 * time.Second
)

// ErrTooShort is carried by [EventDiscarded] when an utterance holds less
// captured audio than Config.MinUtterance.
var ErrTooShort = errors.New("segment: utterance too short")

// State is the segmenter's position in its state machine.
type State int

const (
	// StateIdle ignores frames until [Segmenter.Listen] is called.
	StateIdle State = iota

	// StateListening is armed but has not heard speech yet.
	StateListening

	// StateSpeaking is receiving frames at or above the silence threshold.
	StateSpeaking

	// StateTrailingSilence has heard speech and is timing the silence after it.
	StateTrailingSilence

	// StateFinalized is entered for the instant an utterance is emitted,
	// immediately followed by StateIdle.
	StateFinalized
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateTrailingSilence:
		return "trailing_silence"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Config holds segmentation thresholds. Zero values select the defaults.
type Config struct {
	// SilenceThreshold is the RMS level separating speech from silence.
	SilenceThreshold float64

	// SilenceTimeout is how much continuous silence after speech ends an
	// utterance.
	SilenceTimeout time.Duration

	// MinUtterance is the minimum captured audio an utterance must hold to be
	// finalized rather than discarded.
	MinUtterance time.Duration

	// PreRoll is how much audio preceding the speech onset is kept.
	PreRoll time.Duration

	// MaxUtterance bounds buffered audio. Speech running past it is finalized;
	// idle listening keeps only the most recent MaxUtterance.
	MaxUtterance time.Duration
}

func (c Config) withDefaults() Config {
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MinUtterance == 0 {
		c.MinUtterance = DefaultMinUtterance
	}
	if c.PreRoll == 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.MaxUtterance == 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("silence threshold %.4f out of range [0, 1]", c.SilenceThreshold))
	}
	if c.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("negative silence timeout %v", c.SilenceTimeout))
	}
	if c.MinUtterance < 0 {
		errs = append(errs, fmt.Errorf("negative min utterance %v", c.MinUtterance))
	}
	if c.PreRoll < 0 {
		errs = append(errs, fmt.Errorf("negative pre-roll %v", c.PreRoll))
	}
	if c.MaxUtterance < c.SilenceTimeout {
		errs = append(errs, fmt.Errorf("max utterance %v shorter than silence timeout %v", c.MaxUtterance, c.SilenceTimeout))
	}
	return errors.Join(errs...)
}

// EventType classifies the outcome of feeding a frame.
type EventType int

const (
	// EventNone means the frame changed nothing observable.
	EventNone EventType = iota

	// EventSpeechStart is emitted on the first speech frame of an utterance.
	EventSpeechStart

	// EventFinalized carries a complete utterance.
	EventFinalized

	// EventDiscarded carries the reason an utterance was dropped.
	EventDiscarded
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventSpeechStart:
		return "speech_start"
	case EventFinalized:
		return "finalized"
	case EventDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Event is returned by [Segmenter.Process] and [Segmenter.Stop].
type Event struct {
	Type EventType

	// Offset is the audio-clock position, measured from Listen, at which the
	// event fired.
	Offset time.Duration

	// Utterance is set for EventFinalized and EventDiscarded.
	Utterance *Utterance

	// Err explains an EventDiscarded.
	Err error
}

// Utterance is one finalized span of speech with its surrounding audio.
type Utterance struct {
	// Frames are the captured frames in order. Ownership passes to the caller.
	Frames []audio.AudioFrame

	// SampleRate and Channels describe Frames.
	SampleRate int
	Channels   int

	// Start and End are audio-clock offsets from Listen.
	Start time.Duration
	End   time.Duration

	// Speech is the total duration of frames classified as speech.
	Speech time.Duration

	// Manual is true when the utterance was finalized by [Segmenter.Stop].
	Manual bool
}

// Duration returns the length of captured audio in the utterance.
func (u *Utterance) Duration() time.Duration { return u.End - u.Start }

// Option is a functional option for configuring a [Segmenter].
type Option func(*Segmenter)

// WithStateHook registers fn to be called on every state transition. fn runs
// with the segmenter's lock held and must not call back into it.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Segmenter) {
		s.onState = fn
	}
}

// Segmenter turns frames into utterances. It is safe for concurrent use,
// though frames must be fed in capture order from a single goroutine.
type Segmenter struct {
	engine  vad.Engine
	onState func(from, to State)

	mu    sync.Mutex
	cfg   Config
	sess  vad.SessionHandle
	state State

	buf      []audio.AudioFrame
	rate     int
	channels int

	// All counters are in sample frames at rate.
	processed  int64 // since Listen
	bufStart   int64 // offset of buf[0]
	bufSamples int64
	silence    int64
	speech     int64
}

// New creates a [Segmenter] that classifies frames with engine.
func New(engine vad.Engine, cfg Config, opts ...Option) (*Segmenter, error) {
	if engine == nil {
		return nil, errors.New("segment: engine must not be nil")
	}
	s := &Segmenter{engine: engine}
	for _, o := range opts {
		o(s)
	}
	if err := s.SetConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// SetConfig replaces the thresholds. An utterance in progress is kept; the
// new values apply from the next frame.
func (s *Segmenter) SetConfig(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("segment: invalid config: %w", err)
	}
	sess, err := s.engine.NewSession(vad.Config{SpeechThreshold: cfg.SilenceThreshold})
	if err != nil {
		return fmt.Errorf("segment: create vad session: %w", err)
	}

	s.mu.Lock()
	old := s.sess
	s.cfg = cfg
	s.sess = sess
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Config returns the active configuration with defaults applied.
func (s *Segmenter) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State returns the current state.
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen arms the segmenter. It is a no-op unless the segmenter is idle.
func (s *Segmenter) Listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}
	s.clear()
	s.sess.Reset()
	s.transition(StateListening)
}

// Reset drops any buffered audio and returns to Idle without emitting.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	if s.state != StateIdle {
		s.transition(StateIdle)
	}
}

// Close releases the VAD session.
func (s *Segmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	s.state = StateIdle
	return s.sess.Close()
}

// Process feeds one frame. Frames arriving while idle are ignored.
func (s *Segmenter) Process(f audio.AudioFrame) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle || f.Len() == 0 {
		return Event{}, nil
	}
	if f.SampleRate <= 0 {
		return Event{}, fmt.Errorf("segment: frame has invalid sample rate %d", f.SampleRate)
	}
	if s.rate == 0 {
		s.rate, s.channels = f.SampleRate, f.Channels
	} else if f.SampleRate != s.rate || f.Channels != s.channels {
		return Event{}, fmt.Errorf("segment: frame format %dHz/%dch differs from %dHz/%dch",
			f.SampleRate, f.Channels, s.rate, s.channels)
	}

	mono := f.Samples
	if f.Channels > 1 {
		mono = audio.Downmix(f.Samples, f.Channels)
	}
	ev, err := s.sess.ProcessFrame(mono)
	if err != nil {
		return Event{}, fmt.Errorf("segment: vad: %w", err)
	}

	n := int64(f.Len())
	s.buf = append(s.buf, f)
	s.bufSamples += n
	s.processed += n

	speech := ev.IsSpeech()
	switch s.state {
	case StateListening:
		if !speech {
			s.trimTo(s.cfg.MaxUtterance)
			return Event{}, nil
		}
		// Keep PreRoll of audio before this frame.
		s.trimTo(s.cfg.PreRoll + s.dur(n))
		s.speech = n
		s.transition(StateSpeaking)
		return Event{Type: EventSpeechStart, Offset: s.dur(s.processed - n)}, nil

	case StateSpeaking, StateTrailingSilence:
		if speech {
			s.silence = 0
			s.speech += n
			if s.state != StateSpeaking {
				s.transition(StateSpeaking)
			}
		} else {
			s.silence += n
			if s.state != StateTrailingSilence {
				s.transition(StateTrailingSilence)
			}
			if s.reached(s.silence, s.cfg.SilenceTimeout) {
				return s.finalize(false), nil
			}
		}
		if s.reached(s.bufSamples, s.cfg.MaxUtterance) {
			slog.Warn("segment: utterance reached maximum length, finalizing",
				"max", s.cfg.MaxUtterance)
			return s.finalize(false), nil
		}
	}
	return Event{}, nil
}

// Stop finalizes the current utterance immediately, regardless of the
// silence timer. It returns EventNone when the segmenter is idle.
func (s *Segmenter) Stop() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return Event{}
	}
	return s.finalize(true)
}

// finalize emits the buffered frames and returns to Idle. Must be called with
// s.mu held and s.state != StateIdle.
func (s *Segmenter) finalize(manual bool) Event {
	u := &Utterance{
		Frames:     s.buf,
		SampleRate: s.rate,
		Channels:   s.channels,
		Start:      s.dur(s.bufStart),
		End:        s.dur(s.processed),
		Speech:     s.dur(s.speech),
		Manual:     manual,
	}
	offset := u.End

	s.transition(StateFinalized)
	captured := s.bufSamples
	long := s.rate > 0 && s.reached(captured, s.cfg.MinUtterance)
	s.clear()
	s.transition(StateIdle)

	if !long {
		return Event{
			Type:      EventDiscarded,
			Offset:    offset,
			Utterance: u,
			Err:       fmt.Errorf("%w: %v captured, need %v", ErrTooShort, u.Duration(), s.cfg.MinUtterance),
		}
	}
	return Event{Type: EventFinalized, Offset: offset, Utterance: u}
}

// trimTo drops whole frames from the head of the buffer while the remainder
// still covers at least d.
func (s *Segmenter) trimTo(d time.Duration) {
	for len(s.buf) > 1 {
		head := int64(s.buf[0].Len())
		if !s.reached(s.bufSamples-head, d) {
			return
		}
		s.buf[0] = audio.AudioFrame{}
		s.buf = s.buf[1:]
		s.bufSamples -= head
		s.bufStart += head
	}
}

// reached reports whether samples at s.rate span at least d.
func (s *Segmenter) reached(samples int64, d time.Duration) bool {
	return samples*int64(time.Second) >= int64(d)*int64(s.rate)
}

// dur converts a sample count at s.rate to a duration.
func (s *Segmenter) dur(samples int64) time.Duration {
	if s.rate == 0 {
		return 0
	}
	return time.Duration(samples * int64(time.Second) / int64(s.rate))
}

// clear resets the utterance buffers. Must be called with s.mu held.
func (s *Segmenter) clear() {
	s.buf = nil
	s.rate, s.channels = 0, 0
	s.processed, s.bufStart, s.bufSamples = 0, 0, 0
	s.silence, s.speech = 0, 0
}

func (s *Segmenter) transition(to State) {
	from := s.state
	s.state = to
	if s.onState != nil {
		s.onState(from, to)
	}
}
