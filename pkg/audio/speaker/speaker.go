// Package speaker renders playback clips on the system audio output through
// github.com/ebitengine/oto/v3. It implements [playback.Sink].
//
// oto permits a single context per process, so a [Sink] fixes the output
// format at construction and converts every clip to it.
package speaker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parlance/pkg/audio/playback"
)

// Defaults for the output format.
const (
	DefaultSampleRate = 44100
	DefaultChannels   = 2
	pollInterval      = 10 * time.Millisecond
)

// Option is a functional option for configuring a [Sink].
type Option func(*Sink)

// WithFormat sets the output sample rate and channel count (1 or 2).
func WithFormat(sampleRate, channels int) Option {
	return func(s *Sink) {
		if sampleRate > 0 {
			s.sampleRate = sampleRate
		}
		if channels == 1 || channels == 2 {
			s.channels = channels
		}
	}
}

// WithBufferSize sets the oto player buffer duration. Smaller buffers stop
// faster on interruption at the cost of underrun risk.
func WithBufferSize(d time.Duration) Option {
	return func(s *Sink) { s.buffer = d }
}

// Sink plays PCM on the default output device.
type Sink struct {
	sampleRate int
	channels   int
	buffer     time.Duration

	otoCtx *oto.Context

	// oto mixes concurrent players; the scheduler never overlaps clips, but
	// direct callers might.
	mu sync.Mutex
}

// New creates the oto context and waits for the device to become ready.
func New(opts ...Option) (*Sink, error) {
	s := &Sink{
		sampleRate: DefaultSampleRate,
		channels:   DefaultChannels,
		buffer:     100 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   s.sampleRate,
		ChannelCount: s.channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   s.buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: create output context: %w", err)
	}
	<-ready
	s.otoCtx = otoCtx
	slog.Info("speaker: output ready", "sample_rate", s.sampleRate, "channels", s.channels)
	return s, nil
}

// Play renders pcm and blocks until it finished or ctx is cancelled. On
// cancellation the player is paused and discarded immediately.
func (s *Sink) Play(ctx context.Context, pcm playback.PCM) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcm = playback.Conform(pcm, s.sampleRate, s.channels)
	player := s.otoCtx.NewPlayer(bytes.NewReader(pcm.Data))
	defer player.Close()

	player.Play()
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := player.Err(); err != nil {
		return fmt.Errorf("speaker: play: %w", err)
	}
	return nil
}

// Suspend pauses the output device. Resume restarts it.
func (s *Sink) Suspend() error { return s.otoCtx.Suspend() }

// Resume restarts a suspended output device.
func (s *Sink) Resume() error { return s.otoCtx.Resume() }

// Compile-time interface assertion.
var _ playback.Sink = (*Sink)(nil)
