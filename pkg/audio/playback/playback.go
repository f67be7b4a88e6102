// Package playback plays reply clips strictly one at a time, in arrival order.
//
// A [Scheduler] owns a FIFO queue of [Item] values. Each item is either a
// reference resolved through a [Fetcher] or inline container bytes. Items are
// decoded (WAVE or MP3) to 16-bit PCM and handed to a [Sink] such as the
// speaker package's oto-backed output. The next item starts as soon as the
// current one completes or fails; [Scheduler.Stop] interrupts the current
// item, clears the queue and never advances to the pending items.
//
// Lifecycle callbacks ([OnStarted], [OnCompleted], [OnFailed]) run on the
// scheduler's dispatch goroutine. Panics in callbacks are recovered and
// logged, and the queue keeps advancing.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/audio/codec"
)

var (
	// ErrStopped is passed to OnFailed for the item interrupted by
	// [Scheduler.Stop].
	ErrStopped = errors.New("playback: stopped")

	// ErrClosed is returned by [Scheduler.Enqueue] after Close.
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrNoSource is passed to OnFailed for an item that has neither a
	// reference nor inline data, or a reference but no fetcher.
	ErrNoSource = errors.New("playback: item has no audio source")
)

// Item is one clip to play.
type Item struct {
	// ID correlates the item with the utterance that produced it.
	ID string

	// Ref is a clip reference (usually a URL) resolved by the [Fetcher].
	Ref string

	// Data holds inline container bytes. Used when non-empty.
	Data []byte

	// Text is the reply text, for logging and display.
	Text string
}

// PCM is decoded interleaved signed 16-bit little-endian audio.
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback length of p.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	frames := len(p.Data) / (2 * p.Channels)
	return time.Duration(frames) * time.Second / time.Duration(p.SampleRate)
}

// Sink renders PCM. Play blocks until the audio has finished playing or ctx
// is cancelled, in which case output must stop immediately.
type Sink interface {
	Play(ctx context.Context, pcm PCM) error
}

// Fetcher resolves a clip reference to container bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FetchFunc adapts a function to [Fetcher].
type FetchFunc func(ctx context.Context, ref string) ([]byte, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, ref string) ([]byte, error) { return f(ctx, ref) }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithFetcher sets the resolver for [Item.Ref].
func WithFetcher(f Fetcher) Option {
	return func(s *Scheduler) { s.fetcher = f }
}

// WithGap inserts d of silence between consecutive items. Default 0.
func WithGap(d time.Duration) Option {
	return func(s *Scheduler) { s.gap = d }
}

// OnStarted registers fn to run when an item begins playing.
func OnStarted(fn func(Item)) Option {
	return func(s *Scheduler) { s.onStarted = fn }
}

// OnCompleted registers fn to run when an item finished playing.
func OnCompleted(fn func(Item)) Option {
	return func(s *Scheduler) { s.onCompleted = fn }
}

// OnFailed registers fn to run when an item could not be fetched, decoded or
// played, or was interrupted by Stop ([ErrStopped]).
func OnFailed(fn func(Item, error)) Option {
	return func(s *Scheduler) { s.onFailed = fn }
}

// Scheduler is a FIFO playback queue. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	sink        Sink
	fetcher     Fetcher
	gap         time.Duration
	onStarted   func(Item)
	onCompleted func(Item)
	onFailed    func(Item, error)

	mu       sync.Mutex
	queue    []Item
	playing  bool
	cancel   context.CancelCauseFunc
	idle     chan struct{} // closed while nothing is queued or playing
	notify   chan struct{}
	done     chan struct{}
	finished chan struct{}
	closed   bool
}

// New creates a [Scheduler] that renders through sink and starts its
// dispatch goroutine. Call [Scheduler.Close] to release it.
func New(sink Sink, opts ...Option) *Scheduler {
	idle := make(chan struct{})
	close(idle)
	s := &Scheduler{
		sink:     sink,
		idle:     idle,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// Enqueue appends item to the queue.
func (s *Scheduler) Enqueue(item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue, item)
	s.markBusyLocked()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stop interrupts the playing item, which then fails with [ErrStopped], and
// discards every pending item. It returns the number of discarded items.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Scheduler) stopLocked() int {
	dropped := len(s.queue)
	clear(s.queue)
	s.queue = s.queue[:0]
	if s.cancel != nil {
		s.cancel(ErrStopped)
		s.cancel = nil
	}
	if !s.playing {
		s.markIdleLocked()
	}
	if dropped > 0 {
		slog.Debug("playback: discarded pending clips", "count", dropped)
	}
	return dropped
}

// Idle reports whether nothing is queued or playing.
func (s *Scheduler) Idle() bool {
	select {
	case <-s.idleChan():
		return true
	default:
		return false
	}
}

// WaitIdle blocks until the scheduler is idle or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	select {
	case <-s.idleChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IdleCh returns a channel that is closed once the scheduler is idle. A new
// channel is handed out each time the scheduler becomes busy again.
func (s *Scheduler) IdleCh() <-chan struct{} { return s.idleChan() }

// Pending returns the number of queued items, excluding the playing one.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops playback and waits for the dispatch goroutine to exit. It is
// idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.finished
		return nil
	}
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()

	close(s.done)
	<-s.finished
	return nil
}

func (s *Scheduler) idleChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// markBusyLocked replaces a closed idle channel with an open one.
func (s *Scheduler) markBusyLocked() {
	select {
	case <-s.idle:
		s.idle = make(chan struct{})
	default:
	}
}

func (s *Scheduler) markIdleLocked() {
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

// dequeue pops the head of the queue and marks it playing.
func (s *Scheduler) dequeue() (Item, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.closed {
		return Item{}, nil, false
	}
	item := s.queue[0]
	s.queue[0] = Item{}
	s.queue = s.queue[1:]

	ctx, cancel := context.WithCancelCause(context.Background())
	s.cancel = cancel
	s.playing = true
	return item, ctx, true
}

// release clears the playing flag and reports whether more work is queued.
func (s *Scheduler) release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(nil)
		s.cancel = nil
	}
	s.playing = false
	if len(s.queue) == 0 {
		s.markIdleLocked()
		return false
	}
	return true
}

func (s *Scheduler) dispatch() {
	defer close(s.finished)

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		played := false
		for {
			if played && s.gap > 0 {
				gapTimer.Reset(s.gap)
				select {
				case <-s.done:
					return
				case <-gapTimer.C:
				}
			}

			item, ctx, ok := s.dequeue()
			if !ok {
				break
			}
			s.play(ctx, item)
			played = true
			if !s.release() {
				break
			}
		}
	}
}

// play fetches, decodes and renders one item, firing exactly one terminal
// callback.
func (s *Scheduler) play(ctx context.Context, item Item) {
	data := item.Data
	if len(data) == 0 {
		if item.Ref == "" || s.fetcher == nil {
			s.fail(ctx, item, ErrNoSource)
			return
		}
		var err error
		data, err = s.fetcher.Fetch(ctx, item.Ref)
		if err != nil {
			s.fail(ctx, item, fmt.Errorf("playback: fetch %s: %w", item.Ref, err))
			return
		}
	}

	pcm, err := Decode(data)
	if err != nil {
		s.fail(ctx, item, err)
		return
	}
	if ctx.Err() != nil {
		s.fail(ctx, item, ctx.Err())
		return
	}

	s.callback("started", func() {
		if s.onStarted != nil {
			s.onStarted(item)
		}
	})
	if err := s.sink.Play(ctx, pcm); err != nil || ctx.Err() != nil {
		s.fail(ctx, item, err)
		return
	}
	s.callback("completed", func() {
		if s.onCompleted != nil {
			s.onCompleted(item)
		}
	})
}

// fail reports item as failed. An interrupted item is always reported with
// ErrStopped regardless of how the sink surfaced the cancellation.
func (s *Scheduler) fail(ctx context.Context, item Item, err error) {
	if cause := context.Cause(ctx); errors.Is(cause, ErrStopped) {
		err = ErrStopped
	}
	if err == nil {
		err = errors.New("playback: sink aborted")
	}
	if !errors.Is(err, ErrStopped) {
		slog.Warn("playback: clip failed", "id", item.ID, "ref", item.Ref, "err", err)
	}
	s.callback("failed", func() {
		if s.onFailed != nil {
			s.onFailed(item, err)
		}
	})
}

func (s *Scheduler) callback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("playback: callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

// Decode converts WAVE or MP3 container bytes to 16-bit PCM at the
// container's native rate and channel count.
func Decode(data []byte) (PCM, error) {
	f, err := codec.Decode(data)
	if err != nil {
		return PCM{}, fmt.Errorf("playback: %w", err)
	}
	return PCM{
		Data:       audio.FloatToPCM16(f.Samples),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}, nil
}

// Conform converts p to the given rate and channel count. Multi-channel
// input is down-mixed before resampling; stereo output duplicates the mono
// signal. p is returned unchanged when it already matches.
func Conform(p PCM, sampleRate, channels int) PCM {
	if p.SampleRate == sampleRate && p.Channels == channels {
		return p
	}
	mono := audio.Downmix(audio.PCM16ToFloat(p.Data), p.Channels)
	if p.SampleRate != sampleRate {
		mono = audio.Resample(mono, p.SampleRate, sampleRate)
	}
	data := audio.FloatToPCM16(mono)
	if channels == 2 {
		data = audio.MonoToStereo(data)
	}
	return PCM{Data: data, SampleRate: sampleRate, Channels: channels}
}

// Discard is a [Sink] that renders nothing. With Realtime set, Play takes as
// long as the clip would, so that turn-taking behaves as with a speaker.
type Discard struct {
	Realtime bool
}

// Play implements [Sink].
func (d Discard) Play(ctx context.Context, pcm PCM) error {
	if !d.Realtime {
		return ctx.Err()
	}
	t := time.NewTimer(pcm.Duration())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time interface assertions.
var (
	_ Sink    = Discard{}
	_ Fetcher = FetchFunc(nil)
)
