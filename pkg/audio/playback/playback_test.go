package playback_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parlance/pkg/audio/playback"
	"github.com/MrWong99/parlance/pkg/audio/playback/mock"
	"github.com/MrWong99/parlance/pkg/audio/wav"
)

// clip returns a mono 16 kHz WAVE container holding n silent samples.
func clip(n int) []byte {
	return wav.Encode(make([]byte, 2*n), 16000, 1)
}

// recorder collects lifecycle callbacks as "event:id" strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   map[string]error
	ch     chan string
}

func newRecorder() *recorder {
	return &recorder{errs: map[string]error{}, ch: make(chan string, 64)}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) options() []playback.Option {
	return []playback.Option{
		playback.OnStarted(func(it playback.Item) { r.add("started:" + it.ID) }),
		playback.OnCompleted(func(it playback.Item) { r.add("completed:" + it.ID) }),
		playback.OnFailed(func(it playback.Item, err error) {
			r.mu.Lock()
			r.errs[it.ID] = err
			r.mu.Unlock()
			r.add("failed:" + it.ID)
		}),
	}
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q; got %v", want, r.snapshot())
		}
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) err(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[id]
}

func newScheduler(t *testing.T, sink playback.Sink, opts ...playback.Option) *playback.Scheduler {
	t.Helper()
	s := playback.New(sink, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScheduler_FIFOWaitsForCompletion(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(true)
	rec := newRecorder()
	s := newScheduler(t, sink, rec.options()...)

	for _, id := range []string{"A", "B"} {
		if err := s.Enqueue(playback.Item{ID: id, Data: clip(160)}); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	rec.wait(t, "started:A")
	time.Sleep(50 * time.Millisecond)
	if n := sink.PlayCount(); n != 1 {
		t.Fatalf("B started before A completed: %d plays", n)
	}
	if s.Idle() {
		t.Error("scheduler idle while A is playing")
	}

	sink.Complete()
	rec.wait(t, "started:B")
	sink.Complete()
	rec.wait(t, "completed:B")

	want := []string{"started:A", "completed:A", "started:B", "completed:B"}
	got := rec.snapshot()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Errorf("WaitIdle: %v", err)
	}
}

func TestScheduler_StopInterruptsAndDoesNotAdvance(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(true)
	rec := newRecorder()
	s := newScheduler(t, sink, rec.options()...)

	_ = s.Enqueue(playback.Item{ID: "A", Data: clip(160)})
	_ = s.Enqueue(playback.Item{ID: "B", Data: clip(320)})
	rec.wait(t, "started:A")

	if dropped := s.Stop(); dropped != 1 {
		t.Errorf("Stop dropped %d items, want 1", dropped)
	}
	rec.wait(t, "failed:A")
	if err := rec.err("A"); !errors.Is(err, playback.ErrStopped) {
		t.Errorf("A failed with %v, want ErrStopped", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := sink.PlayCount(); n != 1 {
		t.Errorf("scheduler advanced after Stop: %d plays", n)
	}
	for _, ev := range rec.snapshot() {
		if ev == "started:B" {
			t.Error("B started after Stop")
		}
	}
	if !s.Idle() {
		t.Error("scheduler not idle after Stop")
	}

	// The scheduler remains usable.
	_ = s.Enqueue(playback.Item{ID: "C", Data: clip(160)})
	rec.wait(t, "started:C")
	sink.Complete()
	rec.wait(t, "completed:C")
}

func TestScheduler_StopWhileIdle(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, mock.NewSink(false))
	if dropped := s.Stop(); dropped != 0 {
		t.Errorf("Stop dropped %d items from an empty queue", dropped)
	}
	if !s.Idle() {
		t.Error("not idle")
	}
}

func TestScheduler_FailuresAdvanceQueue(t *testing.T) {
	t.Parallel()

	fetch := playback.FetchFunc(func(_ context.Context, ref string) ([]byte, error) {
		switch ref {
		case "/ok.wav":
			return clip(160), nil
		default:
			return nil, errors.New("404")
		}
	})
	sink := mock.NewSink(false)
	rec := newRecorder()
	s := newScheduler(t, sink, append(rec.options(), playback.WithFetcher(fetch))...)

	items := []playback.Item{
		{ID: "missing", Ref: "/missing.mp3"},
		{ID: "empty"},
		{ID: "garbage", Data: []byte("not audio at all")},
		{ID: "ok", Ref: "/ok.wav"},
	}
	for _, it := range items {
		_ = s.Enqueue(it)
	}
	rec.wait(t, "completed:ok")

	for _, id := range []string{"missing", "empty", "garbage"} {
		if rec.err(id) == nil {
			t.Errorf("%s: no failure recorded", id)
		}
	}
	if !errors.Is(rec.err("empty"), playback.ErrNoSource) {
		t.Errorf("empty: err = %v, want ErrNoSource", rec.err("empty"))
	}
	if n := sink.PlayCount(); n != 1 {
		t.Errorf("sink played %d clips, want 1", n)
	}
}

func TestScheduler_CallbackPanicRecovered(t *testing.T) {
	t.Parallel()
	done := make(chan string, 4)
	s := newScheduler(t, mock.NewSink(false),
		playback.OnStarted(func(playback.Item) { panic("boom") }),
		playback.OnCompleted(func(it playback.Item) { done <- it.ID }),
	)
	_ = s.Enqueue(playback.Item{ID: "A", Data: clip(16)})
	_ = s.Enqueue(playback.Item{ID: "B", Data: clip(16)})

	for _, want := range []string{"A", "B"} {
		select {
		case got := <-done:
			if got != want {
				t.Errorf("completed %s, want %s", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s never completed", want)
		}
	}
}

func TestScheduler_SinkError(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(false)
	sink.PlayErr = errors.New("device gone")
	rec := newRecorder()
	s := newScheduler(t, sink, rec.options()...)

	_ = s.Enqueue(playback.Item{ID: "A", Data: clip(16)})
	rec.wait(t, "failed:A")
	if err := rec.err("A"); err == nil || errors.Is(err, playback.ErrStopped) {
		t.Errorf("err = %v, want sink error", err)
	}
}

func TestScheduler_EnqueueAfterClose(t *testing.T) {
	t.Parallel()
	s := playback.New(mock.NewSink(false))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Enqueue(playback.Item{ID: "A", Data: clip(16)}); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	pcm, err := playback.Decode(wav.Encode(make([]byte, 8000*2*2), 8000, 2))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pcm.SampleRate != 8000 || pcm.Channels != 2 || pcm.Duration() != time.Second {
		t.Errorf("pcm = %dHz %dch %v", pcm.SampleRate, pcm.Channels, pcm.Duration())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	pcm := playback.PCM{Data: make([]byte, 16000*2), SampleRate: 16000, Channels: 1}

	if err := (playback.Discard{}).Play(context.Background(), pcm); err != nil {
		t.Errorf("Discard: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := (playback.Discard{Realtime: true}).Play(ctx, pcm); !errors.Is(err, context.Canceled) {
		t.Errorf("realtime Discard: err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("realtime Discard ignored cancellation")
	}
}

func TestConform(t *testing.T) {
	t.Parallel()

	src := playback.PCM{Data: make([]byte, 24000*2*2), SampleRate: 24000, Channels: 2}
	tests := []struct {
		name     string
		rate, ch int
		wantLen  int
	}{
		{"identity", 24000, 2, 24000 * 4},
		{"to 48k stereo", 48000, 2, 48000 * 4},
		{"to 16k mono", 16000, 1, 16000 * 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := playback.Conform(src, tc.rate, tc.ch)
			if got.SampleRate != tc.rate || got.Channels != tc.ch {
				t.Errorf("format = %dHz/%dch", got.SampleRate, got.Channels)
			}
			if len(got.Data) != tc.wantLen {
				t.Errorf("len = %d, want %d", len(got.Data), tc.wantLen)
			}
			if got.Duration() != time.Second {
				t.Errorf("duration = %v, want 1s", got.Duration())
			}
		})
	}
}
