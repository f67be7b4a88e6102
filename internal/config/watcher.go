package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one revision of the watched file.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher polls a config file and hands every valid new revision to a
// callback. Invalid revisions are logged and skipped; the last valid config
// stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	cancel context.CancelFunc
	exited chan struct{}

	mu      sync.Mutex
	current *Config
	state   fileState
	reloads int
	lastErr error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange runs on the polling
// goroutine with the previous and the new config; it may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		exited:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.state = cfg, st

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many new revisions have been applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Err returns the error of the last rejected revision, or nil once a valid
// revision followed it.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Stop ends polling and waits for a running callback to return. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.exited
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.exited)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll()
		}
	}
}

// poll applies the file's current revision if it differs from the last one.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	prev := w.state
	w.mu.Unlock()
	if info.ModTime().Equal(prev.modTime) && info.Size() == prev.size {
		return
	}

	cfg, st, err := w.read()
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	if st.sum == prev.sum {
		// Touched, not edited.
		w.state = st
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.state = cfg, st
	w.reloads++
	w.lastErr = nil
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// reject records err, logging it only when it differs from the previous one.
func (w *Watcher) reject(err error) {
	w.mu.Lock()
	repeated := w.lastErr != nil && w.lastErr.Error() == err.Error()
	w.lastErr = err
	w.mu.Unlock()
	if !repeated {
		slog.Warn("config: keeping previous configuration", "path", w.path, "err", err)
	}
}

// read loads and validates the file and fingerprints its content.
func (w *Watcher) read() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
