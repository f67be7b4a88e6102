package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/audio/playback"
	"github.com/MrWong99/parlance/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	audio    map[string]func(ProviderEntry) (audio.Source, error)
	vad      map[string]func(ProviderEntry) (vad.Engine, error)
	playback map[string]func(ProviderEntry) (playback.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:    make(map[string]func(ProviderEntry) (audio.Source, error)),
		vad:      make(map[string]func(ProviderEntry) (vad.Engine, error)),
		playback: make(map[string]func(ProviderEntry) (playback.Sink, error)),
	}
}

// RegisterAudio registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterPlayback registers a playback sink factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(ProviderEntry) (playback.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateAudio instantiates a capture source using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.audio[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePlayback instantiates a playback sink using the factory registered under entry.Name.
func (r *Registry) CreatePlayback(entry ProviderEntry) (playback.Sink, error) {
	r.mu.RLock()
	factory, ok := r.playback[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"audio":    sortedKeys(r.audio),
		"vad":      sortedKeys(r.vad),
		"playback": sortedKeys(r.playback),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
