package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and device names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	s2s    map[string]func(ProviderEntry) (s2s.Provider, error)
	input  map[string]func(DeviceEntry) (audio.InputSource, error)
	output map[string]func(DeviceEntry) (audio.OutputSink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:    make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		input:  make(map[string]func(DeviceEntry) (audio.InputSource, error)),
		output: make(map[string]func(DeviceEntry) (audio.OutputSink, error)),
	}
}

// RegisterS2S registers a speech-to-speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterInput registers a microphone factory under name.
func (r *Registry) RegisterInput(name string, factory func(DeviceEntry) (audio.InputSource, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a playback device factory under name.
func (r *Registry) RegisterOutput(name string, factory func(DeviceEntry) (audio.OutputSink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateS2S instantiates a provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateInput instantiates a microphone using the factory registered under entry.Name.
func (r *Registry) CreateInput(entry DeviceEntry) (audio.InputSource, error) {
	r.mu.RLock()
	factory, ok := r.input[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateOutput instantiates a playback device using the factory registered under entry.Name.
func (r *Registry) CreateOutput(entry DeviceEntry) (audio.OutputSink, error) {
	r.mu.RLock()
	factory, ok := r.output[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered names for kind ("s2s", "input",
// "output").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "s2s":
		for n := range r.s2s {
			names = append(names, n)
		}
	case "input":
		for n := range r.input {
			names = append(names, n)
		}
	case "output":
		for n := range r.output {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
