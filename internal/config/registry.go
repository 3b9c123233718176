package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/echoscribe/pkg/provider/asr"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
	"github.com/MrWong99/echoscribe/pkg/provider/mediaio"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	recognizer map[string]func(ProviderEntry) (asr.Recognizer, error)
	diarizer   map[string]func(ProviderEntry) (diarize.Diarizer, error)
	media      map[string]func(ProviderEntry) (mediaio.Loader, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizer: make(map[string]func(ProviderEntry) (asr.Recognizer, error)),
		diarizer:   make(map[string]func(ProviderEntry) (diarize.Diarizer, error)),
		media:      make(map[string]func(ProviderEntry) (mediaio.Loader, error)),
	}
}

// RegisterRecognizer registers a recogniser factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory func(ProviderEntry) (asr.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizer[name] = factory
}

// RegisterDiarizer registers a diarizer factory under name.
func (r *Registry) RegisterDiarizer(name string, factory func(ProviderEntry) (diarize.Diarizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diarizer[name] = factory
}

// RegisterMedia registers a media loader factory under name.
func (r *Registry) RegisterMedia(name string, factory func(ProviderEntry) (mediaio.Loader, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.media[name] = factory
}

// CreateRecognizer instantiates a recogniser using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateRecognizer(entry ProviderEntry) (asr.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateDiarizer instantiates a diarizer using the factory registered under entry.Name.
func (r *Registry) CreateDiarizer(entry ProviderEntry) (diarize.Diarizer, error) {
	r.mu.RLock()
	factory, ok := r.diarizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: diarizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMedia instantiates a media loader using the factory registered under entry.Name.
func (r *Registry) CreateMedia(entry ProviderEntry) (mediaio.Loader, error) {
	r.mu.RLock()
	factory, ok := r.media[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: media/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
