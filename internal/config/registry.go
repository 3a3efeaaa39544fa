package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/airea/internal/alert"
	"github.com/MrWong99/airea/pkg/audio"
	"github.com/MrWong99/airea/pkg/provider/classifier"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SourceFactory builds an audio source from the audio section.
type SourceFactory func(ctx context.Context, cfg AudioConfig) (audio.Source, error)

// ClassifierFactory builds a classifier from the classifier section.
type ClassifierFactory func(ctx context.Context, cfg ClassifierConfig) (classifier.Classifier, error)

// SinkFactory builds an alert sink from one alerts.sinks entry.
type SinkFactory func(ctx context.Context, cfg SinkConfig) (alert.Sink, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]SourceFactory
	classifiers map[string]ClassifierFactory
	sinks       map[string]SinkFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[string]SourceFactory),
		classifiers: make(map[string]ClassifierFactory),
		sinks:       make(map[string]SinkFactory),
	}
}

// RegisterSource registers an audio source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterClassifier registers a classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifiers[name] = factory
}

// RegisterSink registers an alert sink factory under name.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateSource instantiates the audio source named by cfg.Source.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSource(ctx context.Context, cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, cfg.Source.Name)
	}
	return factory(ctx, cfg)
}

// CreateClassifier instantiates the classifier named by cfg.Name.
func (r *Registry) CreateClassifier(ctx context.Context, cfg ClassifierConfig) (classifier.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.classifiers[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(ctx, cfg)
}

// CreateSink instantiates the alert sink named by cfg.Name.
func (r *Registry) CreateSink(ctx context.Context, cfg SinkConfig) (alert.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(ctx, cfg)
}

// Names returns the sorted registered names per kind ("source",
// "classifier", "sink").
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"source":     sortedKeys(r.sources),
		"classifier": sortedKeys(r.classifiers),
		"sink":       sortedKeys(r.sinks),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
