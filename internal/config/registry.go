package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mindfold/mindfold/pkg/provider/embeddings"
	embedmock "github.com/mindfold/mindfold/pkg/provider/embeddings/mock"
	"github.com/mindfold/mindfold/pkg/provider/embeddings/ollama"
	embedopenai "github.com/mindfold/mindfold/pkg/provider/embeddings/openai"
	"github.com/mindfold/mindfold/pkg/provider/tts"
	"github.com/mindfold/mindfold/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/mindfold/mindfold/pkg/provider/tts/mock"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	tts        map[string]func(ProviderEntry) (tts.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:        make(map[string]func(ProviderEntry) (tts.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// DefaultRegistry returns a [Registry] preloaded with the built-in provider
// factories: "elevenlabs" and "mock" for TTS, "openai", "ollama", and "mock"
// for embeddings.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterTTS("elevenlabs", func(entry ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
	r.RegisterTTS("mock", func(ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	r.RegisterEmbeddings("openai", func(entry ProviderEntry) (embeddings.Provider, error) {
		var opts []embedopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embedopenai.WithBaseURL(entry.BaseURL))
		}
		return embedopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterEmbeddings("ollama", func(entry ProviderEntry) (embeddings.Provider, error) {
		return ollama.New(entry.BaseURL, entry.Model)
	})
	r.RegisterEmbeddings("mock", func(ProviderEntry) (embeddings.Provider, error) {
		return &embedmock.Provider{}, nil
	})

	return r
}

// RegisterTTS registers a TTS provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
