// Package embeddings turns text into vectors under a named embedding profile.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider could not be reached or
	// returned an unusable response.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// profile dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder generates vectors for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder bound to one model.
type Provider interface {
	Embedder
	// Dimension returns the vector length produced by the model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// Settings carries the endpoints and credentials shared by all profiles.
type Settings struct {
	TEIURL            string
	OllamaURL         string
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	FastEmbedCacheDir string
	Timeout           time.Duration
}

// NewProvider creates the provider for p.
func NewProvider(p Profile, s Settings) (Provider, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(p.Provider) {
	case "tei":
		return NewTEIProvider(TEIConfig{BaseURL: s.TEIURL, Model: p.Model, Dimension: p.Dimension, Timeout: s.Timeout})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{BaseURL: s.OllamaURL, Model: p.Model, Dimension: p.Dimension, Timeout: s.Timeout})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{BaseURL: s.OpenAIBaseURL, APIKey: s.OpenAIAPIKey, Model: p.Model, Dimension: p.Dimension})
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{Model: p.Model, CacheDir: s.FastEmbedCacheDir})
	case "hash":
		return NewHashProvider(p.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, p.Provider)
	}
}

// knownDimensions lists the output size of commonly used models.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"BAAI/bge-small-zh-v1.5":                 512,
	"BAAI/bge-m3":                            1024,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
	"nomic-embed-text":                       768,
	"mxbai-embed-large":                      1024,
	"all-minilm":                             384,
}

// KnownDimension returns the native dimension of model when it is known.
// Ollama tags (":latest") are ignored.
func KnownDimension(model string) (int, bool) {
	if d, ok := knownDimensions[model]; ok {
		return d, true
	}
	if i := strings.IndexByte(model, ':'); i > 0 {
		d, ok := knownDimensions[model[:i]]
		return d, ok
	}
	return 0, false
}

// checkDimensions verifies every vector has length want.
func checkDimensions(vectors [][]float32, want int) error {
	for i, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("%w: vector %d has %d components, profile expects %d", ErrDimensionMismatch, i, len(v), want)
		}
	}
	return nil
}
