package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OllamaConfig configures an Ollama provider.
type OllamaConfig struct {
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// OllamaProvider calls the Ollama /api/embed endpoint.
type OllamaProvider struct {
	config  OllamaConfig
	client  *http.Client
	metrics *Metrics
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Older Ollama builds answer with a single "embedding" instead of "embeddings".
type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Embedding  []float32   `json:"embedding"`
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OllamaProvider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: NewMetrics(zap.NewNop()),
	}, nil
}

// EmbedDocuments embeds texts in one request. Newlines are replaced with
// spaces before sending.
func (p *OllamaProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, "ollama", p.config.Model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = strings.ReplaceAll(t, "\n", " ")
	}

	var resp ollamaResponse
	if err := postJSON(ctx, p.client, p.config.BaseURL+"/api/embed", ollamaRequest{Model: p.config.Model, Input: input}, &resp); err != nil {
		return nil, err
	}

	vectors = resp.Embeddings
	if len(vectors) == 0 && len(resp.Embedding) > 0 {
		vectors = [][]float32{resp.Embedding}
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, checkDimensions(vectors, p.config.Dimension)
}

// EmbedQuery embeds a single query.
func (p *OllamaProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension returns the profile dimension.
func (p *OllamaProvider) Dimension() int { return p.config.Dimension }

// Close is a no-op for HTTP providers.
func (p *OllamaProvider) Close() error { return nil }
