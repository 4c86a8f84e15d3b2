package embeddings

import (
	"context"
	"fmt"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
}

// OpenAIProvider embeds through langchaingo's OpenAI client, which also
// serves OpenAI-compatible gateways.
type OpenAIProvider struct {
	config   OpenAIConfig
	embedder *lcembeddings.EmbedderImpl
	metrics  *Metrics
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}

	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible services accept any token.
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating openai client: %v", ErrInvalidConfig, err)
	}
	embedder, err := lcembeddings.NewEmbedder(client,
		lcembeddings.WithStripNewLines(true),
		lcembeddings.WithBatchSize(cfg.BatchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating embedder: %v", ErrInvalidConfig, err)
	}

	return &OpenAIProvider{
		config:   cfg,
		embedder: embedder,
		metrics:  NewMetrics(zap.NewNop()),
	}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, "openai", p.config.Model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err = p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, checkDimensions(vectors, p.config.Dimension)
}

// EmbedQuery generates an embedding for a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
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
func (p *OpenAIProvider) Dimension() int { return p.config.Dimension }

// Close is a no-op; the client holds no resources.
func (p *OpenAIProvider) Close() error { return nil }
