package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TEIConfig configures a Text Embeddings Inference provider.
type TEIConfig struct {
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// TEIProvider calls the TEI /embed endpoint.
type TEIProvider struct {
	config  TEIConfig
	client  *http.Client
	metrics *Metrics
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// NewTEIProvider creates a TEI provider.
func NewTEIProvider(cfg TEIConfig) (*TEIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TEIProvider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: NewMetrics(zap.NewNop()),
	}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *TEIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, "tei", p.config.Model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := postJSON(ctx, p.client, p.config.BaseURL+"/embed", teiRequest{Inputs: texts, Truncate: true}, &vectors); err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, checkDimensions(vectors, p.config.Dimension)
}

// EmbedQuery generates an embedding for a single query.
func (p *TEIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
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
func (p *TEIProvider) Dimension() int { return p.config.Dimension }

// Close is a no-op for HTTP providers.
func (p *TEIProvider) Close() error { return nil }

// postJSON sends body to url and decodes a 200 response into out. Transport
// failures and non-200 responses wrap ErrEmbeddingFailed.
func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	return nil
}
