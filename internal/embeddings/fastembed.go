//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	fastembed "github.com/anush008/fastembed-go"
	"go.uber.org/zap"
)

// FastEmbedConfig configures the local ONNX provider.
type FastEmbedConfig struct {
	// Model accepts Hugging Face names (BAAI/bge-small-en-v1.5) or
	// fastembed names (fast-bge-small-en-v1.5).
	Model string

	// CacheDir holds downloaded model files. Defaults to ./local_cache.
	CacheDir string

	// MaxLength is the maximum input sequence length. Defaults to 512.
	MaxLength int
}

// FastEmbedProvider embeds locally with ONNX models. The onnxruntime shared
// library is located through ONNX_PATH.
type FastEmbedProvider struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	modelName string
	dimension int
	metrics   *Metrics
}

var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// NewFastEmbedProvider loads the model, downloading it into CacheDir on
// first use.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	model, ok := fastEmbedModels[cfg.Model]
	if !ok {
		model = fastembed.EmbeddingModel(cfg.Model)
		found := false
		for _, m := range fastEmbedModels {
			if m == model {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, cfg.Model)
		}
	}

	dimension, ok := KnownDimension(cfg.Model)
	if !ok {
		dimension = fastEmbedNativeDimension(model)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	showProgress := false

	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}

	return &FastEmbedProvider{
		model:     flag,
		modelName: cfg.Model,
		dimension: dimension,
		metrics:   NewMetrics(zap.NewNop()),
	}, nil
}

func fastEmbedNativeDimension(m fastembed.EmbeddingModel) int {
	switch m {
	case fastembed.BGEBaseENV15, fastembed.BGEBaseEN:
		return 768
	case fastembed.BGESmallZH:
		return 512
	default:
		return 384
	}
}

// EmbedDocuments uses the "passage: " prefix recommended for BGE documents.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, "fastembed", p.modelName, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}
	vectors, err = p.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// EmbedQuery uses the "query: " prefix recommended for BGE queries.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}
	v, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return v, nil
}

// Dimension returns the model dimension.
func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// Close releases the ONNX session.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
