package embeddings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"go.uber.org/zap"
)

// BuildFunc creates the raw provider for a profile.
type BuildFunc func(Profile, Settings) (Provider, error)

// Factory hands out one guarded provider per profile, creating it on first use.
type Factory struct {
	settings Settings
	guard    GuardConfig
	build    BuildFunc
	logger   *zap.Logger

	mu        sync.Mutex
	providers map[string]Provider
}

// NewFactory creates a factory. A nil build uses NewProvider.
func NewFactory(s Settings, g GuardConfig, build BuildFunc, logger *zap.Logger) *Factory {
	if build == nil {
		build = NewProvider
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		settings:  s,
		guard:     g,
		build:     build,
		logger:    logger,
		providers: make(map[string]Provider),
	}
}

// Get returns the provider for p.
func (f *Factory) Get(p Profile) (Provider, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if prov, ok := f.providers[p.Key()]; ok {
		return prov, nil
	}
	raw, err := f.build(p, f.settings)
	if err != nil {
		return nil, fmt.Errorf("creating provider for %s: %w", p, err)
	}
	if d := raw.Dimension(); d > 0 && d != p.Dimension {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %s produces %d components", ErrDimensionMismatch, p, d)
	}
	prov := NewGuarded(raw, p, f.guard, f.logger)
	f.providers[p.Key()] = prov
	f.logger.Info("embedding provider ready", zap.String("profile", p.Key()))
	return prov, nil
}

// Close closes every provider created so far.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for key, prov := range f.providers {
		if err := prov.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", key, err))
		}
		delete(f.providers, key)
	}
	return errors.Join(errs...)
}

// SettingsFromConfig extracts provider endpoints from cfg.
func SettingsFromConfig(cfg config.EmbeddingsConfig) Settings {
	return Settings{
		TEIURL:            cfg.TEIURL,
		OllamaURL:         cfg.OllamaURL,
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenAIAPIKey:      cfg.OpenAIAPIKey.Value(),
		FastEmbedCacheDir: config.ExpandHome(cfg.FastEmbedCacheDir),
		Timeout:           cfg.Timeout.Duration(),
	}
}

// GuardFromConfig extracts rate limit and breaker settings from cfg.
func GuardFromConfig(cfg config.EmbeddingsConfig) GuardConfig {
	return GuardConfig{
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerTimeout.Duration(),
	}
}

// RegistryFromConfig builds a registry from the configured profiles.
func RegistryFromConfig(base string, cfg config.EmbeddingsConfig) (*Registry, error) {
	profiles := make(map[string]Profile, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles[name] = Profile{Provider: p.Provider, Model: p.Model, Dimension: p.Dimension}
	}
	return NewRegistry(base, profiles, cfg.ActiveProfile)
}
