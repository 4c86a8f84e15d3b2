package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while the breaker refuses calls to a provider.
var ErrCircuitOpen = errors.New("embedding provider circuit open")

// GuardConfig bounds the call rate to a provider and trips a breaker after
// consecutive failures.
type GuardConfig struct {
	// RateLimit in calls per second; 0 disables limiting.
	RateLimit float64
	RateBurst int

	// MaxFailures consecutive failures open the breaker; 0 disables it.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// Guarded wraps a Provider with rate limiting, a circuit breaker and a
// dimension check against its profile.
type Guarded struct {
	inner   Provider
	profile Profile
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *Metrics
}

var _ Provider = (*Guarded)(nil)

// NewGuarded wraps inner for profile p.
func NewGuarded(inner Provider, p Profile, cfg GuardConfig, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guarded{inner: inner, profile: p, metrics: NewMetrics(logger)}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.MaxFailures > 0 {
		timeout := cfg.OpenTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Key(),
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			IsSuccessful: func(err error) bool {
				// Caller mistakes and cancellations say nothing about provider health.
				return err == nil || errors.Is(err, ErrEmptyInput) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("embedding breaker state change",
					zap.String("profile", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return g
}

// EmbedDocuments embeds texts through the guard.
func (g *Guarded) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.EmbedDocuments(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	vectors := out.([][]float32)
	if err := checkDimensions(vectors, g.profile.Dimension); err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedQuery embeds a query through the guard.
func (g *Guarded) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	v := out.([]float32)
	if len(v) != g.profile.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d components, profile expects %d", ErrDimensionMismatch, len(v), g.profile.Dimension)
	}
	return v, nil
}

func (g *Guarded) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if g.breaker == nil {
		return fn()
	}
	out, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.metrics.RecordRejected(ctx, g.profile.Provider, g.profile.Model)
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, ErrCircuitOpen)
	}
	return out, err
}

// State reports the breaker state: closed, open or half-open.
func (g *Guarded) State() string {
	if g.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return g.breaker.State().String()
}

// Dimension returns the profile dimension.
func (g *Guarded) Dimension() int { return g.profile.Dimension }

// Close closes the wrapped provider.
func (g *Guarded) Close() error { return g.inner.Close() }
