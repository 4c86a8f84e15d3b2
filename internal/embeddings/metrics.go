package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/knowledged/internal/embeddings"

// Metrics holds embedding instruments.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
	rejected  metric.Int64Counter
}

// NewMetrics creates embedding instruments on the global meter provider.
// Instruments that fail to register are logged and skipped.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	m.duration, err = meter.Float64Histogram(
		"knowledged.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding calls by provider, model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"knowledged.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"knowledged.embedding.errors_total",
		metric.WithDescription("Failed embedding calls by provider, model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.rejected, err = meter.Int64Counter(
		"knowledged.embedding.rejected_total",
		metric.WithDescription("Calls refused by the circuit breaker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create rejected counter", zap.Error(err))
	}
	return m
}

// RecordGeneration records one embedding call.
func (m *Metrics) RecordGeneration(ctx context.Context, provider, model, operation string, d time.Duration, batch int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if batch > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batch), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordRejected counts a call refused by the breaker.
func (m *Metrics) RecordRejected(ctx context.Context, provider, model string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
}
