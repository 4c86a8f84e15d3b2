package http

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/jobs"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/knowledged/internal/http"

// HTTPMetrics holds all HTTP-related metrics.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics creates a new HTTPMetrics instance.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"knowledged.http.requests_total",
		metric.WithDescription("Total HTTP requests labeled by method, route and status code."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"knowledged.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds, labeled by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.responseSize, err = m.meter.Int64Histogram(
		"knowledged.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	if err != nil {
		m.logger.Warn("failed to create response size histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"knowledged.http.active_requests",
		metric.WithDescription("Number of currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}
			return err
		}
	}
}

// normalizePath returns the matched route pattern (":id" rather than the
// job id) so labels stay bounded. Unmatched requests share one label.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// JobLister is the slice of the job controller the collector needs.
type JobLister interface {
	List(ctx context.Context, limit int) ([]*jobs.Job, error)
}

// JobCollector exports the number of retained import jobs per status.
type JobCollector struct {
	jobs  JobLister
	limit int
	desc  *prometheus.Desc
}

// NewJobCollector creates a collector reading at most limit jobs per scrape.
func NewJobCollector(lister JobLister, limit int) *JobCollector {
	return &JobCollector{
		jobs:  lister,
		limit: limit,
		desc: prometheus.NewDesc(
			"knowledged_import_jobs",
			"Retained import jobs by status.",
			[]string{"status"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (jc *JobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jc.desc
}

// Collect implements prometheus.Collector.
func (jc *JobCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	list, err := jc.jobs.List(ctx, jc.limit)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(jc.desc, err)
		return
	}
	counts := map[jobs.Status]int{
		jobs.StatusPending:    0,
		jobs.StatusRunning:    0,
		jobs.StatusCancelling: 0,
		jobs.StatusCompleted:  0,
		jobs.StatusFailed:     0,
		jobs.StatusCancelled:  0,
	}
	for _, j := range list {
		counts[j.Status]++
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(jc.desc, prometheus.GaugeValue, float64(n), string(status))
	}
}
