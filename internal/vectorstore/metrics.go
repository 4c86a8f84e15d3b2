package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// OperationDuration tracks how long store operations take.
	// Labels: backend (chromem, qdrant), operation, result (success, error)
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation", "result"},
	)

	// PointsWritten counts points written by Upsert.
	PointsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "vectorstore",
			Name:      "points_written_total",
			Help:      "Total number of points upserted",
		},
		[]string{"backend"},
	)

	// RetriesTotal counts retried backend calls.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "vectorstore",
			Name:      "retries_total",
			Help:      "Total number of retried vector store calls",
		},
		[]string{"backend", "operation"},
	)
)

// observe records the duration of an operation started at start.
func observe(backend, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationDuration.WithLabelValues(backend, operation, result).Observe(time.Since(start).Seconds())
}

// finish ends span and records the operation duration.
func finish(span trace.Span, backend, operation string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.End()
	observe(backend, operation, start, err)
}
