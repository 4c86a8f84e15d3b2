// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type requestCtxKey struct{}
type jobCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := JobIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("job_id", id))
	}
	return fields
}

// WithRequestID adds a request id to ctx. Empty or oversized ids are ignored.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" || len(id) > maxIDLen {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithJobID adds an import job id to ctx.
func WithJobID(ctx context.Context, id string) context.Context {
	if id == "" || len(id) > maxIDLen {
		return ctx
	}
	return context.WithValue(ctx, jobCtxKey{}, id)
}

// JobIDFromContext returns the import job id stored in ctx, if any.
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobCtxKey{}).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
