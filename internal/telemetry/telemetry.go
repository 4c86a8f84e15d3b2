package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Telemetry owns the tracer, meter and logger providers and their shutdown.
type Telemetry struct {
	config *Config
	logger *zap.Logger

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider

	degraded atomic.Bool
}

// New creates providers for cfg and installs them as the OTEL globals.
//
// A disabled config yields a no-op instance. Exporter construction errors
// mark the instance degraded instead of failing.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Telemetry{config: cfg, logger: logger}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded("tracer provider", err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			t.setDegraded("meter provider", err)
		} else {
			t.meterProvider = mp
			otel.SetMeterProvider(mp)
		}
	}

	if cfg.LogsEnabled {
		lp, err := newLoggerProvider(ctx, cfg, res)
		if err != nil {
			t.setDegraded("logger provider", err)
		} else {
			t.loggerProvider = lp
			global.SetLoggerProvider(lp)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Shutdown flushes and stops the providers, bounded by the configured timeout
// when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if t.loggerProvider != nil {
		if err := t.loggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logger provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LoggerProvider returns the OTLP log provider, or nil when log export is
// off or failed to start.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil || t.loggerProvider == nil {
		return nil
	}
	return t.loggerProvider
}

// Enabled reports whether telemetry was requested.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.config != nil && t.config.Enabled
}

// Degraded reports whether any provider failed to start.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded.Load()
}

func (t *Telemetry) setDegraded(what string, err error) {
	t.degraded.Store(true)
	t.logger.Warn("telemetry degraded", zap.String("component", what), zap.Error(err))
}
