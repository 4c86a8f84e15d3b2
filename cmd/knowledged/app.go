package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/knowledged/internal/backfill"
	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/ingest"
	"github.com/fyrsmithlabs/knowledged/internal/jobs"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/fyrsmithlabs/knowledged/internal/telemetry"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
)

// app holds every service a command may need. Fields are built in
// dependency order by newApp and released in reverse by Close.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	vectors   vectorstore.Store
	registry  *embeddings.Registry
	embedders *embeddings.Factory
	knowledge *knowledge.Store
	engine    *retrieval.Engine

	nc       *nats.Conn
	redis    *redis.Client
	jobStore jobs.JobStore
	bus      jobs.NotificationBus
	jobs     *jobs.Controller
	runner   *jobs.Runner
	backfill *backfill.Worker

	closers []func() error
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. provider is nil until telemetry has
// started; the OTEL tee is only attached once it exists.
func newLogger(cfg *config.Config, provider log.LoggerProvider) (*logging.Logger, error) {
	lc, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lc, provider)
}

// newApp builds the full service graph. The job backends connect to NATS
// or Redis only when the configuration asks for them.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if a.logger, err = newLogger(cfg, nil); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	tcfg := telemetry.FromSettings(cfg.Observability, version)
	tcfg.LogsEnabled = cfg.Logging.OTEL
	a.telemetry, err = telemetry.New(ctx, tcfg, a.logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.telemetry.Shutdown(context.Background()) })

	if cfg.Logging.OTEL {
		if lp := a.telemetry.LoggerProvider(); lp != nil {
			if a.logger, err = newLogger(cfg, lp); err != nil {
				return nil, fmt.Errorf("initializing logger: %w", err)
			}
		} else {
			a.logger.Warn(ctx, "otel log output needs observability.enable_telemetry, logging to stdout only")
		}
	}
	zl := a.logger.Underlying()

	if a.vectors, err = vectorstore.NewStore(cfg.VectorStore, zl.Named("vectorstore")); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.vectors.Close)

	if a.registry, err = embeddings.RegistryFromConfig(cfg.Knowledge.BaseCollection, cfg.Embeddings); err != nil {
		return nil, fmt.Errorf("building profile registry: %w", err)
	}
	a.embedders = embeddings.NewFactory(
		embeddings.SettingsFromConfig(cfg.Embeddings),
		embeddings.GuardFromConfig(cfg.Embeddings),
		nil,
		zl.Named("embeddings"),
	)
	a.closers = append(a.closers, a.embedders.Close)

	a.knowledge = knowledge.NewStore(a.vectors, a.registry, a.embedders, knowledge.OptionsFromConfig(cfg.Knowledge), a.logger)
	a.engine = retrieval.NewEngine(a.knowledge, a.logger)

	backends, err := a.connectBackends()
	if err != nil {
		return nil, err
	}
	if a.jobStore, err = jobs.NewJobStore(ctx, cfg, backends); err != nil {
		return nil, fmt.Errorf("creating job store: %w", err)
	}
	a.closers = append(a.closers, a.jobStore.Close)
	if a.bus, err = jobs.NewNotificationBus(cfg, backends, zl.Named("notifications")); err != nil {
		return nil, fmt.Errorf("creating notification bus: %w", err)
	}
	a.closers = append(a.closers, a.bus.Close)

	a.jobs = jobs.NewController(a.jobStore, a.bus, a.registry, jobs.ControllerOptions{
		MaxErrors: cfg.Jobs.MaxErrors,
		ListLimit: cfg.Jobs.ListLimit,
	}, a.logger)

	ingestOpts := ingest.OptionsFromConfig(cfg.Ingest)
	ingestOpts.EstimatedTotal = cfg.Jobs.EstimatedTotal
	if a.runner, err = jobs.NewRunner(a.jobs, a.knowledge, ingestOpts, jobs.RunnerOptions{Workers: cfg.Jobs.Workers}, a.logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return a.runner.Close(context.Background()) })

	a.backfill = backfill.NewWorker(a.knowledge, backfill.ConfigFromSettings(cfg.Backfill, a.registry), a.logger)

	a.logger.Debug(ctx, "services initialized",
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("active_profile", a.registry.ActiveName()),
		zap.String("jobs_backend", cfg.Jobs.Backend),
		zap.String("notifications_backend", cfg.Notifications.Backend))
	return a, nil
}

func (a *app) connectBackends() (jobs.Backends, error) {
	var b jobs.Backends
	cfg := a.cfg
	if cfg.Jobs.Backend == "nats" || cfg.Notifications.Backend == "nats" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("knowledged"))
		if err != nil {
			return b, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		a.nc = nc
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		b.NATS = nc
	}
	if cfg.Jobs.Backend == "redis" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Value(),
			DB:       cfg.Redis.DB,
		})
		a.redis = rc
		a.closers = append(a.closers, rc.Close)
		b.Redis = rc
	}
	return b, nil
}

// profile returns the named profile, or the active one for "".
func (a *app) profile(name string) (embeddings.Profile, error) {
	return a.registry.Select(name)
}

// Close releases everything newApp acquired, newest first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
