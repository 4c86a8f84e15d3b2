package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	httpserver "github.com/fyrsmithlabs/knowledged/internal/http"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(opts *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, import runner and backfill worker",
		Long: `Run knowledged as a service.

The server exposes the REST API under /api/v1, Prometheus metrics under
/metrics and a health check under /health. Imports submitted over the API
run on a bounded worker pool; the backfill worker embeds pending entries
on a timer. SIGINT or SIGTERM shuts everything down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch-config", true, "apply active profile changes from the config file without restarting")
	return cmd
}

// runServe blocks until ctx is cancelled or the listener fails.
func runServe(ctx context.Context, opts *options, watch bool) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	log := a.logger

	log.Info(ctx, "starting knowledged",
		zap.String("version", version),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("active_profile", a.registry.ActiveName()))

	if err := prometheus.Register(httpserver.NewJobCollector(a.jobs, cfg.Jobs.ListLimit)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return fmt.Errorf("registering job metrics: %w", err)
		}
	}

	srv, err := httpserver.NewServer(httpserver.Deps{
		Knowledge: a.knowledge,
		Engine:    a.engine,
		Jobs:      a.jobs,
		Runner:    a.runner,
		Backfill:  a.backfill,
	}, log, &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return err
	}

	if cfg.Backfill.Enabled {
		a.backfill.Start(ctx)
		defer a.backfill.Stop()
	}

	if watch && opts.configPath != "" {
		w, err := config.NewWatcher(opts.configPath, func(next *config.Config) {
			applyReload(ctx, a, next)
		}, log.Underlying().Named("config"))
		if err != nil {
			log.Warn(ctx, "config watcher disabled", zap.Error(err))
		} else if err := w.Start(ctx); err != nil {
			log.Warn(ctx, "config watcher disabled", zap.Error(err))
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown incomplete", zap.Error(err))
	}
	if err := a.runner.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "import runner shutdown incomplete", zap.Error(err))
	}
	log.Info(shutdownCtx, "knowledged stopped")
	return nil
}

// applyReload registers profiles added to the file and switches the active
// profile. Everything else needs a restart.
func applyReload(ctx context.Context, a *app, next *config.Config) {
	for name, pc := range next.Embeddings.Profiles {
		p := embeddings.Profile{Provider: pc.Provider, Model: pc.Model, Dimension: pc.Dimension}
		if err := a.registry.Register(name, p); err != nil {
			a.logger.Warn(ctx, "profile not reloaded", zap.String("profile", name), zap.Error(err))
		}
	}
	if next.Embeddings.ActiveProfile == a.registry.ActiveName() {
		return
	}
	if err := a.registry.SetActiveName(next.Embeddings.ActiveProfile); err != nil {
		a.logger.Warn(ctx, "active profile not switched", zap.Error(err))
		return
	}
	a.logger.Info(ctx, "active profile switched", zap.String("profile", next.Embeddings.ActiveProfile))
}
