// Package backfill periodically replaces placeholder vectors with real
// embeddings.
package backfill

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults for zero-valued Config fields.
const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 50
	DefaultPause     = 500 * time.Millisecond
)

// ErrBusy is returned by TryDrain when the profile is already being drained.
var ErrBusy = errors.New("backfill already running for profile")

// Backfiller embeds pending entries of one profile's collection.
type Backfiller interface {
	BackfillPending(ctx context.Context, p embeddings.Profile, batchSize int) (knowledge.BackfillResult, error)
}

// Config configures a Worker.
type Config struct {
	// Interval between periodic runs.
	Interval  time.Duration
	BatchSize int
	// MaxBatches caps one drain; 0 drains until nothing is left.
	MaxBatches int
	// Pause between consecutive batches of one drain.
	Pause time.Duration

	// Profiles returns the profiles to drain on each tick.
	Profiles func() []embeddings.Profile

	// OnBatch is called after every batch that embedded at least one entry.
	OnBatch func(p embeddings.Profile, processed int)
	// OnError is called when a batch fails outright.
	OnError func(p embeddings.Profile, err error)
}

// ConfigFromSettings maps the backfill section of the configuration. Named
// profiles are looked up on every tick so registry changes are picked up;
// an empty list means the active profile.
func ConfigFromSettings(cfg config.BackfillConfig, registry *embeddings.Registry) Config {
	names := append([]string(nil), cfg.Profiles...)
	return Config{
		Interval:   cfg.Interval.Duration(),
		BatchSize:  cfg.BatchSize,
		MaxBatches: cfg.MaxBatches,
		Pause:      cfg.Pause.Duration(),
		Profiles: func() []embeddings.Profile {
			if len(names) == 0 {
				if p := registry.Active(); p.Validate() == nil {
					return []embeddings.Profile{p}
				}
				return nil
			}
			out := make([]embeddings.Profile, 0, len(names))
			for _, n := range names {
				if p, ok := registry.Lookup(n); ok {
					out = append(out, p)
				}
			}
			return out
		},
	}
}

// Result summarizes one drain.
type Result struct {
	Profile   string `json:"profile"`
	Processed int    `json:"processed_count"`
	Failed    int    `json:"failed"`
	Exhausted int    `json:"exhausted"`
	Batches   int    `json:"batches"`
}

// Worker drains pending embeddings on a timer. A profile is never drained
// by two goroutines at once; different profiles drain concurrently.
type Worker struct {
	store  Backfiller
	cfg    Config
	logger *logging.Logger

	locks sync.Map // profile key -> *sync.Mutex

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastRun time.Time
}

// NewWorker creates a worker.
func NewWorker(store Backfiller, cfg Config, logger *logging.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Worker{store: store, cfg: cfg, logger: logger.Named("backfill")}
}

// Start runs one pass immediately and then one per interval until Stop or
// ctx ends. It returns at once.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info(ctx, "starting backfill worker", zap.Duration("interval", w.cfg.Interval))
	go w.run(ctx)
}

// Stop halts the worker and waits for the current pass to end.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// IsRunning reports whether the periodic loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// LastRun returns when the last periodic pass finished.
func (w *Worker) LastRun() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastRun
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info(context.Background(), "backfill worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce drains every configured profile concurrently. Profiles already
// being drained elsewhere are skipped.
func (w *Worker) RunOnce(ctx context.Context) []Result {
	var profiles []embeddings.Profile
	if w.cfg.Profiles != nil {
		profiles = w.cfg.Profiles()
	}

	results := make([]Result, len(profiles))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range profiles {
		g.Go(func() error {
			res, err := w.TryDrain(gctx, p, w.cfg.MaxBatches)
			if err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, context.Canceled) {
				w.logger.Warn(gctx, "backfill pass failed", zap.String("profile", p.Key()), zap.Error(err))
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	w.lastRun = time.Now()
	w.mu.Unlock()
	return results
}

func (w *Worker) lock(p embeddings.Profile) *sync.Mutex {
	m, _ := w.locks.LoadOrStore(p.Key(), &sync.Mutex{})
	return m.(*sync.Mutex)
}

// TryDrain drains p unless a drain of p is already in progress, in which
// case it returns ErrBusy.
func (w *Worker) TryDrain(ctx context.Context, p embeddings.Profile, maxBatches int) (Result, error) {
	mu := w.lock(p)
	if !mu.TryLock() {
		return Result{Profile: p.Key()}, ErrBusy
	}
	defer mu.Unlock()
	return w.drain(ctx, p, w.cfg.BatchSize, maxBatches)
}

// Drain calls BackfillPending until a batch comes back empty or maxBatches
// batches have run (0 means no cap), pausing between batches. It waits for
// any concurrent drain of p to finish first.
func (w *Worker) Drain(ctx context.Context, p embeddings.Profile, maxBatches int) (Result, error) {
	return w.DrainBatches(ctx, p, w.cfg.BatchSize, maxBatches)
}

// DrainBatches is Drain with an explicit batch size; batchSize <= 0 uses
// the configured one.
func (w *Worker) DrainBatches(ctx context.Context, p embeddings.Profile, batchSize, maxBatches int) (Result, error) {
	if batchSize <= 0 {
		batchSize = w.cfg.BatchSize
	}
	mu := w.lock(p)
	mu.Lock()
	defer mu.Unlock()
	return w.drain(ctx, p, batchSize, maxBatches)
}

func (w *Worker) drain(ctx context.Context, p embeddings.Profile, batchSize, maxBatches int) (Result, error) {
	res := Result{Profile: p.Key()}
	for maxBatches <= 0 || res.Batches < maxBatches {
		batch, err := w.store.BackfillPending(ctx, p, batchSize)
		if err != nil {
			if w.cfg.OnError != nil {
				w.cfg.OnError(p, err)
			}
			return res, err
		}
		res.Failed += len(batch.Failed)
		res.Exhausted += len(batch.Exhausted)
		// A batch of only failures still advances their attempt counters,
		// so the scan eventually moves past them.
		if batch.Processed == 0 && len(batch.Failed) == 0 {
			break
		}
		res.Batches++
		res.Processed += batch.Processed
		if w.cfg.OnBatch != nil {
			w.cfg.OnBatch(p, batch.Processed)
		}
		w.logger.Debug(ctx, "backfill batch embedded",
			zap.String("profile", p.Key()),
			zap.Int("processed", batch.Processed),
			zap.Int("total", res.Processed))

		if w.cfg.Pause > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(w.cfg.Pause):
			}
		}
	}
	if res.Processed > 0 || res.Exhausted > 0 {
		w.logger.Info(ctx, "backfill drained",
			zap.String("profile", p.Key()),
			zap.Int("processed", res.Processed),
			zap.Int("batches", res.Batches),
			zap.Int("failed", res.Failed),
			zap.Int("exhausted", res.Exhausted))
	}
	return res, nil
}
