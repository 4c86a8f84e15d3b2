package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/ingest"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("knowledged.jobs")

// MaxBatchSize caps the batch size a submit may ask for.
const MaxBatchSize = 10000

// ErrRunnerBusy indicates the worker pool cannot accept another job.
var ErrRunnerBusy = errors.New("import runner busy")

// SubmitRequest asks for one import.
type SubmitRequest struct {
	SourceRef        string `json:"source_ref"`
	BatchSize        int    `json:"batch_size,omitempty"`
	MaxItems         int    `json:"max_items,omitempty"`
	MinContentLength *int   `json:"min_content_length,omitempty"`
	// ProfileName selects a registered profile; empty means the active one.
	ProfileName string `json:"profile,omitempty"`
	// Profile, when set, is used instead of ProfileName.
	Profile        *embeddings.Profile `json:"embedding_profile,omitempty"`
	EstimatedTotal int                 `json:"estimated_total,omitempty"`
}

// RunnerOptions tunes a Runner.
type RunnerOptions struct {
	Workers int
	Tagger  ingest.Tagger
}

// Runner executes imports on a bounded worker pool.
type Runner struct {
	ctrl      *Controller
	knowledge *knowledge.Store
	ingest    ingest.Options
	tagger    ingest.Tagger
	pool      *ants.Pool
	logger    *logging.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner with opts.Workers concurrent imports.
func NewRunner(ctrl *Controller, store *knowledge.Store, ingestOpts ingest.Options, opts RunnerOptions, logger *logging.Logger) (*Runner, error) {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if logger == nil {
		logger = logging.Nop()
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		ctrl:      ctrl,
		knowledge: store,
		ingest:    ingestOpts,
		tagger:    opts.Tagger,
		pool:      pool,
		logger:    logger.Named("runner"),
		baseCtx:   ctx,
		stop:      stop,
	}, nil
}

// Validate checks req and resolves its profile.
func (r *Runner) Validate(req SubmitRequest) (embeddings.Profile, ImportOptions, error) {
	var opts ImportOptions
	if req.SourceRef == "" {
		return embeddings.Profile{}, opts, knowledge.Invalid("source_ref", "required")
	}
	if req.BatchSize < 0 || req.BatchSize > MaxBatchSize {
		return embeddings.Profile{}, opts, knowledge.Invalid("batch_size", fmt.Sprintf("must be between 1 and %d", MaxBatchSize))
	}
	if req.MaxItems < 0 {
		return embeddings.Profile{}, opts, knowledge.Invalid("max_items", "must not be negative")
	}
	if req.EstimatedTotal < 0 {
		return embeddings.Profile{}, opts, knowledge.Invalid("estimated_total", "must not be negative")
	}

	opts = ImportOptions{
		BatchSize:        req.BatchSize,
		MaxItems:         req.MaxItems,
		MinContentLength: r.ingest.MinContentLength,
		Source:           r.ingest.SourceName,
		EstimatedTotal:   req.EstimatedTotal,
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = r.ingest.BatchSize
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = ingest.DefaultBatchSize
	}
	if req.MinContentLength != nil {
		if *req.MinContentLength < 0 {
			return embeddings.Profile{}, opts, knowledge.Invalid("min_content_length", "must not be negative")
		}
		opts.MinContentLength = *req.MinContentLength
	}
	if opts.Source == "" {
		opts.Source = "import"
	}

	var profile embeddings.Profile
	if req.Profile != nil {
		profile = *req.Profile
		if err := profile.Validate(); err != nil {
			return embeddings.Profile{}, opts, knowledge.Invalid("embedding_profile", err.Error())
		}
	} else {
		p, err := r.knowledge.Registry().Select(req.ProfileName)
		if err != nil {
			return embeddings.Profile{}, opts, knowledge.Invalid("profile", err.Error())
		}
		profile = p
	}
	return profile, opts, nil
}

// Submit validates req, creates the job and schedules it. It returns as
// soon as the job is queued.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	profile, opts, err := r.Validate(req)
	if err != nil {
		return "", err
	}
	job, err := r.ctrl.CreateJob(ctx, req.SourceRef, opts, profile)
	if err != nil {
		return "", err
	}

	r.wg.Add(1)
	err = r.pool.Submit(func() {
		defer r.wg.Done()
		_ = r.Run(r.baseCtx, job.ID)
	})
	if err != nil {
		r.wg.Done()
		r.logger.Warn(ctx, "job rejected by pool", zap.String("job_id", job.ID), zap.Error(err))
		_, _ = r.ctrl.UpdateStatus(context.WithoutCancel(ctx), job.ID, Update{
			Status:  StatusFailed,
			Message: "Import queue is full, try again later",
		})
		return job.ID, fmt.Errorf("%w: %w", knowledge.ErrDependencyUnavailable, ErrRunnerBusy)
	}
	return job.ID, nil
}

// Run executes a pending job to a terminal status. It is called by the pool
// and directly by synchronous callers such as the CLI.
func (r *Runner) Run(ctx context.Context, id string) error {
	ctx = logging.WithJobID(ctx, id)
	ctx, span := tracer.Start(ctx, "Runner.Run")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", id))

	job, err := r.ctrl.Get(ctx, id)
	if err != nil {
		return err
	}
	final := context.WithoutCancel(ctx)

	src, err := ingest.OpenSource(job.SourceRef)
	if err != nil {
		msg := fmt.Sprintf("Source not readable: %s", filepath.Base(job.SourceRef))
		r.logger.Error(ctx, "import source unreadable", zap.String("source_ref", job.SourceRef), zap.Error(err))
		_, uerr := r.ctrl.UpdateStatus(final, id, Update{Status: StatusFailed, Message: msg, Errors: []string{msg}})
		return errors.Join(err, uerr)
	}
	defer src.Close()

	pipeline := r.pipelineFor(job)
	if _, err := r.ctrl.UpdateStatus(ctx, id, Update{
		Status:   StatusRunning,
		Message:  fmt.Sprintf("Starting import from %s", filepath.Base(job.SourceRef)),
		Progress: &Progress{EstimatedTotal: pipeline.EstimateTotal(src.Size)},
	}); err != nil {
		return err
	}
	r.logger.Info(ctx, "import started",
		zap.String("collection", job.CollectionID),
		zap.String("profile", job.Profile.Key()),
		zap.String("compression", string(src.Compression)))

	var (
		progress   Progress
		rawSkipped int
		cancelled  bool
	)
	stats, runErr := pipeline.Run(ctx, src, func(ctx context.Context, b ingest.Batch) error {
		if r.ctrl.CancelRequested(ctx, id) {
			cancelled = true
			return ingest.ErrStop
		}
		start := time.Now()
		res, err := r.knowledge.ImportRaw(ctx, job.Options.Source, ingest.RawItems(b.Records), job.Profile)

		rawSkipped += res.Skipped
		progress.Parsed = b.Stats.Parsed
		progress.Skipped = b.Stats.Skipped + rawSkipped
		progress.BatchIndex = b.Index
		u := Update{Progress: &progress}
		if err != nil {
			progress.Errors++
			msg := fmt.Sprintf("Batch %d failed: %s", b.Index, publicReason(err))
			u.Errors = []string{msg}
			u.Message = msg
			r.logger.Warn(ctx, "batch import failed", zap.Int("batch", b.Index), zap.Error(err))
		} else {
			progress.Imported += res.Count
			u.Message = fmt.Sprintf("Imported %d items (%.1fs/batch)", progress.Imported, time.Since(start).Seconds())
		}
		if _, err := r.ctrl.UpdateStatus(ctx, id, u); err != nil {
			r.logger.Warn(ctx, "progress update failed", zap.Int("batch", b.Index), zap.Error(err))
		}
		return nil
	})

	progress.Parsed = stats.Parsed
	progress.Skipped = stats.Skipped + rawSkipped
	progress.Errors += stats.Errors
	if runErr == nil && !cancelled {
		// A request that arrived during the last batch still wins.
		cancelled = r.ctrl.CancelRequested(final, id)
	}
	switch {
	case cancelled:
		_, err = r.ctrl.UpdateStatus(final, id, Update{
			Status:   StatusCancelled,
			Message:  fmt.Sprintf("Job cancelled after %d items", progress.Imported),
			Progress: &progress,
		})
	case runErr != nil:
		msg := "Import failed: " + publicReason(runErr)
		r.logger.Error(ctx, "import failed", zap.Error(runErr))
		_, err = r.ctrl.UpdateStatus(final, id, Update{
			Status:   StatusFailed,
			Message:  msg,
			Progress: &progress,
			Errors:   []string{msg},
		})
	default:
		_, err = r.ctrl.UpdateStatus(final, id, Update{
			Status:   StatusCompleted,
			Message:  fmt.Sprintf("Import completed: %d items imported to %s", progress.Imported, job.CollectionID),
			Progress: &progress,
		})
	}
	r.logger.Info(ctx, "import finished",
		zap.Int("imported", progress.Imported),
		zap.Int("parsed", progress.Parsed),
		zap.Int("errors", progress.Errors),
		zap.Bool("cancelled", cancelled))
	return errors.Join(runErr, err)
}

func (r *Runner) pipelineFor(job *Job) *ingest.Pipeline {
	opts := r.ingest
	opts.BatchSize = job.Options.BatchSize
	opts.MaxItems = job.Options.MaxItems
	opts.MinContentLength = job.Options.MinContentLength
	opts.EstimatedTotal = job.Options.EstimatedTotal
	var extra []ingest.Option
	if r.tagger != nil {
		extra = append(extra, ingest.WithTagger(r.tagger))
	}
	return ingest.NewPipeline(opts, r.logger, extra...)
}

// Running reports how many imports are executing.
func (r *Runner) Running() int { return r.pool.Running() }

// Close stops accepting work, interrupts running imports and waits for them
// to record a terminal status or for ctx to end.
func (r *Runner) Close(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	defer r.pool.Release()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publicReason maps an error to a message safe to show to callers.
func publicReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, knowledge.ErrValidation):
		return err.Error()
	case errors.Is(err, knowledge.ErrDimensionConflict):
		return "collection dimension conflict"
	case errors.Is(err, knowledge.ErrDependencyUnavailable):
		return "vector index unavailable"
	case errors.Is(err, ingest.ErrSourceUnreadable):
		return "source unreadable"
	default:
		return "malformed source data"
	}
}
