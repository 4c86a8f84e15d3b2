package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Token is a cooperative cancellation flag polled at batch boundaries.
type Token struct {
	once sync.Once
	done chan struct{}
}

func newToken() *Token { return &Token{done: make(chan struct{})} }

// Cancel sets the flag. It is safe to call more than once.
func (t *Token) Cancel() { t.once.Do(func() { close(t.done) }) }

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.done }

// ControllerOptions tunes a Controller.
type ControllerOptions struct {
	MaxErrors int
	ListLimit int
}

// Controller owns the job records and their notifications.
//
// Read-modify-write of a record is serialized by the controller, so a
// single controller should own a given job store namespace.
type Controller struct {
	store    JobStore
	bus      NotificationBus
	registry *embeddings.Registry
	opts     ControllerOptions
	logger   *logging.Logger
	now      func() time.Time

	mu     sync.Mutex
	tokens map[string]*Token
}

// NewController creates a controller.
func NewController(store JobStore, bus NotificationBus, registry *embeddings.Registry, opts ControllerOptions, logger *logging.Logger) *Controller {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 100
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{
		store:    store,
		bus:      bus,
		registry: registry,
		opts:     opts,
		logger:   logger.Named("jobs"),
		now:      time.Now,
		tokens:   make(map[string]*Token),
	}
}

// CreateJob persists a pending job. The target collection is resolved from
// profile now, so the job stays bound to it whatever the active profile
// later becomes.
func (c *Controller) CreateJob(ctx context.Context, sourceRef string, opts ImportOptions, profile embeddings.Profile) (*Job, error) {
	if sourceRef == "" {
		return nil, knowledge.Invalid("source_ref", "required")
	}
	collection, err := c.registry.Resolve(profile)
	if err != nil {
		return nil, knowledge.Invalid("profile", err.Error())
	}

	job := &Job{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		SourceRef:    sourceRef,
		Profile:      profile,
		CollectionID: collection,
		Options:      opts,
		Progress:     Progress{EstimatedTotal: opts.EstimatedTotal},
		Timestamps:   Timestamps{Created: c.now()},
		Errors:       []string{},
		Message:      "Job created, waiting to start",
	}
	if err := c.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: storing job: %v", knowledge.ErrDependencyUnavailable, err)
	}

	c.mu.Lock()
	c.tokens[job.ID] = newToken()
	c.mu.Unlock()

	c.notify(ctx, job, string(StatusPending), job.Message)
	c.logger.Info(ctx, "job created",
		zap.String("job_id", job.ID),
		zap.String("source_ref", sourceRef),
		zap.String("collection", collection))
	return job.Clone(), nil
}

// UpdateStatus merges u into the job and emits one notification.
func (c *Controller) UpdateStatus(ctx context.Context, id string, u Update) (*Job, error) {
	c.mu.Lock()
	job, err := c.store.Get(ctx, id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	prev := job.Status
	if err := job.Apply(u, c.now(), c.opts.MaxErrors); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := c.store.Put(ctx, job); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: storing job: %v", knowledge.ErrDependencyUnavailable, err)
	}
	if job.Status.IsTerminal() {
		delete(c.tokens, id)
	}
	c.mu.Unlock()

	kind := NotifyProgress
	switch {
	case job.Status != prev || job.Status.IsTerminal():
		kind = string(job.Status)
	case len(u.Errors) > 0:
		kind = NotifyError
	}
	msg := u.Message
	if msg == "" && len(u.Errors) > 0 {
		msg = u.Errors[len(u.Errors)-1]
	}
	c.notify(ctx, job, kind, msg)
	return job.Clone(), nil
}

// Cancel requests cancellation of a running job. It returns false, changing
// nothing, for jobs in any other state.
func (c *Controller) Cancel(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	job, err := c.store.Get(ctx, id)
	if err != nil {
		c.mu.Unlock()
		return false, err
	}
	if job.Status != StatusRunning {
		c.mu.Unlock()
		return false, nil
	}
	if err := job.Apply(Update{Status: StatusCancelling, Message: "Cancellation requested"}, c.now(), c.opts.MaxErrors); err != nil {
		c.mu.Unlock()
		return false, nil
	}
	if err := c.store.Put(ctx, job); err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: storing job: %v", knowledge.ErrDependencyUnavailable, err)
	}
	tok, ok := c.tokens[id]
	if !ok {
		tok = newToken()
		c.tokens[id] = tok
	}
	tok.Cancel()
	c.mu.Unlock()

	c.notify(ctx, job, string(StatusCancelling), job.Message)
	c.logger.Info(ctx, "job cancellation requested", zap.String("job_id", id))
	return true, nil
}

// Token returns the cancellation token of a job, creating one if needed.
func (c *Controller) Token(id string) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[id]
	if !ok {
		tok = newToken()
		c.tokens[id] = tok
	}
	return tok
}

// CancelRequested reports whether the job's token is set or the stored
// record says cancelling, which covers requests made through another
// controller sharing the store.
func (c *Controller) CancelRequested(ctx context.Context, id string) bool {
	if c.Token(id).Cancelled() {
		return true
	}
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return false
	}
	return job.Status == StatusCancelling
}

// Get returns a job.
func (c *Controller) Get(ctx context.Context, id string) (*Job, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, fmt.Errorf("%w: job %s", knowledge.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", knowledge.ErrDependencyUnavailable, err)
	}
	return job, nil
}

// List returns the newest jobs. limit <= 0 uses the configured default.
func (c *Controller) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 || limit > c.opts.ListLimit {
		limit = c.opts.ListLimit
	}
	jobs, err := c.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", knowledge.ErrDependencyUnavailable, err)
	}
	return jobs, nil
}

// Recent returns recent notifications, newest first.
func (c *Controller) Recent(ctx context.Context, limit int) ([]Notification, error) {
	return c.bus.Recent(ctx, limit)
}

// ClearNotifications empties the notification history.
func (c *Controller) ClearNotifications(ctx context.Context) error {
	return c.bus.Clear(ctx)
}

// Subscribe streams live notifications until ctx is done.
func (c *Controller) Subscribe(ctx context.Context) (<-chan Notification, error) {
	return c.bus.Subscribe(ctx)
}

// notify is best effort; the job record is already committed.
func (c *Controller) notify(ctx context.Context, job *Job, kind, msg string) {
	n := Notification{
		JobID:        job.ID,
		Type:         kind,
		Message:      msg,
		Timestamp:    c.now(),
		Progress:     job.Progress,
		CollectionID: job.CollectionID,
	}
	if err := c.bus.Publish(ctx, n); err != nil {
		c.logger.Warn(ctx, "notification dropped", zap.String("job_id", job.ID), zap.Error(err))
	}
}
