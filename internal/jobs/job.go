// Package jobs tracks bulk import runs: their state machine, progress,
// cancellation and notifications.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
)

var (
	// ErrJobNotFound indicates an unknown or expired job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates a status change the state machine
	// forbids. The record is left untouched.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// DefaultMaxErrors bounds the rolling error window of a job.
const DefaultMaxErrors = 50

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCancelling, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusPending, StatusRunning, StatusFailed},
	StatusRunning:    {StatusRunning, StatusCancelling, StatusCompleted, StatusFailed},
	StatusCancelling: {StatusCancelling, StatusCancelled, StatusCompleted, StatusFailed},
}

// CanTransition reports whether a job in from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ImportOptions are the per-job pipeline settings.
type ImportOptions struct {
	BatchSize        int    `json:"batch_size"`
	MaxItems         int    `json:"max_items,omitempty"`
	MinContentLength int    `json:"min_content_length"`
	Source           string `json:"source"`
	EstimatedTotal   int    `json:"estimated_total,omitempty"`
}

// Progress is the advisory progress of a job. Counters never decrease.
type Progress struct {
	Parsed          int     `json:"parsed"`
	Imported        int     `json:"imported"`
	Skipped         int     `json:"skipped"`
	Errors          int     `json:"errors"`
	BatchIndex      int     `json:"batch_index"`
	EstimatedTotal  int     `json:"estimated_total,omitempty"`
	PercentComplete float64 `json:"percent_complete"`
}

// Timestamps records lifecycle instants. Started and Completed are set once.
type Timestamps struct {
	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
}

// Job is the authoritative record of one import.
type Job struct {
	ID           string             `json:"id"`
	Status       Status             `json:"status"`
	SourceRef    string             `json:"source_ref"`
	Profile      embeddings.Profile `json:"profile"`
	CollectionID string             `json:"collection_id"`
	Options      ImportOptions      `json:"options"`
	Progress     Progress           `json:"progress"`
	Timestamps   Timestamps         `json:"timestamps"`
	Errors       []string           `json:"errors"`
	Message      string             `json:"message"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Errors = append([]string(nil), j.Errors...)
	if j.Timestamps.Started != nil {
		t := *j.Timestamps.Started
		c.Timestamps.Started = &t
	}
	if j.Timestamps.Completed != nil {
		t := *j.Timestamps.Completed
		c.Timestamps.Completed = &t
	}
	return &c
}

// Update is a change merged into a job by Apply.
type Update struct {
	// Status is the target status; empty keeps the current one.
	Status  Status
	Message string
	// Progress counters are merged keeping the larger value. A zero
	// EstimatedTotal keeps the stored estimate.
	Progress *Progress
	Errors   []string
}

// Apply merges u into j. It fails with ErrInvalidTransition, leaving j
// unchanged, when j is terminal or the status change is not allowed.
func (j *Job) Apply(u Update, now time.Time, maxErrors int) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	target := u.Status
	if target == "" {
		target = j.Status
	}
	if !CanTransition(j.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, target)
	}
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}

	j.Status = target
	if u.Message != "" {
		j.Message = u.Message
	}
	if u.Progress != nil {
		j.Progress.merge(*u.Progress)
	}
	if len(u.Errors) > 0 {
		j.Errors = append(j.Errors, u.Errors...)
		if over := len(j.Errors) - maxErrors; over > 0 {
			j.Errors = append([]string(nil), j.Errors[over:]...)
		}
	}

	if target == StatusRunning && j.Timestamps.Started == nil {
		t := now
		j.Timestamps.Started = &t
	}
	if target.IsTerminal() && j.Timestamps.Completed == nil {
		t := now
		j.Timestamps.Completed = &t
	}
	if target == StatusCompleted {
		j.Progress.PercentComplete = 100
	}
	return nil
}

func (p *Progress) merge(in Progress) {
	p.Parsed = max(p.Parsed, in.Parsed)
	p.Imported = max(p.Imported, in.Imported)
	p.Skipped = max(p.Skipped, in.Skipped)
	p.Errors = max(p.Errors, in.Errors)
	p.BatchIndex = max(p.BatchIndex, in.BatchIndex)
	if in.EstimatedTotal > 0 {
		p.EstimatedTotal = in.EstimatedTotal
	}
	if p.EstimatedTotal > 0 {
		pct := float64(p.Parsed) / float64(p.EstimatedTotal) * 100
		pct = min(max(pct, 0), 100)
		p.PercentComplete = max(p.PercentComplete, pct)
	}
}
