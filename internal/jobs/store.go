package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultRetention is how long a job record is kept after its last write.
const DefaultRetention = 7 * 24 * time.Hour

// JobStore persists job records keyed by id. Records expire after the
// store's retention window.
type JobStore interface {
	Put(ctx context.Context, job *Job) error
	// Get returns ErrJobNotFound for unknown or expired ids.
	Get(ctx context.Context, id string) (*Job, error)
	// List returns up to limit jobs, newest first.
	List(ctx context.Context, limit int) ([]*Job, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

type memoryEntry struct {
	job     *Job
	expires time.Time
}

// MemoryJobStore keeps jobs in process memory with a TTL.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryJobStore creates an in-memory store. ttl <= 0 uses DefaultRetention.
func NewMemoryJobStore(ttl time.Duration) *MemoryJobStore {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	return &MemoryJobStore{jobs: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (s *MemoryJobStore) Put(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = memoryEntry{job: job.Clone(), expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok || !s.now().Before(e.expires) {
		return nil, ErrJobNotFound
	}
	return e.job.Clone(), nil
}

func (s *MemoryJobStore) List(_ context.Context, limit int) ([]*Job, error) {
	s.Sweep()
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job.Clone())
	}
	s.mu.RUnlock()
	return newestFirst(out, limit), nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Sweep drops expired records and returns how many were removed.
func (s *MemoryJobStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, e := range s.jobs {
		if !now.Before(e.expires) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

func (s *MemoryJobStore) Close() error { return nil }

func newestFirst(jobs []*Job, limit int) []*Job {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Timestamps.Created.Equal(jobs[k].Timestamps.Created) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].Timestamps.Created.After(jobs[k].Timestamps.Created)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}
