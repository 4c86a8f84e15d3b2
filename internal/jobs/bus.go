package jobs

import (
	"context"
	"sync"
	"time"
)

// Notification defaults.
const (
	DefaultHistorySize     = 100
	DefaultNotificationTTL = 24 * time.Hour
)

// Notification types besides the job statuses.
const (
	NotifyProgress = "progress"
	NotifyError    = "error"
)

// Notification is an observational event about a job. The job record stays
// authoritative.
type Notification struct {
	JobID        string    `json:"job_id"`
	Type         string    `json:"type"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Progress     Progress  `json:"progress"`
	CollectionID string    `json:"collection_id,omitempty"`
}

// NotificationBus fans notifications out to live subscribers and keeps a
// bounded, time-limited history.
type NotificationBus interface {
	Publish(ctx context.Context, n Notification) error
	// Recent returns up to limit notifications, newest first.
	Recent(ctx context.Context, limit int) ([]Notification, error)
	Clear(ctx context.Context) error
	// Subscribe delivers notifications until ctx is done, then closes the
	// channel. Slow subscribers miss events rather than block publishers.
	Subscribe(ctx context.Context) (<-chan Notification, error)
	Close() error
}

// MemoryBus is an in-process NotificationBus.
type MemoryBus struct {
	mu      sync.Mutex
	history []Notification // oldest first
	size    int
	ttl     time.Duration
	now     func() time.Time

	subs   map[int]chan Notification
	nextID int
	closed bool
}

// NewMemoryBus creates a bus keeping at most size notifications for ttl.
func NewMemoryBus(size int, ttl time.Duration) *MemoryBus {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if ttl <= 0 {
		ttl = DefaultNotificationTTL
	}
	return &MemoryBus{size: size, ttl: ttl, now: time.Now, subs: make(map[int]chan Notification)}
}

func (b *MemoryBus) Publish(_ context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.history = append(b.history, n)
	if over := len(b.history) - b.size; over > 0 {
		b.history = append([]Notification(nil), b.history[over:]...)
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Recent(_ context.Context, limit int) ([]Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.ttl)
	out := make([]Notification, 0, len(b.history))
	for i := len(b.history) - 1; i >= 0; i-- {
		n := b.history[i]
		if n.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *MemoryBus) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}()
	return ch, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
