package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSJobStore keeps jobs in a JetStream key-value bucket whose MaxAge is
// the retention window.
type NATSJobStore struct {
	kv jetstream.KeyValue
}

// NewNATSJobStore creates or updates bucket on nc.
func NewNATSJobStore(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NATSJobStore, error) {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "knowledged import jobs",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating job bucket %q: %w", bucket, err)
	}
	return &NATSJobStore{kv: kv}, nil
}

func (s *NATSJobStore) Put(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.kv.Put(ctx, job.ID, data); err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}

func (s *NATSJobStore) Get(ctx context.Context, id string) (*Job, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *NATSJobStore) List(ctx context.Context, limit int) ([]*Job, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list job keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []*Job
	for key := range lister.Keys() {
		job, err := s.Get(ctx, key)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return newestFirst(out, limit), nil
}

func (s *NATSJobStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Purge(ctx, id); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the caller.
func (s *NATSJobStore) Close() error { return nil }
