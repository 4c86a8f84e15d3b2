package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisJobStore keeps each job under "{prefix}:{id}" with a TTL and indexes
// ids in a sorted set scored by creation time.
type RedisJobStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisJobStore creates a store on client. The client is not closed by
// Close.
func NewRedisJobStore(client *redis.Client, prefix string, ttl time.Duration) *RedisJobStore {
	if prefix == "" {
		prefix = "knowledged:jobs"
	}
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	return &RedisJobStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisJobStore) key(id string) string { return s.prefix + ":" + id }
func (s *RedisJobStore) indexKey() string     { return s.prefix + ":index" }

func (s *RedisJobStore) Put(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(job.ID), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(job.Timestamps.Created.UnixNano()),
			Member: job.ID,
		})
		pipe.Expire(ctx, s.indexKey(), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// List reads the newest ids from the index and drops the ones whose record
// has expired.
func (s *RedisJobStore) List(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]*Job, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job %s: %w", ids[i], err)
		}
		out = append(out, &job)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}
	return out, nil
}

func (s *RedisJobStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *RedisJobStore) Close() error { return nil }
