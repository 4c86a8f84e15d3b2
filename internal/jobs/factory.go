package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backends carries the connections the configured backends may need. Nil
// fields are only an error when a backend asks for them.
type Backends struct {
	NATS  *nats.Conn
	Redis *redis.Client
}

// NewJobStore builds the job store named by cfg.Jobs.Backend.
func NewJobStore(ctx context.Context, cfg *config.Config, b Backends) (JobStore, error) {
	ttl := cfg.Jobs.RetentionTTL.Duration()
	switch strings.ToLower(cfg.Jobs.Backend) {
	case "", "memory":
		return NewMemoryJobStore(ttl), nil
	case "nats":
		if b.NATS == nil {
			return nil, fmt.Errorf("jobs backend nats: no NATS connection")
		}
		return NewNATSJobStore(ctx, b.NATS, cfg.NATS.KVBucket, ttl)
	case "redis":
		if b.Redis == nil {
			return nil, fmt.Errorf("jobs backend redis: no Redis client")
		}
		return NewRedisJobStore(b.Redis, cfg.Redis.KeyPrefix, ttl), nil
	default:
		return nil, fmt.Errorf("unknown jobs backend %q", cfg.Jobs.Backend)
	}
}

// NewNotificationBus builds the bus named by cfg.Notifications.Backend.
func NewNotificationBus(cfg *config.Config, b Backends, logger *zap.Logger) (NotificationBus, error) {
	n := cfg.Notifications
	switch strings.ToLower(n.Backend) {
	case "", "memory":
		return NewMemoryBus(n.HistorySize, n.TTL.Duration()), nil
	case "nats":
		if b.NATS == nil {
			return nil, fmt.Errorf("notifications backend nats: no NATS connection")
		}
		return NewNATSBus(b.NATS, n.SubjectPrefix, n.HistorySize, n.TTL.Duration(), logger)
	default:
		return nil, fmt.Errorf("unknown notifications backend %q", n.Backend)
	}
}
