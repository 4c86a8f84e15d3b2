package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix roots job notification subjects.
const DefaultSubjectPrefix = "knowledged.jobs"

// NATSBus publishes notifications on "{prefix}.{job_id}.{type}". Its
// history and local subscribers are fed by its own wildcard subscription,
// so every process sharing the server sees every job's events.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	sub    *nats.Subscription
	local  *MemoryBus
	logger *zap.Logger
}

// NewNATSBus subscribes to "{prefix}.>" on nc.
func NewNATSBus(nc *nats.Conn, prefix string, size int, ttl time.Duration, logger *zap.Logger) (*NATSBus, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &NATSBus{nc: nc, prefix: strings.TrimSuffix(prefix, "."), local: NewMemoryBus(size, ttl), logger: logger}
	sub, err := nc.Subscribe(b.prefix+".>", b.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	b.sub = sub
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return b, nil
}

// Subject returns the subject a notification is published on.
func (b *NATSBus) Subject(n Notification) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, n.JobID, n.Type)
}

func (b *NATSBus) handle(msg *nats.Msg) {
	var n Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		b.logger.Warn("dropping malformed notification", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	_ = b.local.Publish(context.Background(), n)
}

func (b *NATSBus) Publish(_ context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := b.nc.Publish(b.Subject(n), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (b *NATSBus) Recent(ctx context.Context, limit int) ([]Notification, error) {
	return b.local.Recent(ctx, limit)
}

func (b *NATSBus) Clear(ctx context.Context) error {
	return b.local.Clear(ctx)
}

func (b *NATSBus) Subscribe(ctx context.Context) (<-chan Notification, error) {
	return b.local.Subscribe(ctx)
}

// Close unsubscribes; the connection belongs to the caller.
func (b *NATSBus) Close() error {
	err := b.sub.Unsubscribe()
	_ = b.local.Close()
	return err
}
