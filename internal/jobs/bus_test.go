package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_HistoryBoundedNewestFirst(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(3, time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, Notification{JobID: "j", Type: NotifyProgress, Message: fmt.Sprint(i)}))
	}
	got, err := bus.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "4", got[0].Message)
	assert.Equal(t, "2", got[2].Message)

	got, _ = bus.Recent(ctx, 1)
	assert.Len(t, got, 1)

	require.NoError(t, bus.Clear(ctx))
	got, _ = bus.Recent(ctx, 0)
	assert.Empty(t, got)
}

func TestMemoryBus_TTL(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(10, time.Hour)
	now := time.Now()
	bus.now = func() time.Time { return now }

	require.NoError(t, bus.Publish(ctx, Notification{JobID: "old", Type: string(StatusRunning)}))
	now = now.Add(2 * time.Hour)
	require.NoError(t, bus.Publish(ctx, Notification{JobID: "new", Type: string(StatusCompleted)}))

	got, err := bus.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].JobID)
}

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Notification{JobID: "j", Type: NotifyError}))
	select {
	case n := <-ch:
		assert.Equal(t, NotifyError, n.Type)
		assert.False(t, n.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewMemoryBus(10, time.Hour)
	ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	_, open := <-ch
	assert.False(t, open)
	assert.NoError(t, bus.Publish(context.Background(), Notification{JobID: "late"}))
}

func TestNATSBus(t *testing.T) {
	nc := connectNATS(t)
	bus, err := NewNATSBus(nc, "test.jobs", 10, time.Hour, nil)
	require.NoError(t, err)
	defer bus.Close()

	other, err := NewNATSBus(nc, "test.jobs", 10, time.Hour, nil)
	require.NoError(t, err)
	defer other.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live, err := other.Subscribe(ctx)
	require.NoError(t, err)

	n := Notification{JobID: "job-1", Type: string(StatusRunning), Message: "started", Progress: Progress{Parsed: 3}}
	assert.Equal(t, "test.jobs.job-1.running", bus.Subject(n))
	require.NoError(t, bus.Publish(ctx, n))

	select {
	case got := <-live:
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, 3, got.Progress.Parsed)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not fanned out over NATS")
	}

	assert.Eventually(t, func() bool {
		got, _ := bus.Recent(ctx, 10)
		return len(got) == 1 && got[0].Message == "started"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, bus.Clear(ctx))
	got, _ := bus.Recent(ctx, 10)
	assert.Empty(t, got)
}
