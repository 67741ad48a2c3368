package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBackend is an in-process stand-in for the Redis backend.
type memoryBackend struct {
	mu      sync.Mutex
	queues  map[string][][]byte
	delayed []delayedEntry
	failing bool
}

type delayedEntry struct {
	payload []byte
	runAt   time.Time
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{queues: make(map[string][][]byte)}
}

var errBackendDown = errors.New("backend unavailable")

func (b *memoryBackend) PushTask(ctx context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errBackendDown
	}
	b.queues[queue] = append([][]byte{payload}, b.queues[queue]...)
	return nil
}

func (b *memoryBackend) PopTask(ctx context.Context, queue string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return nil, errBackendDown
	}
	entries := b.queues[queue]
	if len(entries) == 0 {
		return nil, nil
	}
	payload := entries[len(entries)-1]
	b.queues[queue] = entries[:len(entries)-1]
	return payload, nil
}

func (b *memoryBackend) AddDelayed(ctx context.Context, payload []byte, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errBackendDown
	}
	b.delayed = append(b.delayed, delayedEntry{payload: payload, runAt: runAt})
	return nil
}

func (b *memoryBackend) PopDue(ctx context.Context, now time.Time) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return nil, errBackendDown
	}
	var due [][]byte
	var remaining []delayedEntry
	for _, entry := range b.delayed {
		if !entry.runAt.After(now) {
			due = append(due, entry.payload)
		} else {
			remaining = append(remaining, entry)
		}
	}
	b.delayed = remaining
	return due, nil
}

func (b *memoryBackend) QueueLen(ctx context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[queue])), nil
}

// expireDelayed makes every delayed entry due immediately.
func (b *memoryBackend) expireDelayed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.delayed {
		b.delayed[i].runAt = time.Time{}
	}
}

func (b *memoryBackend) totalEntries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.delayed)
	for _, entries := range b.queues {
		n += len(entries)
	}
	return n
}

func TestScheduleAndExecute(t *testing.T) {
	backend := newMemoryBackend()
	m := NewManager(backend)

	var got *EmailNotificationPayload
	m.Register(TaskEmailNotification, func(ctx context.Context, task *Task) error {
		var p EmailNotificationPayload
		if err := DecodePayload(task, &p); err != nil {
			return err
		}
		got = &p
		return nil
	})

	ok := m.Schedule(context.Background(), TaskEmailNotification, EmailNotificationPayload{
		IdempotencyKey: "order-1-confirmation",
		To:             "a@b.com",
		Template:       "order_confirmation",
		OrderID:        1,
	}, Options{})
	require.True(t, ok)

	m.Drain(context.Background())

	require.NotNil(t, got)
	assert.Equal(t, "a@b.com", got.To)
	assert.Zero(t, backend.totalEntries())
}

func TestFailingTaskRetriedThenDropped(t *testing.T) {
	backend := newMemoryBackend()
	m := NewManager(backend)

	attempts := 0
	m.Register(TaskEmailNotification, func(ctx context.Context, task *Task) error {
		attempts++
		return errors.New("smtp down")
	})

	ok := m.Schedule(context.Background(), TaskEmailNotification, EmailNotificationPayload{
		IdempotencyKey: "order-2-confirmation",
		To:             "a@b.com",
		Template:       "order_confirmation",
	}, Options{MaxRetries: 2})
	require.True(t, ok)

	for i := 0; i < 10; i++ {
		m.Drain(context.Background())
		backend.expireDelayed()
	}

	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	assert.Zero(t, backend.totalEntries(), "no task may remain in any queue or the delayed set")
}

func TestNegativeMaxRetriesMeansSingleAttempt(t *testing.T) {
	backend := newMemoryBackend()
	m := NewManager(backend)

	attempts := 0
	m.Register(TaskEmailNotification, func(ctx context.Context, task *Task) error {
		attempts++
		return errors.New("smtp down")
	})

	ok := m.Schedule(context.Background(), TaskEmailNotification, EmailNotificationPayload{
		IdempotencyKey: "order-3-confirmation",
		To:             "a@b.com",
		Template:       "order_confirmation",
	}, Options{MaxRetries: -1})
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		m.Drain(context.Background())
		backend.expireDelayed()
	}

	assert.Equal(t, 1, attempts, "no-retry task runs exactly once")
	assert.Zero(t, backend.totalEntries())
}

func TestRetriesReinsertIntoDelayedSet(t *testing.T) {
	backend := newMemoryBackend()
	m := NewManager(backend)

	m.Register(TaskDataSync, func(ctx context.Context, task *Task) error {
		return errors.New("transient")
	})

	m.Schedule(context.Background(), TaskDataSync, DataSyncPayload{
		IdempotencyKey: "sync-1",
		OrderID:        1,
	}, Options{MaxRetries: 3})

	m.Drain(context.Background())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.delayed, 1)
	assert.True(t, backend.delayed[0].runAt.After(time.Now()),
		"retried task must be scheduled in the future")
}

func TestInvalidPayloadFailsPermanently(t *testing.T) {
	backend := newMemoryBackend()
	m := NewManager(backend)

	attempts := 0
	m.Register(TaskMarketingEvent, func(ctx context.Context, task *Task) error {
		attempts++
		var p MarketingEventPayload
		return DecodePayload(task, &p)
	})

	// Missing required fields: must be dropped, never retried.
	m.Schedule(context.Background(), TaskMarketingEvent, MarketingEventPayload{}, Options{MaxRetries: 5})

	for i := 0; i < 5; i++ {
		m.Drain(context.Background())
		backend.expireDelayed()
	}

	assert.Equal(t, 1, attempts)
	assert.Zero(t, backend.totalEntries())
}

func TestDelayedTaskPromotedWhenDue(t *testing.T) {
	backend := newMemoryBackend()
	m := NewManager(backend)

	executed := false
	m.Register(TaskDataSync, func(ctx context.Context, task *Task) error {
		executed = true
		return nil
	})

	m.Schedule(context.Background(), TaskDataSync, DataSyncPayload{
		IdempotencyKey: "sync-2",
		OrderID:        2,
	}, Options{Delay: time.Hour})

	m.Drain(context.Background())
	assert.False(t, executed, "task must not run before its delay elapses")

	backend.expireDelayed()
	m.Drain(context.Background())
	assert.True(t, executed)
}

func TestScheduleBestEffortOnUnavailableBackend(t *testing.T) {
	backend := newMemoryBackend()
	backend.failing = true
	m := NewManager(backend)

	ok := m.Schedule(context.Background(), TaskDataSync, DataSyncPayload{
		IdempotencyKey: "sync-3",
		OrderID:        3,
	}, Options{})
	assert.False(t, ok)
}

func TestScheduleWithNilBackend(t *testing.T) {
	m := NewManager(nil)
	ok := m.Schedule(context.Background(), TaskDataSync, DataSyncPayload{
		IdempotencyKey: "sync-4",
		OrderID:        4,
	}, Options{})
	assert.False(t, ok)

	// Drain must be a safe no-op.
	m.Drain(context.Background())
}

func TestRetryDelayGrowth(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 4*time.Second, retryDelay(2))
	assert.Equal(t, 8*time.Second, retryDelay(3))
	assert.Equal(t, 16*time.Second, retryDelay(4))
	assert.Equal(t, 30*time.Second, retryDelay(5))
	assert.Equal(t, 30*time.Second, retryDelay(20))
}
