// Package queue implements the Redis-backed async task queue that defers
// non-critical side effects out of the webhook request path. Delivery is
// at-least-once: a crash between pop and completion redelivers, so every
// handler must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reconciler-service/internal/resilience"
	"reconciler-service/internal/util"
)

// Task types
type TaskType string

const (
	TaskMarketingEvent    TaskType = "marketing_event"
	TaskUserCreation      TaskType = "user_creation"
	TaskDataSync          TaskType = "data_sync"
	TaskEmailNotification TaskType = "email_notification"
)

// Queue priorities
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

var priorities = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

const (
	defaultMaxRetries = 3
	maxRetryDelay     = 30 * time.Second
	taskTimeout       = 30 * time.Second
)

// Task is the unit of deferred work. Data is decoded into a typed payload
// by the handler at execution time.
type Task struct {
	ID         string          `json:"id"`
	Type       TaskType        `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	Priority   Priority        `json:"priority"`
}

// QueueName returns the immediate queue list a task belongs to.
func (t *Task) QueueName() string {
	return fmt.Sprintf("queue:%s:%s", t.Priority, t.Type)
}

// Backend is the queue storage, normally Redis.
type Backend interface {
	PushTask(ctx context.Context, queue string, payload []byte) error
	PopTask(ctx context.Context, queue string) ([]byte, error)
	AddDelayed(ctx context.Context, payload []byte, runAt time.Time) error
	PopDue(ctx context.Context, now time.Time) ([][]byte, error)
	QueueLen(ctx context.Context, queue string) (int64, error)
}

// Handler executes one task. Returning an error marked with
// resilience.Fatal drops the task permanently; any other error schedules
// a retry.
type Handler func(ctx context.Context, task *Task) error

// Options configures a scheduled task. MaxRetries zero takes the default;
// a negative value requests a single attempt with no retries.
type Options struct {
	Delay      time.Duration
	MaxRetries int
	Priority   Priority
}

// Manager schedules tasks and drains the queues.
type Manager struct {
	backend  Backend
	handlers map[TaskType]Handler
	logger   *zap.Logger
}

// NewManager creates a queue manager. A nil backend disables scheduling:
// Schedule reports false and Drain is a no-op, which is the permanent
// fallback mode when Redis is not configured.
func NewManager(backend Backend) *Manager {
	return &Manager{
		backend:  backend,
		handlers: make(map[TaskType]Handler),
		logger:   util.GetLogger(),
	}
}

// Register installs the handler for a task type.
func (m *Manager) Register(taskType TaskType, handler Handler) {
	m.handlers[taskType] = handler
}

// QueueNames returns every immediate queue the drain loop polls.
func (m *Manager) QueueNames() []string {
	names := make([]string, 0, len(m.handlers)*len(priorities))
	for _, p := range priorities {
		for taskType := range m.handlers {
			t := Task{Type: taskType, Priority: p}
			names = append(names, t.QueueName())
		}
	}
	return names
}

// Schedule enqueues a task. It never blocks the caller on queue
// infrastructure failures: any storage error is logged and reported as
// false, and callers treat queuing as best-effort.
func (m *Manager) Schedule(ctx context.Context, taskType TaskType, data interface{}, opts Options) bool {
	if m.backend == nil {
		util.QueueScheduleFailedTotal.Inc()
		return false
	}

	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("Failed to marshal task payload",
			zap.String("type", string(taskType)), zap.Error(err))
		return false
	}

	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Priority == "" {
		opts.Priority = PriorityDefault
	}

	task := &Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Data:       payload,
		Timestamp:  time.Now().UnixMilli(),
		MaxRetries: opts.MaxRetries,
		Priority:   opts.Priority,
	}

	raw, err := json.Marshal(task)
	if err != nil {
		m.logger.Error("Failed to marshal task", zap.Error(err))
		return false
	}

	if opts.Delay > 0 {
		err = m.backend.AddDelayed(ctx, raw, time.Now().Add(opts.Delay))
	} else {
		err = m.backend.PushTask(ctx, task.QueueName(), raw)
	}
	if err != nil {
		util.QueueScheduleFailedTotal.Inc()
		m.logger.Warn("Failed to schedule task, dropping side effect",
			zap.String("type", string(taskType)), zap.Error(err))
		return false
	}

	util.QueueTasksScheduledTotal.WithLabelValues(string(taskType)).Inc()
	return true
}

// Drain promotes due delayed tasks onto their immediate queues, then pops
// and executes one task per known queue. It is run periodically by the
// worker loop, never inline with request handling.
func (m *Manager) Drain(ctx context.Context) {
	if m.backend == nil {
		return
	}

	m.promoteDue(ctx)

	for _, queueName := range m.QueueNames() {
		raw, err := m.backend.PopTask(ctx, queueName)
		if err != nil {
			m.logger.Warn("Failed to pop task", zap.String("queue", queueName), zap.Error(err))
			continue
		}
		if raw == nil {
			continue
		}

		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			m.logger.Error("Dropping undecodable task", zap.String("queue", queueName), zap.Error(err))
			util.QueueTasksDroppedTotal.WithLabelValues("unknown", "undecodable").Inc()
			continue
		}

		m.execute(ctx, &task)
	}
}

func (m *Manager) promoteDue(ctx context.Context) {
	due, err := m.backend.PopDue(ctx, time.Now())
	if err != nil {
		m.logger.Warn("Failed to pop due delayed tasks", zap.Error(err))
		return
	}

	for _, raw := range due {
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			m.logger.Error("Dropping undecodable delayed task", zap.Error(err))
			util.QueueTasksDroppedTotal.WithLabelValues("unknown", "undecodable").Inc()
			continue
		}
		if err := m.backend.PushTask(ctx, task.QueueName(), raw); err != nil {
			m.logger.Warn("Failed to promote delayed task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (m *Manager) execute(ctx context.Context, task *Task) {
	ctx, span := util.StartSpan(ctx, "queue.Execute")
	defer span.End()

	handler, ok := m.handlers[task.Type]
	if !ok {
		m.logger.Error("No handler registered for task type",
			zap.String("type", string(task.Type)), zap.String("task_id", task.ID))
		util.QueueTasksDroppedTotal.WithLabelValues(string(task.Type), "no_handler").Inc()
		return
	}

	start := time.Now()
	err := resilience.WithTimeout(ctx, taskTimeout, func(ctx context.Context) error {
		return handler(ctx, task)
	})
	util.QueueTaskLatency.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	if err == nil {
		return
	}

	if resilience.IsFatal(err) {
		m.logger.Error("Task failed permanently",
			zap.String("type", string(task.Type)),
			zap.String("task_id", task.ID),
			zap.Error(err))
		util.QueueTasksDroppedTotal.WithLabelValues(string(task.Type), "fatal").Inc()
		return
	}

	if task.Retries < task.MaxRetries {
		task.Retries++
		util.QueueTaskRetriesTotal.WithLabelValues(string(task.Type)).Inc()
		m.requeue(ctx, task, err)
		return
	}

	m.logger.Error("Task dropped after exhausting retries",
		zap.String("type", string(task.Type)),
		zap.String("task_id", task.ID),
		zap.Int("retries", task.Retries),
		zap.Error(err))
	util.QueueTasksDroppedTotal.WithLabelValues(string(task.Type), "max_retries").Inc()
}

func (m *Manager) requeue(ctx context.Context, task *Task, cause error) {
	raw, err := json.Marshal(task)
	if err != nil {
		m.logger.Error("Failed to marshal task for retry", zap.Error(err))
		return
	}

	delay := retryDelay(task.Retries)
	if err := m.backend.AddDelayed(ctx, raw, time.Now().Add(delay)); err != nil {
		m.logger.Error("Failed to requeue task, side effect lost",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	m.logger.Warn("Task failed, retrying",
		zap.String("type", string(task.Type)),
		zap.String("task_id", task.ID),
		zap.Int("retry", task.Retries),
		zap.Duration("delay", delay),
		zap.Error(cause))
}

// retryDelay returns min(1s * 2^retries, 30s).
func retryDelay(retries int) time.Duration {
	d := time.Second << uint(retries)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}

// Depths samples the depth of every known queue for the gauge metrics.
func (m *Manager) Depths(ctx context.Context) map[string]int64 {
	if m.backend == nil {
		return nil
	}

	depths := make(map[string]int64)
	for _, name := range m.QueueNames() {
		n, err := m.backend.QueueLen(ctx, name)
		if err != nil {
			continue
		}
		depths[name] = n
	}
	return depths
}
