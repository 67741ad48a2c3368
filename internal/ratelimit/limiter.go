package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"reconciler-service/config"
	"reconciler-service/internal/util"
)

// ttlSlack keeps counter keys alive slightly past the window boundary so a
// request racing the boundary never resurrects a dead counter.
const ttlSlack = 10 * time.Second

// Backend is the shared counter store, normally Redis. A nil backend means
// the limiter runs purely on the in-memory store.
type Backend interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Result is the outcome of a single limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type memCounter struct {
	count   int64
	resetAt time.Time
}

// Limiter enforces fixed-window limits against Redis, degrading
// transparently to a process-local store whenever Redis is unavailable.
// The limiter itself never fails a request.
type Limiter struct {
	backend Backend
	logger  *zap.Logger

	mu  sync.Mutex
	mem map[string]*memCounter

	stop chan struct{}
	once sync.Once
}

// NewLimiter creates a limiter. Entries in the fallback store are swept
// periodically so memory stays bounded.
func NewLimiter(backend Backend) *Limiter {
	l := &Limiter{
		backend: backend,
		logger:  util.GetLogger(),
		mem:     make(map[string]*memCounter),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Close stops the fallback-store janitor.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Check counts one request for key under the given tier and reports whether
// it is within the window limit.
func (l *Limiter) Check(ctx context.Context, key string, tier config.RateLimitTier) Result {
	windowStart := time.Now().Truncate(tier.Window)
	resetAt := windowStart.Add(tier.Window)
	counterKey := fmt.Sprintf("rate_limit:%s:%d", key, windowStart.Unix())

	count, err := l.incr(ctx, counterKey, resetAt, tier.Window)
	if err != nil {
		// Redis failed mid-flight; recount in the fallback store.
		util.RateLimitFallbackTotal.Inc()
		l.logger.Warn("Rate limiter falling back to in-memory store",
			zap.String("tier", tier.Name), zap.Error(err))
		count = l.incrMemory(counterKey, resetAt)
	}

	res := Result{
		Limit:   tier.Max,
		ResetAt: resetAt,
	}
	if count <= int64(tier.Max) {
		res.Allowed = true
		res.Remaining = tier.Max - int(count)
		util.RateLimitAllowedTotal.WithLabelValues(tier.Name).Inc()
		return res
	}

	res.RetryAfter = time.Until(resetAt)
	if res.RetryAfter < 0 {
		res.RetryAfter = 0
	}
	util.RateLimitDeniedTotal.WithLabelValues(tier.Name).Inc()
	return res
}

func (l *Limiter) incr(ctx context.Context, counterKey string, resetAt time.Time, window time.Duration) (int64, error) {
	if l.backend == nil {
		return l.incrMemory(counterKey, resetAt), nil
	}
	return l.backend.IncrWindow(ctx, counterKey, window+ttlSlack)
}

func (l *Limiter) incrMemory(counterKey string, resetAt time.Time) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.mem[counterKey]
	if !ok {
		entry = &memCounter{resetAt: resetAt}
		l.mem[counterKey] = entry
	}
	entry.count++
	return entry.count
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.mem {
		if now.After(entry.resetAt.Add(ttlSlack)) {
			delete(l.mem, key)
		}
	}
}
