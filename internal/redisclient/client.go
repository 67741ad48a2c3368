package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"reconciler-service/internal/util"
)

//go:embed scripts/ratelimit_window.lua
var rateLimitWindowScript string

// delayedTasksKey is the sorted set holding tasks scheduled for future
// execution, scored by target epoch milliseconds.
const delayedTasksKey = "delayed_tasks"

// Client wraps a single process-wide Redis connection. The underlying
// connection is torn down and lazily recreated after a connection error so
// a transient outage never leaves a poisoned client behind.
type Client struct {
	addr     string
	password string
	db       int

	mu         sync.Mutex
	rdb        *redis.Client
	windowIncr *redis.Script
	logger     *zap.Logger
}

// NewClient creates a Redis client. A failed initial ping is logged but not
// fatal: callers fall back to in-memory behavior until Redis comes back.
func NewClient(addr, password string, db int) *Client {
	c := &Client{
		addr:       addr,
		password:   password,
		db:         db,
		windowIncr: redis.NewScript(rateLimitWindowScript),
		logger:     util.GetLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.conn().Ping(ctx).Err(); err != nil {
		c.logger.Warn("Redis unreachable at startup, degrading to in-memory fallback",
			zap.String("addr", addr), zap.Error(err))
	}

	return c
}

// conn returns the underlying client, recreating it if a previous error
// tore it down.
func (c *Client) conn() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rdb == nil {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:     c.addr,
			Password: c.password,
			DB:       c.db,
		})
	}
	return c.rdb
}

// dropConn closes and discards the connection after a connection-level
// error. redis.Nil and context errors are not connection failures.
func (c *Client) dropConn(err error) {
	if err == nil || errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rdb != nil {
		_ = c.rdb.Close()
		c.rdb = nil
	}
	c.logger.Warn("Redis connection reset after error", zap.Error(err))
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	err := c.conn().Ping(ctx).Err()
	c.dropConn(err)
	return err
}

// IncrWindow atomically increments the fixed-window counter for key and
// arms its TTL on first increment.
func (c *Client) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	result, err := c.windowIncr.Run(ctx, c.conn(), []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		c.dropConn(err)
		return 0, fmt.Errorf("rate limit window script failed: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type %T", result)
	}
	return count, nil
}

// PushTask pushes a serialized task onto an immediate queue.
func (c *Client) PushTask(ctx context.Context, queue string, payload []byte) error {
	err := c.conn().LPush(ctx, queue, payload).Err()
	c.dropConn(err)
	return err
}

// PopTask pops one task from the tail of an immediate queue. Returns
// (nil, nil) when the queue is empty.
func (c *Client) PopTask(ctx context.Context, queue string) ([]byte, error) {
	payload, err := c.conn().RPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.dropConn(err)
		return nil, err
	}
	return payload, nil
}

// AddDelayed stores a serialized task in the delayed set scored by its
// target execution time.
func (c *Client) AddDelayed(ctx context.Context, payload []byte, runAt time.Time) error {
	err := c.conn().ZAdd(ctx, delayedTasksKey, &redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: payload,
	}).Err()
	c.dropConn(err)
	return err
}

// PopDue removes and returns every delayed task whose score is due.
func (c *Client) PopDue(ctx context.Context, now time.Time) ([][]byte, error) {
	rdb := c.conn()

	members, err := rdb.ZRangeByScore(ctx, delayedTasksKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		c.dropConn(err)
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	due := make([][]byte, 0, len(members))
	for _, member := range members {
		removed, err := rdb.ZRem(ctx, delayedTasksKey, member).Result()
		if err != nil {
			c.dropConn(err)
			return due, err
		}
		// Another drainer may have claimed the entry first.
		if removed > 0 {
			due = append(due, []byte(member))
		}
	}
	return due, nil
}

// QueueLen returns the depth of an immediate queue.
func (c *Client) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := c.conn().LLen(ctx, queue).Result()
	c.dropConn(err)
	return n, err
}

// DelayedLen returns the size of the delayed task set.
func (c *Client) DelayedLen(ctx context.Context) (int64, error) {
	n, err := c.conn().ZCard(ctx, delayedTasksKey).Result()
	c.dropConn(err)
	return n, err
}
