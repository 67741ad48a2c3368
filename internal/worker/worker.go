package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reconciler-service/internal/queue"
	"reconciler-service/internal/util"
)

// QueueWorker drains the task queues on a fixed interval. One worker per
// process; each drain pass takes at most one task per queue, so a slow
// task never starves the other queues.
type QueueWorker struct {
	manager  *queue.Manager
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewQueueWorker creates a new queue worker.
func NewQueueWorker(manager *queue.Manager, interval time.Duration) *QueueWorker {
	if interval <= 0 {
		interval = time.Second
	}
	return &QueueWorker{
		manager:  manager,
		interval: interval,
		logger:   util.GetLogger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the drain loop until Stop is called or the context ends.
func (w *QueueWorker) Start(ctx context.Context) {
	w.logger.Info("Starting queue worker",
		zap.Duration("drain_interval", w.interval))

	ticker := time.NewTicker(w.interval)
	depthTicker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	defer depthTicker.Stop()
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.manager.Drain(ctx)
		case <-depthTicker.C:
			w.sampleDepths(ctx)
		}
	}
}

// Stop signals the worker to exit and waits for the loop to finish.
func (w *QueueWorker) Stop() {
	w.logger.Info("Stopping queue worker")
	close(w.stop)
	<-w.done
}

func (w *QueueWorker) sampleDepths(ctx context.Context) {
	for name, depth := range w.manager.Depths(ctx) {
		util.QueueDepth.WithLabelValues(name).Set(float64(depth))
	}
}
