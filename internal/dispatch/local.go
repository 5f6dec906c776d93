package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	flowerrors "delayflow/internal/errors"
)

// A full queue fails Schedule instead of blocking the scheduler tick.
type LocalDispatcher struct {
	handler TaskHandler
	queue   chan Task
	retry   RetryPolicy
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocal(ctx context.Context, handler TaskHandler, workers, queueSize int, logger *slog.Logger) *LocalDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &LocalDispatcher{
		handler: handler,
		queue:   make(chan Task, queueSize),
		retry:   RetryPolicy{MaxAttempts: 1},
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	return d
}

// SetRetry must be called before the first Schedule.
func (d *LocalDispatcher) SetRetry(policy RetryPolicy) {
	d.retry = policy
}

func (d *LocalDispatcher) Schedule(ctx context.Context, task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return flowerrors.NewDispatchFault("dispatcher closed", nil)
	}
	select {
	case d.queue <- task:
		return nil
	case <-ctx.Done():
		return flowerrors.NewDispatchFault("schedule cancelled", ctx.Err())
	default:
		return flowerrors.New(flowerrors.CategoryDispatch, flowerrors.CodeQueueFull,
			fmt.Sprintf("queue full, dropping task for project %d", task.Kwargs.ProjectID))
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *LocalDispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for task := range d.queue {
		d.run(ctx, id, task)
	}
}

func (d *LocalDispatcher) run(ctx context.Context, id int, task Task) {
	defer func() {
		if p := recover(); p != nil && d.logger != nil {
			d.logger.Error("task panicked", "worker", id, "task", task.Name, "project_id", task.Kwargs.ProjectID, "panic", p)
		}
	}()
	if d.handler == nil {
		return
	}
	if err := runTask(ctx, d.handler, task, d.retry, d.logger); err != nil && d.logger != nil {
		d.logger.Warn("task failed", "worker", id, "task", task.Name, "project_id", task.Kwargs.ProjectID, "batch_key", task.Kwargs.BatchKey, "err", err)
	}
}
