package dispatch

import (
	"context"
	"log/slog"
	"time"

	"delayflow/internal/config"
	flowerrors "delayflow/internal/errors"
)

const maxRetryBackoff = 30 * time.Second

type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func RetryPolicyFromConfig(cfg config.DispatchConfig) RetryPolicy {
	return RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.RetryBackoff}
}

// Restorer puts the input of a task that could not be completed back where
// the scheduler will find it again.
type Restorer interface {
	Restore(ctx context.Context, task Task) error
}

// runTask retries retryable failures with doubling backoff. When the attempts
// run out, or ctx ends between attempts, the handler's Restore is called if it
// has one; a nil return then means the task's input is safe.
func runTask(ctx context.Context, handler TaskHandler, task Task, policy RetryPolicy, logger *slog.Logger) error {
	attempts := max(policy.MaxAttempts, 1)
	backoff := policy.Backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = handler.Handle(ctx, task)
		if err == nil {
			return nil
		}
		if !flowerrors.IsRetryable(err) {
			return err
		}
		if logger != nil {
			logger.Warn("task failed, retrying", "task", task.Name, "project_id", task.Kwargs.ProjectID, "batch_key", task.Kwargs.BatchKey, "attempt", attempt, "err", err)
		}
		if attempt == attempts || !sleepCtx(ctx, backoff) {
			break
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}

	restorer, ok := handler.(Restorer)
	if !ok {
		return err
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := restorer.Restore(rctx, task); rerr != nil {
		if logger != nil {
			logger.Error("task input could not be restored", "project_id", task.Kwargs.ProjectID, "batch_key", task.Kwargs.BatchKey, "err", rerr)
		}
		return err
	}
	if logger != nil {
		logger.Warn("task abandoned, input restored for the next tick", "project_id", task.Kwargs.ProjectID, "batch_key", task.Kwargs.BatchKey, "err", err)
	}
	return nil
}
