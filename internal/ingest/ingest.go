package ingest

import (
	"context"
	"log/slog"
	"time"

	"delayflow/internal/delayed"
	"delayflow/internal/metrics"
	"delayflow/internal/model"
)

const (
	pumpMaxBatch   = 500
	pumpFlushEvery = 100 * time.Millisecond
	pumpRetries    = 3
)

func SendNonBlocking(ctx context.Context, out chan<- model.BufferedEvent, ev model.BufferedEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "project_id", ev.ProjectID, "rule_id", ev.RuleID, "event_id", ev.EventID)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Whatever is still queued when ctx ends is flushed before Pump returns.
func Pump(ctx context.Context, client *delayed.Client, in <-chan model.BufferedEvent, metricsStore *metrics.Store, logger *slog.Logger) {
	ticker := time.NewTicker(pumpFlushEvery)
	defer ticker.Stop()
	batch := make([]model.BufferedEvent, 0, pumpMaxBatch)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		enqueue(ctx, client, batch, metricsStore, logger)
		batch = batch[:0]
	}
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				flush(ctx)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= pumpMaxBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		drain:
			for {
				select {
				case ev, ok := <-in:
					if !ok {
						break drain
					}
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			flush(drainCtx)
			cancel()
			return
		}
	}
}

func enqueue(ctx context.Context, client *delayed.Client, batch []model.BufferedEvent, metricsStore *metrics.Store, logger *slog.Logger) {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := client.EnqueueMany(ctx, batch)
		if err == nil {
			if metricsStore != nil {
				metricsStore.ObserveIngest(len(batch), 0)
			}
			return
		}
		if logger != nil {
			logger.Warn("enqueue failed", "events", len(batch), "attempt", attempt, "err", err)
		}
		if attempt >= pumpRetries || !BackoffSleep(ctx, backoff) {
			break
		}
		backoff *= 2
	}
	if logger != nil {
		logger.Error("dropping events after enqueue retries", "events", len(batch))
	}
	if metricsStore != nil {
		metricsStore.ObserveIngest(0, len(batch))
	}
}
