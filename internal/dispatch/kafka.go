package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"delayflow/internal/config"
	flowerrors "delayflow/internal/errors"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Keyed by project id, so one project's batches land on one partition.
type KafkaDispatcher struct {
	writer messageWriter
	logger *slog.Logger
}

func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) *KafkaDispatcher {
	if logger != nil {
		logger.Info("kafka dispatch enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaDispatcher{writer: w, logger: logger}
}

func (d *KafkaDispatcher) Schedule(ctx context.Context, task Task) error {
	value, err := task.Encode()
	if err != nil {
		return flowerrors.NewDispatchFault("encode task", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(task.Kwargs.ProjectID, 10)),
		Value: value,
	}
	for k, v := range task.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return flowerrors.NewDispatchFault("publish task", err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// Consumer reads tasks published by a KafkaDispatcher and runs them. An
// offset is committed only once its task succeeded, failed for good, or had
// its input restored. Until then the task is retried in place, and a shutdown
// leaves the offset uncommitted so the task is redelivered.
type Consumer struct {
	reader  messageReader
	handler TaskHandler
	retry   RetryPolicy
	logger  *slog.Logger
}

func NewConsumer(cfg config.DispatchConfig, handler TaskHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, handler: handler, retry: RetryPolicyFromConfig(cfg), logger: logger}
}

func (c *Consumer) Run(ctx context.Context) {
	if c.logger != nil {
		c.logger.Info("task consumer started")
	}
	defer c.reader.Close()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if c.logger != nil {
				c.logger.Warn("task read error", "err", err)
			}
			if !sleepCtx(ctx, 200*time.Millisecond) {
				return
			}
			continue
		}
		if !c.handle(ctx, m) {
			return
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && c.logger != nil {
			c.logger.Warn("task commit error", "offset", m.Offset, "err", err)
		}
	}
}

// handle reports whether the message may be committed.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	task, err := DecodeTask(m.Value)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("dropping malformed task", "offset", m.Offset, "err", err)
		}
		return true
	}
	for {
		err := runTask(ctx, c.handler, task, c.retry, c.logger)
		if err == nil {
			return true
		}
		if !flowerrors.IsRetryable(err) {
			if c.logger != nil {
				c.logger.Warn("task failed", "project_id", task.Kwargs.ProjectID, "batch_key", task.Kwargs.BatchKey, "err", err)
			}
			return true
		}
		if c.logger != nil {
			c.logger.Error("task failed and input not restored, holding offset", "offset", m.Offset, "project_id", task.Kwargs.ProjectID, "err", err)
		}
		if ctx.Err() != nil || !sleepCtx(ctx, max(c.retry.Backoff, 200*time.Millisecond)) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
