package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"delayflow/internal/config"
	"delayflow/internal/model"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.BufferedEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consumeKafka(ctx, reader, out, logger)
}

func consumeKafka(ctx context.Context, reader messageReader, out chan<- model.BufferedEvent, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, 0) {
				return
			}
			continue
		}
		events, errs := DecodeEvents(m.Value)
		for _, err := range errs {
			if logger != nil {
				logger.Warn("kafka decode error", "partition", m.Partition, "offset", m.Offset, "err", err)
			}
		}
		for _, ev := range events {
			SendNonBlocking(ctx, out, ev, logger)
		}
	}
}
