package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"delayflow/internal/config"
	flowerrors "delayflow/internal/errors"
)

const TaskProcessDelayedWorkflows = "workflow_engine.process_delayed_workflows"

type Kwargs struct {
	ProjectID int64  `json:"project_id"`
	BatchKey  string `json:"batch_key,omitempty"`
}

type Task struct {
	Name    string            `json:"name"`
	Kwargs  Kwargs            `json:"kwargs"`
	Headers map[string]string `json:"headers,omitempty"`
}

func NewTask(projectID int64, batchKey string) Task {
	return Task{
		Name:   TaskProcessDelayedWorkflows,
		Kwargs: Kwargs{ProjectID: projectID, BatchKey: batchKey},
	}
}

func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.Name == "" {
		return Task{}, fmt.Errorf("decode task: missing name")
	}
	return t, nil
}

type Dispatcher interface {
	Schedule(ctx context.Context, task Task) error
	Close() error
}

type TaskHandler interface {
	Handle(ctx context.Context, task Task) error
}

type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) Handle(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// The handler is only used by the local driver.
func New(ctx context.Context, cfg config.DispatchConfig, handler TaskHandler, logger *slog.Logger) (Dispatcher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "local":
		d := NewLocal(ctx, handler, cfg.Workers, cfg.QueueSize, logger)
		d.SetRetry(RetryPolicyFromConfig(cfg))
		return d, nil
	case "kafka":
		return NewKafka(cfg.Kafka, logger), nil
	}
	return nil, flowerrors.NewConfigurationError(fmt.Sprintf("unsupported dispatch driver %q", cfg.Driver))
}
