package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delayflow/internal/config"
	flowerrors "delayflow/internal/errors"
)

func TestTaskCodec(t *testing.T) {
	task := NewTask(42, "b-1")
	task.Headers = map[string]string{"origin": "scheduler"}
	data, err := task.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"workflow_engine.process_delayed_workflows","kwargs":{"project_id":42,"batch_key":"b-1"},"headers":{"origin":"scheduler"}}`, string(data))

	back, err := DecodeTask(data)
	require.NoError(t, err)
	assert.Equal(t, task, back)

	_, err = DecodeTask([]byte(`{"kwargs":{"project_id":1}}`))
	assert.Error(t, err)
}

func TestLocalDispatcherRunsTasks(t *testing.T) {
	var mu sync.Mutex
	var seen []Kwargs
	done := make(chan struct{}, 3)
	d := NewLocal(context.Background(), HandlerFunc(func(ctx context.Context, task Task) error {
		mu.Lock()
		seen = append(seen, task.Kwargs)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}), 2, 10, nil)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, d.Schedule(context.Background(), NewTask(i, "")))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task not run")
		}
	}
	require.NoError(t, d.Close())
	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()

	err := d.Schedule(context.Background(), NewTask(4, ""))
	assert.True(t, errors.Is(err, flowerrors.ErrScheduleFailed), "closed dispatcher must refuse: %v", err)
}

func TestLocalDispatcherQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	d := NewLocal(context.Background(), HandlerFunc(func(ctx context.Context, task Task) error {
		started <- struct{}{}
		<-release
		return nil
	}), 1, 1, nil)

	require.NoError(t, d.Schedule(context.Background(), NewTask(1, "")))
	<-started // worker is busy with task 1
	require.NoError(t, d.Schedule(context.Background(), NewTask(2, "")))

	err := d.Schedule(context.Background(), NewTask(3, ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, flowerrors.ErrQueueFull))
	assert.Equal(t, flowerrors.CategoryDispatch, flowerrors.GetCategory(err))

	close(release)
	go func() {
		for range started {
		}
	}()
	require.NoError(t, d.Close())
	close(started)
}

func TestLocalDispatcherSurvivesPanics(t *testing.T) {
	ran := make(chan int64, 2)
	d := NewLocal(context.Background(), HandlerFunc(func(ctx context.Context, task Task) error {
		if task.Kwargs.ProjectID == 1 {
			panic("handler bug")
		}
		ran <- task.Kwargs.ProjectID
		return nil
	}), 1, 4, nil)
	require.NoError(t, d.Schedule(context.Background(), NewTask(1, "")))
	require.NoError(t, d.Schedule(context.Background(), NewTask(2, "")))
	select {
	case id := <-ran:
		assert.Equal(t, int64(2), id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, d.Close())
}

func TestLocalDispatcherRetriesStorageFault(t *testing.T) {
	var calls int
	d := NewLocal(context.Background(), HandlerFunc(func(ctx context.Context, task Task) error {
		calls++
		if calls == 1 {
			return flowerrors.NewStorageFault("load rule", errors.New("connection refused"))
		}
		return nil
	}), 1, 4, nil)
	d.SetRetry(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})

	require.NoError(t, d.Schedule(context.Background(), NewTask(1, "b-1")))
	require.NoError(t, d.Close())
	assert.Equal(t, 2, calls)
}

type restoringHandler struct {
	err      error
	calls    int
	restored []Task
}

func (h *restoringHandler) Handle(context.Context, Task) error {
	h.calls++
	return h.err
}

func (h *restoringHandler) Restore(_ context.Context, task Task) error {
	h.restored = append(h.restored, task)
	return nil
}

func TestRunTaskRestoresAfterLastAttempt(t *testing.T) {
	h := &restoringHandler{err: flowerrors.NewStorageFault("save decision", errors.New("disk full"))}
	err := runTask(context.Background(), h, NewTask(5, "b-5"), RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, h.calls)
	require.Len(t, h.restored, 1)
	assert.Equal(t, "b-5", h.restored[0].Kwargs.BatchKey)
}

func TestRunTaskDoesNotRetryPermanentFailure(t *testing.T) {
	h := &restoringHandler{err: errors.New("unknown task")}
	err := runTask(context.Background(), h, NewTask(5, "b-5"), RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, h.calls)
	assert.Empty(t, h.restored)
}

func TestRunTaskRestoresOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &restoringHandler{err: flowerrors.NewStorageFault("load batch", context.Canceled)}
	err := runTask(ctx, h, NewTask(5, "b-5"), RetryPolicy{MaxAttempts: 5, Backoff: time.Hour}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.calls)
	assert.Len(t, h.restored, 1)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaDispatcherPublishesKeyedTasks(t *testing.T) {
	w := &fakeWriter{}
	d := &KafkaDispatcher{writer: w}
	task := NewTask(7, "batch")
	task.Headers = map[string]string{"attempt": "1"}
	require.NoError(t, d.Schedule(context.Background(), task))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "7", string(w.msgs[0].Key))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "attempt", w.msgs[0].Headers[0].Key)

	back, err := DecodeTask(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, task, back)

	w.err = errors.New("broker down")
	err = d.Schedule(context.Background(), task)
	assert.True(t, errors.Is(err, flowerrors.ErrScheduleFailed))
	assert.True(t, flowerrors.IsRetryable(err))
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerHandlesAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	good, err := NewTask(3, "k").Encode()
	require.NoError(t, err)
	r := &fakeReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: good},
			{Offset: 2, Value: []byte("garbage")},
		},
		cancel: cancel,
	}
	var handled []Task
	c := &Consumer{reader: r, handler: HandlerFunc(func(ctx context.Context, task Task) error {
		handled = append(handled, task)
		return nil
	})}
	c.Run(ctx)

	require.Len(t, handled, 1)
	assert.Equal(t, int64(3), handled[0].Kwargs.ProjectID)
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestConsumerRetriesBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	good, err := NewTask(3, "k").Encode()
	require.NoError(t, err)
	r := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: good}}, cancel: cancel}
	var calls int
	c := &Consumer{
		reader: r,
		handler: HandlerFunc(func(ctx context.Context, task Task) error {
			calls++
			if calls == 1 {
				return flowerrors.NewStorageFault("load batch", errors.New("timeout"))
			}
			return nil
		}),
		retry: RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
	}
	c.Run(ctx)

	assert.Equal(t, 2, calls)
	assert.Equal(t, []int64{7}, r.committed)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.DispatchConfig{Driver: "carrier-pigeon"}, nil, nil)
	assert.True(t, errors.Is(err, flowerrors.ErrInvalidValue))

	d, err := New(context.Background(), config.DispatchConfig{Driver: "local", Workers: 1, QueueSize: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())
}
