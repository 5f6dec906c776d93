package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"delayflow/internal/cohort"
	"delayflow/internal/config"
	"delayflow/internal/delayed"
	"delayflow/internal/dispatch"
	flowerrors "delayflow/internal/errors"
	"delayflow/internal/flags"
	"delayflow/internal/metrics"
)

const defaultBatchSize = 100

type TickResult struct {
	FetchTime  float64 `json:"fetch_time"`
	Skipped    bool    `json:"skipped"`
	Pending    int     `json:"pending"`
	Chosen     []int64 `json:"chosen"`
	Processed  []int64 `json:"processed"`
	Dispatched int     `json:"dispatched"`
	Failed     int     `json:"failed"`
}

type BatchResult struct {
	Entries    int
	Batches    int
	Dispatched int
	Failed     int
}

type settings struct {
	chooser   *cohort.Chooser
	batchSize int
	batchTTL  time.Duration
	interval  time.Duration
}

type Scheduler struct {
	client     *delayed.Client
	dispatcher dispatch.Dispatcher
	flags      flags.Source
	metrics    *metrics.Store
	logger     *slog.Logger
	now        func() time.Time
	settings   atomic.Value
	tickMu     sync.Mutex
}

func New(cfg *config.Config, client *delayed.Client, dispatcher dispatch.Dispatcher, flagSource flags.Source, metricsStore *metrics.Store, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		client:     client,
		dispatcher: dispatcher,
		flags:      flagSource,
		metrics:    metricsStore,
		logger:     logger,
		now:        time.Now,
	}
	if err := s.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) UpdateConfig(cfg *config.Config) error {
	chooser, err := cohort.NewChooser(cfg.Scheduler.NumCohorts, cfg.Scheduler.MinSchedulingAge)
	if err != nil {
		return err
	}
	batchSize := cfg.Scheduler.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	s.settings.Store(&settings{
		chooser:   chooser,
		batchSize: batchSize,
		batchTTL:  cfg.Buffer.BatchTTL,
		interval:  cfg.Scheduler.Interval,
	})
	return nil
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) current() *settings {
	return s.settings.Load().(*settings)
}

func (s *Scheduler) Run(ctx context.Context) {
	for {
		interval := s.current().interval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_, _ = s.ProcessBufferedWorkflows(ctx)
	}
}

// With the kill switch off a tick touches no state. A storage fault abandons
// the tick: cohort freshness is not persisted and nothing is marked processed.
func (s *Scheduler) ProcessBufferedWorkflows(ctx context.Context) (TickResult, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	start := time.Now()
	res, err := s.tick(ctx)
	s.record(start, res, err)
	return res, err
}

func (s *Scheduler) tick(ctx context.Context) (TickResult, error) {
	if s.flags != nil && !s.flags.IsEnabled(flags.ProcessBufferedWorkflows) {
		return TickResult{Skipped: true}, nil
	}
	st := s.current()
	fetchTime := delayed.UnixSeconds(s.now())
	res := TickResult{FetchTime: fetchTime}

	all, err := s.client.GetProjectIDs(ctx, 0, fetchTime)
	if err != nil {
		return res, err
	}
	res.Pending = len(all)
	ids := make([]int64, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	err = s.chosenProjects(ctx, st.chooser, fetchTime, ids, func(chosen []int64) error {
		res.Chosen = chosen
		for _, id := range chosen {
			br, err := s.processInBatches(ctx, st, s.client.ForProject(id))
			res.Dispatched += br.Dispatched
			res.Failed += br.Failed
			if err != nil {
				return fmt.Errorf("project %d: %w", id, err)
			}
			if br.Failed == 0 {
				res.Processed = append(res.Processed, id)
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if err := s.client.MarkProjectsProcessed(ctx, res.Processed, all); err != nil {
		return res, err
	}
	return res, nil
}

// The mutated freshness is persisted only when fn returns nil; an error or a
// panic in fn discards it.
func (s *Scheduler) chosenProjects(ctx context.Context, chooser *cohort.Chooser, fetchTime float64, all []int64, fn func([]int64) error) error {
	updates, err := s.client.FetchUpdates(ctx)
	if err != nil {
		return err
	}
	chosen := chooser.ProjectIDsToProcess(fetchTime, updates, all)
	if err := fn(chosen); err != nil {
		return err
	}
	if err := s.client.PersistUpdates(ctx, updates); err != nil {
		return err
	}
	if s.metrics != nil && len(updates.Values) > 0 {
		s.metrics.SetCohortStaleness(fetchTime - updates.Oldest())
	}
	return nil
}

// A batch whose dispatch fails is dropped and its entries stay live for the
// next tick. Only storage faults are returned.
func (s *Scheduler) ProcessInBatches(ctx context.Context, p *delayed.ProjectClient) (BatchResult, error) {
	return s.processInBatches(ctx, s.current(), p)
}

func (s *Scheduler) processInBatches(ctx context.Context, st *settings, p *delayed.ProjectClient) (BatchResult, error) {
	var res BatchResult
	data, err := p.GetHashData(ctx, "")
	if err != nil {
		return res, err
	}
	res.Entries = len(data)
	if len(data) == 0 {
		if err := s.schedule(ctx, dispatch.NewTask(p.ProjectID(), "")); err != nil {
			res.Failed++
		} else {
			res.Dispatched++
		}
		s.updateProject(p.ProjectID(), res)
		return res, nil
	}

	keys := delayed.SortedKeys(data)
	moved := make([]string, 0, len(keys))
	for start := 0; start < len(keys); start += st.batchSize {
		chunk := keys[start:min(start+st.batchSize, len(keys))]
		fields := make(map[string]string, len(chunk))
		for _, k := range chunk {
			fields[k] = data[k]
		}
		batchKey, err := p.WriteBatch(ctx, fields, st.batchTTL)
		if err != nil {
			return res, err
		}
		res.Batches++
		if err := s.schedule(ctx, dispatch.NewTask(p.ProjectID(), batchKey)); err != nil {
			res.Failed++
			if derr := p.DeleteHash(ctx, batchKey); derr != nil && s.logger != nil {
				s.logger.Warn("orphaned batch left to expire", "project_id", p.ProjectID(), "batch_key", batchKey, "ttl", st.batchTTL, "err", derr)
			}
			continue
		}
		res.Dispatched++
		moved = append(moved, chunk...)
	}
	if len(moved) > 0 {
		if err := p.DeleteHashFields(ctx, "", moved); err != nil {
			return res, err
		}
	}
	s.updateProject(p.ProjectID(), res)
	return res, nil
}

func (s *Scheduler) schedule(ctx context.Context, task dispatch.Task) error {
	err := s.dispatcher.Schedule(ctx, task)
	if err == nil {
		return nil
	}
	var fe *flowerrors.FlowError
	if !errors.As(err, &fe) {
		err = flowerrors.NewDispatchFault("schedule task", err)
	}
	if s.logger != nil {
		s.logger.Warn("dispatch failed", "project_id", task.Kwargs.ProjectID, "batch_key", task.Kwargs.BatchKey, "err", err)
	}
	return err
}

func (s *Scheduler) updateProject(projectID int64, res BatchResult) {
	if s.metrics != nil {
		s.metrics.UpdateProject(projectID, res.Batches, res.Entries, res.Failed > 0)
	}
}

func (s *Scheduler) record(start time.Time, res TickResult, err error) {
	stats := metrics.TickStats{
		Timestamp:  start.UTC(),
		Duration:   time.Since(start),
		Skipped:    res.Skipped,
		Pending:    res.Pending,
		Chosen:     len(res.Chosen),
		Processed:  len(res.Processed),
		Dispatched: res.Dispatched,
		Failed:     res.Failed,
	}
	if err != nil {
		stats.Error = err.Error()
	}
	if s.metrics != nil {
		s.metrics.RecordTick(stats)
	}
	if s.logger == nil {
		return
	}
	switch {
	case err != nil:
		s.logger.Error("tick failed", "category", flowerrors.GetCategory(err), "err", err)
	case res.Skipped:
		s.logger.Debug("tick skipped, kill switch off")
	default:
		s.logger.Info("tick complete",
			"pending", res.Pending,
			"chosen", len(res.Chosen),
			"processed", len(res.Processed),
			"dispatched", res.Dispatched,
			"failed", res.Failed,
			"duration", stats.Duration,
		)
	}
}
