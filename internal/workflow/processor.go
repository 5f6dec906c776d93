package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"delayflow/internal/condition"
	"delayflow/internal/config"
	"delayflow/internal/delayed"
	"delayflow/internal/dispatch"
	flowerrors "delayflow/internal/errors"
	"delayflow/internal/metrics"
	"delayflow/internal/model"
)

type History interface {
	LastDecision(ctx context.Context, ruleID, groupID int64) (model.Decision, bool, error)
}

type Sink interface {
	SaveDecision(ctx context.Context, d model.Decision) error
}

type BatchOutcome struct {
	Entries   int
	Skipped   int
	Evaluated int
	Decisions []model.Decision
}

type settings struct {
	slowTimeout     time.Duration
	slowConcurrency int
	dedupeWindow    time.Duration
}

type Processor struct {
	client   *delayed.Client
	registry *condition.Registry
	rules    RuleSource
	history  History
	sinks    []Sink
	metrics  *metrics.Store
	logger   *slog.Logger
	dedupe   *DedupeCache
	cfg      atomic.Value
	now      func() time.Time
}

// Without history every satisfied group fires.
func NewProcessor(cfg *config.Config, client *delayed.Client, registry *condition.Registry, rules RuleSource, history History, metricsStore *metrics.Store, logger *slog.Logger, sinks ...Sink) *Processor {
	p := &Processor{
		client:   client,
		registry: registry,
		rules:    rules,
		history:  history,
		sinks:    sinks,
		metrics:  metricsStore,
		logger:   logger,
		dedupe:   NewDedupeCache(),
		now:      time.Now,
	}
	p.UpdateConfig(cfg)
	return p
}

func (p *Processor) UpdateConfig(cfg *config.Config) {
	p.cfg.Store(&settings{
		slowTimeout:     cfg.Evaluation.SlowTimeout,
		slowConcurrency: cfg.Evaluation.SlowConcurrency,
		dedupeWindow:    cfg.Evaluation.DedupeWindow,
	})
}

func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Processor) current() *settings {
	return p.cfg.Load().(*settings)
}

func (p *Processor) Handle(ctx context.Context, task dispatch.Task) error {
	if task.Name != dispatch.TaskProcessDelayedWorkflows {
		return fmt.Errorf("unknown task %q", task.Name)
	}
	_, err := p.Process(ctx, task.Kwargs.ProjectID, task.Kwargs.BatchKey)
	return err
}

func (p *Processor) Restore(ctx context.Context, task dispatch.Task) error {
	if task.Kwargs.BatchKey == "" {
		return nil
	}
	n, err := p.client.RestoreBatch(ctx, task.Kwargs.ProjectID, task.Kwargs.BatchKey)
	if err != nil {
		return err
	}
	if p.logger != nil {
		p.logger.Warn("batch restored", "project_id", task.Kwargs.ProjectID, "batch_key", task.Kwargs.BatchKey, "fields", n)
	}
	return nil
}

// A batch that is already gone is a no-op. On a storage fault the batch is
// kept for the retry.
func (p *Processor) Process(ctx context.Context, projectID int64, batchKey string) (BatchOutcome, error) {
	var out BatchOutcome
	if batchKey == "" {
		if p.logger != nil {
			p.logger.Debug("nothing buffered", "project_id", projectID)
		}
		return out, nil
	}
	st := p.current()
	pc := p.client.ForProject(projectID)
	data, err := pc.GetHashData(ctx, batchKey)
	if err != nil {
		return out, err
	}
	out.Entries = len(data)
	if len(data) == 0 {
		if p.logger != nil {
			p.logger.Debug("batch already consumed or expired", "project_id", projectID, "batch_key", batchKey)
		}
		return out, nil
	}

	for _, key := range delayed.SortedKeys(data) {
		ruleID, groupID, err := model.ParseFieldKey(key)
		if err != nil {
			out.Skipped++
			p.warn("skipping malformed entry", projectID, key, err)
			continue
		}
		ref, err := model.DecodeEventRef(data[key])
		if err != nil {
			out.Skipped++
			p.warn("skipping malformed entry", projectID, key, err)
			continue
		}
		d, ok, err := p.evaluate(ctx, st, projectID, ruleID, groupID, ref)
		if err != nil {
			return out, fmt.Errorf("project %d entry %s: %w", projectID, key, err)
		}
		out.Evaluated++
		if ok {
			out.Decisions = append(out.Decisions, d)
		}
	}

	if err := pc.DeleteHash(ctx, batchKey); err != nil {
		return out, err
	}
	if p.logger != nil {
		p.logger.Info("batch processed",
			"project_id", projectID,
			"batch_key", batchKey,
			"entries", out.Entries,
			"skipped", out.Skipped,
			"decisions", len(out.Decisions),
		)
	}
	return out, nil
}

func (p *Processor) evaluate(ctx context.Context, st *settings, projectID, ruleID, groupID int64, ref model.EventRef) (model.Decision, bool, error) {
	group, found, err := p.rules.WorkflowGroup(ctx, ruleID)
	if err != nil {
		return model.Decision{}, false, flowerrors.NewStorageFault("load rule", err)
	}
	if !found {
		if p.logger != nil {
			p.logger.Warn("no condition group for rule", "project_id", projectID, "rule_id", ruleID)
		}
		return model.Decision{}, false, nil
	}

	var value any
	if ref.Value != nil {
		value = *ref.Value
	}
	result, slow := condition.ProcessDataConditionGroup(p.registry, group, value)
	if len(slow) > 0 {
		subject := condition.Subject{
			ProjectID:    projectID,
			RuleID:       ruleID,
			GroupID:      groupID,
			EventID:      ref.EventID,
			OccurrenceID: ref.OccurrenceID,
		}
		slowValues := condition.EvaluateSlowConditions(ctx, p.registry, slow, subject, st.slowTimeout, st.slowConcurrency)
		result = condition.CompleteDataConditionGroup(p.registry, group, value, slowValues)
	}
	if p.metrics != nil {
		p.metrics.ObserveGroup(result.Result.Triggered, result.Result.Tainted())
	}
	if result.Result.Tainted() && p.logger != nil {
		p.logger.Warn("condition group tainted",
			"project_id", projectID,
			"rule_id", ruleID,
			"group_id", groupID,
			"triggered", result.Result.Triggered,
			"err", result.Result.Err,
		)
	}

	var last model.Decision
	var hasLast bool
	if p.history != nil {
		last, hasLast, err = p.history.LastDecision(ctx, ruleID, groupID)
		if err != nil {
			return model.Decision{}, false, flowerrors.NewStorageFault("load last decision", err)
		}
	}
	action, priority, emit := Decide(result, last, hasLast)
	if !emit {
		return model.Decision{}, false, nil
	}

	d := model.Decision{
		Timestamp:    p.now().UTC(),
		ProjectID:    projectID,
		RuleID:       ruleID,
		GroupID:      groupID,
		EventID:      ref.EventID,
		OccurrenceID: ref.OccurrenceID,
		Action:       action,
		Priority:     priority,
		Tainted:      result.Result.Tainted(),
		Results:      result.Results(),
	}
	if result.Result.Err != nil {
		d.Error = result.Result.Err.Msg
	}
	dedupeKey := strconv.FormatInt(projectID, 10) + "|" + d.Key() + "|" + ref.EventID + "|" + string(action)
	if p.dedupe.Seen(dedupeKey, d.Timestamp, st.dedupeWindow) {
		return model.Decision{}, false, nil
	}
	for _, sink := range p.sinks {
		if err := sink.SaveDecision(ctx, d); err != nil {
			p.dedupe.Forget(dedupeKey)
			return model.Decision{}, false, flowerrors.NewStorageFault("save decision", err)
		}
	}
	if p.metrics != nil {
		p.metrics.ObserveDecision(string(action))
	}
	if p.logger != nil {
		p.logger.Info("decision",
			"project_id", projectID,
			"rule_id", ruleID,
			"group_id", groupID,
			"event_id", ref.EventID,
			"action", action,
			"priority", priority.String(),
			"tainted", d.Tainted,
		)
	}
	return d, true, nil
}

// Decide maps a group outcome and the pair's previous decision to an action.
// A satisfied group fires, or escalates when it reports a higher priority than
// the open decision. An unsatisfied group resolves an open decision unless the
// outcome is tainted.
func Decide(result condition.ProcessedDataConditionGroup, last model.Decision, hasLast bool) (model.Action, model.Priority, bool) {
	open := hasLast && last.Action != model.ActionResolve
	if result.Result.Triggered {
		priority := reportedPriority(result)
		switch {
		case !open:
			return model.ActionFire, priority, true
		case priority > last.Priority:
			return model.ActionEscalate, priority, true
		}
		return "", 0, false
	}
	if open && !result.Result.Tainted() {
		return model.ActionResolve, model.PriorityOK, true
	}
	return "", 0, false
}

// Plain boolean results count as high.
func reportedPriority(result condition.ProcessedDataConditionGroup) model.Priority {
	best := model.PriorityOK
	seen := false
	for _, r := range result.Results() {
		if r.Kind != model.ResultPriority {
			continue
		}
		seen = true
		if r.Priority > best {
			best = r.Priority
		}
	}
	if !seen {
		return model.PriorityHigh
	}
	return best
}

func (p *Processor) warn(msg string, projectID int64, key string, err error) {
	if p.logger != nil {
		p.logger.Warn(msg, "project_id", projectID, "field", key, "err", err)
	}
}
