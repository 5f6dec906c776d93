package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delayflow"

// Collectors owns a private registry so several instances can coexist in one
// process. A nil *Collectors ignores every observation.
type Collectors struct {
	Registry *prometheus.Registry

	ticks             *prometheus.CounterVec
	tickDuration      prometheus.Histogram
	pendingProjects   prometheus.Gauge
	projectsProcessed prometheus.Counter
	tasksDispatched   prometheus.Counter
	dispatchFailures  prometheus.Counter
	cohortStaleness   prometheus.Gauge
	conditionGroups   *prometheus.CounterVec
	decisions         *prometheus.CounterVec
	ingested          *prometheus.CounterVec
}

func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collectors{
		Registry: reg,
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks by outcome.",
		}, []string{"outcome"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Wall time of a scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		pendingProjects: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_projects",
			Help:      "Projects with buffered work at the start of the last tick.",
		}),
		projectsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projects_processed_total",
			Help:      "Projects fully drained by the scheduler.",
		}),
		tasksDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Evaluate tasks handed to the dispatcher.",
		}),
		dispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Batches whose dispatch failed.",
		}),
		cohortStaleness: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cohort_staleness_seconds",
			Help:      "Age of the least recently processed cohort after the last tick.",
		}),
		conditionGroups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_groups_evaluated_total",
			Help:      "Condition group evaluations by outcome and taint.",
		}, []string{"triggered", "tainted"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions emitted by action.",
		}, []string{"action"}),
		ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_events_total",
			Help:      "Producer events by result.",
		}, []string{"result"}),
	}
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

func (c *Collectors) observeTick(t TickStats) {
	if c == nil {
		return
	}
	outcome := "ok"
	switch {
	case t.Skipped:
		outcome = "skipped"
	case t.Error != "":
		outcome = "error"
	}
	c.ticks.WithLabelValues(outcome).Inc()
	if t.Skipped {
		return
	}
	c.tickDuration.Observe(t.Duration.Seconds())
	c.pendingProjects.Set(float64(t.Pending))
	c.projectsProcessed.Add(float64(t.Processed))
	c.tasksDispatched.Add(float64(t.Dispatched))
	c.dispatchFailures.Add(float64(t.Failed))
}

func (c *Collectors) observeGroup(triggered, tainted bool) {
	if c == nil {
		return
	}
	c.conditionGroups.WithLabelValues(strconv.FormatBool(triggered), strconv.FormatBool(tainted)).Inc()
}

func (c *Collectors) observeDecision(action string) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(action).Inc()
}

func (c *Collectors) observeIngest(accepted, dropped int) {
	if c == nil {
		return
	}
	c.ingested.WithLabelValues("accepted").Add(float64(accepted))
	c.ingested.WithLabelValues("dropped").Add(float64(dropped))
}

func (c *Collectors) setCohortStaleness(seconds float64) {
	if c == nil {
		return
	}
	c.cohortStaleness.Set(seconds)
}
