package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTickRing(t *testing.T) {
	s := NewStore(10, nil)
	s.tickLimit = 3
	if _, ok := s.LastTick(); ok {
		t.Fatalf("no tick expected")
	}
	for i := 1; i <= 5; i++ {
		s.RecordTick(TickStats{Chosen: i})
	}
	ticks := s.Ticks(0)
	if len(ticks) != 3 || ticks[0].Chosen != 3 || ticks[2].Chosen != 5 {
		t.Fatalf("ring: %+v", ticks)
	}
	if last, _ := s.LastTick(); last.Chosen != 5 {
		t.Fatalf("last: %+v", last)
	}
	if got := s.Ticks(1); len(got) != 1 || got[0].Chosen != 5 {
		t.Fatalf("limited: %+v", got)
	}
}

func TestProjectStatsEviction(t *testing.T) {
	s := NewStore(2, nil)
	s.UpdateProject(1, 1, 3, false)
	time.Sleep(time.Millisecond)
	s.UpdateProject(2, 2, 4, true)
	time.Sleep(time.Millisecond)
	s.UpdateProject(3, 1, 1, false)

	if _, ok := s.GetProject(1); ok {
		t.Fatalf("oldest project should be evicted")
	}
	ps, ok := s.GetProject(2)
	if !ok || ps.Batches != 2 || ps.Entries != 4 || ps.Failures != 1 || ps.Ticks != 1 {
		t.Fatalf("project 2: %+v", ps)
	}
	if all := s.GetAll(); len(all) != 2 || all[0].ProjectID != 2 {
		t.Fatalf("all: %+v", all)
	}
	s.UpdateProject(0, 1, 1, false)
	if len(s.GetAll()) != 2 {
		t.Fatalf("invalid project ids are ignored")
	}
}

func TestCollectorsFollowStore(t *testing.T) {
	c := NewCollectors()
	s := NewStore(10, c)
	s.RecordTick(TickStats{Duration: time.Millisecond, Pending: 4, Processed: 3, Dispatched: 5, Failed: 1})
	s.RecordTick(TickStats{Skipped: true})
	s.ObserveGroup(true, true)
	s.ObserveDecision("fire")
	s.ObserveDecision("fire")
	s.ObserveIngest(3, 1)

	if got := testutil.ToFloat64(c.tasksDispatched); got != 5 {
		t.Fatalf("dispatched: %v", got)
	}
	if got := testutil.ToFloat64(c.ticks.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("skipped ticks: %v", got)
	}
	if got := testutil.ToFloat64(c.pendingProjects); got != 4 {
		t.Fatalf("pending: %v", got)
	}
	if got := testutil.ToFloat64(c.decisions.WithLabelValues("fire")); got != 2 {
		t.Fatalf("decisions: %v", got)
	}
	if ev := s.Evaluation(); ev.Groups != 1 || ev.Tainted != 1 || ev.Decisions["fire"] != 2 {
		t.Fatalf("evaluation: %+v", ev)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "delayflow_scheduler_ticks_total") {
		t.Fatalf("exposition missing counters:\n%s", rec.Body.String())
	}
}

func TestNilCollectorsAreIgnored(t *testing.T) {
	s := NewStore(1, nil)
	s.RecordTick(TickStats{Dispatched: 1})
	s.ObserveGroup(false, false)
	s.ObserveIngest(1, 0)
	s.SetCohortStaleness(12)
}
