package condition

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"delayflow/internal/model"
)

func TestEvaluateSlowTimeoutBecomesConditionError(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fetch := func(ctx context.Context, cond DataCondition, s Subject) (any, error) {
		<-block // ignores ctx on purpose
		return 1.0, nil
	}
	start := time.Now()
	got := EvaluateSlow(context.Background(), fetch, frequency(1, 1), Subject{}, 20*time.Millisecond)
	if got.Err == nil || !strings.Contains(got.Err.Msg, "timed out") {
		t.Fatalf("expected timeout error, got %+v", got)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestEvaluateSlowFailures(t *testing.T) {
	failing := func(ctx context.Context, cond DataCondition, s Subject) (any, error) {
		return nil, errors.New("query backend unavailable")
	}
	panicking := func(ctx context.Context, cond DataCondition, s Subject) (any, error) {
		panic("nil map")
	}
	for name, fetch := range map[string]Fetcher{"error": failing, "panic": panicking, "missing": nil} {
		got := EvaluateSlow(context.Background(), fetch, frequency(1, 1), Subject{}, time.Second)
		if got.Err == nil {
			t.Fatalf("%s: expected condition error", name)
		}
		reg := DefaultRegistry()
		if r := reg.EvaluateCondition(got); r.Triggered || !r.Tainted() {
			t.Fatalf("%s: expected tainted false, got %s", name, r)
		}
	}
}

func TestEvaluateSlowConditionsBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	reg := DefaultRegistry()
	reg.RegisterFetcher(TypeEventFrequencyCount, func(ctx context.Context, cond DataCondition, s Subject) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return float64(cond.ID), nil
	})
	var conds []DataCondition
	for i := int64(1); i <= 8; i++ {
		conds = append(conds, frequency(i, 0))
	}
	got := EvaluateSlowConditions(context.Background(), reg, conds, Subject{}, time.Second, 2)
	if peak > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", peak)
	}
	for i, v := range got {
		if v.Err != nil || v.Value.(float64) != float64(i+1) || v.Condition.ID != int64(i+1) {
			t.Fatalf("result %d out of order: %+v", i, v)
		}
	}
}

func TestSlowConditionsForGroups(t *testing.T) {
	src := NewMemorySource(
		DataConditionGroup{ID: 1, LogicType: LogicAll, Conditions: []DataCondition{
			gt(10, 1, model.BoolResult(true)),
			frequency(11, 5),
		}},
		DataConditionGroup{ID: 2, LogicType: LogicAny, Conditions: []DataCondition{
			gt(20, 1, model.BoolResult(true)),
		}},
	)
	got, err := SlowConditionsForGroups(context.Background(), src, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got[1]) != 1 || got[1][0].ID != 11 || got[1][0].ConditionGroupID != 1 {
		t.Fatalf("group 1: %+v", got[1])
	}
	for _, id := range []int64{2, 3} {
		conds, ok := got[id]
		if !ok || conds == nil || len(conds) != 0 {
			t.Fatalf("group %d should map to an empty list, got %v (present=%t)", id, conds, ok)
		}
	}
}
