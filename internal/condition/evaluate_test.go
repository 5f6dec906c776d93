package condition

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"delayflow/internal/model"
)

func gt(id int64, threshold float64, result model.ConditionResult) DataCondition {
	return DataCondition{ID: id, Type: TypeGreater, Comparison: ValueComparison{Value: threshold}, ConditionResult: result}
}

func frequency(id int64, count float64) DataCondition {
	return DataCondition{
		ID:              id,
		Type:            TypeEventFrequencyCount,
		Comparison:      FrequencyComparison{Interval: time.Hour, Value: count},
		ConditionResult: model.BoolResult(true),
	}
}

func values(value any, conds ...DataCondition) []ConditionValue {
	out := make([]ConditionValue, len(conds))
	for i, c := range conds {
		out[i] = ConditionValue{Condition: c, Value: value}
	}
	return out
}

func TestAllGroupReportsEveryResult(t *testing.T) {
	reg := DefaultRegistry()
	high := gt(1, 5, model.PriorityResult(model.PriorityHigh))
	low := gt(2, 3, model.PriorityResult(model.PriorityLow))

	got := EvaluateDataConditions(reg, values(10.0, high, low), LogicAll)
	if !got.Result.Equal(True) {
		t.Fatalf("result: %s", got.Result)
	}
	res := got.Results()
	if len(res) != 2 || res[0].Priority != model.PriorityHigh || res[1].Priority != model.PriorityLow {
		t.Fatalf("condition results: %v", res)
	}
}

func TestEmptyGroupPassesForEveryLogic(t *testing.T) {
	reg := DefaultRegistry()
	for _, logic := range []LogicType{LogicAll, LogicAny, LogicAnyShortCircuit, LogicNone} {
		got := EvaluateDataConditions(reg, nil, logic)
		if !got.Result.Equal(True) || len(got.ConditionResults) != 0 {
			t.Fatalf("%s: %s %v", logic, got.Result, got.ConditionResults)
		}
	}
}

func TestLogicShortCircuiting(t *testing.T) {
	calls := 0
	reg := DefaultRegistry()
	reg.Register(TypeGreater, func(cmp Comparison, value any) (bool, error) {
		calls++
		return value.(float64) > cmp.(ValueComparison).Value, nil
	})
	conds := []DataCondition{
		gt(1, 100, model.BoolResult(true)), // false
		gt(2, 1, model.BoolResult(true)),   // true
		gt(3, 2, model.BoolResult(true)),   // true
	}
	cases := []struct {
		logic     LogicType
		wantCalls int
		want      TriggerResult
		wantHits  int
	}{
		{LogicAll, 1, False, 0},
		{LogicAny, 3, True, 2},
		{LogicAnyShortCircuit, 2, True, 1},
		{LogicNone, 2, False, 0},
	}
	for _, tc := range cases {
		calls = 0
		got := EvaluateDataConditions(reg, values(10.0, conds...), tc.logic)
		if calls != tc.wantCalls {
			t.Fatalf("%s: %d handler calls, want %d", tc.logic, calls, tc.wantCalls)
		}
		if !got.Result.Equal(tc.want) || len(got.ConditionResults) != tc.wantHits {
			t.Fatalf("%s: got %s with %d results", tc.logic, got.Result, len(got.ConditionResults))
		}
	}
}

func TestHandlerFailuresTaint(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register("explode", func(Comparison, any) (bool, error) { panic("bad data") })
	reg.Register("fail", func(Comparison, any) (bool, error) { return false, errors.New("no data") })
	unknown := DataCondition{ID: 7, Type: "mystery"}
	explode := DataCondition{ID: 8, Type: "explode"}
	fail := DataCondition{ID: 9, Type: "fail"}
	pass := gt(10, 1, model.BoolResult(true))

	for _, c := range []DataCondition{unknown, explode, fail} {
		r := reg.EvaluateCondition(ConditionValue{Condition: c, Value: 5.0})
		if r.Triggered || !r.Tainted() {
			t.Fatalf("condition %d: expected tainted false, got %s", c.ID, r)
		}
	}

	anyGroup := EvaluateDataConditions(reg, values(5.0, explode, pass), LogicAny)
	if !anyGroup.Result.Equal(True) {
		t.Fatalf("clean true should win: %s", anyGroup.Result)
	}
	allGroup := EvaluateDataConditions(reg, values(5.0, pass, fail), LogicAll)
	if allGroup.Result.Triggered || !allGroup.Result.Tainted() || len(allGroup.ConditionResults) != 0 {
		t.Fatalf("tainted false expected: %s %v", allGroup.Result, allGroup.ConditionResults)
	}
	none := EvaluateDataConditions(reg, values(0.0, pass, fail), LogicNone)
	if !none.Result.Triggered || !none.Result.Tainted() {
		t.Fatalf("none should be tainted true: %s", none.Result)
	}
}

func TestWrongValueTypeTaints(t *testing.T) {
	reg := DefaultRegistry()
	r := reg.EvaluateCondition(ConditionValue{Condition: gt(1, 1, model.BoolResult(true)), Value: "ten"})
	if r.Triggered || !r.Tainted() {
		t.Fatalf("got %s", r)
	}
}

func TestProcessDataConditionGroup(t *testing.T) {
	reg := DefaultRegistry()
	fastPass := gt(1, 5, model.BoolResult(true))
	fastFail := gt(2, 50, model.BoolResult(true))
	slow := frequency(3, 100)

	cases := []struct {
		name      string
		logic     LogicType
		conds     []DataCondition
		wantSlow  int
		wantTruth bool
	}{
		{"all decided by fast failure", LogicAll, []DataCondition{fastFail, slow}, 0, false},
		{"all needs slow", LogicAll, []DataCondition{fastPass, slow}, 1, true},
		{"any decided by fast pass", LogicAny, []DataCondition{fastPass, slow}, 0, true},
		{"any short decided by fast pass", LogicAnyShortCircuit, []DataCondition{slow, fastPass}, 0, true},
		{"any needs slow", LogicAny, []DataCondition{fastFail, slow}, 1, false},
		{"none decided by fast match", LogicNone, []DataCondition{fastPass, slow}, 0, false},
		{"none needs slow", LogicNone, []DataCondition{fastFail, slow}, 1, true},
		{"only slow", LogicAll, []DataCondition{slow}, 1, true},
		{"only fast", LogicAny, []DataCondition{fastFail}, 0, false},
	}
	for _, tc := range cases {
		group := DataConditionGroup{ID: 1, LogicType: tc.logic, Conditions: tc.conds}
		got, remaining := ProcessDataConditionGroup(reg, group, 10.0)
		if len(remaining) != tc.wantSlow || got.Result.Triggered != tc.wantTruth {
			t.Fatalf("%s: result %s remaining %d", tc.name, got.Result, len(remaining))
		}
	}
}

func TestCompleteDataConditionGroupWithSlowValues(t *testing.T) {
	reg := DefaultRegistry()
	reg.RegisterFetcher(TypeEventFrequencyCount, func(ctx context.Context, cond DataCondition, s Subject) (any, error) {
		return 250.0, nil
	})
	group := DataConditionGroup{ID: 1, LogicType: LogicAll, Conditions: []DataCondition{
		gt(1, 5, model.PriorityResult(model.PriorityMedium)),
		frequency(2, 100),
	}}
	partial, remaining := ProcessDataConditionGroup(reg, group, 10.0)
	if len(remaining) != 1 || !partial.Result.Triggered {
		t.Fatalf("partial: %s remaining %d", partial.Result, len(remaining))
	}
	slowValues := EvaluateSlowConditions(context.Background(), reg, remaining, Subject{ProjectID: 1}, time.Second, 2)
	final := CompleteDataConditionGroup(reg, group, 10.0, slowValues)
	if !final.Result.Equal(True) || len(final.ConditionResults) != 2 {
		t.Fatalf("final: %s %v", final.Result, final.ConditionResults)
	}

	missing := CompleteDataConditionGroup(reg, group, 10.0, nil)
	if missing.Result.Triggered || !missing.Result.Tainted() {
		t.Fatalf("missing slow value should taint: %s", missing.Result)
	}
}

func TestDataConditionJSON(t *testing.T) {
	raw := `{"id":4,"condition_group_id":2,"type":"event_frequency_percent",
		"comparison":{"interval":"1h","comparison_interval":"1w","value":50},
		"condition_result":75}`
	var c DataCondition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	pc, ok := c.Comparison.(PercentComparison)
	if !ok || pc.Interval != time.Hour || pc.ComparisonInterval != 7*24*time.Hour || pc.Value != 50 {
		t.Fatalf("comparison: %#v", c.Comparison)
	}
	if c.ConditionResult.Priority != model.PriorityHigh {
		t.Fatalf("result: %v", c.ConditionResult)
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var back DataCondition
	if err := json.Unmarshal(data, &back); err != nil || back.Comparison != c.Comparison {
		t.Fatalf("re-decode: %#v %v", back, err)
	}

	bad := `{"id":1,"type":"gt","comparison":{"value":1},"condition_result":true}`
	if err := json.Unmarshal([]byte(bad), &c); err == nil {
		t.Fatalf("expected a shape error for gt with an object comparison")
	}
	if _, err := ParseComparison(TypeAnomalyDetection, []byte(`{"sensitivity":"extreme","seasonality":"auto","threshold_type":0}`)); err == nil {
		t.Fatalf("expected sensitivity error")
	}
}

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{"1h": time.Hour, "15m": 15 * time.Minute, "1d": 24 * time.Hour, "2w": 14 * 24 * time.Hour}
	for in, want := range cases {
		got, err := ParseInterval(in)
		if err != nil || got != want {
			t.Fatalf("%s: %v %v", in, got, err)
		}
		if back, _ := ParseInterval(FormatInterval(got)); back != want {
			t.Fatalf("%s: format round trip gave %v", in, back)
		}
	}
	for _, in := range []string{"", "0d", "-1h", "xd"} {
		if _, err := ParseInterval(in); err == nil {
			t.Fatalf("%q should fail", in)
		}
	}
}
