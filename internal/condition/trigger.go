package condition

import "fmt"

type ConditionError struct {
	Msg string
}

func (e *ConditionError) Error() string {
	return e.Msg
}

func Errorf(format string, args ...any) *ConditionError {
	return &ConditionError{Msg: fmt.Sprintf(format, args...)}
}

// Err is advisory: Triggered alone drives control flow.
type TriggerResult struct {
	Triggered bool
	Err       *ConditionError
}

var (
	True  = TriggerResult{Triggered: true}
	False = TriggerResult{Triggered: false}
)

func (r TriggerResult) WithError(err *ConditionError) TriggerResult {
	return TriggerResult{Triggered: r.Triggered, Err: err}
}

func (r TriggerResult) Tainted() bool {
	return r.Err != nil
}

func (r TriggerResult) Equal(o TriggerResult) bool {
	if r.Triggered != o.Triggered {
		return false
	}
	if r.Err == nil || o.Err == nil {
		return r.Err == nil && o.Err == nil
	}
	return r.Err.Msg == o.Err.Msg
}

func (r TriggerResult) Not() TriggerResult {
	return TriggerResult{Triggered: !r.Triggered, Err: r.Err}
}

func (r TriggerResult) Or(o TriggerResult) TriggerResult {
	return Any(r, o)
}

func (r TriggerResult) And(o TriggerResult) TriggerResult {
	return All(r, o)
}

func (r TriggerResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%t (error: %s)", r.Triggered, r.Err.Msg)
	}
	return fmt.Sprintf("%t", r.Triggered)
}

func Any(results ...TriggerResult) TriggerResult {
	return combine(true, results)
}

func All(results ...TriggerResult) TriggerResult {
	return combine(false, results)
}

func None(results ...TriggerResult) TriggerResult {
	return Any(results...).Not()
}

// combine folds results where a clean value equal to decisive wins outright.
func combine(decisive bool, results []TriggerResult) TriggerResult {
	var taintedDecisive, firstErr *ConditionError
	for _, r := range results {
		if r.Triggered == decisive {
			if r.Err == nil {
				return TriggerResult{Triggered: decisive}
			}
			if taintedDecisive == nil {
				taintedDecisive = r.Err
			}
			continue
		}
		if firstErr == nil {
			firstErr = r.Err
		}
	}
	if taintedDecisive != nil {
		return TriggerResult{Triggered: decisive, Err: taintedDecisive}
	}
	return TriggerResult{Triggered: !decisive, Err: firstErr}
}
