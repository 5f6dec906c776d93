package condition

// A missing handler, a handler error or a panic yields a tainted false.
func (r *Registry) EvaluateCondition(cv ConditionValue) (res TriggerResult) {
	if cv.Err != nil {
		return False.WithError(cv.Err)
	}
	h, ok := r.Handler(cv.Condition.Type)
	if !ok {
		return False.WithError(Errorf("condition %d: no handler for type %q", cv.Condition.ID, cv.Condition.Type))
	}
	defer func() {
		if p := recover(); p != nil {
			res = False.WithError(Errorf("condition %d: handler panicked: %v", cv.Condition.ID, p))
		}
	}()
	matched, err := h(cv.Condition.Comparison, cv.Value)
	if err != nil {
		return False.WithError(Errorf("condition %d: %v", cv.Condition.ID, err))
	}
	return TriggerResult{Triggered: matched}
}

// ALL stops at the first clean false, ANY_SHORT_CIRCUIT at the first true and
// NONE at the first clean true. An empty list is satisfied.
func EvaluateDataConditions(reg *Registry, values []ConditionValue, logic LogicType) ProcessedDataConditionGroup {
	out := ProcessedDataConditionGroup{LogicType: logic}
	if len(values) == 0 {
		out.Result = True
		return out
	}

	results := make([]TriggerResult, 0, len(values))
	var hits []ProcessedDataCondition
loop:
	for _, cv := range values {
		tr := reg.EvaluateCondition(cv)
		results = append(results, tr)
		if tr.Triggered {
			hits = append(hits, ProcessedDataCondition{
				Condition:       cv.Condition,
				Result:          tr,
				ConditionResult: cv.Condition.ConditionResult,
			})
		}
		switch logic {
		case LogicAll:
			if !tr.Triggered && !tr.Tainted() {
				break loop
			}
		case LogicAnyShortCircuit:
			if tr.Triggered {
				break loop
			}
		case LogicNone:
			if tr.Triggered && !tr.Tainted() {
				break loop
			}
		}
	}

	switch logic {
	case LogicAll:
		out.Result = All(results...)
	case LogicAny, LogicAnyShortCircuit:
		out.Result = Any(results...)
	case LogicNone:
		out.Result = None(results...)
	default:
		out.Result = False.WithError(Errorf("unknown logic type %q", logic))
	}
	if out.Result.Triggered && logic != LogicNone {
		out.ConditionResults = hits
	}
	return out
}

func ProcessDataConditionGroup(reg *Registry, group DataConditionGroup, value any) (ProcessedDataConditionGroup, []DataCondition) {
	fast, slow := SplitConditions(group.Conditions)
	values := make([]ConditionValue, 0, len(fast))
	for _, c := range fast {
		values = append(values, ConditionValue{Condition: c, Value: value})
	}
	result := EvaluateDataConditions(reg, values, group.LogicType)
	if len(slow) == 0 {
		return result, nil
	}
	if len(fast) > 0 && decided(group.LogicType, result.Result) {
		return result, nil
	}
	return result, slow
}

func decided(logic LogicType, r TriggerResult) bool {
	switch logic {
	case LogicAll, LogicNone:
		return !r.Triggered
	case LogicAny, LogicAnyShortCircuit:
		return r.Triggered
	}
	return false
}

func CompleteDataConditionGroup(reg *Registry, group DataConditionGroup, value any, slowValues []ConditionValue) ProcessedDataConditionGroup {
	byID := make(map[int64]ConditionValue, len(slowValues))
	for _, sv := range slowValues {
		byID[sv.Condition.ID] = sv
	}
	values := make([]ConditionValue, 0, len(group.Conditions))
	for _, c := range group.Conditions {
		if !c.Type.IsSlow() {
			values = append(values, ConditionValue{Condition: c, Value: value})
			continue
		}
		sv, ok := byID[c.ID]
		if !ok {
			sv = ConditionValue{Condition: c, Err: Errorf("condition %d: slow value missing", c.ID)}
		}
		values = append(values, sv)
	}
	return EvaluateDataConditions(reg, values, group.LogicType)
}
