package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"delayflow/internal/model"
)

type LogicType string

const (
	LogicAll             LogicType = "all"
	LogicAny             LogicType = "any"
	LogicAnyShortCircuit LogicType = "any-short"
	LogicNone            LogicType = "none"
)

func ParseLogicType(s string) (LogicType, error) {
	switch lt := LogicType(strings.ToLower(strings.TrimSpace(s))); lt {
	case LogicAll, LogicAny, LogicAnyShortCircuit, LogicNone:
		return lt, nil
	}
	return "", fmt.Errorf("unknown logic type %q", s)
}

type Type string

const (
	TypeGreater               Type = "gt"
	TypeGreaterOrEqual        Type = "gte"
	TypeLess                  Type = "lt"
	TypeLessOrEqual           Type = "lte"
	TypeEqual                 Type = "eq"
	TypeNotEqual              Type = "ne"
	TypeIssuePriorityEquals   Type = "issue_priority_equals"
	TypeEventFrequencyCount   Type = "event_frequency_count"
	TypeEventFrequencyPercent Type = "event_frequency_percent"
	TypeAnomalyDetection      Type = "anomaly_detection"
)

func (t Type) IsSlow() bool {
	switch t {
	case TypeEventFrequencyCount, TypeEventFrequencyPercent, TypeAnomalyDetection:
		return true
	}
	return false
}

type Comparison interface {
	comparison()
}

type ValueComparison struct {
	Value float64
}

type PriorityComparison struct {
	Priority model.Priority
}

type FrequencyComparison struct {
	Interval time.Duration
	Value    float64
}

// PercentComparison matches when the count over Interval grew by more than
// Value percent relative to the same window ComparisonInterval earlier.
type PercentComparison struct {
	Interval           time.Duration
	ComparisonInterval time.Duration
	Value              float64
}

type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

type ThresholdType int

const (
	ThresholdAbove ThresholdType = iota
	ThresholdBelow
	ThresholdAboveAndBelow
)

type AnomalyComparison struct {
	Sensitivity   Sensitivity
	Seasonality   string
	ThresholdType ThresholdType
}

func (ValueComparison) comparison()     {}
func (PriorityComparison) comparison()  {}
func (FrequencyComparison) comparison() {}
func (PercentComparison) comparison()   {}
func (AnomalyComparison) comparison()   {}

type frequencyJSON struct {
	Interval           string  `json:"interval"`
	ComparisonInterval string  `json:"comparison_interval,omitempty"`
	Value              float64 `json:"value"`
}

type anomalyJSON struct {
	Sensitivity   Sensitivity   `json:"sensitivity"`
	Seasonality   string        `json:"seasonality"`
	ThresholdType ThresholdType `json:"threshold_type"`
}

func ParseComparison(t Type, raw []byte) (Comparison, error) {
	switch t {
	case TypeGreater, TypeGreaterOrEqual, TypeLess, TypeLessOrEqual, TypeEqual, TypeNotEqual:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s comparison must be a number: %w", t, err)
		}
		return ValueComparison{Value: v}, nil
	case TypeIssuePriorityEquals:
		var p int
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%s comparison must be a priority: %w", t, err)
		}
		return PriorityComparison{Priority: model.Priority(p)}, nil
	case TypeEventFrequencyCount, TypeEventFrequencyPercent:
		var f frequencyJSON
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%s comparison: %w", t, err)
		}
		interval, err := ParseInterval(f.Interval)
		if err != nil {
			return nil, err
		}
		if t == TypeEventFrequencyCount {
			return FrequencyComparison{Interval: interval, Value: f.Value}, nil
		}
		cmp, err := ParseInterval(f.ComparisonInterval)
		if err != nil {
			return nil, err
		}
		return PercentComparison{Interval: interval, ComparisonInterval: cmp, Value: f.Value}, nil
	case TypeAnomalyDetection:
		var a anomalyJSON
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%s comparison: %w", t, err)
		}
		switch a.Sensitivity {
		case SensitivityLow, SensitivityMedium, SensitivityHigh:
		default:
			return nil, fmt.Errorf("unknown sensitivity %q", a.Sensitivity)
		}
		if a.ThresholdType < ThresholdAbove || a.ThresholdType > ThresholdAboveAndBelow {
			return nil, fmt.Errorf("unknown threshold type %d", a.ThresholdType)
		}
		return AnomalyComparison(a), nil
	}
	return nil, fmt.Errorf("unknown condition type %q", t)
}

func MarshalComparison(c Comparison) ([]byte, error) {
	switch v := c.(type) {
	case ValueComparison:
		return json.Marshal(v.Value)
	case PriorityComparison:
		return json.Marshal(int(v.Priority))
	case FrequencyComparison:
		return json.Marshal(frequencyJSON{Interval: FormatInterval(v.Interval), Value: v.Value})
	case PercentComparison:
		return json.Marshal(frequencyJSON{
			Interval:           FormatInterval(v.Interval),
			ComparisonInterval: FormatInterval(v.ComparisonInterval),
			Value:              v.Value,
		})
	case AnomalyComparison:
		return json.Marshal(anomalyJSON(v))
	case nil:
		return nil, fmt.Errorf("nil comparison")
	}
	return nil, fmt.Errorf("unsupported comparison %T", c)
}

// Accepts Go durations plus "1d" and "1w".
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if n, ok := strings.CutSuffix(s, suffix); ok {
			v, err := strconv.Atoi(n)
			if err != nil || v <= 0 {
				return 0, fmt.Errorf("invalid interval %q", s)
			}
			return time.Duration(v) * unit, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}

func FormatInterval(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d > 0 && d%(7*day) == 0:
		return strconv.Itoa(int(d/(7*day))) + "w"
	case d > 0 && d%day == 0:
		return strconv.Itoa(int(d/day)) + "d"
	}
	return d.String()
}

type DataCondition struct {
	ID               int64
	ConditionGroupID int64
	Type             Type
	Comparison       Comparison
	ConditionResult  model.ConditionResult
}

type dataConditionJSON struct {
	ID               int64                 `json:"id"`
	ConditionGroupID int64                 `json:"condition_group_id"`
	Type             Type                  `json:"type"`
	Comparison       json.RawMessage       `json:"comparison"`
	ConditionResult  model.ConditionResult `json:"condition_result"`
}

func (c DataCondition) MarshalJSON() ([]byte, error) {
	cmp, err := MarshalComparison(c.Comparison)
	if err != nil {
		return nil, err
	}
	return json.Marshal(dataConditionJSON{
		ID:               c.ID,
		ConditionGroupID: c.ConditionGroupID,
		Type:             c.Type,
		Comparison:       cmp,
		ConditionResult:  c.ConditionResult,
	})
}

func (c *DataCondition) UnmarshalJSON(data []byte) error {
	var raw dataConditionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cmp, err := ParseComparison(raw.Type, raw.Comparison)
	if err != nil {
		return err
	}
	*c = DataCondition{
		ID:               raw.ID,
		ConditionGroupID: raw.ConditionGroupID,
		Type:             raw.Type,
		Comparison:       cmp,
		ConditionResult:  raw.ConditionResult,
	}
	return nil
}

type DataConditionGroup struct {
	ID         int64           `json:"id"`
	LogicType  LogicType       `json:"logic_type"`
	Conditions []DataCondition `json:"conditions"`
}

func SplitConditions(conditions []DataCondition) (fast, slow []DataCondition) {
	for _, c := range conditions {
		if c.Type.IsSlow() {
			slow = append(slow, c)
		} else {
			fast = append(fast, c)
		}
	}
	return fast, slow
}

type ConditionValue struct {
	Condition DataCondition
	Value     any
	Err       *ConditionError
}

type ProcessedDataCondition struct {
	Condition DataCondition
	Result    TriggerResult
	ConditionResult model.ConditionResult
}

type ProcessedDataConditionGroup struct {
	LogicType        LogicType
	Result           TriggerResult
	ConditionResults []ProcessedDataCondition
}

func (g ProcessedDataConditionGroup) Results() []model.ConditionResult {
	out := make([]model.ConditionResult, 0, len(g.ConditionResults))
	for _, c := range g.ConditionResults {
		out = append(out, c.ConditionResult)
	}
	return out
}
