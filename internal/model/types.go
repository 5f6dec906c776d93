package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Priority int

const (
	PriorityOK     Priority = 0
	PriorityLow    Priority = 25
	PriorityMedium Priority = 50
	PriorityHigh   Priority = 75
)

func (p Priority) String() string {
	switch p {
	case PriorityOK:
		return "ok"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return strconv.Itoa(int(p))
	}
}

type ResultKind uint8

const (
	ResultBool ResultKind = iota
	ResultPriority
)

// Encodes to JSON as `true` or `75`.
type ConditionResult struct {
	Kind     ResultKind
	Bool     bool
	Priority Priority
}

func BoolResult(b bool) ConditionResult {
	return ConditionResult{Kind: ResultBool, Bool: b}
}

func PriorityResult(p Priority) ConditionResult {
	return ConditionResult{Kind: ResultPriority, Priority: p}
}

func (r ConditionResult) String() string {
	if r.Kind == ResultPriority {
		return r.Priority.String()
	}
	return strconv.FormatBool(r.Bool)
}

func (r ConditionResult) MarshalJSON() ([]byte, error) {
	if r.Kind == ResultPriority {
		return json.Marshal(int(r.Priority))
	}
	return json.Marshal(r.Bool)
}

func (r *ConditionResult) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch trimmed {
	case "true", "false":
		*r = BoolResult(trimmed == "true")
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("condition result must be a bool or priority: %w", err)
	}
	*r = PriorityResult(Priority(n))
	return nil
}

type CohortUpdates struct {
	Values map[int]float64 `json:"values"`
}

func NewCohortUpdates() *CohortUpdates {
	return &CohortUpdates{Values: make(map[int]float64)}
}

// -Inf when nothing is known.
func (c *CohortUpdates) Oldest() float64 {
	oldest := math.Inf(-1)
	first := true
	for _, ts := range c.Values {
		if first || ts < oldest {
			oldest = ts
			first = false
		}
	}
	return oldest
}

func (c *CohortUpdates) Clone() *CohortUpdates {
	out := NewCohortUpdates()
	for k, v := range c.Values {
		out.Values[k] = v
	}
	return out
}

type EventRef struct {
	EventID      string   `json:"event_id"`
	OccurrenceID string   `json:"occurrence_id,omitempty"`
	Value        *float64 `json:"value,omitempty"`
}

func (e EventRef) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeEventRef(raw string) (EventRef, error) {
	var ref EventRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return EventRef{}, fmt.Errorf("decode event ref: %w", err)
	}
	return ref, nil
}

type BufferedEvent struct {
	ProjectID int64 `json:"project_id"`
	RuleID    int64 `json:"rule_id"`
	GroupID   int64 `json:"group_id"`
	EventRef
}

func (b BufferedEvent) Validate() error {
	if b.ProjectID <= 0 {
		return errors.New("project_id must be > 0")
	}
	if b.RuleID <= 0 {
		return errors.New("rule_id must be > 0")
	}
	if b.GroupID <= 0 {
		return errors.New("group_id must be > 0")
	}
	if strings.TrimSpace(b.EventID) == "" {
		return errors.New("event_id required")
	}
	return nil
}

func FieldKey(ruleID, groupID int64) string {
	return strconv.FormatInt(ruleID, 10) + ":" + strconv.FormatInt(groupID, 10)
}

func ParseFieldKey(key string) (ruleID, groupID int64, err error) {
	left, right, ok := strings.Cut(key, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed field key %q", key)
	}
	if ruleID, err = strconv.ParseInt(left, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed rule id in %q: %w", key, err)
	}
	if groupID, err = strconv.ParseInt(right, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed group id in %q: %w", key, err)
	}
	return ruleID, groupID, nil
}

type Action string

const (
	ActionFire     Action = "fire"
	ActionEscalate Action = "escalate"
	ActionResolve  Action = "resolve"
)

type Decision struct {
	Timestamp    time.Time         `json:"timestamp"`
	ProjectID    int64             `json:"project_id"`
	RuleID       int64             `json:"rule_id"`
	GroupID      int64             `json:"group_id"`
	EventID      string            `json:"event_id"`
	OccurrenceID string            `json:"occurrence_id,omitempty"`
	Action       Action            `json:"action"`
	Priority     Priority          `json:"priority"`
	Tainted      bool              `json:"tainted"`
	Error        string            `json:"error,omitempty"`
	Results      []ConditionResult `json:"results,omitempty"`
}

func (d Decision) Key() string {
	return FieldKey(d.RuleID, d.GroupID)
}
