package condition

import (
	"context"
	"fmt"
	"math"

	"delayflow/internal/model"
)

type Handler func(cmp Comparison, value any) (bool, error)

type Fetcher func(ctx context.Context, cond DataCondition, subject Subject) (any, error)

type Subject struct {
	ProjectID    int64
	RuleID       int64
	GroupID      int64
	EventID      string
	OccurrenceID string
}

// Built once at startup and read concurrently afterwards.
type Registry struct {
	handlers map[Type]Handler
	fetchers map[Type]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Type]Handler),
		fetchers: make(map[Type]Fetcher),
	}
}

// Fetchers for slow kinds are deployment specific.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeGreater, thresholdHandler(func(v, t float64) bool { return v > t }))
	r.Register(TypeGreaterOrEqual, thresholdHandler(func(v, t float64) bool { return v >= t }))
	r.Register(TypeLess, thresholdHandler(func(v, t float64) bool { return v < t }))
	r.Register(TypeLessOrEqual, thresholdHandler(func(v, t float64) bool { return v <= t }))
	r.Register(TypeEqual, thresholdHandler(func(v, t float64) bool { return v == t }))
	r.Register(TypeNotEqual, thresholdHandler(func(v, t float64) bool { return v != t }))
	r.Register(TypeIssuePriorityEquals, issuePriorityHandler)
	r.Register(TypeEventFrequencyCount, frequencyCountHandler)
	r.Register(TypeEventFrequencyPercent, frequencyPercentHandler)
	r.Register(TypeAnomalyDetection, anomalyHandler)
	return r
}

func (r *Registry) Register(t Type, h Handler) {
	r.handlers[t] = h
}

func (r *Registry) RegisterFetcher(t Type, f Fetcher) {
	r.fetchers[t] = f
}

func (r *Registry) Handler(t Type) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

func (r *Registry) Fetcher(t Type) (Fetcher, bool) {
	f, ok := r.fetchers[t]
	return f, ok
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case model.Priority:
		return float64(v), nil
	case *float64:
		if v != nil {
			return *v, nil
		}
	}
	return 0, fmt.Errorf("expected a number, got %T", value)
}

func thresholdHandler(op func(value, threshold float64) bool) Handler {
	return func(cmp Comparison, value any) (bool, error) {
		c, ok := cmp.(ValueComparison)
		if !ok {
			return false, fmt.Errorf("expected value comparison, got %T", cmp)
		}
		v, err := toFloat(value)
		if err != nil {
			return false, err
		}
		if math.IsNaN(v) {
			return false, fmt.Errorf("value is NaN")
		}
		return op(v, c.Value), nil
	}
}

func issuePriorityHandler(cmp Comparison, value any) (bool, error) {
	c, ok := cmp.(PriorityComparison)
	if !ok {
		return false, fmt.Errorf("expected priority comparison, got %T", cmp)
	}
	v, err := toFloat(value)
	if err != nil {
		return false, err
	}
	return model.Priority(v) == c.Priority, nil
}

func frequencyCountHandler(cmp Comparison, value any) (bool, error) {
	c, ok := cmp.(FrequencyComparison)
	if !ok {
		return false, fmt.Errorf("expected frequency comparison, got %T", cmp)
	}
	count, err := toFloat(value)
	if err != nil {
		return false, err
	}
	return count > c.Value, nil
}

// PercentChange is what a percent fetcher returns: event counts for the
// current window and the comparison window.
type PercentChange struct {
	Current  float64
	Previous float64
}

func frequencyPercentHandler(cmp Comparison, value any) (bool, error) {
	c, ok := cmp.(PercentComparison)
	if !ok {
		return false, fmt.Errorf("expected percent comparison, got %T", cmp)
	}
	pc, ok := value.(PercentChange)
	if !ok {
		return false, fmt.Errorf("expected percent change, got %T", value)
	}
	if pc.Previous == 0 {
		return false, nil
	}
	return (pc.Current-pc.Previous)/pc.Previous*100 > c.Value, nil
}

type AnomalyDirection string

const (
	AnomalyNone  AnomalyDirection = "none"
	AnomalyAbove AnomalyDirection = "above"
	AnomalyBelow AnomalyDirection = "below"
)

func anomalyHandler(cmp Comparison, value any) (bool, error) {
	c, ok := cmp.(AnomalyComparison)
	if !ok {
		return false, fmt.Errorf("expected anomaly comparison, got %T", cmp)
	}
	dir, ok := value.(AnomalyDirection)
	if !ok {
		return false, fmt.Errorf("expected anomaly direction, got %T", value)
	}
	switch c.ThresholdType {
	case ThresholdAbove:
		return dir == AnomalyAbove, nil
	case ThresholdBelow:
		return dir == AnomalyBelow, nil
	default:
		return dir == AnomalyAbove || dir == AnomalyBelow, nil
	}
}
