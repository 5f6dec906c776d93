package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Source interface {
	DataConditionsForGroup(ctx context.Context, groupID int64) ([]DataCondition, error)
}

// Every requested group has an entry, empty when it has no slow conditions.
func SlowConditionsForGroups(ctx context.Context, src Source, groupIDs []int64) (map[int64][]DataCondition, error) {
	out := make(map[int64][]DataCondition, len(groupIDs))
	for _, id := range groupIDs {
		if _, seen := out[id]; seen {
			continue
		}
		conds, err := src.DataConditionsForGroup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("conditions for group %d: %w", id, err)
		}
		_, slow := SplitConditions(conds)
		if slow == nil {
			slow = []DataCondition{}
		}
		out[id] = slow
	}
	return out, nil
}

// The fetch is bounded by timeout even if the fetcher ignores its context; a
// timeout, fetch error or panic becomes a ConditionError.
func EvaluateSlow(ctx context.Context, fetch Fetcher, cond DataCondition, subject Subject, timeout time.Duration) ConditionValue {
	out := ConditionValue{Condition: cond}
	if fetch == nil {
		out.Err = Errorf("condition %d: no fetcher for type %q", cond.ID, cond.Type)
		return out
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type fetched struct {
		value any
		err   error
	}
	done := make(chan fetched, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fetched{err: fmt.Errorf("fetcher panicked: %v", p)}
			}
		}()
		v, err := fetch(ctx, cond, subject)
		done <- fetched{value: v, err: err}
	}()

	select {
	case f := <-done:
		if f.err != nil {
			if errors.Is(f.err, context.DeadlineExceeded) {
				out.Err = Errorf("condition %d: fetch timed out after %s", cond.ID, timeout)
			} else {
				out.Err = Errorf("condition %d: fetch failed: %v", cond.ID, f.err)
			}
			return out
		}
		out.Value = f.value
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.Err = Errorf("condition %d: fetch timed out after %s", cond.ID, timeout)
		} else {
			out.Err = Errorf("condition %d: fetch cancelled: %v", cond.ID, ctx.Err())
		}
	}
	return out
}

func EvaluateSlowConditions(ctx context.Context, reg *Registry, conds []DataCondition, subject Subject, timeout time.Duration, concurrency int) []ConditionValue {
	out := make([]ConditionValue, len(conds))
	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, c := range conds {
		fetch, _ := reg.Fetcher(c.Type)
		g.Go(func() error {
			out[i] = EvaluateSlow(ctx, fetch, c, subject, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type MemorySource struct {
	mu     sync.RWMutex
	groups map[int64]DataConditionGroup
}

func NewMemorySource(groups ...DataConditionGroup) *MemorySource {
	s := &MemorySource{groups: make(map[int64]DataConditionGroup)}
	for _, g := range groups {
		s.Put(g)
	}
	return s
}

func (s *MemorySource) Put(g DataConditionGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conds := make([]DataCondition, len(g.Conditions))
	for i, c := range g.Conditions {
		c.ConditionGroupID = g.ID
		conds[i] = c
	}
	g.Conditions = conds
	s.groups[g.ID] = g
}

func (s *MemorySource) ConditionGroup(_ context.Context, groupID int64) (DataConditionGroup, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	return g, ok, nil
}

func (s *MemorySource) DataConditionsForGroup(_ context.Context, groupID int64) ([]DataCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.groups[groupID]
	out := make([]DataCondition, len(g.Conditions))
	copy(out, g.Conditions)
	return out, nil
}
