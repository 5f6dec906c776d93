package workflow

import (
	"context"
	"sync"

	"delayflow/internal/condition"
)

type RuleSource interface {
	WorkflowGroup(ctx context.Context, ruleID int64) (condition.DataConditionGroup, bool, error)
}

type MemoryRules struct {
	groups   *condition.MemorySource
	mu       sync.RWMutex
	bindings map[int64]int64
}

func NewMemoryRules() *MemoryRules {
	return &MemoryRules{
		groups:   condition.NewMemorySource(),
		bindings: make(map[int64]int64),
	}
}

func (m *MemoryRules) UpsertConditionGroup(_ context.Context, group condition.DataConditionGroup) error {
	if _, err := condition.ParseLogicType(string(group.LogicType)); err != nil {
		return err
	}
	m.groups.Put(group)
	return nil
}

func (m *MemoryRules) SetWorkflow(_ context.Context, ruleID, conditionGroupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[ruleID] = conditionGroupID
	return nil
}

func (m *MemoryRules) WorkflowGroup(ctx context.Context, ruleID int64) (condition.DataConditionGroup, bool, error) {
	m.mu.RLock()
	groupID, ok := m.bindings[ruleID]
	m.mu.RUnlock()
	if !ok {
		return condition.DataConditionGroup{}, false, nil
	}
	return m.groups.ConditionGroup(ctx, groupID)
}

