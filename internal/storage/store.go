package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"delayflow/internal/condition"
	"delayflow/internal/config"
	"delayflow/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertConditionGroup(ctx context.Context, group condition.DataConditionGroup) error
	ConditionGroup(ctx context.Context, groupID int64) (condition.DataConditionGroup, bool, error)
	DataConditionsForGroup(ctx context.Context, groupID int64) ([]condition.DataCondition, error)

	SetWorkflow(ctx context.Context, ruleID, conditionGroupID int64) error
	WorkflowGroup(ctx context.Context, ruleID int64) (condition.DataConditionGroup, bool, error)

	SaveDecision(ctx context.Context, d model.Decision) error
	LastDecision(ctx context.Context, ruleID, groupID int64) (model.Decision, bool, error)
	ListDecisions(ctx context.Context, limit int) ([]model.Decision, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// baseStore holds the queries shared by both drivers. Queries are written with
// '?' placeholders and rebound for drivers that number them.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) UpsertConditionGroup(ctx context.Context, group condition.DataConditionGroup) error {
	if _, err := condition.ParseLogicType(string(group.LogicType)); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.q(`INSERT INTO data_condition_groups (id, logic_type) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET logic_type = excluded.logic_type`),
		group.ID, string(group.LogicType)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, b.q(`DELETE FROM data_conditions WHERE condition_group_id = ?`), group.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.q(`INSERT INTO data_conditions
		(id, condition_group_id, position, type, comparison_json, result_json)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i, c := range group.Conditions {
		cmp, err := condition.MarshalComparison(c.Comparison)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("condition %d: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, group.ID, i, string(c.Type), string(cmp), encodeJSON(c.ConditionResult)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) ConditionGroup(ctx context.Context, groupID int64) (condition.DataConditionGroup, bool, error) {
	var logic string
	err := b.db.QueryRowContext(ctx, b.q(`SELECT logic_type FROM data_condition_groups WHERE id = ?`), groupID).Scan(&logic)
	if errors.Is(err, sql.ErrNoRows) {
		return condition.DataConditionGroup{}, false, nil
	}
	if err != nil {
		return condition.DataConditionGroup{}, false, err
	}
	lt, err := condition.ParseLogicType(logic)
	if err != nil {
		return condition.DataConditionGroup{}, false, fmt.Errorf("group %d: %w", groupID, err)
	}
	conds, err := b.DataConditionsForGroup(ctx, groupID)
	if err != nil {
		return condition.DataConditionGroup{}, false, err
	}
	return condition.DataConditionGroup{ID: groupID, LogicType: lt, Conditions: conds}, true, nil
}

func (b *baseStore) DataConditionsForGroup(ctx context.Context, groupID int64) ([]condition.DataCondition, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT id, type, comparison_json, result_json
		FROM data_conditions WHERE condition_group_id = ? ORDER BY position, id`), groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]condition.DataCondition, 0)
	for rows.Next() {
		var (
			id             int64
			typ, cmp, resJ string
		)
		if err := rows.Scan(&id, &typ, &cmp, &resJ); err != nil {
			return nil, err
		}
		c := condition.DataCondition{ID: id, ConditionGroupID: groupID, Type: condition.Type(typ)}
		if c.Comparison, err = condition.ParseComparison(c.Type, []byte(cmp)); err != nil {
			return nil, fmt.Errorf("condition %d: %w", id, err)
		}
		if err := json.Unmarshal([]byte(resJ), &c.ConditionResult); err != nil {
			return nil, fmt.Errorf("condition %d: %w", id, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *baseStore) SetWorkflow(ctx context.Context, ruleID, conditionGroupID int64) error {
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO workflows (rule_id, condition_group_id) VALUES (?, ?)
		ON CONFLICT (rule_id) DO UPDATE SET condition_group_id = excluded.condition_group_id`),
		ruleID, conditionGroupID)
	return err
}

func (b *baseStore) WorkflowGroup(ctx context.Context, ruleID int64) (condition.DataConditionGroup, bool, error) {
	var groupID int64
	err := b.db.QueryRowContext(ctx, b.q(`SELECT condition_group_id FROM workflows WHERE rule_id = ?`), ruleID).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return condition.DataConditionGroup{}, false, nil
	}
	if err != nil {
		return condition.DataConditionGroup{}, false, err
	}
	return b.ConditionGroup(ctx, groupID)
}

func (b *baseStore) SaveDecision(ctx context.Context, d model.Decision) error {
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO decisions
		(ts, project_id, rule_id, group_id, event_id, occurrence_id, action, priority, tainted, error, results_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.Timestamp.UTC().Format(time.RFC3339Nano),
		d.ProjectID,
		d.RuleID,
		d.GroupID,
		d.EventID,
		d.OccurrenceID,
		string(d.Action),
		int(d.Priority),
		d.Tainted,
		d.Error,
		encodeJSON(d.Results),
	)
	return err
}

const decisionColumns = `ts, project_id, rule_id, group_id, event_id, occurrence_id, action, priority, tainted, error, results_json`

func (b *baseStore) LastDecision(ctx context.Context, ruleID, groupID int64) (model.Decision, bool, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT `+decisionColumns+` FROM decisions
		WHERE rule_id = ? AND group_id = ? ORDER BY id DESC LIMIT 1`), ruleID, groupID)
	if err != nil {
		return model.Decision{}, false, err
	}
	list, err := scanDecisions(rows)
	if err != nil || len(list) == 0 {
		return model.Decision{}, false, err
	}
	return list[0], true, nil
}

func (b *baseStore) ListDecisions(ctx context.Context, limit int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT `+decisionColumns+` FROM decisions ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]model.Decision, error) {
	defer rows.Close()
	out := make([]model.Decision, 0)
	for rows.Next() {
		var (
			d       model.Decision
			ts      string
			action  string
			prio    int
			results string
		)
		if err := rows.Scan(&ts, &d.ProjectID, &d.RuleID, &d.GroupID, &d.EventID, &d.OccurrenceID,
			&action, &prio, &d.Tainted, &d.Error, &results); err != nil {
			return nil, err
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.Timestamp = parsed
		}
		d.Action = model.Action(action)
		d.Priority = model.Priority(prio)
		if results != "" && results != "null" {
			if err := json.Unmarshal([]byte(results), &d.Results); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type RuleDefinition struct {
	RuleID int64                        `json:"rule_id"`
	Group  condition.DataConditionGroup `json:"group"`
}

type RuleWriter interface {
	UpsertConditionGroup(ctx context.Context, group condition.DataConditionGroup) error
	SetWorkflow(ctx context.Context, ruleID, conditionGroupID int64) error
}

func ImportRules(ctx context.Context, s RuleWriter, r io.Reader) (int, error) {
	var defs []RuleDefinition
	if err := json.NewDecoder(r).Decode(&defs); err != nil {
		return 0, fmt.Errorf("decode rules: %w", err)
	}
	for _, def := range defs {
		if def.RuleID <= 0 || def.Group.ID <= 0 {
			return 0, fmt.Errorf("rule %d: rule_id and group.id must be > 0", def.RuleID)
		}
		if err := s.UpsertConditionGroup(ctx, def.Group); err != nil {
			return 0, fmt.Errorf("rule %d: %w", def.RuleID, err)
		}
		if err := s.SetWorkflow(ctx, def.RuleID, def.Group.ID); err != nil {
			return 0, fmt.Errorf("rule %d: %w", def.RuleID, err)
		}
	}
	return len(defs), nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
