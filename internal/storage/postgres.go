package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/delayflow?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS data_condition_groups (
			id BIGINT PRIMARY KEY,
			logic_type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data_conditions (
			id BIGINT PRIMARY KEY,
			condition_group_id BIGINT NOT NULL,
			position INTEGER NOT NULL,
			type TEXT NOT NULL,
			comparison_json JSONB NOT NULL,
			result_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_conditions_group ON data_conditions(condition_group_id)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			rule_id BIGINT PRIMARY KEY,
			condition_group_id BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			project_id BIGINT NOT NULL,
			rule_id BIGINT NOT NULL,
			group_id BIGINT NOT NULL,
			event_id TEXT NOT NULL,
			occurrence_id TEXT NOT NULL,
			action TEXT NOT NULL,
			priority INTEGER NOT NULL,
			tainted BOOLEAN NOT NULL,
			error TEXT NOT NULL,
			results_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_rule_group ON decisions(rule_id, group_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
