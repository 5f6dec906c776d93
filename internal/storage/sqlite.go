package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:delayflow.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time avoids SQLITE_BUSY under concurrent task workers.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS data_condition_groups (
			id INTEGER PRIMARY KEY,
			logic_type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data_conditions (
			id INTEGER PRIMARY KEY,
			condition_group_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			type TEXT NOT NULL,
			comparison_json TEXT NOT NULL,
			result_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_conditions_group ON data_conditions(condition_group_id)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			rule_id INTEGER PRIMARY KEY,
			condition_group_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			project_id INTEGER NOT NULL,
			rule_id INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			occurrence_id TEXT NOT NULL,
			action TEXT NOT NULL,
			priority INTEGER NOT NULL,
			tainted INTEGER NOT NULL,
			error TEXT NOT NULL,
			results_json TEXT NOT NULL
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
