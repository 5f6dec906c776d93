package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
scheduler:
  num_cohorts: 12
  min_scheduling_age: 40s
buffer:
  backend: redis
  redis:
    url: redis://cache:6379/2
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scheduler.NumCohorts != 12 || cfg.Scheduler.MinSchedulingAge != 40*time.Second {
		t.Fatalf("scheduler not decoded: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.BatchSize != 100 || cfg.Scheduler.Interval != 10*time.Second {
		t.Fatalf("defaults not kept: %+v", cfg.Scheduler)
	}
	if cfg.Buffer.Redis.KeyPrefix != "workflow_engine" {
		t.Fatalf("key prefix default: %q", cfg.Buffer.Redis.KeyPrefix)
	}
	if !cfg.Flags.ProcessBufferedWorkflows {
		t.Fatalf("kill switch should default to enabled")
	}
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"flags":{"process_buffered_workflows":false},"scheduler":{"num_cohorts":1}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Flags.ProcessBufferedWorkflows {
		t.Fatalf("expected kill switch off")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero cohorts":   func(c *Config) { c.Scheduler.NumCohorts = 0 },
		"age over 1m":    func(c *Config) { c.Scheduler.MinSchedulingAge = 2 * time.Minute },
		"negative age":   func(c *Config) { c.Scheduler.MinSchedulingAge = -time.Second },
		"bad backend":    func(c *Config) { c.Buffer.Backend = "etcd" },
		"redis no url":   func(c *Config) { c.Buffer.Backend = "redis"; c.Buffer.Redis.URL = "" },
		"kafka dispatch": func(c *Config) { c.Dispatch.Driver = "kafka" },
		"bad dispatch":   func(c *Config) { c.Dispatch.Driver = "sqs" },
		"kafka ingest":   func(c *Config) { c.Ingest.Kafka.Enabled = true },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delayflow.yaml")
	if err := os.WriteFile(path, []byte("flags:\n  process_buffered_workflows: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if !m.Get().Flags.ProcessBufferedWorkflows {
		t.Fatalf("expected enabled")
	}

	updated := m.Get()
	cp := *updated
	cp.Flags.ProcessBufferedWorkflows = false
	if err := Save(path, &cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Flags.ProcessBufferedWorkflows || m.Get().Flags.ProcessBufferedWorkflows {
		t.Fatalf("reload did not flip kill switch")
	}
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	if m.Get().Scheduler.NumCohorts != 6 {
		t.Fatalf("expected defaults")
	}
	if needs, err := m.NeedsReload(); err != nil || needs {
		t.Fatalf("static manager never reloads")
	}
	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	m.Set(cfg)
	if m.Get().LogLevel != "error" {
		t.Fatalf("set not applied")
	}
}
