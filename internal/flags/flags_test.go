package flags

import (
	"os"
	"path/filepath"
	"testing"

	"delayflow/internal/config"
)

func TestConfigSourceFollowsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(enabled string) {
		body := "scheduler:\n  num_cohorts: 2\nflags:\n  process_buffered_workflows: " + enabled + "\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("true")
	mgr, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	src := NewConfigSource(mgr)
	if !src.IsEnabled(ProcessBufferedWorkflows) {
		t.Fatalf("expected enabled")
	}
	write("false")
	if _, err := mgr.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if src.IsEnabled(ProcessBufferedWorkflows) {
		t.Fatalf("expected disabled after reload")
	}
	if src.IsEnabled("unknown") {
		t.Fatalf("unknown flags must be off")
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(ProcessBufferedWorkflows)
	if !s.IsEnabled(ProcessBufferedWorkflows) {
		t.Fatalf("expected enabled")
	}
	s.Set(ProcessBufferedWorkflows, false)
	if s.IsEnabled(ProcessBufferedWorkflows) {
		t.Fatalf("expected disabled")
	}
}
