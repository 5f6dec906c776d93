package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}

func TestComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(newLogger(&buf, "info"), "scheduler")
	logger.Debug("hidden")
	logger.Info("tick complete", "projects", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected single json record: %v (%s)", err, buf.String())
	}
	if rec["component"] != "scheduler" || rec["msg"] != "tick complete" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if Component(nil, "x") != nil {
		t.Fatalf("nil logger must stay nil")
	}
}
