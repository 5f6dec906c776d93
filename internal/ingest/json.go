package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"delayflow/internal/model"
)

func DecodeEvents(data []byte) (events []model.BufferedEvent, errs []error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, []error{errors.New("empty payload")}
	}
	var objs []map[string]any
	if trimmed[0] == '[' {
		if err := json.Unmarshal([]byte(trimmed), &objs); err != nil {
			return nil, []error{err}
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return nil, []error{err}
		}
		objs = append(objs, obj)
	}
	for i, obj := range objs {
		ev, err := ParseJSONMap(obj)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

// Ids may be numbers or numeric strings.
func ParseJSONMap(obj map[string]any) (model.BufferedEvent, error) {
	fields := make(map[string]any, len(obj))
	for key, val := range obj {
		fields[strings.ToLower(key)] = val
	}
	var ev model.BufferedEvent
	var err error
	if ev.ProjectID, err = intField(fields, "project_id", "project"); err != nil {
		return ev, err
	}
	if ev.RuleID, err = intField(fields, "rule_id", "workflow_id", "rule"); err != nil {
		return ev, err
	}
	if ev.GroupID, err = intField(fields, "group_id", "issue_id", "group"); err != nil {
		return ev, err
	}
	ev.EventID = stringField(fields, "event_id", "event", "id")
	ev.OccurrenceID = stringField(fields, "occurrence_id", "occurrence")
	if raw, ok := first(fields, "value"); ok && raw != nil {
		v, err := toFloat(raw)
		if err != nil {
			return ev, fmt.Errorf("value: %w", err)
		}
		ev.Value = &v
	}
	return ev, ev.Validate()
}

func first(fields map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func intField(fields map[string]any, keys ...string) (int64, error) {
	raw, ok := first(fields, keys...)
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%s must be an integer", keys[0])
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", keys[0], err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s has unsupported type %T", keys[0], raw)
}

func stringField(fields map[string]any, keys ...string) string {
	raw, ok := first(fields, keys...)
	if !ok || raw == nil {
		return ""
	}
	if f, ok := raw.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(raw)
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("unsupported type %T", raw)
}
