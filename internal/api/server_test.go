package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delayflow/internal/config"
	"delayflow/internal/decisions"
	"delayflow/internal/flags"
	"delayflow/internal/metrics"
	"delayflow/internal/model"
	"delayflow/internal/scheduler"
)

type stubTicker struct {
	calls int
	err   error
}

func (s *stubTicker) ProcessBufferedWorkflows(context.Context) (scheduler.TickResult, error) {
	s.calls++
	return scheduler.TickResult{Pending: 3, Dispatched: 2}, s.err
}

type harness struct {
	cfg       *config.Manager
	metrics   *metrics.Store
	decisions *decisions.Store
	ticker    *stubTicker
	handler   http.Handler
}

func newHarness() *harness {
	h := &harness{
		cfg:       config.NewStaticManager(config.DefaultConfig()),
		metrics:   metrics.NewStore(100, metrics.NewCollectors()),
		decisions: decisions.NewStore(100),
		ticker:    &stubTicker{},
	}
	h.handler = NewHandler(h.cfg, h.metrics, h.decisions, h.ticker, nil, "test")
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsLastTick(t *testing.T) {
	h := newHarness()
	h.metrics.RecordTick(metrics.TickStats{Timestamp: time.Now(), Pending: 4, Processed: 2})

	rec := h.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 6, resp.Scheduler.NumCohorts)
	assert.Equal(t, "memory", resp.Buffer)
	require.NotNil(t, resp.LastTick)
	assert.Equal(t, 4, resp.LastTick.Pending)

	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodPost, "/status", "").Code)
}

func TestDecisionsEndpoint(t *testing.T) {
	h := newHarness()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.decisions.Add(model.Decision{Timestamp: base, RuleID: 1, GroupID: 2, EventID: "a", Action: model.ActionFire})
	h.decisions.Add(model.Decision{Timestamp: base.Add(time.Hour), RuleID: 1, GroupID: 2, EventID: "b", Action: model.ActionResolve})

	var resp struct {
		Decisions []model.Decision `json:"decisions"`
		Count     int              `json:"count"`
	}
	rec := h.do(http.MethodGet, "/decisions?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "b", resp.Decisions[0].EventID)

	rec = h.do(http.MethodGet, "/decisions?since="+base.Add(30*time.Minute).Format(time.RFC3339), "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/decisions?since=yesterday", "").Code)
}

func TestAdminTick(t *testing.T) {
	h := newHarness()
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodGet, "/admin/tick", "").Code)

	rec := h.do(http.MethodPost, "/admin/tick", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res scheduler.TickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 1, h.ticker.calls)

	h.ticker.err = errors.New("storage unavailable")
	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodPost, "/admin/tick", "").Code)

	noTicker := NewHandler(h.cfg, nil, nil, nil, nil, "test")
	rec = httptest.NewRecorder()
	noTicker.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/tick", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFlagsToggleKillSwitch(t *testing.T) {
	h := newHarness()
	src := flags.NewConfigSource(h.cfg)
	require.True(t, src.IsEnabled(flags.ProcessBufferedWorkflows))

	rec := h.do(http.MethodPost, "/admin/flags", `{"process_buffered_workflows": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, src.IsEnabled(flags.ProcessBufferedWorkflows))
	assert.Equal(t, 6, h.cfg.Get().Scheduler.NumCohorts)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/admin/flags", `{`).Code)
}

func TestStatsAndPrometheus(t *testing.T) {
	h := newHarness()
	h.metrics.UpdateProject(9, 2, 150, false)
	h.metrics.RecordTick(metrics.TickStats{Timestamp: time.Now(), Dispatched: 2})

	rec := h.do(http.MethodGet, "/stats/9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ps metrics.ProjectStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ps))
	assert.Equal(t, 150, ps.Entries)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/stats/10", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/stats/abc", "").Code)

	rec = h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "delayflow_scheduler_ticks_total")

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/admin/clear", `{"target":"stats"}`).Code)
	_, ok := h.metrics.GetProject(9)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/admin/clear", `{"target":"everything"}`).Code)
}
