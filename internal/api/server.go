package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"delayflow/internal/config"
	"delayflow/internal/decisions"
	"delayflow/internal/metrics"
	"delayflow/internal/model"
	"delayflow/internal/scheduler"
)

type Ticker interface {
	ProcessBufferedWorkflows(ctx context.Context) (scheduler.TickResult, error)
}

type Server struct {
	cfg       *config.Manager
	metrics   *metrics.Store
	decisions *decisions.Store
	ticker    Ticker
	logger    *slog.Logger
	version   string
}

type statusResponse struct {
	Status     string             `json:"status"`
	Time       string             `json:"time"`
	Version    string             `json:"version"`
	ConfigPath string             `json:"config_path"`
	Buffer     string             `json:"buffer"`
	Dispatch   string             `json:"dispatch"`
	Scheduler  schedulerStatus    `json:"scheduler"`
	Flags      config.FlagsConfig `json:"flags"`
	Ingest     ingestStatus       `json:"ingest"`
	API        apiStatus          `json:"api"`
	LastTick   *metrics.TickStats `json:"last_tick,omitempty"`
}

type schedulerStatus struct {
	Enabled          bool   `json:"enabled"`
	Interval         string `json:"interval"`
	NumCohorts       int    `json:"num_cohorts"`
	MinSchedulingAge string `json:"min_scheduling_age"`
	BatchSize        int    `json:"batch_size"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func NewHandler(cfg *config.Manager, metricsStore *metrics.Store, decisionsStore *decisions.Store, ticker Ticker, logger *slog.Logger, version string) http.Handler {
	server := &Server{
		cfg:       cfg,
		metrics:   metricsStore,
		decisions: decisionsStore,
		ticker:    ticker,
		logger:    logger,
		version:   version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/stats/", server.handleStats)
	mux.HandleFunc("/decisions", server.handleDecisions)
	mux.HandleFunc("/admin/tick", server.handleTick)
	mux.HandleFunc("/admin/flags", server.handleFlags)
	mux.HandleFunc("/admin/clear", server.handleClear)
	if metricsStore != nil && metricsStore.Collectors() != nil {
		mux.Handle("/metrics", metricsStore.Collectors().Handler())
	}
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, metricsStore *metrics.Store, decisionsStore *decisions.Store, ticker Ticker, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewHandler(cfg, metricsStore, decisionsStore, ticker, logger, version),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Buffer:     cfg.Buffer.Backend,
		Dispatch:   cfg.Dispatch.Driver,
		Scheduler: schedulerStatus{
			Enabled:          cfg.Scheduler.Enabled,
			Interval:         cfg.Scheduler.Interval.String(),
			NumCohorts:       cfg.Scheduler.NumCohorts,
			MinSchedulingAge: cfg.Scheduler.MinSchedulingAge.String(),
			BatchSize:        cfg.Scheduler.BatchSize,
		},
		Flags: cfg.Flags,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if s.metrics != nil {
		if last, ok := s.metrics.LastTick(); ok {
			resp.LastTick = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.metrics == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/stats")
	path = strings.TrimPrefix(path, "/")
	if path != "" {
		projectID, err := strconv.ParseInt(path, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		stats, ok := s.metrics.GetProject(projectID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	projects := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"ticks":      s.metrics.Ticks(queryInt(r, "limit")),
		"projects":   projects,
		"count":      len(projects),
		"evaluation": s.metrics.Evaluation(),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.decisions == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var list []model.Decision
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.decisions.Since(ts)
	} else {
		list = s.decisions.List(queryInt(r, "limit"))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": list,
		"count":     len(list),
	})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.ticker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	res, err := s.ticker.ProcessBufferedWorkflows(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "tick": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFlags flips runtime switches in memory. The change is lost on the next
// reload of the config file.
func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Get().Flags)
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		current := s.cfg.Get()
		next := *current
		if err := json.Unmarshal(body, &next.Flags); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.cfg.Set(&next)
		if s.logger != nil {
			s.logger.Info("flags updated", "process_buffered_workflows", next.Flags.ProcessBufferedWorkflows)
		}
		writeJSON(w, http.StatusOK, next.Flags)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.metrics != nil {
			s.metrics.Clear()
		}
		if s.decisions != nil {
			s.decisions.Clear()
		}
	case "decisions":
		if s.decisions != nil {
			s.decisions.Clear()
		}
	case "stats":
		if s.metrics != nil {
			s.metrics.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
