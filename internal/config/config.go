package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Buffer     BufferConfig     `json:"buffer" yaml:"buffer"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Flags      FlagsConfig      `json:"flags" yaml:"flags"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Evaluation EvaluationConfig `json:"evaluation" yaml:"evaluation"`
	API        APIConfig        `json:"api" yaml:"api"`
	Decisions  DecisionsConfig  `json:"decisions" yaml:"decisions"`
}

type BufferConfig struct {
	Backend  string        `json:"backend" yaml:"backend"`
	Redis    RedisConfig   `json:"redis" yaml:"redis"`
	BatchTTL time.Duration `json:"batch_ttl" yaml:"batch_ttl"`
}

type RedisConfig struct {
	URL       string `json:"url" yaml:"url"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type SchedulerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	NumCohorts       int           `json:"num_cohorts" yaml:"num_cohorts"`
	MinSchedulingAge time.Duration `json:"min_scheduling_age" yaml:"min_scheduling_age"`
	BatchSize        int           `json:"batch_size" yaml:"batch_size"`
}

type FlagsConfig struct {
	ProcessBufferedWorkflows bool `json:"process_buffered_workflows" yaml:"process_buffered_workflows"`
}

type DispatchConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	Workers      int           `json:"workers" yaml:"workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	Kafka        KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Files      []string `json:"files" yaml:"files"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type EvaluationConfig struct {
	SlowTimeout     time.Duration `json:"slow_timeout" yaml:"slow_timeout"`
	SlowConcurrency int           `json:"slow_concurrency" yaml:"slow_concurrency"`
	DedupeWindow    time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type DecisionsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Buffer: BufferConfig{
			Backend:  "memory",
			Redis:    RedisConfig{URL: "redis://localhost:6379/0", KeyPrefix: "workflow_engine"},
			BatchTTL: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			Interval:         10 * time.Second,
			NumCohorts:       6,
			MinSchedulingAge: 50 * time.Second,
			BatchSize:        100,
		},
		Flags: FlagsConfig{ProcessBufferedWorkflows: true},
		Dispatch: DispatchConfig{
			Driver:       "local",
			Workers:      4,
			QueueSize:    1000,
			MaxAttempts:  5,
			RetryBackoff: 500 * time.Millisecond,
			Kafka:        KafkaConfig{Topic: "delayed-workflows", GroupID: "delayflow-workers"},
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
		},
		Storage: StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:delayflow.db?_pragma=busy_timeout(5000)"},
		Evaluation: EvaluationConfig{
			SlowTimeout:     5 * time.Second,
			SlowConcurrency: 8,
			DedupeWindow:    time.Minute,
		},
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Decisions: DecisionsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Buffer.Backend == "" {
		cfg.Buffer.Backend = "memory"
	}
	if cfg.Buffer.Redis.KeyPrefix == "" {
		cfg.Buffer.Redis.KeyPrefix = "workflow_engine"
	}
	if cfg.Buffer.BatchTTL <= 0 {
		cfg.Buffer.BatchTTL = 24 * time.Hour
	}
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler.Interval = 10 * time.Second
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Dispatch.Driver == "" {
		cfg.Dispatch.Driver = "local"
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = 1000
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
	if cfg.Dispatch.RetryBackoff <= 0 {
		cfg.Dispatch.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Evaluation.SlowTimeout <= 0 {
		cfg.Evaluation.SlowTimeout = 5 * time.Second
	}
	if cfg.Evaluation.SlowConcurrency <= 0 {
		cfg.Evaluation.SlowConcurrency = 8
	}
	if cfg.Decisions.StoreLimit <= 0 {
		cfg.Decisions.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Buffer.Backend) {
	case "memory":
	case "redis":
		if cfg.Buffer.Redis.URL == "" {
			return errors.New("buffer.redis.url required when buffer.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported buffer.backend: %s", cfg.Buffer.Backend)
	}
	// Cohort bounds are validated again by the chooser; failing here keeps a bad
	// reload from replacing a good config.
	if cfg.Scheduler.NumCohorts < 1 {
		return errors.New("scheduler.num_cohorts must be >= 1")
	}
	if cfg.Scheduler.MinSchedulingAge < 0 || cfg.Scheduler.MinSchedulingAge > time.Minute {
		return fmt.Errorf("scheduler.min_scheduling_age must be within [0s, 1m]: %s", cfg.Scheduler.MinSchedulingAge)
	}
	switch strings.ToLower(cfg.Dispatch.Driver) {
	case "local":
	case "kafka":
		if len(cfg.Dispatch.Kafka.Brokers) == 0 || cfg.Dispatch.Kafka.Topic == "" {
			return errors.New("dispatch.kafka requires brokers and topic")
		}
	default:
		return fmt.Errorf("unsupported dispatch.driver: %s", cfg.Dispatch.Driver)
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

// Set swaps the live config in memory only.
func (m *Manager) Set(cfg *Config) {
	if cfg != nil {
		m.cfg.Store(cfg)
	}
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
