package flags

import (
	"sync"

	"delayflow/internal/config"
)

const ProcessBufferedWorkflows = "process_buffered_workflows"

type Source interface {
	IsEnabled(name string) bool
}

// Unknown names are disabled.
type ConfigSource struct {
	cfg *config.Manager
}

func NewConfigSource(cfg *config.Manager) *ConfigSource {
	return &ConfigSource{cfg: cfg}
}

func (s *ConfigSource) IsEnabled(name string) bool {
	switch name {
	case ProcessBufferedWorkflows:
		return s.cfg.Get().Flags.ProcessBufferedWorkflows
	}
	return false
}

type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
}

func NewStatic(enabled ...string) *Static {
	s := &Static{flags: make(map[string]bool)}
	for _, name := range enabled {
		s.flags[name] = true
	}
	return s
}

func (s *Static) Set(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = enabled
}

func (s *Static) IsEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name]
}
