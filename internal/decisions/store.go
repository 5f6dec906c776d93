package decisions

import (
	"context"
	"sync"
	"time"

	"delayflow/internal/model"
)

type Store struct {
	mu     sync.RWMutex
	buf    []model.Decision
	latest map[string]model.Decision
	limit  int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit, latest: make(map[string]model.Decision)}
}

func (s *Store) Add(d model.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[d.Key()] = d
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, d)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = d
}

func (s *Store) SaveDecision(_ context.Context, d model.Decision) error {
	s.Add(d)
	return nil
}

// Survives ring eviction.
func (s *Store) LastDecision(_ context.Context, ruleID, groupID int64) (model.Decision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.latest[model.FieldKey(ruleID, groupID)]
	return d, ok, nil
}

func (s *Store) List(limit int) []model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Decision, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Decision, 0)
	for _, d := range s.buf {
		if !d.Timestamp.Before(ts) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.latest = make(map[string]model.Decision)
}
