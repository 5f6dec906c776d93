package metrics

import (
	"sort"
	"sync"
	"time"
)

type TickStats struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped"`
	Pending    int           `json:"pending"`
	Chosen     int           `json:"chosen"`
	Processed  int           `json:"processed"`
	Dispatched int           `json:"dispatched"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
}

type ProjectStats struct {
	ProjectID  int64     `json:"project_id"`
	Ticks      int       `json:"ticks"`
	Batches    int       `json:"batches"`
	Entries    int       `json:"entries"`
	Failures   int       `json:"failures"`
	LastTickAt time.Time `json:"last_tick_at"`
}

type EvaluationStats struct {
	Groups    int            `json:"groups"`
	Triggered int            `json:"triggered"`
	Tainted   int            `json:"tainted"`
	Decisions map[string]int `json:"decisions"`
}

type Store struct {
	mu        sync.RWMutex
	byProject map[int64]ProjectStats
	updatedAt map[int64]time.Time
	limit     int
	ticks     []TickStats
	tickLimit int
	eval      EvaluationStats
	prom      *Collectors
}

// NewStore keeps stats for up to limit projects, evicting the least recently
// updated. collectors may be nil.
func NewStore(limit int, collectors *Collectors) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byProject: make(map[int64]ProjectStats),
		updatedAt: make(map[int64]time.Time),
		limit:     limit,
		tickLimit: 256,
		eval:      EvaluationStats{Decisions: make(map[string]int)},
		prom:      collectors,
	}
}

func (s *Store) Collectors() *Collectors {
	return s.prom
}

func (s *Store) RecordTick(t TickStats) {
	s.mu.Lock()
	if len(s.ticks) < s.tickLimit {
		s.ticks = append(s.ticks, t)
	} else {
		copy(s.ticks, s.ticks[1:])
		s.ticks[len(s.ticks)-1] = t
	}
	s.mu.Unlock()
	s.prom.observeTick(t)
}

func (s *Store) Ticks(limit int) []TickStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.ticks) {
		limit = len(s.ticks)
	}
	out := make([]TickStats, limit)
	copy(out, s.ticks[len(s.ticks)-limit:])
	return out
}

func (s *Store) LastTick() (TickStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ticks) == 0 {
		return TickStats{}, false
	}
	return s.ticks[len(s.ticks)-1], true
}

func (s *Store) UpdateProject(projectID int64, batches, entries int, failed bool) {
	if projectID <= 0 {
		return
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.byProject[projectID]
	ps.ProjectID = projectID
	ps.Ticks++
	ps.Batches += batches
	ps.Entries += entries
	if failed {
		ps.Failures++
	}
	ps.LastTickAt = now
	s.byProject[projectID] = ps
	s.updatedAt[projectID] = now
	if len(s.byProject) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) GetProject(projectID int64) (ProjectStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.byProject[projectID]
	return ps, ok
}

func (s *Store) GetAll() []ProjectStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProjectStats, 0, len(s.byProject))
	for _, ps := range s.byProject {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func (s *Store) ObserveGroup(triggered, tainted bool) {
	s.mu.Lock()
	s.eval.Groups++
	if triggered {
		s.eval.Triggered++
	}
	if tainted {
		s.eval.Tainted++
	}
	s.mu.Unlock()
	s.prom.observeGroup(triggered, tainted)
}

func (s *Store) ObserveDecision(action string) {
	s.mu.Lock()
	s.eval.Decisions[action]++
	s.mu.Unlock()
	s.prom.observeDecision(action)
}

func (s *Store) Evaluation() EvaluationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.eval
	out.Decisions = make(map[string]int, len(s.eval.Decisions))
	for k, v := range s.eval.Decisions {
		out.Decisions[k] = v
	}
	return out
}

func (s *Store) ObserveIngest(accepted, dropped int) {
	s.prom.observeIngest(accepted, dropped)
}

func (s *Store) SetCohortStaleness(seconds float64) {
	s.prom.setCohortStaleness(seconds)
}

func (s *Store) evictOldest() {
	var oldestProject int64
	var oldest time.Time
	found := false
	for id, ts := range s.updatedAt {
		if !found || ts.Before(oldest) {
			oldestProject = id
			oldest = ts
			found = true
		}
	}
	if found {
		delete(s.byProject, oldestProject)
		delete(s.updatedAt, oldestProject)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byProject = make(map[int64]ProjectStats)
	s.updatedAt = make(map[int64]time.Time)
	s.ticks = nil
	s.eval = EvaluationStats{Decisions: make(map[string]int)}
}
