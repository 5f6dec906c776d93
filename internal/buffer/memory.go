package buffer

import (
	"context"
	"sync"
	"time"

	flowerrors "delayflow/internal/errors"
)

type hashID struct {
	shard int64
	batch string
}

// Expiry is checked lazily on access.
type Memory struct {
	mu      sync.Mutex
	hashes  map[hashID]map[string]string
	expires map[hashID]time.Time
	pending map[int64]float64
	blobs   map[string][]byte
	closed  bool
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		hashes:  make(map[hashID]map[string]string),
		expires: make(map[hashID]time.Time),
		pending: make(map[int64]float64),
		blobs:   make(map[string][]byte),
		now:     time.Now,
	}
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) check() error {
	if m.closed {
		return flowerrors.NewStorageFault("memory buffer", errClosed)
	}
	return nil
}

func (m *Memory) hashLocked(id hashID) map[string]string {
	if exp, ok := m.expires[id]; ok && !m.now().Before(exp) {
		delete(m.hashes, id)
		delete(m.expires, id)
		return nil
	}
	return m.hashes[id]
}

func (m *Memory) PushToHash(_ context.Context, shardKey int64, batchKey string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	id := hashID{shardKey, batchKey}
	h := m.hashLocked(id)
	if h == nil {
		h = make(map[string]string, len(fields))
		m.hashes[id] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) GetHashData(_ context.Context, shardKey int64, batchKey string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	h := m.hashLocked(hashID{shardKey, batchKey})
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) DeleteHash(_ context.Context, shardKey int64, batchKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	id := hashID{shardKey, batchKey}
	delete(m.hashes, id)
	delete(m.expires, id)
	return nil
}

func (m *Memory) DeleteHashFields(_ context.Context, shardKey int64, batchKey string, fields []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	id := hashID{shardKey, batchKey}
	h := m.hashLocked(id)
	if h == nil {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, id)
		delete(m.expires, id)
	}
	return nil
}

func (m *Memory) ExpireHash(_ context.Context, shardKey int64, batchKey string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	id := hashID{shardKey, batchKey}
	if m.hashLocked(id) == nil {
		return nil
	}
	m.expires[id] = m.now().Add(ttl)
	return nil
}

func (m *Memory) AddShardKeys(_ context.Context, keys []int64, ts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, k := range keys {
		m.pending[k] = ts
	}
	return nil
}

func (m *Memory) GetShardKeys(_ context.Context, min, max float64) (map[int64]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make(map[int64]float64)
	for k, score := range m.pending {
		if score >= min && score <= max {
			out[k] = score
		}
	}
	return out, nil
}

func (m *Memory) RemoveShardKeys(_ context.Context, keys []int64, maxScore float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, k := range keys {
		if score, ok := m.pending[k]; ok && score <= maxScore {
			delete(m.pending, k)
		}
	}
	return nil
}

func (m *Memory) GetBlob(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	v, ok := m.blobs[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) SetBlob(_ context.Context, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.blobs[name] = append([]byte(nil), value...)
	return nil
}

// Close makes every later call fail with a storage fault.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
