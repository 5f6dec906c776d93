package buffer

import (
	"context"
	"errors"
	"strings"
	"time"

	"delayflow/internal/config"
	flowerrors "delayflow/internal/errors"
)

// An empty batchKey addresses the live hash of a shard. Reads of absent
// hashes return empty results and deletes are idempotent.
type HashBuffer interface {
	PushToHash(ctx context.Context, shardKey int64, batchKey string, fields map[string]string) error
	GetHashData(ctx context.Context, shardKey int64, batchKey string) (map[string]string, error)
	DeleteHash(ctx context.Context, shardKey int64, batchKey string) error
	DeleteHashFields(ctx context.Context, shardKey int64, batchKey string, fields []string) error
	ExpireHash(ctx context.Context, shardKey int64, batchKey string, ttl time.Duration) error

	AddShardKeys(ctx context.Context, keys []int64, ts float64) error
	GetShardKeys(ctx context.Context, min, max float64) (map[int64]float64, error)
	// RemoveShardKeys drops only the keys whose score is <= maxScore, so a key
	// re-touched after it was read stays pending.
	RemoveShardKeys(ctx context.Context, keys []int64, maxScore float64) error

	GetBlob(ctx context.Context, name string) ([]byte, error)
	SetBlob(ctx context.Context, name string, value []byte) error

	Close() error
}

func New(ctx context.Context, cfg config.BufferConfig) (HashBuffer, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		r, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, flowerrors.NewConfigurationError("unsupported buffer backend: " + cfg.Backend)
	}
}

var errClosed = errors.New("buffer closed")
