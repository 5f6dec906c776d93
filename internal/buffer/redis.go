package buffer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"delayflow/internal/config"
	flowerrors "delayflow/internal/errors"
)

// Key layout:
//   - live hash:      {prefix}:hash:{shard}
//   - batch snapshot: {prefix}:hash:{shard}:{batch}
//   - pending set:    {prefix}:pending (sorted set, score = last touch)
//   - blobs:          {prefix}:blob:{name}
type Redis struct {
	client *redis.Client
	prefix string
}

// removeIfNotNewer deletes each member only while its score is <= ARGV[1].
var removeIfNotNewer = redis.NewScript(`
local removed = 0
local max = tonumber(ARGV[1])
for i = 2, #ARGV do
  local score = redis.call('ZSCORE', KEYS[1], ARGV[i])
  if score and tonumber(score) <= max then
    removed = removed + redis.call('ZREM', KEYS[1], ARGV[i])
  end
end
return removed
`)

func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, flowerrors.NewConfigurationError("invalid buffer.redis.url: " + err.Error())
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, flowerrors.NewStorageFault("redis ping", err)
	}
	return NewRedisFromClient(client, cfg.KeyPrefix), nil
}

func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "workflow_engine"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) hashKey(shardKey int64, batchKey string) string {
	key := r.prefix + ":hash:" + strconv.FormatInt(shardKey, 10)
	if batchKey != "" {
		key += ":" + batchKey
	}
	return key
}

func (r *Redis) pendingKey() string {
	return r.prefix + ":pending"
}

func (r *Redis) blobKey(name string) string {
	return r.prefix + ":blob:" + name
}

func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return flowerrors.NewStorageFault("redis "+op, err)
}

func (r *Redis) PushToHash(ctx context.Context, shardKey int64, batchKey string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return fault("hset", r.client.HSet(ctx, r.hashKey(shardKey, batchKey), args...).Err())
}

func (r *Redis) GetHashData(ctx context.Context, shardKey int64, batchKey string) (map[string]string, error) {
	data, err := r.client.HGetAll(ctx, r.hashKey(shardKey, batchKey)).Result()
	if err != nil {
		return nil, fault("hgetall", err)
	}
	return data, nil
}

func (r *Redis) DeleteHash(ctx context.Context, shardKey int64, batchKey string) error {
	return fault("del", r.client.Del(ctx, r.hashKey(shardKey, batchKey)).Err())
}

func (r *Redis) DeleteHashFields(ctx context.Context, shardKey int64, batchKey string, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	return fault("hdel", r.client.HDel(ctx, r.hashKey(shardKey, batchKey), fields...).Err())
}

func (r *Redis) ExpireHash(ctx context.Context, shardKey int64, batchKey string, ttl time.Duration) error {
	return fault("expire", r.client.Expire(ctx, r.hashKey(shardKey, batchKey), ttl).Err())
}

func (r *Redis) AddShardKeys(ctx context.Context, keys []int64, ts float64) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]*redis.Z, 0, len(keys))
	for _, k := range keys {
		members = append(members, &redis.Z{Score: ts, Member: strconv.FormatInt(k, 10)})
	}
	return fault("zadd", r.client.ZAdd(ctx, r.pendingKey(), members...).Err())
}

func (r *Redis) GetShardKeys(ctx context.Context, min, max float64) (map[int64]float64, error) {
	entries, err := r.client.ZRangeByScoreWithScores(ctx, r.pendingKey(), &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fault("zrangebyscore", err)
	}
	out := make(map[int64]float64, len(entries))
	for _, z := range entries {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		out[id] = z.Score
	}
	return out, nil
}

func (r *Redis) RemoveShardKeys(ctx context.Context, keys []int64, maxScore float64) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, strconv.FormatFloat(maxScore, 'f', -1, 64))
	for _, k := range keys {
		args = append(args, strconv.FormatInt(k, 10))
	}
	err := removeIfNotNewer.Run(ctx, r.client, []string{r.pendingKey()}, args...).Err()
	return fault("zrem", err)
}

func (r *Redis) GetBlob(ctx context.Context, name string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.blobKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault("get", err)
	}
	return data, nil
}

func (r *Redis) SetBlob(ctx context.Context, name string, value []byte) error {
	return fault("set", r.client.Set(ctx, r.blobKey(name), value, 0).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}
