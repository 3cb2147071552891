package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "msgflow:record:"

// upsertScript compares the stored outcome and rewrites the hash only when it
// differs. Returns 1 created, 2 updated, 0 unchanged.
var upsertScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'outcome')
if current == ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'outcome', ARGV[1], 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
if current then
	return 2
end
return 1
`)

type RedisRepository struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRepository stores each record as a hash under prefix+id. A positive
// ttl expires records; zero keeps them forever.
func NewRedisRepository(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRepository {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisRepository{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRepository) Backend() string {
	return "redis"
}

func (r *RedisRepository) Upsert(ctx context.Context, rec Record) (WriteResult, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return WriteUnchanged, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	res, err := upsertScript.Run(ctx, r.client, []string{r.key(rec.MessageID)},
		rec.Outcome, data, r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return WriteUnchanged, fmt.Errorf("redis upsert failed: %w", err)
	}

	switch res {
	case 1:
		return WriteCreated, nil
	case 2:
		return WriteUpdated, nil
	default:
		return WriteUnchanged, nil
	}
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.HGet(ctx, r.key(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRepository) Count(ctx context.Context) (int64, error) {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	var count int64
	for iter.Next(ctx) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan failed: %w", err)
	}
	return count, nil
}

func (r *RedisRepository) key(id string) string {
	return r.prefix + id
}
