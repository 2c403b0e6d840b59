package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"svontai_router/internal/entities"
)

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return client, nil
}

const reserveScript = `
local current = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
local amount = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if limit >= 0 and current + amount > limit then
  return {0, current}
end

local value = redis.call("HINCRBY", KEYS[1], ARGV[1], amount)
redis.call("EXPIRE", KEYS[1], ttl)
return {1, value}
`

// usageTTL keeps a period's hash a little past the end of the month.
const usageTTL = 40 * 24 * time.Hour

// RedisUsageStore keeps one hash per (tenant, period) with a field per usage kind.
// Reservations run as a Lua script so check and increment are one step.
type RedisUsageStore struct {
	client  *redis.Client
	reserve *redis.Script
}

func NewRedisUsageStore(client *redis.Client) *RedisUsageStore {
	return &RedisUsageStore{client: client, reserve: redis.NewScript(reserveScript)}
}

func usageHashKey(tenantID, period string) string {
	return "usage:" + tenantID + ":" + period
}

func (s *RedisUsageStore) Reserve(ctx context.Context, tenantID, period string, kind entities.UsageKind, amount, limit int64) (entities.ReserveResult, error) {
	res, err := s.reserve.Run(ctx, s.client, []string{usageHashKey(tenantID, period)},
		string(kind), amount, limit, int64(usageTTL.Seconds())).Int64Slice()
	if err != nil {
		return entities.ReserveResult{}, fmt.Errorf("reserve usage: %w", err)
	}
	if len(res) != 2 {
		return entities.ReserveResult{}, fmt.Errorf("reserve usage: unexpected script reply %v", res)
	}
	return entities.ReserveResult{Allowed: res[0] == 1, Value: res[1], Limit: limit}, nil
}

func (s *RedisUsageStore) Add(ctx context.Context, tenantID, period string, kind entities.UsageKind, amount int64) (int64, error) {
	key := usageHashKey(tenantID, period)
	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, string(kind), amount)
	pipe.Expire(ctx, key, usageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("add usage: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisUsageStore) Snapshot(ctx context.Context, tenantID, period string) (map[entities.UsageKind]int64, error) {
	raw, err := s.client.HGetAll(ctx, usageHashKey(tenantID, period)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[entities.UsageKind]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("usage field %s: %w", k, err)
		}
		out[entities.UsageKind(k)] = n
	}
	return out, nil
}

// RedisLedger implements the event ledger with SETNX and the failure buckets with per-hour keys.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (l *RedisLedger) Claim(ctx context.Context, tenantID, externalEventID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, "ledger:"+tenantID+":"+externalEventID, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) Release(ctx context.Context, tenantID, externalEventID string) error {
	if err := l.client.Del(ctx, "ledger:"+tenantID+":"+externalEventID).Err(); err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

func failureKey(tenantID string, bucket time.Time) string {
	return "failures:" + tenantID + ":" + strconv.FormatInt(bucket.Unix(), 10)
}

func (l *RedisLedger) RecordFailure(ctx context.Context, tenantID string, at time.Time) error {
	key := failureKey(tenantID, at.UTC().Truncate(time.Hour))
	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 25*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// FailuresSince sums the hourly buckets from since's hour up to now.
func (l *RedisLedger) FailuresSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	floor := since.UTC().Truncate(time.Hour)
	now := time.Now().UTC().Truncate(time.Hour)
	var keys []string
	for b := floor; !b.After(now); b = b.Add(time.Hour) {
		keys = append(keys, failureKey(tenantID, b))
	}
	if len(keys) == 0 {
		return 0, nil
	}
	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	var total int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			total += n
		}
	}
	return total, nil
}
