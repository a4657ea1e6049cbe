package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	fieldInteractionsUsed = "interactions_used"
	fieldCreditsRemaining = "credits_remaining"
)

// consumeCreditScript decrements the pool only when it is positive. Returns -1
// when there is nothing to take.
var consumeCreditScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if v == nil or v <= 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
`)

// consumeInteractionScript increments the counter while it is below ARGV[2].
// A negative limit means unmetered. Returns -1 when the limit was reached.
var consumeInteractionScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0') or 0
local limit = tonumber(ARGV[2])
if limit >= 0 and used >= limit then
	return -1
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

// RedisStore keeps usage counters in a hash per user and the plan access as
// a JSON document written by billing.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func accessKey(userID string) string {
	return fmt.Sprintf("ally:v1:ledger:access:%s", userID)
}

func usageKey(userID string) string {
	return fmt.Sprintf("ally:v1:ledger:usage:%s", userID)
}

func (r *RedisStore) SetAccess(ctx context.Context, userID string, access Access) error {
	data, err := json.Marshal(access)
	if err != nil {
		return err
	}
	return r.redis.Set(ctx, accessKey(userID), data, 0).Err()
}

func (r *RedisStore) GetAccess(ctx context.Context, userID string) (Access, error) {
	var access Access
	data, err := r.redis.Get(ctx, accessKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return access, nil
	}
	if err != nil {
		return access, err
	}
	if err := json.Unmarshal(data, &access); err != nil {
		return Access{}, fmt.Errorf("failed to decode access: %w", err)
	}
	return access, nil
}

func (r *RedisStore) GetUsage(ctx context.Context, userID string) (Usage, error) {
	vals, err := r.redis.HGetAll(ctx, usageKey(userID)).Result()
	if err != nil {
		return Usage{}, err
	}
	var usage Usage
	if v, ok := vals[fieldInteractionsUsed]; ok {
		if usage.InteractionsUsed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Usage{}, fmt.Errorf("bad %s: %w", fieldInteractionsUsed, err)
		}
	}
	if v, ok := vals[fieldCreditsRemaining]; ok {
		if usage.CreditsRemaining, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Usage{}, fmt.Errorf("bad %s: %w", fieldCreditsRemaining, err)
		}
	}
	return usage, nil
}

func (r *RedisStore) SetUsage(ctx context.Context, userID string, usage Usage) error {
	return r.redis.HSet(ctx, usageKey(userID),
		fieldInteractionsUsed, usage.InteractionsUsed,
		fieldCreditsRemaining, usage.CreditsRemaining,
	).Err()
}

func (r *RedisStore) ConsumeInteraction(ctx context.Context, userID string, limit *int64) (int64, error) {
	ceiling := int64(-1)
	if limit != nil {
		ceiling = *limit
	}
	used, err := consumeInteractionScript.Run(ctx, r.redis, []string{usageKey(userID)}, fieldInteractionsUsed, ceiling).Int64()
	if err != nil {
		return 0, err
	}
	if used < 0 {
		return 0, ErrAllowanceExhausted
	}
	return used, nil
}

func (r *RedisStore) ConsumeCredit(ctx context.Context, userID string) (int64, error) {
	balance, err := consumeCreditScript.Run(ctx, r.redis, []string{usageKey(userID)}, fieldCreditsRemaining).Int64()
	if err != nil {
		return 0, err
	}
	if balance < 0 {
		return 0, ErrInsufficientCredits
	}
	return balance, nil
}
