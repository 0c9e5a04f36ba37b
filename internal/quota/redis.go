package quota

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/store"
)

// incrementScript bumps a counter hash unless the effective count for the
// period has reached base + bonus. A hash from an earlier period restarts at 1.
// Returns {applied, count, period, bonus}.
const incrementScript = `
local data = redis.call("HMGET", KEYS[1], "count", "period", "bonus")
local count = tonumber(data[1]) or 0
local stored = data[2]
local bonus = tonumber(data[3]) or 0
local period = ARGV[1]
local base = tonumber(ARGV[2])

if stored ~= period then
  count = 0
end

if count >= base + bonus then
  return {0, count, period, bonus}
end

count = count + 1
redis.call("HSET", KEYS[1], "count", count, "period", period, "bonus", bonus, "updated", ARGV[3])
return {1, count, period, bonus}
`

// decrementScript gives back one use taken in the given period. Counters from
// another period, or already at zero, are left untouched.
const decrementScript = `
local data = redis.call("HMGET", KEYS[1], "count", "period")
local count = tonumber(data[1]) or 0
if data[2] ~= ARGV[1] or count <= 0 then
  return 0
end
redis.call("HSET", KEYS[1], "count", count - 1, "updated", ARGV[2])
return 1
`

// bonusScript adds credits, creating the hash for the period if needed.
const bonusScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "count", 0, "period", ARGV[1], "bonus", 0)
end
redis.call("HINCRBY", KEYS[1], "bonus", ARGV[2])
redis.call("HSET", KEYS[1], "updated", ARGV[3])
return 1
`

// RedisCounters keeps counters as Redis hashes updated by Lua scripts, so each
// mutation is a single atomic server-side step.
type RedisCounters struct {
	client    *redis.Client
	prefix    string
	increment *redis.Script
	decrement *redis.Script
	bonus     *redis.Script
}

// NewRedisCounters creates counters stored under prefix.
func NewRedisCounters(client *redis.Client, prefix string) *RedisCounters {
	if prefix == "" {
		prefix = "adalign:quota:"
	}
	return &RedisCounters{
		client:    client,
		prefix:    prefix,
		increment: redis.NewScript(incrementScript),
		decrement: redis.NewScript(decrementScript),
		bonus:     redis.NewScript(bonusScript),
	}
}

func (c *RedisCounters) Get(ctx context.Context, key string) (*model.UsageCounter, error) {
	vals, err := c.client.HGetAll(ctx, c.prefix+key).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "quota: redis get %s", key)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return counterFromHash(key, vals), nil
}

func (c *RedisCounters) Increment(ctx context.Context, key, period string, baseLimit int, now time.Time) (store.IncrementResult, error) {
	res, err := c.increment.Run(ctx, c.client, []string{c.prefix + key},
		period, baseLimit, now.UTC().Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return store.IncrementResult{}, eris.Wrapf(err, "quota: redis increment %s", key)
	}
	if len(res) < 4 {
		return store.IncrementResult{}, eris.Errorf("quota: redis increment %s: unexpected reply %v", key, res)
	}
	return store.IncrementResult{
		Applied: toInt(res[0]) == 1,
		Counter: model.UsageCounter{
			Key:           key,
			MonthlyCount:  toInt(res[1]),
			PeriodLabel:   toString(res[2]),
			BonusCredits:  toInt(res[3]),
			LastUpdatedAt: now,
		},
	}, nil
}

func (c *RedisCounters) Decrement(ctx context.Context, key, period string, now time.Time) error {
	err := c.decrement.Run(ctx, c.client, []string{c.prefix + key},
		period, now.UTC().Format(time.RFC3339Nano),
	).Err()
	return eris.Wrapf(err, "quota: redis decrement %s", key)
}

func (c *RedisCounters) AddBonus(ctx context.Context, key, period string, credits int, now time.Time) (*model.UsageCounter, error) {
	if credits <= 0 {
		return nil, eris.Errorf("quota: redis add bonus %s: credits must be positive, got %d", key, credits)
	}
	if err := c.bonus.Run(ctx, c.client, []string{c.prefix + key},
		period, credits, now.UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return nil, eris.Wrapf(err, "quota: redis add bonus %s", key)
	}
	return c.Get(ctx, key)
}

func (c *RedisCounters) Reset(ctx context.Context, key, period string, now time.Time) error {
	err := c.client.HSet(ctx, c.prefix+key,
		"count", 0,
		"period", period,
		"updated", now.UTC().Format(time.RFC3339Nano),
	).Err()
	return eris.Wrapf(err, "quota: redis reset %s", key)
}

func counterFromHash(key string, vals map[string]string) *model.UsageCounter {
	c := &model.UsageCounter{Key: key, PeriodLabel: vals["period"]}
	c.MonthlyCount, _ = strconv.Atoi(vals["count"])
	c.BonusCredits, _ = strconv.Atoi(vals["bonus"])
	if ts, err := time.Parse(time.RFC3339Nano, vals["updated"]); err == nil {
		c.LastUpdatedAt = ts
	}
	return c
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}
