package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-maintenance-scheduler/internal/config"
)

// Manager coordinates exclusive, time-bounded claims over job names in Redis.
// Expiry deadlines live in a sorted set scored by unix millis; holder identity
// lives in a per-job hash. Acquisition and renewal are single Lua scripts, so
// two workers racing for the same job can never both win: a plain
// read-then-write here would be exactly the bug this package exists to prevent.
type Manager struct {
	client     *redis.Client
	expiryKey  string
	metaPrefix string
	ttl        time.Duration
}

// NewManager builds a lease manager from config.
func NewManager(cfg config.Config) *Manager {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewManagerWithClient(client, cfg.LeaseTTL)
}

// NewManagerWithClient wires an existing Redis client, used by tests.
func NewManagerWithClient(client *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		client:     client,
		expiryKey:  "lease:expiry",
		metaPrefix: "lease:meta:",
		ttl:        ttl,
	}
}

func (m *Manager) metaKey(jobName string) string {
	return m.metaPrefix + jobName
}

// TTL reports the configured lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryAcquire claims the job for holder if no live lease exists. An expired
// lease is inert and gets overwritten in the same atomic step. Returns false
// when someone (possibly a previous attempt of the same holder) still holds a
// live lease; that is an expected race outcome, not an error.
func (m *Manager) TryAcquire(ctx context.Context, jobName, holder string) (bool, error) {
	now := time.Now()
	res, err := acquireScript.Run(ctx, m.client,
		[]string{m.expiryKey, m.metaKey(jobName)},
		jobName, holder, now.UnixMilli(), m.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", jobName, err)
	}
	return res == 1, nil
}

// Renew extends the expiry only while holder still owns a live lease. A false
// return means the lease was lost (expired and possibly re-claimed); the
// caller must abort the job body.
func (m *Manager) Renew(ctx context.Context, jobName, holder string) (bool, error) {
	now := time.Now()
	res, err := renewScript.Run(ctx, m.client,
		[]string{m.expiryKey, m.metaKey(jobName)},
		jobName, holder, now.UnixMilli(), m.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", jobName, err)
	}
	return res == 1, nil
}

// Release drops the lease unconditionally. Called on graceful completion or
// failure; releasing an absent lease is a no-op.
func (m *Manager) Release(ctx context.Context, jobName string) error {
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, m.expiryKey, jobName)
	pipe.Del(ctx, m.metaKey(jobName))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release lease %s: %w", jobName, err)
	}
	return nil
}

// IsLive reports whether a lease on the job has an expiry after now.
func (m *Manager) IsLive(ctx context.Context, jobName string, now time.Time) (bool, error) {
	score, err := m.client.ZScore(ctx, m.expiryKey, jobName).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lease %s: %w", jobName, err)
	}
	return int64(score) > now.UnixMilli(), nil
}

// Sweep deletes every lease expired at or before now and returns the count.
// Scan and delete run in one script: a separate scan-then-delete would drop a
// lease re-acquired in the gap, letting a third worker claim a job whose new
// holder is still live. Eligibility already ignores dead leases, so this only
// keeps the lease keyspace from accumulating rows abandoned by crashed workers.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := sweepScript.Run(ctx, m.client,
		[]string{m.expiryKey},
		now.UnixMilli(), m.metaPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	return res, nil
}

// Holder returns the current holder of the job's lease, live or not, and
// whether any lease row exists. Operator tooling only.
func (m *Manager) Holder(ctx context.Context, jobName string) (string, bool, error) {
	holder, err := m.client.HGet(ctx, m.metaKey(jobName), "holder").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get lease holder %s: %w", jobName, err)
	}
	return holder, true, nil
}

var acquireScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) > tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
redis.call('HSET', KEYS[2], 'holder', ARGV[2], 'acquired_ms', ARGV[3])
return 1
`)

var sweepScript = redis.NewScript(`
local names = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, name in ipairs(names) do
  redis.call('ZREM', KEYS[1], name)
  redis.call('DEL', ARGV[2] .. name)
end
return #names
`)

var renewScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
  return 0
end
if redis.call('HGET', KEYS[2], 'holder') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
return 1
`)
