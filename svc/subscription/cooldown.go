package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown throttles provider lookups during backfill-on-read. Allow returns
// true when a refresh for the key is permitted and immediately claims the
// window, so concurrent readers do not all hit the provider at once.
type Cooldown interface {
	Allow(ctx context.Context, key string) bool
}

// noCooldown never permits opportunistic refreshes; backfill then only runs
// when the record is actually missing date fields.
type noCooldown struct{}

func (noCooldown) Allow(context.Context, string) bool { return false }

const cooldownKeyPrefix = "billing:resync:"

type redisCooldown struct {
	client *redis.Client
	window time.Duration
}

// NewRedisCooldown returns a Cooldown backed by redis SET NX with a TTL.
// Fails closed: if redis is unreachable the refresh is skipped, leaving the
// stale-but-present local data to serve the read.
func NewRedisCooldown(client *redis.Client, window time.Duration) Cooldown {
	return &redisCooldown{client: client, window: window}
}

func (c *redisCooldown) Allow(ctx context.Context, key string) bool {
	ok, err := c.client.SetNX(ctx, cooldownKeyPrefix+key, 1, c.window).Result()
	return err == nil && ok
}

type memoryCooldown struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewMemoryCooldown returns an in-process Cooldown for tests and single-node
// deployments without redis.
func NewMemoryCooldown(window time.Duration) Cooldown {
	return &memoryCooldown{window: window, seen: make(map[string]time.Time)}
}

func (c *memoryCooldown) Allow(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if last, ok := c.seen[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.seen[key] = now
	return true
}
