package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Gate throttles a named operation: TryAcquire returns true at most once per
// ttl for a given key. It backs the per-session election throttle.
type Gate interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryGate is a per-process gate. Sufficient for single-instance
// deployments; multiple coordinator processes each carry their own window.
type MemoryGate struct {
	clock clockwork.Clock

	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryGate creates an in-process gate.
func NewMemoryGate(clock clockwork.Clock) *MemoryGate {
	return &MemoryGate{clock: clock, last: make(map[string]time.Time)}
}

// TryAcquire implements Gate.
func (g *MemoryGate) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.last[key]; ok && now.Sub(at) < ttl {
		return false, nil
	}
	g.last[key] = now
	return true, nil
}

// RedisGate shares the cooldown window across coordinator instances using
// SET NX with a TTL: whichever instance wins the key owns the window.
type RedisGate struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig configures the shared gate.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisGate connects to Redis and verifies the connection.
func NewRedisGate(cfg RedisConfig, logger zerolog.Logger) (*RedisGate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	logger.Info().Str("redis_addr", cfg.Addr).Msg("connected to Redis for shared cooldowns")

	return &RedisGate{
		client: client,
		logger: logger.With().Str("component", "cooldown").Logger(),
	}, nil
}

// TryAcquire implements Gate.
func (g *RedisGate) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set cooldown key: %w", err)
	}
	return ok, nil
}

// Close releases the Redis connection.
func (g *RedisGate) Close() error {
	return g.client.Close()
}
