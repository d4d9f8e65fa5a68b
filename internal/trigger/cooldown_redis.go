package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared cooldown store.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0,max=15"`
	PoolSize int    `yaml:"pool_size" validate:"min=0"`
}

// RedisCooldown coordinates trigger cooldowns across processes using
// SET NX with a TTL equal to the cooldown window. The key only exists
// while the trigger is cooling down, so a successful SET NX means the
// trigger may fire.
type RedisCooldown struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCooldown creates a Redis-backed cooldown store and verifies
// connectivity.
func NewRedisCooldown(cfg RedisConfig) (*RedisCooldown, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCooldown{client: client, keyPrefix: "sentinel:cooldown:"}, nil
}

func (r *RedisCooldown) ShouldFire(ctx context.Context, key string, cooldown time.Duration, now time.Time) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}

	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, now.Unix(), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown check failed: %w", err)
	}
	return ok, nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisCooldown) Close() error {
	return r.client.Close()
}
