// Package db owns the redis connection shared by the queue adapter and
// the health probe. Dialing, pooling, and liveness checks live here so
// the queue code stays protocol-only.
package db

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"runbox/internal/logging"
)

// Pool tuning that is not worth an env knob.
const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
	poolTimeout  = 4 * time.Second
	idleTimeout  = 5 * time.Minute

	pingInterval = 30 * time.Second
	pingTimeout  = 5 * time.Second
)

// Config selects the broker to dial. URL wins over Addr when both are
// set and accepts redis:// and rediss:// forms.
type Config struct {
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// ConfigFromEnv assembles a Config from REDIS_URL, or REDIS_HOST /
// REDIS_PORT / REDIS_PASSWORD / REDIS_DB, plus the pool sizing vars
// REDIS_POOL_SIZE and REDIS_MIN_IDLE_CONNS.
func ConfigFromEnv() *Config {
	return &Config{
		URL:          os.Getenv("REDIS_URL"),
		Addr:         net.JoinHostPort(envStr("REDIS_HOST", "localhost"), envStr("REDIS_PORT", "6379")),
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           envInt("REDIS_DB", 0),
		PoolSize:     envInt("REDIS_POOL_SIZE", 20),
		MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 4),
	}
}

// options translates the Config into go-redis client options.
func (c *Config) options() (*redis.Options, error) {
	var opts *redis.Options

	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
		}
	}

	opts.PoolSize = c.PoolSize
	opts.MinIdleConns = c.MinIdleConns
	opts.PoolTimeout = poolTimeout
	opts.IdleTimeout = idleTimeout
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	return opts, nil
}

// RedisClient wraps the go-redis client with a background liveness loop
// and the handful of commands the job queue performs.
type RedisClient struct {
	client redis.UniversalClient
	stop   chan struct{}
}

// NewRedisClient dials redis and verifies the connection with a ping.
// A nil cfg falls back to the environment.
func NewRedisClient(cfg *Config) (*RedisClient, error) {
	if cfg == nil {
		cfg = ConfigFromEnv()
	}

	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	c := &RedisClient{
		client: redis.NewClient(opts),
		stop:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	go c.pingLoop()

	logging.S().Infow("Redis client connected", "addr", opts.Addr, "db", opts.DB)
	return c, nil
}

// pingLoop surfaces pool breakage in the logs before a job trips over it.
func (c *RedisClient) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			if err := c.client.Ping(ctx).Err(); err != nil {
				logging.S().Warnw("Redis health check failed", "error", err)
			}
			cancel()
		case <-c.stop:
			return
		}
	}
}

// Ping checks broker liveness on behalf of the health endpoint.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close stops the liveness loop and releases the pool.
func (c *RedisClient) Close() error {
	close(c.stop)
	return c.client.Close()
}

// Command wrappers. Keeping these on the client (rather than exposing
// the raw go-redis handle) pins down exactly which primitives the queue
// is built on.

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Hashes hold job records.

func (c *RedisClient) HSet(ctx context.Context, key string, values ...interface{}) error {
	return c.client.HSet(ctx, key, values...).Err()
}

func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

func (c *RedisClient) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.client.HIncrBy(ctx, key, field, incr).Result()
}

// Lists hold the waiting and active queues.

func (c *RedisClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.client.LPush(ctx, key, values...).Err()
}

// BRPopLPush blocks up to timeout waiting to move the tail of source
// onto destination. An idle timeout comes back as redis.Nil.
func (c *RedisClient) BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) (string, error) {
	return c.client.BRPopLPush(ctx, source, destination, timeout).Result()
}

func (c *RedisClient) LRem(ctx context.Context, key string, count int64, value interface{}) error {
	return c.client.LRem(ctx, key, count, value).Err()
}

func (c *RedisClient) LLen(ctx context.Context, key string) (int64, error) {
	return c.client.LLen(ctx, key).Result()
}

func (c *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.LRange(ctx, key, start, stop).Result()
}

// The delayed queue is a sorted set scored by promotion time.

func (c *RedisClient) ZAdd(ctx context.Context, key string, members ...*redis.Z) error {
	return c.client.ZAdd(ctx, key, members...).Err()
}

func (c *RedisClient) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error) {
	return c.client.ZRangeByScore(ctx, key, opt).Result()
}

func (c *RedisClient) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return c.client.ZRem(ctx, key, members...).Err()
}

func (c *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return c.client.ZCard(ctx, key).Result()
}

// TxPipeline opens a MULTI/EXEC pipeline for multi-key updates.
func (c *RedisClient) TxPipeline() redis.Pipeliner {
	return c.client.TxPipeline()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
