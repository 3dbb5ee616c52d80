package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/synqronlabs/mailverdict/log"
)

const redisOpTimeout = 2 * time.Second

// RedisConfig holds the connection settings of the shared cache.
type RedisConfig struct {
	Address            string        `yaml:"address"`
	Username           string        `yaml:"username" default:""`
	Password           string        `yaml:"password" default:""`
	Database           int           `yaml:"database" default:"0"`
	ConnectionAttempts int           `yaml:"connectionAttempts" default:"3"`
	ConnectionCooldown time.Duration `yaml:"connectionCooldown" default:"1s"`
}

// IsEnabled implements `config.Configurable`.
func (c *RedisConfig) IsEnabled() bool {
	return c.Address != ""
}

// NewRedisClient connects to redis and verifies the connection with PING,
// retrying up to ConnectionAttempts times.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	attempts := cfg.ConnectionAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return rdb, nil
		}

		if attempt < attempts {
			select {
			case <-time.After(cfg.ConnectionCooldown):
			case <-ctx.Done():
				_ = rdb.Close()

				return nil, ctx.Err()
			}
		}
	}

	_ = rdb.Close()

	return nil, fmt.Errorf("can't connect to redis at %s: %w", cfg.Address, err)
}

// RedisCache stores opaque byte values in redis under "<name>:<key>".
// Errors are logged and reported as cache misses.
type RedisCache struct {
	rdb  *redis.Client
	name string
}

var _ ExpiringCache[[]byte] = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, name string) *RedisCache {
	return &RedisCache{
		rdb:  rdb,
		name: name,
	}
}

func (r *RedisCache) key(key string) string {
	return r.name + ":" + key
}

func (r *RedisCache) Put(key string, val *[]byte, expiration time.Duration) {
	if val == nil || expiration <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.rdb.Set(ctx, r.key(key), *val, expiration).Err(); err != nil {
		log.PrefixedLog("redis").Warnf("can't store %s: %v", log.EscapeInput(key), err)
	}
}

func (r *RedisCache) Get(key string) (val *[]byte, expiration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	b, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0
	}

	if err != nil {
		log.PrefixedLog("redis").Warnf("can't read %s: %v", log.EscapeInput(key), err)

		return nil, 0
	}

	ttl := r.rdb.TTL(ctx, r.key(key)).Val()
	if ttl <= 0 {
		return nil, 0
	}

	return &b, ttl
}

func (r *RedisCache) TotalCount() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	keys, err := r.rdb.Keys(ctx, r.name+":*").Result()
	if err != nil {
		return 0
	}

	return len(keys)
}

func (r *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	iter := r.rdb.Scan(ctx, 0, r.name+":*", 0).Iterator()
	for iter.Next(ctx) {
		r.rdb.Del(ctx, iter.Val())
	}
}
