// ==============================================================================
// REDIS INTEGRATION - pkg/cache/redis.go
// ==============================================================================
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("cache miss")

type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to Redis and verifies the connection with PING.
func NewRedisCache(ctx context.Context, url, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// NewFromClient wraps an existing client. Keys are namespaced with prefix.
func NewFromClient(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Client exposes the underlying client for pub/sub users.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.key(key), data, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), dest)
}

// SetNX stores value only if key is absent and reports whether it did.
func (c *RedisCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, c.key(key), data, expiration).Result()
}

// setIfNewer writes KEYS[1] and its version key KEYS[2] unless the stored
// version sorts after ARGV[2]. Versions are zero-padded so string order is
// numeric order.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and cur > ARGV[2] then
	return 0
end
local px = tonumber(ARGV[3])
if px > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', px)
	redis.call('SET', KEYS[2], ARGV[2], 'PX', px)
else
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// SetIfNewer stores value at key unless a value with a higher version is
// already stored. Equal versions overwrite. It reports whether it wrote.
func (c *RedisCache) SetIfNewer(ctx context.Context, key string, value interface{}, version int64, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	if version < 0 {
		version = 0
	}
	keys := []string{c.key(key), c.key(key + ":version")}
	n, err := setIfNewer.Run(ctx, c.client, keys, data, fmt.Sprintf("%020d", version), expiration.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, c.key(key)).Result()
	return result > 0, err
}

// AddMember adds member to the set at key.
func (c *RedisCache) AddMember(ctx context.Context, key, member string) error {
	return c.client.SAdd(ctx, c.key(key), member).Err()
}

// RemoveMember removes member from the set at key.
func (c *RedisCache) RemoveMember(ctx context.Context, key, member string) error {
	return c.client.SRem(ctx, c.key(key), member).Err()
}

// Members lists the set at key.
func (c *RedisCache) Members(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, c.key(key)).Result()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
