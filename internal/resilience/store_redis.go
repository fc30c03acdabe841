package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a durable cache tier backed by Redis. Keys are namespaced
// so a shared instance can serve multiple deployments.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to Redis at addr ("host:port") and verifies
// connectivity before returning.
func NewRedisStore(ctx context.Context, addr, namespace string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: connect %s: %w", addr, err)
	}
	if namespace == "" {
		namespace = "hbcache"
	}
	return &RedisStore{client: client, namespace: namespace}, nil
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

// Get retrieves the value for a key. A missing key is (nil, false, nil).
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, NewError(KindCacheBackend, fmt.Sprintf("redis get %q", key), err)
	}
	return val, true, nil
}

// Set stores a value with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return NewError(KindCacheBackend, fmt.Sprintf("redis set %q", key), err)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return NewError(KindCacheBackend, fmt.Sprintf("redis del %q", key), err)
	}
	return nil
}

// DeletePrefix removes every key with the given prefix via SCAN to avoid
// blocking the server on large keyspaces.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return NewError(KindCacheBackend, fmt.Sprintf("redis prefix del %q", prefix), err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return NewError(KindCacheBackend, fmt.Sprintf("redis scan %q", prefix), err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return NewError(KindCacheBackend, fmt.Sprintf("redis prefix del %q", prefix), err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
