package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "portal:"

// NewRedisClient parses a redis:// URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisStore keeps each namespace in one hash so it can be dropped with a
// single DEL. The hash expires ttl after its most recent write.
type RedisStore struct {
	rdb goredis.UniversalClient
}

func NewRedisStore(rdb goredis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func namespaceKey(namespace string) string {
	return keyPrefix + "ns:" + namespace
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	val, err := s.rdb.HGet(ctx, namespaceKey(namespace), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	nk := namespaceKey(namespace)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, nk, key, value)
		p.Expire(ctx, nk, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := s.rdb.Del(ctx, namespaceKey(namespace)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
