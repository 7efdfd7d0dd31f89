package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"atp/internal/atperr"
	"atp/internal/logging"
)

// RedisStore is the canonical cross-instance backend. Reads that fail are
// reported as misses so a flapping Redis degrades replay instead of failing
// requests; writes are retried briefly and then logged.
type RedisStore struct {
	client *redis.Client
	logger logging.Logger
	retry  atperr.RetryConfig
}

// RedisConfig carries connection settings for the remote backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{
		client: client,
		logger: logging.NewComponentLogger("RedisCache"),
		retry:  atperr.DefaultRetryConfig(),
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.logger.Warn("redis get %s failed, treating as miss: %v", key, err)
		return nil, nil
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	err := atperr.Retry(ctx, s.retry, s.logger, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		s.logger.Error("redis set %s failed: %v", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("redis del %s failed: %v", key, err)
	}
	return nil
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Warn("redis mget failed, treating as misses: %v", err)
		return make([][]byte, len(keys)), nil
	}
	out := make([][]byte, len(keys))
	for i, value := range values {
		switch v := value.(type) {
		case string:
			out[i] = []byte(v)
		case []byte:
			out[i] = v
		}
	}
	return out, nil
}

func (s *RedisStore) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	// MSET has no TTL form, so pipeline individual SETs.
	pipe := s.client.Pipeline()
	for key, value := range entries {
		pipe.Set(ctx, key, value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("redis mset pipeline failed: %v", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 256 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				s.logger.Warn("redis clear batch failed: %v", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("redis scan failed during clear: %v", err)
		return nil
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			s.logger.Warn("redis clear batch failed: %v", err)
		}
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
