package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	logx "livecast/pkg/logx"
)

// RedisStore keeps the slot as a single JSON string under one key.
type RedisStore struct {
	client *redis.Client
	key    string
	log    logx.Logger

	closed atomic.Bool
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg RedisConfig, log logx.Logger) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(client, cfg.Key, log), nil
}

// NewRedisStore wraps an existing client. An empty key uses DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string, log logx.Logger) *RedisStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultRedisKey
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisStore{client: client, key: key, log: log}
}

func (s *RedisStore) Key() string { return s.key }

func (s *RedisStore) Save(ctx context.Context, r Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, b, 0).Err()
}

func (s *RedisStore) Load(ctx context.Context) (Record, bool, error) {
	if s.closed.Load() {
		return Record{}, false, ErrClosed
	}
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return decodeRecord(b)
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.client.Del(ctx, s.key).Err()
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
