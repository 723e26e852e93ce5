// Package kv wraps the shared Redis client with a circuit breaker. Workflow
// state, distributed locks, concurrency slots and backup hints all go through
// this store.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/circuitbreaker"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is a circuit-breaker protected Redis client.
type Store struct {
	client  *redis.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// Options for connecting to Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(opts Options, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{
		client:  client,
		breaker: circuitbreaker.New("redis", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		client:  client,
		breaker: circuitbreaker.New("redis", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Get returns the raw value at key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.breaker.Execute(ctx, func() error {
		b, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, s.infraErr("get", key, err)
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// Set writes value at key with a TTL. A zero TTL means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.breaker.Execute(ctx, func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return s.infraErr("set", key, err)
	}
	return nil
}

// SetNX writes value only if key does not exist. Returns true when the write
// happened.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.breaker.Execute(ctx, func() error {
		var err error
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	if err != nil {
		return false, s.infraErr("setnx", key, err)
	}
	return ok, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	err := s.breaker.Execute(ctx, func() error {
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return s.infraErr("del", fmt.Sprintf("%d keys", len(keys)), err)
	}
	return nil
}

// Eval runs a Lua script. All atomic read-modify-write sequences (locks,
// concurrency slots) go through here.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	var out interface{}
	err := s.breaker.Execute(ctx, func() error {
		var err error
		out, err = s.client.Eval(ctx, script, keys, args...).Result()
		return err
	})
	if err != nil {
		return nil, s.infraErr("eval", keys[0], err)
	}
	return out, nil
}

// Expire refreshes the TTL of key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := s.breaker.Execute(ctx, func() error {
		return s.client.Expire(ctx, key, ttl).Err()
	})
	if err != nil {
		return s.infraErr("expire", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.breaker.Execute(ctx, func() error {
		var err error
		n, err = s.client.Exists(ctx, key).Result()
		return err
	})
	if err != nil {
		return false, s.infraErr("exists", key, err)
	}
	return n > 0, nil
}

// Ping checks connectivity; used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.breaker.Execute(ctx, func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Open reports whether the breaker is currently rejecting calls.
func (s *Store) Open() bool {
	return s.breaker.State() == circuitbreaker.StateOpen
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) infraErr(op, key string, err error) error {
	return apperr.Wrap(apperr.KindInfrastructure, fmt.Sprintf("redis %s %s", op, key), err)
}
