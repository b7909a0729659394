// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a redis-backed Store.
type Redis struct {
	db *redis.Client
}

// OpenRedis connects to redis, verifying the connection with a ping.
func OpenRedis(ctx context.Context, config Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return &Redis{db: client}, nil
}

// Get returns the cached value, ErrKeyNotFound on a miss.
func (cache *Redis) Get(ctx context.Context, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := cache.db.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		mon.Event("cache_miss")
		return nil, ErrKeyNotFound.New("%s", key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return value, nil
}

// Set stores the value for ttl.
func (cache *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(cache.db.Set(ctx, key, value, ttl).Err())
}

// Delete removes one key.
func (cache *Redis) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(cache.db.Del(ctx, key).Err())
}

// DeletePrefix removes every key with the given prefix.
func (cache *Redis) DeletePrefix(ctx context.Context, prefix string) (err error) {
	defer mon.Task()(&ctx)(&err)

	iter := cache.db.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := cache.db.Del(ctx, iter.Val()).Err(); err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(iter.Err())
}

// Ping verifies the connection.
func (cache *Redis) Ping(ctx context.Context) error {
	return Error.Wrap(cache.db.Ping(ctx).Err())
}

// Close releases the connection.
func (cache *Redis) Close() error {
	return Error.Wrap(cache.db.Close())
}
