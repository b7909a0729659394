// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package cache provides the coordinator's hot read cache for peer
// status and search responses. Failures degrade to direct reads.
package cache

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default cache errs class.
	Error = errs.Class("cache")
	// ErrKeyNotFound is returned on a cache miss.
	ErrKeyNotFound = errs.Class("key not found")
)

// Config configures the hot cache.
type Config struct {
	Address   string        `help:"redis address of the hot cache, empty runs an in-process cache" default:""`
	Password  string        `help:"redis password" default:""`
	DB        int           `help:"redis database number" default:"0"`
	StatusTTL time.Duration `help:"lifetime of cached peer status responses" default:"5m"`
	SearchTTL time.Duration `help:"lifetime of cached search responses" default:"1m"`
}

// Store is a byte-value cache with TTLs and prefix invalidation.
type Store interface {
	// Get returns the cached value, ErrKeyNotFound on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores the value for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes one key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend connection.
	Close() error
}

// Open returns a redis-backed store when an address is configured and
// an in-process store otherwise.
func Open(ctx context.Context, config Config) (Store, error) {
	if config.Address == "" {
		return NewMemory(1000), nil
	}
	return OpenRedis(ctx, config)
}
