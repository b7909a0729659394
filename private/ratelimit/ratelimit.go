// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

// Package ratelimit implements a sliding-window request limiter keyed
// by client identity.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a Limiter.
type Config struct {
	MaxRequests int           `help:"maximum number of requests allowed per client inside the window" default:"30"`
	Window      time.Duration `help:"length of the sliding window" default:"60s"`
}

// Decision is the outcome of admitting one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter tracks request timestamps per client over a sliding window.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	clients map[string][]time.Time
	nowFn   func() time.Time
}

// NewLimiter creates a limiter with the given config.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		config:  config,
		clients: make(map[string][]time.Time),
		nowFn:   time.Now,
	}
}

// SetNow allows tests to have deterministic time.
func (limiter *Limiter) SetNow(nowFn func() time.Time) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	limiter.nowFn = nowFn
}

// Allow admits or rejects one request from key and reports the window
// state used for response headers.
func (limiter *Limiter) Allow(key string) Decision {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.nowFn()
	cutoff := now.Add(-limiter.config.Window)

	live := limiter.clients[key][:0]
	for _, at := range limiter.clients[key] {
		if at.After(cutoff) {
			live = append(live, at)
		}
	}

	decision := Decision{Limit: limiter.config.MaxRequests}

	if len(live) < limiter.config.MaxRequests {
		decision.Allowed = true
		live = append(live, now)
	}
	limiter.clients[key] = live

	decision.Remaining = limiter.config.MaxRequests - len(live)
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}

	if len(live) == 0 {
		decision.Reset = now.Add(limiter.config.Window)
	} else {
		decision.Reset = live[0].Add(limiter.config.Window)
	}
	if !decision.Allowed {
		decision.RetryAfter = decision.Reset.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}

	return decision
}

// Prune drops clients whose every recorded request has left the window.
func (limiter *Limiter) Prune() {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	cutoff := limiter.nowFn().Add(-limiter.config.Window)
	for key, requests := range limiter.clients {
		stale := true
		for _, at := range requests {
			if at.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(limiter.clients, key)
		}
	}
}
