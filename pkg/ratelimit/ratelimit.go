// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-session rate limiting using the token
// bucket algorithm.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request should be allowed.
// Returns true if allowed, false if rate limited.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N requests should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Limiter manages one token bucket per downstream session. Buckets live as
// long as the session does; the relay removes them on disconnect, so the map
// is bounded by the number of open connections.
type Limiter struct {
	mu         sync.RWMutex
	limiters   map[int64]*TokenBucket
	capacity   int64
	refillRate int64
}

// NewLimiter creates a rate limiter with per-session tracking.
func NewLimiter(capacity, refillRate int64) *Limiter {
	return &Limiter{
		limiters:   make(map[int64]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Allow checks if a request from the given session should be allowed.
func (l *Limiter) Allow(sessionID int64) bool {
	return l.AllowN(sessionID, 1)
}

// AllowN checks if N requests from the given session should be allowed.
func (l *Limiter) AllowN(sessionID int64, n int64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[sessionID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[sessionID]
		if !exists {
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.limiters[sessionID] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Remove drops a session's bucket. Called when the session closes.
func (l *Limiter) Remove(sessionID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, sessionID)
}

// Stats returns the number of tracked sessions.
func (l *Limiter) Stats() (sessions int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
