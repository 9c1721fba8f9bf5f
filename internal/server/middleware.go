package server

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 30
	DefaultRateWindow = 10 * time.Second
	DefaultBlockTTL   = 15 * time.Minute
)

// RateLimiter caps messages per connection with a sliding window, so one
// abusive client can't starve the rest of a session.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string][]time.Time
	mu          sync.Mutex
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
	}
}

// Allow reports whether the connection may send another message now, and
// records it if so.
func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	recent := r.requests[connectionID][:0]
	for _, ts := range r.requests[connectionID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= r.maxRequests {
		r.requests[connectionID] = recent
		return false
	}

	r.requests[connectionID] = append(recent, now)
	return true
}

// RemoveConnection drops tracking state when a websocket closes.
func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, connectionID)
}

// BlockList holds source addresses that exhausted their password retries.
// Entries expire after ttl; the list only slows brute forcing, it is not an
// authentication layer.
type BlockList struct {
	ttl     time.Duration
	entries map[string]time.Time
	mu      sync.Mutex
}

func NewBlockList(ttl time.Duration) *BlockList {
	return &BlockList{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

func (b *BlockList) Add(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[addr] = time.Now().Add(b.ttl)
}

func (b *BlockList) Blocked(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, exists := b.entries[addr]
	if !exists {
		return false
	}
	if time.Now().After(until) {
		delete(b.entries, addr)
		return false
	}
	return true
}
