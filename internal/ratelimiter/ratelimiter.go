// Package ratelimiter limits the rate of RPC requests accepted from each
// peer.
//
// A RateLimiter is a single token bucket built on golang.org/x/time/rate.
// PeerLimiter keeps one RateLimiter per peer address, created on first use
// and pruned once the peer has been idle long enough.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket: tokens are added at requestsPerSecond and
// the bucket holds at most burst of them. Each request consumes one.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter.
//
// Special cases:
//   - requestsPerSecond = 0: No rate limiting (unlimited)
//   - burst = 0: No burst allowed (only sustained rate)
//
// Example:
//
//	// Allow 1000 req/s sustained, 2000 req/s burst
//	limiter := New(1000, 2000)
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available and reports whether it did.
// It never waits.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// PeerLimiter holds one RateLimiter per peer.
//
// Thread safety:
// All methods are safe for concurrent use.
type PeerLimiter struct {
	rps   uint
	burst uint

	mu    sync.Mutex
	peers map[string]*peerEntry
}

type peerEntry struct {
	limiter  *RateLimiter
	lastSeen time.Time
}

// NewPeerLimiter creates a limiter giving every peer requestsPerSecond and
// burst. A zero rate disables limiting and no per-peer state is kept.
func NewPeerLimiter(requestsPerSecond, burst uint) *PeerLimiter {
	if burst == 0 {
		burst = requestsPerSecond
	}
	return &PeerLimiter{
		rps:   requestsPerSecond,
		burst: burst,
		peers: make(map[string]*peerEntry),
	}
}

// Enabled reports whether requests are limited at all.
func (p *PeerLimiter) Enabled() bool {
	return p != nil && p.rps > 0
}

func (p *PeerLimiter) get(peer string) *RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.peers[peer]
	if e == nil {
		e = &peerEntry{limiter: New(p.rps, p.burst)}
		p.peers[peer] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow consumes a token from peer's bucket.
func (p *PeerLimiter) Allow(peer string) bool {
	if !p.Enabled() {
		return true
	}
	return p.get(peer).Allow()
}

// Wait blocks until peer's bucket has a token or ctx is done.
func (p *PeerLimiter) Wait(ctx context.Context, peer string) error {
	if !p.Enabled() {
		return nil
	}
	return p.get(peer).Wait(ctx)
}

// Prune forgets peers not seen for idle and returns how many were dropped.
func (p *PeerLimiter) Prune(idle time.Duration) int {
	if p == nil {
		return 0
	}
	cutoff := time.Now().Add(-idle)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for peer, e := range p.peers {
		if e.lastSeen.Before(cutoff) {
			delete(p.peers, peer)
			n++
		}
	}
	return n
}

// Len returns the number of tracked peers.
func (p *PeerLimiter) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}
