package ratelimiter

import (
	"context"
	"testing"
	"time"
)

// TestRateLimiterBurst verifies that a bucket admits exactly its burst and
// then refuses until tokens accumulate again.
func TestRateLimiterBurst(t *testing.T) {
	tests := []struct {
		name  string
		rps   uint
		burst uint
		allow int
	}{
		{name: "burst equals rate", rps: 10, burst: 10, allow: 10},
		{name: "burst above rate", rps: 5, burst: 20, allow: 20},
		{name: "single token", rps: 1, burst: 1, allow: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.rps, tt.burst)
			for i := 0; i < tt.allow; i++ {
				if !l.Allow() {
					t.Fatalf("request %d should fit in the burst", i)
				}
			}
			if l.Allow() {
				t.Fatal("request past the burst should be refused")
			}
		})
	}
}

// TestRateLimiterZeroRate verifies that a zero rate never refuses.
func TestRateLimiterZeroRate(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 10000; i++ {
		if !l.Allow() {
			t.Fatalf("request %d refused by an unlimited bucket", i)
		}
	}
}

// TestRateLimiterRefill verifies that an empty bucket refills at the
// configured rate.
func TestRateLimiterRefill(t *testing.T) {
	l := New(100, 1)
	if !l.Allow() {
		t.Fatal("first request should pass")
	}
	if l.Allow() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(30 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("bucket should have refilled after 30ms at 100 req/s")
	}
}

// TestRateLimiterWait verifies that Wait paces callers and honours ctx.
func TestRateLimiterWait(t *testing.T) {
	l := New(50, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// Two refills at 50 req/s take about 40ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("three waits finished in %v, expected pacing", elapsed)
	}

	slow := New(1, 1)
	slow.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := slow.Wait(ctx); err == nil {
		t.Fatal("Wait should fail when ctx expires before a token arrives")
	}
}

// TestPeerLimiter verifies that peers get independent buckets.
func TestPeerLimiter(t *testing.T) {
	p := NewPeerLimiter(10, 2)

	for i := 0; i < 2; i++ {
		if !p.Allow("10.0.0.1") {
			t.Fatalf("request %d from first peer should be allowed", i)
		}
	}
	if p.Allow("10.0.0.1") {
		t.Fatal("first peer should be limited after its burst")
	}
	if !p.Allow("10.0.0.2") {
		t.Fatal("second peer has its own bucket")
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 tracked peers, got %d", p.Len())
	}

	time.Sleep(20 * time.Millisecond)
	if n := p.Prune(10 * time.Millisecond); n != 2 {
		t.Fatalf("expected 2 pruned peers, got %d", n)
	}
	if p.Len() != 0 {
		t.Fatalf("expected no tracked peers, got %d", p.Len())
	}
}

// TestPeerLimiterDefaultBurst verifies that a zero burst falls back to the
// rate.
func TestPeerLimiterDefaultBurst(t *testing.T) {
	p := NewPeerLimiter(3, 0)
	for i := 0; i < 3; i++ {
		if !p.Allow("peer") {
			t.Fatalf("request %d should fit in the default burst", i)
		}
	}
	if p.Allow("peer") {
		t.Fatal("fourth request should be refused")
	}
}

// TestPeerLimiterPruneKeepsActive verifies that recently seen peers survive
// a prune.
func TestPeerLimiterPruneKeepsActive(t *testing.T) {
	p := NewPeerLimiter(100, 100)
	p.Allow("old")
	time.Sleep(30 * time.Millisecond)
	p.Allow("new")

	if n := p.Prune(15 * time.Millisecond); n != 1 {
		t.Fatalf("expected 1 pruned peer, got %d", n)
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 tracked peer, got %d", p.Len())
	}
}

// TestPeerLimiterDisabled verifies that a zero rate keeps no state.
func TestPeerLimiterDisabled(t *testing.T) {
	p := NewPeerLimiter(0, 0)
	if p.Enabled() {
		t.Fatal("zero rate should disable limiting")
	}
	for i := 0; i < 100; i++ {
		if !p.Allow("10.0.0.1") {
			t.Fatal("disabled limiter should allow everything")
		}
	}
	if err := p.Wait(context.Background(), "10.0.0.1"); err != nil {
		t.Fatalf("Wait on disabled limiter: %v", err)
	}
	if p.Len() != 0 {
		t.Fatal("disabled limiter should not track peers")
	}

	var nilLimiter *PeerLimiter
	if nilLimiter.Enabled() || !nilLimiter.Allow("x") {
		t.Fatal("nil limiter should allow everything")
	}
	if nilLimiter.Prune(time.Second) != 0 || nilLimiter.Len() != 0 {
		t.Fatal("nil limiter should report no peers")
	}
}

func BenchmarkPeerLimiterAllow(b *testing.B) {
	p := NewPeerLimiter(1_000_000, 1_000_000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p.Allow("10.0.0.1")
		}
	})
}
