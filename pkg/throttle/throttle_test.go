package throttle

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestUnlimited(t *testing.T) {
	b := New(Options{Rate: 0})
	defer b.Stop()

	if !b.Unlimited() {
		t.Fatal("expected unlimited bucket")
	}
	for i := 0; i < 1000; i++ {
		if err := b.Throttle(context.Background(), 1<<20); err != nil {
			t.Fatalf("Throttle() = %v", err)
		}
	}
}

func TestImmediateGrant(t *testing.T) {
	b := New(Options{Rate: 10, Max: 10, Interval: time.Hour})
	defer b.Stop()

	if err := b.Throttle(context.Background(), 4); err != nil {
		t.Fatalf("Throttle() = %v", err)
	}
	if got := b.Tokens(); got != 6 {
		t.Errorf("Tokens() = %d, want 6", got)
	}
	if !b.TryThrottle(6) {
		t.Error("TryThrottle(6) should succeed")
	}
	if b.TryThrottle(1) {
		t.Error("TryThrottle(1) should fail on an empty bucket")
	}
}

// TestBackpressure checks that callers block until the replenisher grants
// tokens and that the observed throughput follows the rate.
func TestBackpressure(t *testing.T) {
	interval := 20 * time.Millisecond
	b := New(Options{Rate: 1, Max: 1, Interval: interval})
	defer b.Stop()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := b.Throttle(ctx, 1); err != nil {
			t.Fatalf("Throttle() = %v", err)
		}
	}
	elapsed := time.Since(start)

	// First token is available immediately, the other five need one
	// interval each.
	if elapsed < 4*interval {
		t.Errorf("6 tokens took %v, expected at least %v", elapsed, 4*interval)
	}
	if elapsed > 40*interval {
		t.Errorf("6 tokens took %v, throttle too slow", elapsed)
	}
}

func TestFIFOOrder(t *testing.T) {
	b := New(Options{Rate: 1, Max: 1, Interval: 50 * time.Millisecond})
	defer b.Stop()

	if !b.TryThrottle(1) {
		t.Fatal("bucket should start full")
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := b.Throttle(context.Background(), 1); err != nil {
				t.Errorf("Throttle() = %v", err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// Make arrival order deterministic.
		for b.Waiting() != i+1 {
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("grant order = %v, want FIFO", order)
		}
	}
}

func TestOversizedRequest(t *testing.T) {
	b := New(Options{Rate: 2, Max: 4, Interval: 5 * time.Millisecond})
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.Throttle(ctx, 100); err != nil {
		t.Fatalf("Throttle(100) = %v", err)
	}
	if got := b.Tokens(); got != 0 {
		t.Errorf("Tokens() = %d, want 0 after oversized grant", got)
	}
}

func TestContextCancel(t *testing.T) {
	b := New(Options{Rate: 1, Max: 1, Interval: time.Hour})
	defer b.Stop()
	b.TryThrottle(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Throttle(ctx, 1); err != context.DeadlineExceeded {
		t.Fatalf("Throttle() = %v, want DeadlineExceeded", err)
	}
	if b.Waiting() != 0 {
		t.Error("cancelled waiter still queued")
	}
}

func TestStopReleasesWaiters(t *testing.T) {
	b := New(Options{Rate: 1, Max: 1, Interval: time.Hour})
	b.TryThrottle(1)

	errc := make(chan error, 1)
	go func() { errc <- b.Throttle(context.Background(), 1) }()
	for b.Waiting() == 0 {
		time.Sleep(time.Millisecond)
	}

	b.Stop()
	select {
	case err := <-errc:
		if err != ErrStopped {
			t.Fatalf("Throttle() = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Stop")
	}

	if err := b.Throttle(context.Background(), 1); err != ErrStopped {
		t.Errorf("Throttle() after Stop = %v, want ErrStopped", err)
	}
}

// TestCancelledWaiterReturnsTokens checks that a caller giving up does not
// keep the tokens it reserved.
func TestCancelledWaiterReturnsTokens(t *testing.T) {
	interval := 200 * time.Millisecond
	b := New(Options{Rate: 1, Max: 1, Interval: interval})
	defer b.Stop()
	if !b.TryThrottle(1) {
		t.Fatal("bucket should start full")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Throttle(ctx, 1); err != context.DeadlineExceeded {
		t.Fatalf("Throttle() = %v, want DeadlineExceeded", err)
	}

	// Without the cancelled reservation the next token is one interval
	// after the first grant, not two.
	start := time.Now()
	if err := b.Throttle(context.Background(), 1); err != nil {
		t.Fatalf("Throttle() = %v", err)
	}
	if elapsed := time.Since(start); elapsed > interval+interval/2 {
		t.Errorf("second token took %v, cancelled reservation was kept", elapsed)
	}
}
