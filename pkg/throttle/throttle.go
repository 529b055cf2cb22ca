// Package throttle implements a token bucket filter with blocking
// backpressure.
//
// A Bucket gains Rate tokens per Interval, up to Max. Callers reserve their
// tokens on a golang.org/x/time/rate limiter, so reservations are handed
// out in call order and a caller that arrives later never overtakes one
// that is already waiting. Unlike internal/ratelimiter, which rejects work
// above the limit, Throttle makes callers wait for their turn.
package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the token generation period.
const DefaultInterval = 600 * time.Millisecond

// ErrStopped is returned to waiters when the bucket is stopped.
var ErrStopped = errors.New("throttle: bucket stopped")

// Options configures a Bucket.
type Options struct {
	// Rate is the number of tokens added per Interval. Zero disables
	// throttling entirely.
	Rate int64 `mapstructure:"rate"`

	// Max caps the bucket. Defaults to Rate.
	Max int64 `mapstructure:"max"`

	// Interval is the token generation period. Defaults to DefaultInterval.
	Interval time.Duration `mapstructure:"interval"`
}

// Bucket is a token bucket filter.
//
// Thread safety:
// All methods are safe for concurrent use.
type Bucket struct {
	max     int64
	limiter *rate.Limiter

	waiting atomic.Int32

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a bucket. The bucket starts full.
func New(opts Options) *Bucket {
	if opts.Max <= 0 {
		opts.Max = opts.Rate
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	b := &Bucket{
		max:  opts.Max,
		stop: make(chan struct{}),
	}
	if opts.Rate > 0 {
		perSecond := float64(opts.Rate) / opts.Interval.Seconds()
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), int(opts.Max))
	}
	return b
}

// Unlimited reports whether the bucket throttles nothing.
func (b *Bucket) Unlimited() bool {
	return b.limiter == nil
}

func (b *Bucket) stopped() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

// Throttle blocks until n tokens are granted or ctx is done.
//
// Callers are served in arrival order. A request for more than Max tokens
// is granted once the bucket is full and empties it.
//
// Returns:
//   - nil once the tokens are taken
//   - ctx.Err() if the context ended first (the reservation is returned)
//   - ErrStopped if the bucket was stopped
func (b *Bucket) Throttle(ctx context.Context, n int64) error {
	if b.limiter == nil || n <= 0 {
		return nil
	}
	if b.stopped() {
		return ErrStopped
	}
	if n > b.max {
		n = b.max
	}

	r := b.limiter.ReserveN(time.Now(), int(n))
	if !r.OK() {
		return ErrStopped
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	b.waiting.Add(1)
	defer b.waiting.Add(-1)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-b.stop:
		r.Cancel()
		return ErrStopped
	}
}

// TryThrottle takes n tokens without waiting. It reports whether they were
// taken. It fails while other callers are waiting.
func (b *Bucket) TryThrottle(n int64) bool {
	if b.limiter == nil || n <= 0 {
		return true
	}
	if b.stopped() || n > b.max {
		return false
	}
	return b.limiter.AllowN(time.Now(), int(n))
}

// Tokens returns the whole tokens currently available. Tokens promised to
// waiting callers are not available.
func (b *Bucket) Tokens() int64 {
	if b.limiter == nil {
		return 0
	}
	t := b.limiter.Tokens()
	if t < 0 {
		return 0
	}
	return int64(t)
}

// Waiting returns the number of callers blocked in Throttle.
func (b *Bucket) Waiting() int {
	return int(b.waiting.Load())
}

// Stop fails every waiting caller, and every later one, with ErrStopped.
func (b *Bucket) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}
