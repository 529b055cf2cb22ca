package mempool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
)

// DefaultSweepInterval is the period between sweeps.
const DefaultSweepInterval = 30 * time.Second

// Sweeper owns a set of arenas and periodically trims their free lists.
type Sweeper struct {
	interval time.Duration

	mu     sync.Mutex
	arenas map[*Arena]struct{}
	nextID int

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper. Call Start to run it in the background or
// SweepOnce to drive it manually.
func NewSweeper(interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		interval: interval,
		arenas:   make(map[*Arena]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewArena creates an arena tracked by this sweeper.
func (s *Sweeper) NewArena() *Arena {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a := newArena(s.nextID)
	s.arenas[a] = struct{}{}
	return a
}

// Arenas returns the number of tracked arenas.
func (s *Sweeper) Arenas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.arenas)
}

// SweepOnce runs a single pass and returns the number of objects released.
func (s *Sweeper) SweepOnce() int {
	s.mu.Lock()
	arenas := make([]*Arena, 0, len(s.arenas))
	for a := range s.arenas {
		arenas = append(arenas, a)
	}
	s.mu.Unlock()

	released := 0
	for _, a := range arenas {
		released += a.sweep()
		if a.Retired() {
			s.mu.Lock()
			delete(s.arenas, a)
			s.mu.Unlock()
			logger.Debug("mempool: dropped retired arena %d", a.id)
		}
	}
	return released
}

// Start runs the sweeper until Stop is called.
func (s *Sweeper) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.SweepOnce(); n > 0 {
					logger.Debug("mempool: sweep released %d object(s)", n)
				}
			}
		}
	}()
}

// Stop halts a started sweeper and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}
