// Package iobuf provides reference counted I/O pages grouped into arenas by
// page size.
//
// A buffer taken from the pool starts with one reference. Every holder that
// keeps the page beyond the current call takes its own reference with Ref
// and drops it with Unref. When the last reference is dropped the page goes
// back to the passive list of its arena and is handed out again by a later
// Get. Buffers larger than the biggest arena are standalone: they are
// allocated on demand and left to the garbage collector when released.
package iobuf

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultPageSize is the size of the smallest arena.
	DefaultPageSize = 128 << 10

	// DefaultMaxPageSize is the size of the largest arena.
	DefaultMaxPageSize = 1 << 20

	// DefaultMaxStandalone bounds a single standalone allocation.
	DefaultMaxStandalone = 64 << 20
)

var (
	// ErrTooLarge is returned when a request exceeds MaxStandalone.
	ErrTooLarge = errors.New("iobuf: requested size too large")

	// ErrInvalidSize is returned for negative sizes.
	ErrInvalidSize = errors.New("iobuf: invalid size")
)

// Options configures a Pool. Zero values select the defaults.
type Options struct {
	// PageSize is the smallest arena page size. Rounded up to a power of two.
	PageSize int

	// MaxPageSize is the largest arena page size. Arenas exist for every
	// power of two between PageSize and MaxPageSize.
	MaxPageSize int

	// MaxStandalone bounds allocations beyond MaxPageSize.
	MaxStandalone int

	// Preallocate is the number of pages created up front in the smallest arena.
	Preallocate int
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	o.PageSize = roundPow2(o.PageSize)
	if o.MaxPageSize < o.PageSize {
		o.MaxPageSize = DefaultMaxPageSize
	}
	if o.MaxPageSize < o.PageSize {
		o.MaxPageSize = o.PageSize
	}
	o.MaxPageSize = roundPow2(o.MaxPageSize)
	if o.MaxStandalone <= 0 {
		o.MaxStandalone = DefaultMaxStandalone
	}
}

// Pool hands out IOBufs. It is safe for concurrent use; every arena has
// its own lock.
type Pool struct {
	opts       Options
	arenas     []*arena
	standalone atomic.Int64
}

// arena holds pages of one size. Pages are on exactly one of the two
// lists: passive (free) or active (handed out).
type arena struct {
	pageSize  int
	mu        sync.Mutex
	passive   []*IOBuf
	active    *list.List
	allocated int
}

// NewPool creates a pool with one arena per power-of-two page size between
// opts.PageSize and opts.MaxPageSize.
func NewPool(opts Options) *Pool {
	opts.applyDefaults()

	p := &Pool{opts: opts}
	for size := opts.PageSize; size <= opts.MaxPageSize; size <<= 1 {
		p.arenas = append(p.arenas, &arena{pageSize: size, active: list.New()})
	}

	if opts.Preallocate > 0 {
		a := p.arenas[0]
		for i := 0; i < opts.Preallocate; i++ {
			a.passive = append(a.passive, a.newBuf())
		}
	}
	return p
}

// PageSize returns the default page size.
func (p *Pool) PageSize() int {
	return p.opts.PageSize
}

// GetPage returns a buffer of the default page size.
func (p *Pool) GetPage() (*IOBuf, error) {
	return p.Get(p.opts.PageSize)
}

// Get returns a buffer of at least size bytes with a reference count of 1.
//
// The size is rounded up to the smallest arena that fits. Requests beyond
// the largest arena are served as standalone buffers, up to MaxStandalone.
func (p *Pool) Get(size int) (*IOBuf, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		size = p.opts.PageSize
	}

	for _, a := range p.arenas {
		if size <= a.pageSize {
			return a.get(), nil
		}
	}

	if size > p.opts.MaxStandalone {
		return nil, fmt.Errorf("%d bytes (limit %d): %w", size, p.opts.MaxStandalone, ErrTooLarge)
	}

	b := &IOBuf{data: make([]byte, size)}
	b.ref.Store(1)
	p.standalone.Add(1)
	b.pool = p
	return b, nil
}

func (a *arena) newBuf() *IOBuf {
	a.allocated++
	return &IOBuf{arena: a, data: make([]byte, a.pageSize)}
}

func (a *arena) get() *IOBuf {
	a.mu.Lock()
	var b *IOBuf
	if n := len(a.passive); n > 0 {
		b = a.passive[n-1]
		a.passive[n-1] = nil
		a.passive = a.passive[:n-1]
	} else {
		b = a.newBuf()
	}
	b.elem = a.active.PushBack(b)
	a.mu.Unlock()

	b.ref.Store(1)
	return b
}

func (a *arena) put(b *IOBuf) {
	a.mu.Lock()
	if b.elem != nil {
		a.active.Remove(b.elem)
		b.elem = nil
	}
	a.passive = append(a.passive, b)
	a.mu.Unlock()
}

// ArenaStats reports the occupancy of one arena.
type ArenaStats struct {
	PageSize  int
	Active    int
	Passive   int
	Allocated int
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Arenas     []ArenaStats
	Standalone int64
}

// Active returns the number of pages handed out across all arenas.
func (s Stats) Active() int {
	n := 0
	for _, a := range s.Arenas {
		n += a.Active
	}
	return n
}

// Stats returns a snapshot of every arena.
func (p *Pool) Stats() Stats {
	st := Stats{Standalone: p.standalone.Load()}
	for _, a := range p.arenas {
		a.mu.Lock()
		st.Arenas = append(st.Arenas, ArenaStats{
			PageSize:  a.pageSize,
			Active:    a.active.Len(),
			Passive:   len(a.passive),
			Allocated: a.allocated,
		})
		a.mu.Unlock()
	}
	return st
}

// IOBuf is a reference counted page.
type IOBuf struct {
	arena *arena
	pool  *Pool // standalone only
	data  []byte
	ref   atomic.Int32
	elem  *list.Element
}

// Bytes returns the whole page.
func (b *IOBuf) Bytes() []byte {
	return b.data
}

// Size returns the page size.
func (b *IOBuf) Size() int {
	return len(b.data)
}

// Standalone reports whether the buffer lives outside the arenas.
func (b *IOBuf) Standalone() bool {
	return b.arena == nil
}

// Refs returns the current reference count.
func (b *IOBuf) Refs() int32 {
	return b.ref.Load()
}

// Ref takes an additional reference and returns b.
func (b *IOBuf) Ref() *IOBuf {
	if b.ref.Add(1) <= 1 {
		panic("iobuf: ref on released buffer")
	}
	return b
}

// Unref drops a reference. The final Unref returns the page to its arena.
// Dropping more references than were taken panics.
func (b *IOBuf) Unref() {
	n := b.ref.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("iobuf: reference count underflow")
	}

	if b.arena != nil {
		b.arena.put(b)
		return
	}
	if b.pool != nil {
		b.pool.standalone.Add(-1)
		b.pool = nil
	}
}

func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
