// Package mempool provides typed object pools with per-worker arenas.
//
// Every pooled object embeds a Header. The header carries a magic value
// that flips between live and free as the object moves in and out of the
// pool, so a double put or a put of a foreign object is caught at once and
// treated as fatal.
//
// Objects are cached on the Arena of the worker that allocated them. An
// arena keeps a hot and a cold free list per pool; the Sweeper moves hot to
// cold and frees cold on every pass, which bounds memory held by idle
// workers. Retired arenas are emptied and forgotten by the next sweep.
package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	liveMagic uint32 = 0xcafebabe
	freeMagic uint32 = 0xdeadc0de
)

// Header is embedded in every pooled object.
type Header struct {
	magic uint32
	arena *Arena
	pool  uint64
}

func (h *Header) header() *Header { return h }

// Pooled is satisfied by any type embedding Header.
type Pooled interface {
	header() *Header
}

var poolIDs atomic.Uint64

// Pool is a typed object pool. P is the pointer type of T and must embed
// Header.
type Pool[T any, P interface {
	*T
	Pooled
}] struct {
	name  string
	id    uint64
	reset func(P)

	inUse     atomic.Int64
	allocated atomic.Int64
	freed     atomic.Int64
	hits      atomic.Int64
}

// New creates a pool. reset, if non-nil, clears an object when it is put
// back so no state leaks to the next user.
func New[T any, P interface {
	*T
	Pooled
}](name string, reset func(P)) *Pool[T, P] {
	return &Pool[T, P]{name: name, id: poolIDs.Add(1), reset: reset}
}

// Name returns the pool name.
func (p *Pool[T, P]) Name() string {
	return p.name
}

// Get returns an object from a's free lists, allocating if they are empty.
// A nil arena always allocates.
func (p *Pool[T, P]) Get(a *Arena) P {
	var obj P
	if a != nil {
		if v := a.pop(p.id); v != nil {
			obj = v.(P)
			p.hits.Add(1)
		}
	}
	if obj == nil {
		obj = P(new(T))
		p.allocated.Add(1)
	}

	h := obj.header()
	if h.magic == liveMagic {
		panic(fmt.Sprintf("mempool %s: object handed out twice", p.name))
	}
	h.magic = liveMagic
	h.arena = a
	h.pool = p.id
	p.inUse.Add(1)
	return obj
}

// Put returns obj to the arena it was taken from. Putting an object that is
// not live, or that belongs to another pool, panics.
func (p *Pool[T, P]) Put(obj P) {
	h := obj.header()
	if h.magic != liveMagic {
		panic(fmt.Sprintf("mempool %s: bad magic 0x%x on put", p.name, h.magic))
	}
	if h.pool != p.id {
		panic(fmt.Sprintf("mempool %s: object belongs to another pool", p.name))
	}

	a := h.arena
	if p.reset != nil {
		p.reset(obj)
	}
	h.magic = freeMagic
	h.arena = nil
	p.inUse.Add(-1)

	if a == nil || !a.push(p.id, obj) {
		p.freed.Add(1)
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name      string
	InUse     int64
	Allocated int64
	Freed     int64
	Hits      int64
}

// Stats returns the pool counters.
func (p *Pool[T, P]) Stats() Stats {
	return Stats{
		Name:      p.name,
		InUse:     p.inUse.Load(),
		Allocated: p.allocated.Load(),
		Freed:     p.freed.Load(),
		Hits:      p.hits.Load(),
	}
}

// IsLive reports whether obj is currently handed out.
func IsLive(obj Pooled) bool {
	return obj.header().magic == liveMagic
}

// Arena is a per-worker set of free lists.
type Arena struct {
	id      int
	mu      sync.Mutex
	hot     map[uint64][]any
	cold    map[uint64][]any
	retired atomic.Bool
}

func newArena(id int) *Arena {
	return &Arena{id: id, hot: make(map[uint64][]any), cold: make(map[uint64][]any)}
}

// ID returns the arena id assigned by its sweeper.
func (a *Arena) ID() int {
	return a.id
}

// Retire marks the arena dead. Objects put back afterwards are dropped and
// the free lists are released by the next sweep.
func (a *Arena) Retire() {
	a.retired.Store(true)
}

// Retired reports whether Retire was called.
func (a *Arena) Retired() bool {
	return a.retired.Load()
}

// Cached returns the number of free objects held for all pools.
func (a *Arena) Cached() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, l := range a.hot {
		n += len(l)
	}
	for _, l := range a.cold {
		n += len(l)
	}
	return n
}

func (a *Arena) pop(pool uint64) any {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, m := range []map[uint64][]any{a.hot, a.cold} {
		if l := m[pool]; len(l) > 0 {
			v := l[len(l)-1]
			l[len(l)-1] = nil
			m[pool] = l[:len(l)-1]
			return v
		}
	}
	return nil
}

func (a *Arena) push(pool uint64, v any) bool {
	if a.retired.Load() {
		return false
	}
	a.mu.Lock()
	a.hot[pool] = append(a.hot[pool], v)
	a.mu.Unlock()
	return true
}

// sweep frees the cold lists and demotes hot to cold. It returns the number
// of objects released.
func (a *Arena) sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, l := range a.cold {
		n += len(l)
	}
	if a.retired.Load() {
		for _, l := range a.hot {
			n += len(l)
		}
		a.hot = make(map[uint64][]any)
		a.cold = make(map[uint64][]any)
		return n
	}
	a.cold = a.hot
	a.hot = make(map[uint64][]any)
	return n
}
