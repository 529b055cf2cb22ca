// Package drc implements a duplicate request cache for non-idempotent RPC
// procedures.
//
// Clients retransmit a call when a reply is lost. Replaying a
// non-idempotent operation (remove, rename, exclusive create) would turn a
// success into an error, so the server remembers recent calls per client:
// a retransmission of a call still executing is dropped, and one whose
// reply was already sent gets the cached reply back without running the
// procedure again.
//
// Each client keeps its operations in a btree ordered by (xid, program,
// version, procedure). A global LRU list ties every operation together so
// the oldest completed entries can be evicted when the cache is full.
package drc

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/marmos91/dittorpc/internal/logger"
)

const (
	// DefaultSize is the default number of cached operations.
	DefaultSize = 0x20000

	// DefaultLRUFactor evicts a quarter of the cache when it fills up.
	DefaultLRUFactor = 4

	btreeDegree = 8
)

var (
	// ErrDuplicate is returned by CacheRequest for a key already cached.
	ErrDuplicate = errors.New("drc: request already cached")

	// ErrDetached is returned when a client handle was already released.
	ErrDetached = errors.New("drc: client detached")
)

// Key identifies one call from one client.
type Key struct {
	XID  uint32
	Prog uint32
	Vers uint32
	Proc uint32
}

func (k Key) String() string {
	return fmt.Sprintf("xid=0x%x prog=%d vers=%d proc=%d", k.XID, k.Prog, k.Vers, k.Proc)
}

func (k Key) less(o Key) bool {
	if k.XID != o.XID {
		return k.XID < o.XID
	}
	if k.Prog != o.Prog {
		return k.Prog < o.Prog
	}
	if k.Vers != o.Vers {
		return k.Vers < o.Vers
	}
	return k.Proc < o.Proc
}

// State is the state of a cached operation.
type State int

const (
	// InTransit means the procedure is still executing.
	InTransit State = iota
	// Cached means the reply has been recorded.
	Cached
)

func (s State) String() string {
	if s == InTransit {
		return "IN_TRANSIT"
	}
	return "CACHED"
}

// Op is one cached operation.
type Op struct {
	key    Key
	state  State
	reply  []byte
	client *Client
	elem   *list.Element
}

// Less orders operations by key.
func (o *Op) Less(than btree.Item) bool {
	return o.key.less(than.(*Op).key)
}

// Key returns the key of the operation.
func (o *Op) Key() Key {
	return o.key
}

// Client is the per-peer part of the cache. A handle is taken when a
// connection from the peer is accepted and released when it closes; the
// client stays alive while it still owns cached operations.
type Client struct {
	addr    string
	ref     int
	ops     *btree.BTree
	opCount int
}

// Addr returns the peer address the client is keyed on.
func (c *Client) Addr() string {
	return c.addr
}

// Options configures a Cache.
type Options struct {
	Size      int `mapstructure:"size" yaml:"size" validate:"gte=0"`
	LRUFactor int `mapstructure:"lru_factor" yaml:"lru_factor" validate:"gte=0"`
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Clients        int
	Ops            int
	Size           int
	LRUFactor      int
	Hits           uint64
	InTransitHits  uint64
	EvictedEntries uint64
}

// Cache is the duplicate request cache.
//
// Thread safety:
// All methods are safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	size      int
	lruFactor int
	clients   map[string]*Client
	lru       *list.List // front is the newest operation
	opCount   int

	hits          uint64
	inTransitHits uint64
	evicted       uint64
}

// New creates a cache. Zero values select the defaults.
func New(opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.LRUFactor <= 0 {
		opts.LRUFactor = DefaultLRUFactor
	}
	return &Cache{
		size:      opts.Size,
		lruFactor: opts.LRUFactor,
		clients:   make(map[string]*Client),
		lru:       list.New(),
	}
}

// Attach returns the client for addr, creating it if needed, and takes a
// reference on it.
func (c *Cache) Attach(addr string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := c.clients[addr]
	if cl == nil {
		cl = &Client{addr: addr, ops: btree.New(btreeDegree)}
		c.clients[addr] = cl
	}
	cl.ref++
	return cl
}

// Detach drops the reference taken by Attach.
func (c *Cache) Detach(cl *Client) {
	if cl == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unrefLocked(cl)
}

func (c *Cache) unrefLocked(cl *Client) {
	if cl.ref <= 0 {
		panic("drc: client reference underflow")
	}
	cl.ref--
	if cl.ref == 0 {
		delete(c.clients, cl.addr)
	}
}

// Lookup returns the state of key for cl. For a Cached operation the reply
// bytes are returned; they must not be modified.
func (c *Cache) Lookup(cl *Client, key Key) (state State, reply []byte, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl.opCount == 0 {
		return 0, nil, false
	}
	it := cl.ops.Get(&Op{key: key})
	if it == nil {
		return 0, nil, false
	}
	op := it.(*Op)
	if op.state == InTransit {
		c.inTransitHits++
	} else {
		c.hits++
	}
	return op.state, op.reply, true
}

// CacheRequest records key as in transit for cl. When the cache is full the
// oldest completed operations are evicted first.
func (c *Cache) CacheRequest(cl *Client, key Key) (*Op, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl.ref <= 0 {
		return nil, ErrDetached
	}
	if c.opCount >= c.size {
		c.vacateLocked()
	}

	op := &Op{key: key, state: InTransit, client: cl}
	if cl.ops.Get(op) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	cl.ops.ReplaceOrInsert(op)
	cl.opCount++
	cl.ref++
	op.elem = c.lru.PushFront(op)
	c.opCount++
	return op, nil
}

// CacheReply stores the reply of op and marks it cached. The bytes are
// copied.
func (c *Cache) CacheReply(op *Op, reply []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op.elem == nil {
		// Evicted or aborted meanwhile.
		return
	}
	op.reply = append([]byte(nil), reply...)
	op.state = Cached
}

// Abort forgets an in-transit operation whose procedure produced no reply.
func (c *Cache) Abort(op *Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op.elem != nil {
		c.removeLocked(op)
	}
}

// vacateLocked evicts size/lruFactor of the oldest cached operations.
// In-transit operations are skipped.
func (c *Cache) vacateLocked() {
	n := c.size / c.lruFactor
	if n == 0 {
		n = 1
	}
	removed := 0
	for e := c.lru.Back(); e != nil && removed < n; {
		prev := e.Prev()
		op := e.Value.(*Op)
		if op.state != InTransit {
			c.removeLocked(op)
			removed++
		}
		e = prev
	}
	c.evicted += uint64(removed)
	logger.Debug("drc: vacated %d cached op(s)", removed)
}

func (c *Cache) removeLocked(op *Op) {
	cl := op.client
	cl.ops.Delete(op)
	cl.opCount--
	c.lru.Remove(op.elem)
	op.elem = nil
	c.opCount--
	c.unrefLocked(cl)
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Clients:        len(c.clients),
		Ops:            c.opCount,
		Size:           c.size,
		LRUFactor:      c.lruFactor,
		Hits:           c.hits,
		InTransitHits:  c.inTransitHits,
		EvictedEntries: c.evicted,
	}
}
