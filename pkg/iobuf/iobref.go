package iobuf

import (
	"sync"
	"sync/atomic"
)

// IOBref is a reference counted bundle of IOBufs. Adding a buffer takes a
// reference on it; releasing the bundle releases every member.
type IOBref struct {
	mu   sync.Mutex
	bufs []*IOBuf
	ref  atomic.Int32
}

// NewIOBref returns an empty bundle holding one reference.
func NewIOBref() *IOBref {
	r := &IOBref{}
	r.ref.Store(1)
	return r
}

// Add takes a reference on b and appends it.
func (r *IOBref) Add(b *IOBuf) {
	b.Ref()
	r.mu.Lock()
	r.bufs = append(r.bufs, b)
	r.mu.Unlock()
}

// Merge adds every member of other to r.
func (r *IOBref) Merge(other *IOBref) {
	for _, b := range other.Bufs() {
		r.Add(b)
	}
}

// Bufs returns a snapshot of the members.
func (r *IOBref) Bufs() []*IOBuf {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*IOBuf, len(r.bufs))
	copy(out, r.bufs)
	return out
}

// Size sums the sizes of all members.
func (r *IOBref) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bufs {
		n += b.Size()
	}
	return n
}

// Ref takes an additional reference on the bundle.
func (r *IOBref) Ref() *IOBref {
	if r.ref.Add(1) <= 1 {
		panic("iobref: ref on released bundle")
	}
	return r
}

// Unref drops a reference; the final one releases every member.
func (r *IOBref) Unref() {
	n := r.ref.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("iobref: reference count underflow")
	}

	r.mu.Lock()
	bufs := r.bufs
	r.bufs = nil
	r.mu.Unlock()

	for _, b := range bufs {
		b.Unref()
	}
}
