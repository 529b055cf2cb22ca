package mempool

import "fmt"

const (
	// SmallestClassShift is log2 of the smallest byte class (128 bytes).
	SmallestClassShift = 7

	// LargestClassShift is log2 of the largest byte class (1 MiB).
	LargestClassShift = 20
)

// Buffer is a pooled byte slice. B has the requested length and the
// capacity of its class.
type Buffer struct {
	Header
	B     []byte
	class int
}

// Pooled reports whether the buffer came from a size class.
func (b *Buffer) Pooled() bool {
	return b.class >= 0
}

// BytePools holds one Pool of Buffers per power-of-two size class.
type BytePools struct {
	classes []*Pool[Buffer, *Buffer]
	large   *Pool[Buffer, *Buffer]
}

// NewBytePools creates the 2^7 .. 2^20 classes.
func NewBytePools() *BytePools {
	bp := &BytePools{}
	for shift := SmallestClassShift; shift <= LargestClassShift; shift++ {
		bp.classes = append(bp.classes, New[Buffer](fmt.Sprintf("bytes-%d", 1<<shift), nil))
	}
	bp.large = New[Buffer]("bytes-large", func(b *Buffer) { b.B = nil })
	return bp
}

// ClassFor returns the class size serving n bytes, or 0 when n is larger
// than the biggest class.
func ClassFor(n int) int {
	for shift := SmallestClassShift; shift <= LargestClassShift; shift++ {
		if n <= 1<<shift {
			return 1 << shift
		}
	}
	return 0
}

// Get returns a buffer with len(B) == n. Sizes above 1 MiB are allocated
// directly and dropped on Put.
func (bp *BytePools) Get(a *Arena, n int) *Buffer {
	if n < 0 {
		n = 0
	}
	for i, p := range bp.classes {
		size := 1 << (SmallestClassShift + i)
		if n > size {
			continue
		}
		b := p.Get(a)
		if cap(b.B) < size {
			b.B = make([]byte, size)
		}
		b.B = b.B[:n]
		b.class = i
		return b
	}

	b := bp.large.Get(nil)
	b.B = make([]byte, n)
	b.class = -1
	return b
}

// Put releases b to its class.
func (bp *BytePools) Put(b *Buffer) {
	if b.class < 0 {
		bp.large.Put(b)
		return
	}
	bp.classes[b.class].Put(b)
}

// Stats returns the counters of every class.
func (bp *BytePools) Stats() []Stats {
	out := make([]Stats, 0, len(bp.classes)+1)
	for _, p := range bp.classes {
		out = append(out, p.Stats())
	}
	return append(out, bp.large.Stats())
}
