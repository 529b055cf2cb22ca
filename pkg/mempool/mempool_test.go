package mempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Header
	ID   int
	Tags []string
}

func newWidgetPool() *Pool[widget, *widget] {
	return New[widget]("widget", func(w *widget) {
		w.ID = 0
		w.Tags = w.Tags[:0]
	})
}

func TestPool(t *testing.T) {
	t.Run("ReusesFromArena", func(t *testing.T) {
		s := NewSweeper(0)
		a := s.NewArena()
		p := newWidgetPool()

		w := p.Get(a)
		w.ID = 7
		w.Tags = append(w.Tags, "x")
		assert.True(t, IsLive(w))
		p.Put(w)
		assert.False(t, IsLive(w))

		again := p.Get(a)
		assert.Same(t, w, again)
		assert.Equal(t, 0, again.ID)
		assert.Empty(t, again.Tags)

		st := p.Stats()
		assert.Equal(t, int64(1), st.Allocated)
		assert.Equal(t, int64(1), st.Hits)
		assert.Equal(t, int64(1), st.InUse)
		p.Put(again)
	})

	t.Run("DoublePutPanics", func(t *testing.T) {
		p := newWidgetPool()
		w := p.Get(nil)
		p.Put(w)
		assert.Panics(t, func() { p.Put(w) })
	})

	t.Run("ForeignPoolPanics", func(t *testing.T) {
		p1, p2 := newWidgetPool(), newWidgetPool()
		w := p1.Get(nil)
		assert.Panics(t, func() { p2.Put(w) })
	})

	t.Run("NilArenaDrops", func(t *testing.T) {
		p := newWidgetPool()
		w := p.Get(nil)
		p.Put(w)
		assert.Equal(t, int64(1), p.Stats().Freed)
	})

	t.Run("ConcurrentArenas", func(t *testing.T) {
		s := NewSweeper(0)
		p := newWidgetPool()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			a := s.NewArena()
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 500; j++ {
					w := p.Get(a)
					w.ID = j
					p.Put(w)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(0), p.Stats().InUse)
		assert.LessOrEqual(t, p.Stats().Allocated, int64(8))
	})
}

func TestSweeper(t *testing.T) {
	t.Run("HotColdFree", func(t *testing.T) {
		s := NewSweeper(0)
		a := s.NewArena()
		p := newWidgetPool()

		p.Put(p.Get(a))
		require.Equal(t, 1, a.Cached())

		assert.Equal(t, 0, s.SweepOnce()) // hot -> cold
		assert.Equal(t, 1, a.Cached())
		assert.Equal(t, 1, s.SweepOnce()) // cold -> freed
		assert.Equal(t, 0, a.Cached())
	})

	t.Run("RetiredArenaDropped", func(t *testing.T) {
		s := NewSweeper(0)
		a := s.NewArena()
		p := newWidgetPool()

		w := p.Get(a)
		p.Put(p.Get(a))
		a.Retire()
		p.Put(w)

		assert.Equal(t, 1, s.SweepOnce())
		assert.Equal(t, 0, s.Arenas())
		assert.Equal(t, int64(1), p.Stats().Freed)
	})

	t.Run("StartStop", func(t *testing.T) {
		s := NewSweeper(0)
		s.Start()
		s.Stop()
		s.Stop()
	})
}

func TestBytePools(t *testing.T) {
	bp := NewBytePools()
	s := NewSweeper(0)
	a := s.NewArena()

	t.Run("Classes", func(t *testing.T) {
		assert.Equal(t, 128, ClassFor(1))
		assert.Equal(t, 128, ClassFor(128))
		assert.Equal(t, 256, ClassFor(129))
		assert.Equal(t, 1<<20, ClassFor(1<<20))
		assert.Equal(t, 0, ClassFor(1<<20+1))
	})

	t.Run("RoundsToClass", func(t *testing.T) {
		b := bp.Get(a, 300)
		assert.Len(t, b.B, 300)
		assert.Equal(t, 512, cap(b.B))
		assert.True(t, b.Pooled())
		bp.Put(b)

		again := bp.Get(a, 400)
		assert.Same(t, b, again)
		assert.Len(t, again.B, 400)
		bp.Put(again)
	})

	t.Run("LargeUnpooled", func(t *testing.T) {
		b := bp.Get(a, 2<<20)
		assert.False(t, b.Pooled())
		assert.Len(t, b.B, 2<<20)
		bp.Put(b)
		assert.Nil(t, b.B)
	})
}
