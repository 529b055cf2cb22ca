package iobuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallPool() *Pool {
	return NewPool(Options{PageSize: 4096, MaxPageSize: 16384, MaxStandalone: 1 << 20})
}

func TestPoolGet(t *testing.T) {
	t.Run("RoundsUpToArena", func(t *testing.T) {
		p := smallPool()

		b, err := p.Get(5000)
		require.NoError(t, err)
		assert.Equal(t, 8192, b.Size())
		assert.Equal(t, int32(1), b.Refs())
		assert.False(t, b.Standalone())
		b.Unref()
	})

	t.Run("ZeroMeansPage", func(t *testing.T) {
		p := smallPool()
		b, err := p.Get(0)
		require.NoError(t, err)
		assert.Equal(t, p.PageSize(), b.Size())
		b.Unref()
	})

	t.Run("Standalone", func(t *testing.T) {
		p := smallPool()
		b, err := p.Get(100000)
		require.NoError(t, err)
		assert.True(t, b.Standalone())
		assert.Equal(t, 100000, b.Size())
		assert.Equal(t, int64(1), p.Stats().Standalone)

		b.Unref()
		assert.Equal(t, int64(0), p.Stats().Standalone)
	})

	t.Run("TooLarge", func(t *testing.T) {
		p := smallPool()
		_, err := p.Get(2 << 20)
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("Negative", func(t *testing.T) {
		_, err := smallPool().Get(-1)
		assert.ErrorIs(t, err, ErrInvalidSize)
	})
}

func TestRefcount(t *testing.T) {
	t.Run("ReturnsToPassiveAtZero", func(t *testing.T) {
		p := smallPool()
		b, err := p.GetPage()
		require.NoError(t, err)

		b.Ref()
		b.Unref()
		st := p.Stats()
		assert.Equal(t, 1, st.Arenas[0].Active)
		assert.Equal(t, 0, st.Arenas[0].Passive)

		b.Unref()
		st = p.Stats()
		assert.Equal(t, 0, st.Arenas[0].Active)
		assert.Equal(t, 1, st.Arenas[0].Passive)
	})

	t.Run("ReusesPassivePage", func(t *testing.T) {
		p := smallPool()
		b1, _ := p.GetPage()
		b1.Unref()
		b2, _ := p.GetPage()
		assert.Same(t, b1, b2)
		assert.Equal(t, 1, p.Stats().Arenas[0].Allocated)
		b2.Unref()
	})

	t.Run("UnderflowPanics", func(t *testing.T) {
		p := smallPool()
		b, _ := p.GetPage()
		b.Unref()
		assert.Panics(t, func() { b.Unref() })
	})

	t.Run("Preallocate", func(t *testing.T) {
		p := NewPool(Options{PageSize: 4096, MaxPageSize: 4096, Preallocate: 3})
		st := p.Stats()
		require.Len(t, st.Arenas, 1)
		assert.Equal(t, 3, st.Arenas[0].Passive)
	})

	t.Run("ConcurrentUse", func(t *testing.T) {
		p := smallPool()
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					b, err := p.Get(j * 50)
					if err != nil {
						t.Error(err)
						return
					}
					b.Ref()
					b.Unref()
					b.Unref()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 0, p.Stats().Active())
	})
}

func TestIOBref(t *testing.T) {
	t.Run("ReleasesMembers", func(t *testing.T) {
		p := smallPool()
		b1, _ := p.GetPage()
		b2, _ := p.Get(9000)

		ref := NewIOBref()
		ref.Add(b1)
		ref.Add(b2)
		b1.Unref()
		b2.Unref()

		assert.Equal(t, 4096+16384, ref.Size())
		assert.Equal(t, 2, p.Stats().Active())

		ref.Unref()
		assert.Equal(t, 0, p.Stats().Active())
	})

	t.Run("Merge", func(t *testing.T) {
		p := smallPool()
		b, _ := p.GetPage()

		a := NewIOBref()
		a.Add(b)
		c := NewIOBref()
		c.Merge(a)
		b.Unref()

		assert.Equal(t, int32(2), b.Refs())
		a.Unref()
		assert.Equal(t, int32(1), b.Refs())
		c.Unref()
		assert.Equal(t, 0, p.Stats().Active())
	})

	t.Run("SharedRefs", func(t *testing.T) {
		p := smallPool()
		b, _ := p.GetPage()
		r := NewIOBref()
		r.Add(b)
		b.Unref()

		r.Ref()
		r.Unref()
		assert.Equal(t, 1, p.Stats().Active())
		r.Unref()
		assert.Equal(t, 0, p.Stats().Active())
		assert.Panics(t, func() { r.Unref() })
	})
}
