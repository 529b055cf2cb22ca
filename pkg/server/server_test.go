package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter serves until its context is cancelled or Stop is called.
type fakeAdapter struct {
	protocol string
	port     int
	failWith error

	mu      sync.Mutex
	stopped chan struct{}
	stops   int
	started chan struct{}
}

func newFake(protocol string, port int) *fakeAdapter {
	return &fakeAdapter{
		protocol: protocol,
		port:     port,
		stopped:  make(chan struct{}),
		started:  make(chan struct{}),
	}
}

func (f *fakeAdapter) Serve(ctx context.Context) error {
	close(f.started)
	if f.failWith != nil {
		return f.failWith
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stopped:
		return nil
	}
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stops == 1 {
		close(f.stopped)
	}
	return nil
}

func (f *fakeAdapter) Protocol() string { return f.protocol }

func (f *fakeAdapter) Port() int { return f.port }

func (f *fakeAdapter) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func serveAsync(ctx context.Context, s *Server) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()
	return errc
}

func TestAddAdapter(t *testing.T) {
	s := New(0)
	assert.Equal(t, DefaultStopTimeout, s.stopTimeout)

	require.NoError(t, s.AddAdapter(newFake("RPC", 24007)))
	assert.Error(t, s.AddAdapter(newFake("RPC", 24008)), "duplicate protocol")
	assert.Error(t, s.AddAdapter(newFake("OTHER", 24007)), "port conflict")
	require.NoError(t, s.AddAdapter(newFake("LOCAL", 0)))
	require.NoError(t, s.AddAdapter(newFake("LOCAL2", 0)), "port 0 never conflicts")
	assert.Error(t, s.AddAdapter(nil))
	assert.Len(t, s.Adapters(), 3)
}

func TestServe(t *testing.T) {
	t.Run("NoAdapters", func(t *testing.T) {
		assert.Error(t, New(time.Second).Serve(context.Background()))
	})

	t.Run("ContextCancelStopsAll", func(t *testing.T) {
		s := New(time.Second)
		a, b := newFake("A", 1), newFake("B", 2)
		require.NoError(t, s.AddAdapter(a))
		require.NoError(t, s.AddAdapter(b))

		ctx, cancel := context.WithCancel(context.Background())
		errc := serveAsync(ctx, s)
		<-a.started
		<-b.started
		cancel()

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return")
		}
		assert.Equal(t, 1, a.stopCount())
		assert.Equal(t, 1, b.stopCount())

		assert.ErrorIs(t, s.Serve(context.Background()), ErrAlreadyServed)
		assert.Error(t, s.AddAdapter(newFake("C", 3)))
	})

	t.Run("AdapterFailureStopsOthers", func(t *testing.T) {
		s := New(time.Second)
		healthy := newFake("A", 1)
		broken := newFake("B", 2)
		broken.failWith = errors.New("bind: address already in use")
		require.NoError(t, s.AddAdapter(healthy))
		require.NoError(t, s.AddAdapter(broken))

		select {
		case err := <-serveAsync(context.Background(), s):
			require.Error(t, err)
			assert.Contains(t, err.Error(), "B adapter error")
			assert.Contains(t, err.Error(), "address already in use")
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return")
		}
		assert.Equal(t, 1, healthy.stopCount())
	})

	t.Run("AdapterReturningEarlyIsFatal", func(t *testing.T) {
		s := New(time.Second)
		a := newFake("A", 1)
		require.NoError(t, s.AddAdapter(a))
		require.NoError(t, a.Stop(context.Background()))

		select {
		case err := <-serveAsync(context.Background(), s):
			require.Error(t, err)
			assert.Contains(t, err.Error(), "stopped unexpectedly")
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return")
		}
	})
}
