package rpcclnt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/rpcsvc"
	"github.com/marmos91/dittorpc/pkg/transport"
)

const (
	testProg = 0x20000002
	testVers = 1
	cbProg   = 0x20000003
	cbVers   = 1
	waitFor  = 5 * time.Second
)

var cbProgram = rpcsvc.CallbackProgram{Name: "upcall", Number: cbProg, Version: cbVers}

// ============================================================================
// Test Helper Functions
// ============================================================================

func echoProgram() rpcsvc.Program {
	return rpcsvc.Program{
		Name:    "echo",
		Number:  testProg,
		Version: testVers,
		Actors: []rpcsvc.Actor{
			{Name: "NULL", Handler: func(req *rpcsvc.Request) rpcsvc.ActorStatus {
				_ = req.SubmitReply(nil)
				return rpcsvc.ActorSuccess
			}},
			{Name: "ECHO", Handler: func(req *rpcsvc.Request) rpcsvc.ActorStatus {
				_ = req.SubmitReply(req.Msg)
				return rpcsvc.ActorSuccess
			}},
			{Name: "SLOW_ECHO", Handler: func(req *rpcsvc.Request) rpcsvc.ActorStatus {
				args := append([]byte(nil), req.Msg...)
				delay := time.Duration(len(args)) * time.Millisecond
				go func() {
					time.Sleep(delay)
					_ = req.SubmitReply(args)
				}()
				return rpcsvc.ActorSuccess
			}},
			{Name: "UID", Handler: func(req *rpcsvc.Request) rpcsvc.ActorStatus {
				_ = req.SubmitReply([]byte(fmt.Sprintf("%d:%d", req.UID, req.GID)))
				return rpcsvc.ActorSuccess
			}},
			// NOTIFY calls procedure 1 of the upcall program back with
			// the arguments before replying.
			{Name: "NOTIFY", Handler: func(req *rpcsvc.Request) rpcsvc.ActorStatus {
				if err := req.Conn().SubmitCallback(cbProgram, 1, req.Msg); err != nil {
					return rpcsvc.ActorError
				}
				_ = req.SubmitReply(nil)
				return rpcsvc.ActorSuccess
			}},
		},
	}
}

func startServer(t *testing.T) *rpcsvc.Service {
	t.Helper()
	s := rpcsvc.New(rpcsvc.Config{
		Transport: transport.Options{
			Type:          transport.TypeTCP,
			BindAddress:   "127.0.0.1",
			AllowInsecure: true,
		},
		Stages:             1,
		ShutdownTimeout:    2 * time.Second,
		MetricsLogInterval: time.Hour,
	}, nil)
	require.NoError(t, s.Register(context.Background(), echoProgram()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Listen(ctx))
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func clientOptions(addr net.Addr) Options {
	tcp := addr.(*net.TCPAddr)
	return Options{
		Transport: transport.Options{
			Type:       transport.TypeTCP,
			RemoteHost: tcp.IP.String(),
			RemotePort: tcp.Port,
		},
	}
}

func dial(t *testing.T, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Dial(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// silentServer accepts one connection and reads from it without ever
// replying. Closing the returned channel drops the connection.
func silentServer(t *testing.T) (net.Addr, chan struct{}, <-chan struct{}) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	drop := make(chan struct{})
	gotCall := make(chan struct{}, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		go func() {
			for {
				if _, err := rpc.ReadRecord(nc, 0); err != nil {
					return
				}
				select {
				case gotCall <- struct{}{}:
				default:
				}
			}
		}()
		<-drop
	}()
	return l.Addr(), drop, gotCall
}

// ============================================================================
// Calls
// ============================================================================

func TestCall(t *testing.T) {
	s := startServer(t)
	c := dial(t, clientOptions(s.Addr()))
	ctx := context.Background()

	t.Run("Echo", func(t *testing.T) {
		results, err := c.Call(ctx, testProg, testVers, 1, rpc.NullAuth(), []byte("hello world!"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello world!"), results)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("Ping", func(t *testing.T) {
		rtt, err := c.Ping(ctx, testProg, testVers)
		require.NoError(t, err)
		assert.Greater(t, rtt, time.Duration(0))
	})

	t.Run("UnixCredentials", func(t *testing.T) {
		body, err := rpc.EncodeUnixAuth(&rpc.UnixAuth{MachineName: "client", UID: 1000, GID: 100})
		require.NoError(t, err)
		results, err := c.Call(ctx, testProg, testVers, 3, rpc.OpaqueAuth{Flavor: rpc.AuthUnix, Body: body}, nil)
		require.NoError(t, err)
		assert.Equal(t, "1000:100", string(results))
	})

	t.Run("ProgUnavail", func(t *testing.T) {
		_, err := c.Call(ctx, 0x20000fff, 1, 0, rpc.NullAuth(), nil)
		var rerr *rpc.ReplyError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, uint32(rpc.RPCProgUnavail), rerr.AcceptStat)
	})

	t.Run("ProgMismatch", func(t *testing.T) {
		_, err := c.Call(ctx, testProg, 7, 0, rpc.NullAuth(), nil)
		var rerr *rpc.ReplyError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, uint32(rpc.RPCProgMismatch), rerr.AcceptStat)
		assert.Equal(t, uint32(testVers), rerr.Low)
		assert.Equal(t, uint32(testVers), rerr.High)
	})

	t.Run("ProcUnavail", func(t *testing.T) {
		_, err := c.Call(ctx, testProg, testVers, 42, rpc.NullAuth(), nil)
		var rerr *rpc.ReplyError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, uint32(rpc.RPCProcUnavail), rerr.AcceptStat)
	})

	t.Run("ConcurrentOutOfOrder", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 20; i > 0; i-- {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				args := make([]byte, n)
				for j := range args {
					args[j] = byte(n)
				}
				results, err := c.Call(ctx, testProg, testVers, 2, rpc.NullAuth(), args)
				if err != nil {
					errs <- err
					return
				}
				if len(results) != n || (n > 0 && results[0] != byte(n)) {
					errs <- fmt.Errorf("call %d got %d bytes", n, len(results))
				}
			}(i * 4)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 0, c.Pending())
	})
}

func TestCallContextCancelled(t *testing.T) {
	addr, _, gotCall := silentServer(t)
	c := dial(t, clientOptions(addr))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-gotCall
		cancel()
	}()
	_, err := c.Call(ctx, testProg, testVers, 0, rpc.NullAuth(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
	assert.True(t, c.Connected())
}

// ============================================================================
// Disconnect
// ============================================================================

func TestDisconnect(t *testing.T) {
	t.Run("ServerDropsConnection", func(t *testing.T) {
		addr, drop, gotCall := silentServer(t)
		c := dial(t, clientOptions(addr))

		go func() {
			<-gotCall
			close(drop)
		}()
		_, err := c.Call(context.Background(), testProg, testVers, 0, rpc.NullAuth(), nil)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.True(t, errors.Is(err, unix.ENOTCONN))

		select {
		case <-c.Done():
		case <-time.After(waitFor):
			t.Fatal("client did not notice the disconnect")
		}
		assert.False(t, c.Connected())
		assert.Error(t, c.Err())

		_, err = c.Call(context.Background(), testProg, testVers, 0, rpc.NullAuth(), nil)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("Close", func(t *testing.T) {
		s := startServer(t)
		c := dial(t, clientOptions(s.Addr()))
		require.NoError(t, c.Close())
		<-c.Done()
		assert.ErrorIs(t, c.Err(), ErrClosed)

		_, err := c.Call(context.Background(), testProg, testVers, 0, rpc.NullAuth(), nil)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.NoError(t, c.Close())
	})

	t.Run("PingTimerExpires", func(t *testing.T) {
		addr, _, _ := silentServer(t)
		opts := clientOptions(addr)
		opts.PingTimeout = 100 * time.Millisecond
		c := dial(t, opts)

		start := time.Now()
		_, err := c.Call(context.Background(), testProg, testVers, 0, rpc.NullAuth(), nil)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.GreaterOrEqual(t, time.Since(start), opts.PingTimeout)
		assert.Contains(t, c.Err().Error(), "ping timer")
	})

	t.Run("PingTimerCountsSends", func(t *testing.T) {
		s := startServer(t)
		opts := clientOptions(s.Addr())
		opts.PingTimeout = 400 * time.Millisecond
		c := dial(t, opts)

		// Nothing is received while idle, so only the send keeps the
		// timer from expiring on the slow reply.
		time.Sleep(900 * time.Millisecond)
		args := make([]byte, 200)
		results, err := c.Call(context.Background(), testProg, testVers, 2, rpc.NullAuth(), args)
		require.NoError(t, err)
		assert.Len(t, results, len(args))
		assert.True(t, c.Connected())
	})

	t.Run("PingTimerIdleWithoutCalls", func(t *testing.T) {
		addr, _, _ := silentServer(t)
		opts := clientOptions(addr)
		opts.PingTimeout = 50 * time.Millisecond
		c := dial(t, opts)

		time.Sleep(200 * time.Millisecond)
		assert.True(t, c.Connected())
	})
}

func TestCallBail(t *testing.T) {
	addr, _, _ := silentServer(t)
	opts := clientOptions(addr)
	opts.FrameTimeout = 100 * time.Millisecond
	c := dial(t, opts)

	_, err := c.Call(context.Background(), testProg, testVers, 0, rpc.NullAuth(), nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, errors.Is(err, unix.ETIMEDOUT))
	assert.Equal(t, 0, c.Pending())
	assert.True(t, c.Connected())
}

// ============================================================================
// Callbacks
// ============================================================================

func TestCallback(t *testing.T) {
	s := startServer(t)
	c := dial(t, clientOptions(s.Addr()))
	ctx := context.Background()

	got := make(chan []byte, 1)
	require.NoError(t, c.RegisterCallback(CallbackProgram{
		Name:    "upcall",
		Number:  cbProg,
		Version: cbVers,
		Actors: []CallbackActor{
			nil,
			func(args []byte) { got <- append([]byte(nil), args...) },
		},
	}))

	t.Run("Delivered", func(t *testing.T) {
		_, err := c.Call(ctx, testProg, testVers, 4, rpc.NullAuth(), []byte("inval"))
		require.NoError(t, err)
		select {
		case args := <-got:
			assert.Equal(t, []byte("inval"), args)
		case <-time.After(waitFor):
			t.Fatal("callback not delivered")
		}
	})

	t.Run("UnknownProgramDropped", func(t *testing.T) {
		assert.True(t, c.UnregisterCallback(cbProg, cbVers))
		assert.False(t, c.UnregisterCallback(cbProg, cbVers))

		_, err := c.Call(ctx, testProg, testVers, 4, rpc.NullAuth(), []byte("lost"))
		require.NoError(t, err)
		assert.Empty(t, got)

		// The connection keeps working after the dropped call.
		results, err := c.Call(ctx, testProg, testVers, 1, rpc.NullAuth(), []byte("ok"))
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), results)
	})

	t.Run("NoActors", func(t *testing.T) {
		assert.Error(t, c.RegisterCallback(CallbackProgram{Name: "empty", Number: 1, Version: 1}))
	})
}
