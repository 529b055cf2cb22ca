package rpcsvc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/callstack"
	"github.com/marmos91/dittorpc/pkg/drc"
	"github.com/marmos91/dittorpc/pkg/throttle"
	"github.com/marmos91/dittorpc/pkg/transport"
)

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnected
)

func (s ConnState) String() string {
	if s == ConnConnected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// flushPoll is the interval at which a closing connection checks that its
// replies went out.
const flushPoll = 10 * time.Millisecond

// Conn is an accepted RPC connection.
//
// Lifetime:
// stateInit sets the reference count to 1, the hold of the read loop. Each
// request handed to an actor takes one more, dropped when its reply is
// queued or it is ignored. Deinit closes the socket; the read loop then
// drops its hold, and the connection is destroyed when the count reaches
// zero.
//
// Thread safety:
// The record state is only touched by the read loop, under the stage
// mutex. Everything else is guarded by mu.
type Conn struct {
	ID uuid.UUID

	svc   *Service
	tc    *transport.Conn
	stage *stage
	log   *logger.Entry

	mu       sync.Mutex
	state    ConnState
	ref      int
	inflight map[*Request]struct{}

	txq          []*txbuf
	txWake       chan struct{}
	writerExited bool
	writerDone   chan struct{}

	closed chan struct{}

	// slotFree is signalled when an admitted request is released, waking
	// a read loop held back by the outstanding limit.
	slotFree chan struct{}
	bucket   *throttle.Bucket

	rs recordState

	lastRead   atomic.Int64
	lastWrite  atomic.Int64
	readEvents atomic.Uint64
	pingTimer  *time.Timer

	authData  map[string]any
	drcClient *drc.Client
	peerKey   string
}

// newConn wraps an accepted transport connection. The connection is
// disconnected with no references until stateInit.
func (s *Service) newConn(tc *transport.Conn) *Conn {
	c := &Conn{
		ID:         uuid.New(),
		svc:        s,
		tc:         tc,
		stage:      s.pickStage(),
		state:      ConnDisconnected,
		inflight:   make(map[*Request]struct{}),
		txWake:     make(chan struct{}, 1),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
		slotFree:   make(chan struct{}, 1),
		authData:   make(map[string]any),
	}
	c.peerKey = tc.PeerIP()
	if c.peerKey == "" {
		c.peerKey = tc.PeerAddr().String()
	}
	c.log = logger.WithFields(logger.Fields{
		"conn":  c.ID.String()[:8],
		"peer":  tc.PeerAddr().String(),
		"stage": c.stage.id,
	})
	return c
}

// stateInit makes the connection live: one reference, connected, record
// state ready, writer running.
func (c *Conn) stateInit() error {
	if err := c.resetRecord(); err != nil {
		return err
	}
	c.mu.Lock()
	c.ref = 1
	c.state = ConnConnected
	c.mu.Unlock()

	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)

	if c.svc.drc != nil {
		c.drcClient = c.svc.drc.Attach(c.peerKey)
	}
	if c.svc.cfg.Throttle.Rate > 0 {
		c.bucket = throttle.New(c.svc.cfg.Throttle)
	}
	c.svc.auths.connInit(c)

	go c.writeLoop()
	c.startPing()
	return nil
}

// Ref takes a reference on the connection.
func (c *Conn) Ref() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ref <= 0 {
		panic("rpcsvc: ref on destroyed connection")
	}
	c.ref++
	return c
}

// Unref drops a reference. The last one destroys the connection.
func (c *Conn) Unref() {
	c.mu.Lock()
	if c.ref <= 0 {
		c.mu.Unlock()
		panic("rpcsvc: connection reference underflow")
	}
	c.ref--
	last := c.ref == 0
	c.mu.Unlock()

	if last {
		c.destroy()
	}
}

// Refs returns the current reference count.
func (c *Conn) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref
}

// State returns the lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is live.
func (c *Conn) Connected() bool {
	return c.State() == ConnConnected
}

// Transport returns the underlying transport connection.
func (c *Conn) Transport() *transport.Conn {
	return c.tc
}

// PeerAddr returns the remote address.
func (c *Conn) PeerAddr() net.Addr {
	return c.tc.PeerAddr()
}

// ReadEvents returns the number of socket reads that returned data.
func (c *Conn) ReadEvents() uint64 {
	return c.readEvents.Load()
}

// SetAuthData stores per connection state of an authentication scheme.
func (c *Conn) SetAuthData(scheme string, v any) {
	c.mu.Lock()
	c.authData[scheme] = v
	c.mu.Unlock()
}

// AuthData returns what SetAuthData stored for scheme.
func (c *Conn) AuthData(scheme string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authData[scheme]
}

func (c *Conn) String() string {
	return c.tc.String()
}

// unprivileged reports whether the peer connected from a port above 1024.
func (c *Conn) unprivileged() bool {
	return c.tc.PeerPort() > 1024
}

func (c *Conn) track(req *Request) {
	c.mu.Lock()
	c.inflight[req] = struct{}{}
	c.mu.Unlock()
}

// Outstanding returns the number of admitted requests not yet released.
func (c *Conn) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// overLimit reports whether the connection has as many requests in flight
// as the outstanding RPC limit allows.
func (c *Conn) overLimit() bool {
	limit := c.svc.cfg.OutstandingRPCLimit
	return limit > 0 && c.Outstanding() >= limit
}

// waitSlot blocks until a request is released or the connection or
// service goes away.
func (c *Conn) waitSlot(ctx context.Context) {
	select {
	case <-c.slotFree:
	case <-c.closed:
	case <-c.svc.shutdown:
	case <-ctx.Done():
	}
}

func (c *Conn) signalSlot() {
	select {
	case c.slotFree <- struct{}{}:
	default:
	}
}

// Deinit tears the connection down: it stops the ping timer, closes the
// socket, leaves its stage and unwinds the call frames still outstanding
// with ENOTCONN. Replies submitted afterwards fail with ErrNotConnected.
// Calling Deinit again does nothing.
func (c *Conn) Deinit() {
	c.mu.Lock()
	if c.state == ConnDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = ConnDisconnected
	c.stopPing()
	var stacks []*callstack.Stack
	for req := range c.inflight {
		if req.frame != nil {
			stacks = append(stacks, req.frame.Root)
		}
	}
	c.mu.Unlock()

	if c.bucket != nil {
		c.bucket.Stop()
	}
	if err := c.tc.Disconnect(); err != nil {
		c.log.Debug("Error closing %s: %v", c, err)
	}
	close(c.closed)
	c.svc.removeConn(c)

	for _, st := range stacks {
		if n := st.UnwindOutstanding(unix.ENOTCONN); n > 0 {
			c.log.Debug("Unwound %d outstanding frame(s) with ENOTCONN", n)
		}
	}
	c.log.Debug("Connection %s deinitialised", c)
}

// destroy releases what the connection still owns. It runs once, when the
// last reference is dropped.
func (c *Conn) destroy() {
	c.releaseRecord()

	c.mu.Lock()
	var pending []*txbuf
	if c.writerExited {
		pending = c.txq
		c.txq = nil
	}
	c.authData = nil
	c.mu.Unlock()
	for _, tb := range pending {
		c.svc.releaseTxbuf(tb)
	}

	if c.drcClient != nil {
		c.svc.drc.Detach(c.drcClient)
		c.drcClient = nil
	}
	c.log.Debug("Connection %s destroyed", c)
}

// serve is the read loop. It reads exactly what the record assembler asks
// for and feeds it under the stage mutex. Between records it stops reading
// while the connection is at its outstanding RPC limit, and the first read
// of a record waits for a throttle token. Neither wait holds the stage
// mutex.
func (c *Conn) serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Panic in connection handler from %s: %v", c.tc.PeerAddr(), r)
		}
		c.Deinit()
		c.abortRecord()
		c.Unref()
	}()

	c.log.Debug("New connection from %s", c.tc.PeerAddr())

	throttled := false
	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Connection from %s closed due to context cancellation", c.tc.PeerAddr())
			c.drain()
			return
		case <-c.svc.shutdown:
			c.log.Debug("Connection from %s closed due to server shutdown", c.tc.PeerAddr())
			c.drain()
			return
		case <-c.closed:
			return
		default:
		}

		boundary := c.rs.atRecordBoundary()
		if boundary && c.overLimit() {
			if !throttled {
				c.log.Debug("Throttling %s: %d requests outstanding", c, c.Outstanding())
				throttled = true
			}
			c.waitSlot(ctx)
			continue
		}
		if throttled {
			c.log.Debug("Resuming reads on %s", c)
			throttled = false
		}

		buf := c.rs.readBuffer()
		if len(buf) == 0 {
			c.log.Error("Record assembler asked for an empty read")
			return
		}
		c.setReadDeadline()

		n, err := c.tc.Read(buf)
		if n > 0 {
			c.touchRead()
			c.readEvents.Add(1)
			c.svc.metrics.RecordBytesTransferred("in", int64(n))

			// A new record takes one token before the stage sees it.
			if boundary && c.bucket != nil {
				if terr := c.bucket.Throttle(c.svc.shutdownCtx, 1); terr != nil {
					c.log.Debug("Throttle on %s ended: %v", c, terr)
					c.drain()
					return
				}
			}

			c.stage.mu.Lock()
			uerr := c.update(n)
			c.stage.mu.Unlock()
			if uerr != nil {
				c.log.Warn("Tearing down %s: %v", c, uerr)
				return
			}
		}
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				c.log.Debug("Connection from %s closed by client", c.tc.PeerAddr())
			case errors.As(err, &netErr) && netErr.Timeout():
				select {
				case <-c.svc.shutdown:
					c.drain()
				default:
					c.log.Debug("Connection from %s timed out: %v", c.tc.PeerAddr(), err)
				}
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				c.log.Debug("Connection from %s cancelled: %v", c.tc.PeerAddr(), err)
			default:
				c.log.Debug("Error reading from %s: %v", c.tc.PeerAddr(), err)
			}
			return
		}
	}
}

// setReadDeadline applies the idle timeout between records and the read
// timeout inside one.
func (c *Conn) setReadDeadline() {
	select {
	case <-c.svc.shutdown:
		return
	default:
	}
	timeout := c.svc.cfg.ReadTimeout
	if c.rs.atRecordBoundary() {
		timeout = c.svc.cfg.IdleTimeout
	}
	if timeout <= 0 {
		_ = c.tc.SetReadDeadline(time.Time{})
		return
	}
	if err := c.tc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.log.Warn("Failed to set deadline for %s: %v", c.tc.PeerAddr(), err)
	}
}

// drain waits, up to the shutdown timeout, for the requests in flight to
// be answered and their replies written.
func (c *Conn) drain() {
	deadline := time.Now().Add(c.svc.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		idle := c.ref <= 1 && len(c.txq) == 0
		live := c.state == ConnConnected
		c.mu.Unlock()
		if idle || !live {
			return
		}
		time.Sleep(flushPoll)
	}
	c.log.Warn("Closing %s with replies still pending", c)
}
