// Package rpcclnt is an ONC-RPC client over a record marked stream.
//
// A Client multiplexes concurrent calls on one connection. Every call is
// remembered as a saved frame keyed by its XID until the reply arrives, the
// call bails out after FrameTimeout, or the connection goes away. Calls the
// server sends back on the same connection are dispatched to the callback
// programs registered with RegisterCallback.
package rpcclnt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/transport"
)

const (
	// DefaultFrameTimeout bails out calls left unanswered this long.
	DefaultFrameTimeout = 30 * time.Minute

	// DefaultMaxRecordSize bounds a reply record.
	DefaultMaxRecordSize = 32 << 20

	// maxBailInterval caps the period of the call bail check.
	maxBailInterval = 10 * time.Second
)

var (
	// ErrNotConnected completes calls that were outstanding when the
	// connection went away, and calls made afterwards.
	ErrNotConnected = fmt.Errorf("rpcclnt: %w", unix.ENOTCONN)

	// ErrTimeout completes calls that bailed out after FrameTimeout.
	ErrTimeout = fmt.Errorf("rpcclnt: call bailed out: %w", unix.ETIMEDOUT)

	// ErrClosed is the disconnect reason after Close.
	ErrClosed = errors.New("rpcclnt: client closed")
)

// Options configures a Client.
type Options struct {
	Transport transport.Options

	// PingTimeout disconnects when calls are outstanding and nothing was
	// sent or received for this long. 0 disables it.
	PingTimeout time.Duration

	// FrameTimeout bails out a call that got no reply for this long.
	FrameTimeout time.Duration

	// WriteTimeout bounds writing one call. 0 means no deadline.
	WriteTimeout time.Duration

	MaxRecordSize int
}

func (o *Options) applyDefaults() {
	if o.FrameTimeout == 0 {
		o.FrameTimeout = DefaultFrameTimeout
	}
	if o.MaxRecordSize == 0 {
		o.MaxRecordSize = DefaultMaxRecordSize
	}
}

// result is what a saved frame completes with.
type result struct {
	reply   *rpc.ReplyMessage
	results []byte
	err     error
}

// savedFrame is a call waiting for its reply.
type savedFrame struct {
	xid     uint32
	prog    uint32
	vers    uint32
	proc    uint32
	savedAt time.Time
	done    chan result
}

// CallbackActor handles one procedure of a callback program. args aliases
// the received record and is only valid during the call.
type CallbackActor func(args []byte)

// CallbackProgram is a program the server calls on this connection, such
// as an invalidation or upcall program. Callback calls are one way and get
// no reply.
type CallbackProgram struct {
	Name    string
	Number  uint32
	Version uint32

	// Actors is indexed by procedure number. A nil entry drops the call.
	Actors []CallbackActor
}

type callbackKey struct {
	prog, vers uint32
}

func (sf *savedFrame) complete(r result) {
	select {
	case sf.done <- r:
	default:
	}
}

// Client is a connection to an RPC server.
//
// Thread safety:
// All methods are safe for concurrent use. Calls are written one record at
// a time; replies are matched to calls by XID, in any order.
type Client struct {
	opts Options
	tc   *transport.Conn
	log  *logger.Entry

	xid atomic.Uint32

	wmu sync.Mutex

	mu        sync.Mutex
	frames    map[uint32]*savedFrame
	callbacks map[callbackKey]*CallbackProgram
	connected bool
	err       error
	pingTimer *time.Timer
	bailTimer *time.Timer

	lastRecv atomic.Int64
	lastSent atomic.Int64

	done chan struct{}
}

// Dial connects to the server opts.Transport points at and starts the
// reply reader.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.applyDefaults()
	tc, err := transport.Connect(ctx, opts.Transport)
	if err != nil {
		return nil, err
	}
	return newClient(tc, opts), nil
}

func newClient(tc *transport.Conn, opts Options) *Client {
	c := &Client{
		opts:      opts,
		tc:        tc,
		frames:    make(map[uint32]*savedFrame),
		callbacks: make(map[callbackKey]*CallbackProgram),
		connected: true,
		done:      make(chan struct{}),
		log: logger.WithFields(logger.Fields{
			"peer": tc.PeerAddr().String(),
		}),
	}
	c.xid.Store(uint32(time.Now().UnixNano()))
	now := time.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSent.Store(now)

	c.mu.Lock()
	if opts.PingTimeout > 0 {
		c.pingTimer = time.AfterFunc(opts.PingTimeout, c.pingCheck)
	}
	if opts.FrameTimeout > 0 {
		c.bailTimer = time.AfterFunc(c.bailInterval(), c.callBail)
	}
	c.mu.Unlock()

	go c.readLoop()
	c.log.Debug("Connected to %s", tc.PeerAddr())
	return c
}

// Call invokes proc of program (prog, vers) with cred and the XDR encoded
// args, and returns the XDR encoded results.
//
// A reply other than SUCCESS is returned as a *rpc.ReplyError.
func (c *Client) Call(ctx context.Context, prog, vers, proc uint32, cred rpc.OpaqueAuth, args []byte) ([]byte, error) {
	sf, err := c.submit(prog, vers, proc, cred, args)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-sf.done:
		if r.err != nil {
			return nil, r.err
		}
		if err := r.reply.Err(); err != nil {
			return nil, err
		}
		return r.results, nil
	case <-ctx.Done():
		c.forget(sf.xid)
		return nil, ctx.Err()
	}
}

// Ping calls the NULL procedure of (prog, vers) and returns the round trip
// time.
func (c *Client) Ping(ctx context.Context, prog, vers uint32) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Call(ctx, prog, vers, 0, rpc.NullAuth(), nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// submit saves a frame for a new call and writes it.
func (c *Client) submit(prog, vers, proc uint32, cred rpc.OpaqueAuth, args []byte) (*savedFrame, error) {
	if cred.Body == nil {
		cred.Body = []byte{}
	}
	xid := c.xid.Add(1)
	hdr, err := rpc.EncodeCall(&rpc.RPCCallMessage{
		XID:        xid,
		MsgType:    rpc.RPCCall,
		RPCVersion: rpc.RPCVersion,
		Program:    prog,
		Version:    vers,
		Procedure:  proc,
		Cred:       cred,
		Verf:       rpc.NullAuth(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}

	sf := &savedFrame{
		xid:     xid,
		prog:    prog,
		vers:    vers,
		proc:    proc,
		savedAt: time.Now(),
		done:    make(chan result, 1),
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.frames[xid] = sf
	c.mu.Unlock()

	c.wmu.Lock()
	if c.opts.WriteTimeout > 0 {
		_ = c.tc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	err = rpc.WriteRecord(c.tc, hdr, args)
	c.wmu.Unlock()
	if err != nil {
		c.forget(xid)
		c.disconnect(fmt.Errorf("write call: %w", err))
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.lastSent.Store(time.Now().UnixNano())

	c.log.Debug("Call sent: xid=0x%x prog=%d vers=%d proc=%d", xid, prog, vers, proc)
	return sf, nil
}

// RegisterCallback installs a program the server may call on this
// connection. Registering the same number and version again replaces it.
func (c *Client) RegisterCallback(p CallbackProgram) error {
	if len(p.Actors) == 0 {
		return fmt.Errorf("rpcclnt: callback program %q has no actors", p.Name)
	}
	c.mu.Lock()
	c.callbacks[callbackKey{p.Number, p.Version}] = &p
	c.mu.Unlock()
	c.log.Debug("Registered callback program %s (%d/%d)", p.Name, p.Number, p.Version)
	return nil
}

// UnregisterCallback removes a callback program. It reports whether it was
// registered.
func (c *Client) UnregisterCallback(prog, vers uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := callbackKey{prog, vers}
	_, ok := c.callbacks[key]
	delete(c.callbacks, key)
	return ok
}

// forget drops the saved frame of xid, if still there.
func (c *Client) forget(xid uint32) *savedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	sf := c.frames[xid]
	delete(c.frames, xid)
	return sf
}

// readLoop reads records. Replies complete their saved frames; calls go
// to the callback programs.
func (c *Client) readLoop() {
	var cause error
	defer func() {
		c.disconnect(cause)
	}()

	for {
		record, err := rpc.ReadRecord(c.tc, c.opts.MaxRecordSize)
		if err != nil {
			cause = fmt.Errorf("read reply: %w", err)
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		if mt, err := rpc.MessageType(record); err == nil && mt == rpc.RPCCall {
			c.handleCallback(record)
			continue
		}

		reply, results, err := rpc.DecodeReply(record)
		if err != nil {
			c.log.Warn("Dropping undecodable reply of %d bytes: %v", len(record), err)
			continue
		}

		sf := c.forget(reply.XID)
		if sf == nil {
			c.log.Debug("No call waiting for reply xid=0x%x", reply.XID)
			continue
		}
		sf.complete(result{reply: reply, results: results})
	}
}

// handleCallback runs the actor a server call is addressed to. Calls for
// unknown programs or procedures are dropped.
func (c *Client) handleCallback(record []byte) {
	call, err := rpc.ReadCall(record)
	if err != nil {
		c.log.Warn("Dropping undecodable callback of %d bytes: %v", len(record), err)
		return
	}
	args, err := rpc.ReadData(record, call)
	if err != nil {
		c.log.Warn("Dropping callback xid=0x%x: %v", call.XID, err)
		return
	}

	c.mu.Lock()
	p := c.callbacks[callbackKey{call.Program, call.Version}]
	c.mu.Unlock()
	if p == nil {
		c.log.Debug("No callback program %d/%d for xid=0x%x", call.Program, call.Version, call.XID)
		return
	}
	if int(call.Procedure) >= len(p.Actors) || p.Actors[call.Procedure] == nil {
		c.log.Debug("Callback program %s has no procedure %d", p.Name, call.Procedure)
		return
	}

	c.log.Debug("Callback received: %s proc=%d xid=0x%x", p.Name, call.Procedure, call.XID)
	p.Actors[call.Procedure](args)
}

// disconnect closes the connection once and completes every saved frame
// with ErrNotConnected.
func (c *Client) disconnect(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.err = cause
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.bailTimer != nil {
		c.bailTimer.Stop()
		c.bailTimer = nil
	}
	frames := c.frames
	c.frames = make(map[uint32]*savedFrame)
	c.mu.Unlock()

	_ = c.tc.Disconnect()
	for _, sf := range frames {
		c.log.Debug("Unwinding call xid=0x%x prog=%d vers=%d proc=%d: not connected",
			sf.xid, sf.prog, sf.vers, sf.proc)
		sf.complete(result{err: ErrNotConnected})
	}
	close(c.done)

	if cause != nil && !errors.Is(cause, ErrClosed) {
		c.log.Info("Disconnected from %s: %v", c.tc.PeerAddr(), cause)
	}
}

// pingCheck disconnects a connection that has calls outstanding but has
// neither sent nor received anything for PingTimeout.
func (c *Client) pingCheck() {
	timeout := c.opts.PingTimeout
	last := max(c.lastRecv.Load(), c.lastSent.Load())
	since := time.Since(time.Unix(0, last))

	c.mu.Lock()
	if !c.connected || c.pingTimer == nil {
		c.mu.Unlock()
		return
	}
	outstanding := len(c.frames)
	if outstanding == 0 || since < timeout {
		next := timeout
		if outstanding > 0 {
			next = timeout - since
		}
		c.pingTimer.Reset(next)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Warn("No activity with server %s in the last %v with %d call(s) outstanding, disconnecting",
		c.tc.PeerAddr(), since.Round(time.Millisecond), outstanding)
	c.disconnect(fmt.Errorf("ping timer expired after %v", timeout))
}

func (c *Client) bailInterval() time.Duration {
	interval := c.opts.FrameTimeout / 2
	if interval > maxBailInterval {
		interval = maxBailInterval
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

// callBail completes the calls saved longer than FrameTimeout ago with
// ErrTimeout.
func (c *Client) callBail() {
	cutoff := time.Now().Add(-c.opts.FrameTimeout)

	c.mu.Lock()
	if !c.connected || c.bailTimer == nil {
		c.mu.Unlock()
		return
	}
	var bailed []*savedFrame
	for xid, sf := range c.frames {
		if sf.savedAt.Before(cutoff) {
			bailed = append(bailed, sf)
			delete(c.frames, xid)
		}
	}
	c.bailTimer.Reset(c.bailInterval())
	c.mu.Unlock()

	for _, sf := range bailed {
		c.log.Error("Bailing out frame xid=0x%x prog=%d vers=%d proc=%d sent=%s timeout=%v",
			sf.xid, sf.prog, sf.vers, sf.proc, sf.savedAt.Format(time.RFC3339Nano), c.opts.FrameTimeout)
		sf.complete(result{err: ErrTimeout})
	}
}

// Close disconnects. Outstanding calls fail with ErrNotConnected.
func (c *Client) Close() error {
	c.disconnect(ErrClosed)
	return nil
}

// Done is closed once the client is disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client disconnected, or nil while connected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connected reports whether the connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *Client) String() string {
	return c.tc.String()
}
