package transport

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// peerLookupTimeout bounds the reverse lookup done by PeerName.
const peerLookupTimeout = 2 * time.Second

// Conn is an established connection of some transport.
//
// Reads go straight to the socket. Writes pass through the TX bandwidth
// limiter when one is configured. Conn is safe for one reader and one
// writer running concurrently.
type Conn struct {
	net.Conn

	transport string
	w         io.Writer

	closeOnce sync.Once
	closeErr  error

	nameOnce sync.Once
	peerName string
}

// NewConn wraps nc for transport name. txBandwidth > 0 limits written
// bytes per second.
func NewConn(nc net.Conn, name string, txBandwidth int64) *Conn {
	c := &Conn{Conn: nc, transport: name, w: nc}
	if txBandwidth > 0 {
		bucket := ratelimit.NewBucketWithRate(float64(txBandwidth), txBandwidth)
		c.w = ratelimit.Writer(nc, bucket)
	}
	return c
}

// Transport returns the name of the transport that created c.
func (c *Conn) Transport() string {
	return c.transport
}

// Write writes b, waiting for bandwidth tokens if limited.
func (c *Conn) Write(b []byte) (int, error) {
	return c.w.Write(b)
}

// MyAddr returns the local address.
func (c *Conn) MyAddr() net.Addr {
	return c.LocalAddr()
}

// PeerAddr returns the remote address.
func (c *Conn) PeerAddr() net.Addr {
	return c.RemoteAddr()
}

// PeerIP returns the remote IP as a string, or "" for non IP transports.
func (c *Conn) PeerIP() string {
	if tcp, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return ""
}

// PeerPort returns the remote port. Unix sockets report 0, which counts as
// privileged.
func (c *Conn) PeerPort() int {
	if tcp, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// IsLocal reports whether the peer is on this host.
func (c *Conn) IsLocal() bool {
	switch a := c.RemoteAddr().(type) {
	case *net.TCPAddr:
		return a.IP.IsLoopback()
	case *net.UnixAddr:
		return true
	}
	return false
}

// PeerName returns the resolved host name of the peer. It falls back to the
// IP when reverse lookup fails. Unix peers are "localhost". The result is
// cached.
func (c *Conn) PeerName() string {
	c.nameOnce.Do(func() {
		ip := c.PeerIP()
		if ip == "" {
			c.peerName = "localhost"
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), peerLookupTimeout)
		defer cancel()
		names, err := net.DefaultResolver.LookupAddr(ctx, ip)
		if err != nil || len(names) == 0 {
			c.peerName = ip
			return
		}
		c.peerName = strings.TrimSuffix(names[0], ".")
	})
	return c.peerName
}

// Disconnect closes the connection. Calling it more than once returns the
// first result.
func (c *Conn) Disconnect() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// Close is Disconnect.
func (c *Conn) Close() error {
	return c.Disconnect()
}

// String returns "transport:local->peer".
func (c *Conn) String() string {
	return c.transport + ":" + c.LocalAddr().String() + "->" + c.RemoteAddr().String()
}
