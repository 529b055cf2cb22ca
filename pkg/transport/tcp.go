package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

type tcpTransport struct{}

func (tcpTransport) Name() string { return TypeTCP }

func keepaliveConfig(opts Options) net.KeepAliveConfig {
	if opts.KeepaliveTime <= 0 {
		return net.KeepAliveConfig{Enable: false}
	}
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     opts.KeepaliveTime,
		Interval: opts.KeepaliveInterval,
		Count:    opts.KeepaliveCount,
	}
}

func (tcpTransport) Listen(ctx context.Context, opts Options) (Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepaliveConfig(opts)}
	if opts.KeepaliveTime <= 0 {
		lc.KeepAlive = -1
	}
	if opts.ReuseAddr {
		lc.Control = reuseAddr
	}

	l, err := lc.Listen(ctx, "tcp", opts.ListenAddress())
	if err != nil {
		return nil, fmt.Errorf("tcp listen on %s: %w", opts.ListenAddress(), err)
	}
	return &netListener{l: l, name: TypeTCP, txBandwidth: opts.TxBandwidth}, nil
}

func (tcpTransport) Connect(ctx context.Context, opts Options) (*Conn, error) {
	d := net.Dialer{KeepAliveConfig: keepaliveConfig(opts)}
	if opts.KeepaliveTime <= 0 {
		d.KeepAlive = -1
	}
	nc, err := d.DialContext(ctx, "tcp", opts.RemoteAddress())
	if err != nil {
		return nil, fmt.Errorf("tcp connect to %s: %w", opts.RemoteAddress(), err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewConn(nc, TypeTCP, opts.TxBandwidth), nil
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// netListener adapts a net.Listener.
type netListener struct {
	l           net.Listener
	name        string
	txBandwidth int64
}

func (nl *netListener) Accept() (*Conn, error) {
	nc, err := nl.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewConn(nc, nl.name, nl.txBandwidth), nil
}

func (nl *netListener) Close() error { return nl.l.Close() }

func (nl *netListener) Addr() net.Addr { return nl.l.Addr() }
