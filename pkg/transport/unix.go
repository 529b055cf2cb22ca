package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

type unixTransport struct{}

func (unixTransport) Name() string { return TypeUnix }

// Listen removes a stale socket file left by a previous run before binding.
func (unixTransport) Listen(ctx context.Context, opts Options) (Listener, error) {
	if fi, err := os.Lstat(opts.SocketPath); err == nil && fi.Mode()&fs.ModeSocket != 0 {
		if err := os.Remove(opts.SocketPath); err != nil {
			return nil, fmt.Errorf("unix listen: remove stale socket: %w", err)
		}
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("unix listen: %w", err)
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "unix", opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("unix listen on %s: %w", opts.SocketPath, err)
	}
	return &netListener{l: l, name: TypeUnix, txBandwidth: opts.TxBandwidth}, nil
}

func (unixTransport) Connect(ctx context.Context, opts Options) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("unix connect to %s: %w", opts.SocketPath, err)
	}
	return NewConn(nc, TypeUnix, opts.TxBandwidth), nil
}
