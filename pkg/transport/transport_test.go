package transport

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackOptions() Options {
	opts := DefaultOptions()
	opts.BindAddress = "127.0.0.1"
	opts.Port = 0
	return opts
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"ib-sdp", "tcp", "unix"}, Names())

	_, err := Lookup("carrier-pigeon")
	assert.ErrorIs(t, err, ErrUnknownTransport)

	sdp, err := Lookup(TypeIBSDP)
	require.NoError(t, err)
	_, err = sdp.Listen(context.Background(), Options{Type: TypeIBSDP})
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.Panics(t, func() { Register(tcpTransport{}) })
}

func TestOptions(t *testing.T) {
	t.Run("DefaultsValid", func(t *testing.T) {
		assert.NoError(t, DefaultOptions().Validate())
	})

	t.Run("UnknownType", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Type = "udp"
		assert.Error(t, opts.Validate())
	})

	t.Run("UnixNeedsPath", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Type = TypeUnix
		assert.Error(t, opts.Validate())
		opts.SocketPath = "/tmp/x.sock"
		assert.NoError(t, opts.Validate())
	})

	t.Run("PortRange", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Port = 70000
		assert.Error(t, opts.Validate())
	})

	t.Run("FromMap", func(t *testing.T) {
		opts, err := OptionsFromMap(DefaultOptions(), map[string]any{
			"port":           "2049",
			"keepalive_time": "45s",
			"allow_insecure": "false",
		})
		require.NoError(t, err)
		assert.Equal(t, 2049, opts.Port)
		assert.Equal(t, 45*time.Second, opts.KeepaliveTime)
		assert.False(t, opts.AllowInsecure)
		assert.Equal(t, TypeTCP, opts.Type)

		_, err = OptionsFromMap(DefaultOptions(), map[string]any{"no_such_key": 1})
		assert.Error(t, err)
	})
}

func echoOnce(t *testing.T, l Listener) {
	t.Helper()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Disconnect()
		_, _ = io.Copy(c, c)
	}()
}

func TestTCP(t *testing.T) {
	ctx := context.Background()
	l, err := Listen(ctx, loopbackOptions())
	require.NoError(t, err)
	defer l.Close()
	echoOnce(t, l)

	copts := DefaultOptions()
	copts.RemoteHost = "127.0.0.1"
	copts.RemotePort = l.Addr().(*net.TCPAddr).Port
	c, err := Connect(ctx, copts)
	require.NoError(t, err)

	assert.Equal(t, TypeTCP, c.Transport())
	assert.Equal(t, "127.0.0.1", c.PeerIP())
	assert.Equal(t, copts.RemotePort, c.PeerPort())
	assert.True(t, c.IsLocal())
	assert.NotEmpty(t, c.PeerName())

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
}

func TestAcceptAfterClose(t *testing.T) {
	l, err := Listen(context.Background(), loopbackOptions())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Accept()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnix(t *testing.T) {
	ctx := context.Background()
	opts := Options{Type: TypeUnix, SocketPath: filepath.Join(t.TempDir(), "rpc.sock")}

	l, err := Listen(ctx, opts)
	require.NoError(t, err)
	echoOnce(t, l)

	c, err := Connect(ctx, opts)
	require.NoError(t, err)
	defer c.Disconnect()

	assert.Equal(t, 0, c.PeerPort())
	assert.Equal(t, "localhost", c.PeerName())
	assert.True(t, c.IsLocal())
	require.NoError(t, l.Close())

	// A socket file left behind does not prevent listening again.
	l2, err := Listen(ctx, opts)
	require.NoError(t, err)
	l2.Close()
}

func TestTxBandwidth(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConn(a, TypeTCP, 1000)
	defer c.Disconnect()

	go func() { _, _ = io.Copy(io.Discard, b) }()

	// The bucket starts with one second worth of tokens, the second
	// kilobyte has to wait for refill.
	start := time.Now()
	_, err := c.Write(make([]byte, 1000))
	require.NoError(t, err)
	_, err = c.Write(make([]byte, 500))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "ACCEPT", EventAccept.String())
	assert.Equal(t, "DISCONNECT", EventDisconnect.String())
	assert.Equal(t, "Event(42)", Event(42).String())
}
