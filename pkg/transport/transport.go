// Package transport abstracts the byte streams the RPC layer runs on.
//
// A Transport knows how to listen for and open connections of one kind
// (TCP, Unix domain sockets). Implementations are registered by name at
// init time and selected by the "type" option, so the RPC service never
// deals with sockets directly.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Transport type names.
const (
	TypeTCP   = "tcp"
	TypeUnix  = "unix"
	TypeIBSDP = "ib-sdp"
)

var (
	// ErrUnsupported is returned by transports that cannot run on this build.
	ErrUnsupported = errors.New("transport: not supported")

	// ErrUnknownTransport is returned by Lookup for unregistered names.
	ErrUnknownTransport = errors.New("transport: unknown type")

	// ErrClosed is returned by Accept once the listener is closed.
	ErrClosed = errors.New("transport: listener closed")
)

// Transport creates listeners and outgoing connections.
type Transport interface {
	// Name returns the registry key of the transport.
	Name() string

	// Listen binds to the address described by opts.
	Listen(ctx context.Context, opts Options) (Listener, error)

	// Connect dials the remote described by opts.
	Connect(ctx context.Context, opts Options) (*Conn, error)
}

// Listener accepts connections from a Transport.
type Listener interface {
	// Accept waits for the next connection. It returns ErrClosed after
	// Close.
	Accept() (*Conn, error)
	Close() error
	Addr() net.Addr
}

// Event is a connection event delivered to a Notifier.
type Event int

const (
	EventAccept Event = iota
	EventConnect
	EventDataReady
	EventDisconnect
	EventError
)

func (e Event) String() string {
	switch e {
	case EventAccept:
		return "ACCEPT"
	case EventConnect:
		return "CONNECT"
	case EventDataReady:
		return "DATA_READY"
	case EventDisconnect:
		return "DISCONNECT"
	case EventError:
		return "ERROR"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Notifier receives connection events. data carries event specific
// payload, such as the error for EventError.
type Notifier interface {
	Notify(ev Event, c *Conn, data any) error
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(ev Event, c *Conn, data any) error

// Notify calls f.
func (f NotifyFunc) Notify(ev Event, c *Conn, data any) error {
	return f(ev, c, data)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Transport)
)

// Register makes a transport available by name. Registering the same name
// twice panics.
func Register(t Transport) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if t == nil {
		panic("transport: Register of nil transport")
	}
	if _, dup := registry[t.Name()]; dup {
		panic("transport: Register called twice for " + t.Name())
	}
	registry[t.Name()] = t
}

// Lookup returns the transport registered under name.
func Lookup(name string) (Transport, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
	return t, nil
}

// Names returns the registered transport names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Listen validates opts and listens on the transport they select.
func Listen(ctx context.Context, opts Options) (Listener, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	t, err := Lookup(opts.Type)
	if err != nil {
		return nil, err
	}
	return t.Listen(ctx, opts)
}

// Connect validates opts and dials with the transport they select.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	t, err := Lookup(opts.Type)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, opts)
}

func init() {
	Register(tcpTransport{})
	Register(unixTransport{})
	Register(sdpTransport{})
}
