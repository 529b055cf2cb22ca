// Package pmap keeps the table of registered RPC programs and the ports
// they listen on, in the form of the portmap (rpcbind v2) protocol.
//
// The RPC service records every program it registers, so a portmap
// program served on top of a Mapper can answer GETPORT and DUMP for it.
package pmap

import (
	"context"
	"errors"
	"fmt"
)

// Protocol numbers used in mappings.
const (
	ProtoTCP uint32 = 6
	ProtoUDP uint32 = 17
)

// Portmap program identity.
const (
	Program uint32 = 100000
	Version uint32 = 2
)

// ErrClosed is returned by operations on a closed mapper.
var ErrClosed = errors.New("pmap: mapper closed")

// Mapping binds (program, version, protocol) to a port.
type Mapping struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

func (m Mapping) String() string {
	return fmt.Sprintf("%d/%d/%s -> %d", m.Prog, m.Vers, ProtoName(m.Prot), m.Port)
}

// ProtoName returns "tcp", "udp" or the number.
func ProtoName(p uint32) string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	}
	return fmt.Sprintf("%d", p)
}

// Mapper stores program to port mappings.
type Mapper interface {
	// Set adds a mapping. It returns false when a mapping for the same
	// program, version and protocol already exists.
	Set(ctx context.Context, m Mapping) (bool, error)

	// Unset removes the mappings of a program version for every protocol.
	// It returns false when there was none.
	Unset(ctx context.Context, prog, vers uint32) (bool, error)

	// GetPort returns the port of a mapping, or 0 if not registered.
	GetPort(ctx context.Context, prog, vers, prot uint32) (uint32, error)

	// List returns every mapping ordered by program, version and protocol.
	List(ctx context.Context) ([]Mapping, error)

	Close() error
}

// NoopMapper accepts every call and remembers nothing.
type NoopMapper struct{}

func (NoopMapper) Set(context.Context, Mapping) (bool, error) { return true, nil }

func (NoopMapper) Unset(context.Context, uint32, uint32) (bool, error) { return true, nil }

func (NoopMapper) GetPort(context.Context, uint32, uint32, uint32) (uint32, error) { return 0, nil }

func (NoopMapper) List(context.Context) ([]Mapping, error) { return nil, nil }

func (NoopMapper) Close() error { return nil }
