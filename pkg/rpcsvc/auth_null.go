package rpcsvc

import "github.com/marmos91/dittorpc/internal/protocol/rpc"

// nullAuth accepts every call and carries no identity.
type nullAuth struct{}

func (nullAuth) Name() string               { return "auth-null" }
func (nullAuth) Flavor() uint32             { return rpc.AuthNull }
func (nullAuth) ConnInit(*Conn) error       { return nil }
func (nullAuth) RequestInit(*Request) error { return nil }

func (nullAuth) Authenticate(*Request) AuthResult {
	return AuthAccept
}
