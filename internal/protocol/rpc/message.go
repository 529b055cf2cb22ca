package rpc

import "fmt"

// RPCCallMessage represents the header of an RPC call (request) message.
//
// Wire Format (XDR encoding):
//   - XID:        4 bytes (transaction identifier)
//   - MsgType:    4 bytes (must be 0 for CALL)
//   - RPCVersion: 4 bytes (must be 2 for RPC version 2)
//   - Program:    4 bytes (program number)
//   - Version:    4 bytes (program version)
//   - Procedure:  4 bytes (procedure number within program)
//   - Cred:       variable (authentication credentials)
//   - Verf:       variable (authentication verifier)
//   - [procedure-specific parameters follow]
//
// Reference: RFC 5531 Section 9 (RPC Protocol Specification)
type RPCCallMessage struct {
	// XID uniquely identifies this RPC call. The server echoes it back in
	// the reply and the duplicate request cache keys on it.
	XID uint32

	// MsgType must always be 0 (RPCCall).
	MsgType uint32

	// RPCVersion must be 2. Any other value is answered with a
	// MSG_DENIED / RPC_MISMATCH reply.
	RPCVersion uint32

	// Program identifies which registered RPC program this call is for.
	Program uint32

	// Version is the requested program version.
	Version uint32

	// Procedure indexes the program's actor table.
	Procedure uint32

	// Cred contains authentication credentials from the client.
	Cred OpaqueAuth

	// Verf contains the authentication verifier from the client.
	Verf OpaqueAuth
}

// OpaqueAuth represents authentication credentials or verifiers.
//
// The RPC layer does not interpret the body; the authenticator selected
// by Flavor does.
//
// Reference: RFC 5531 Section 8 (Authentication)
type OpaqueAuth struct {
	// Flavor identifies the authentication scheme (AuthNull, AuthUnix, ...).
	Flavor uint32

	// Body contains the flavor specific authentication data, at most
	// MaxAuthBytes long.
	Body []byte `xdr:"opaque"`
}

// NullAuth returns an AUTH_NULL credential or verifier.
func NullAuth() OpaqueAuth {
	return OpaqueAuth{Flavor: AuthNull, Body: []byte{}}
}

// GetAuthFlavor returns the authentication flavor from the call credentials.
func (c *RPCCallMessage) GetAuthFlavor() uint32 {
	return c.Cred.Flavor
}

// GetAuthBody returns the raw credential body.
//
// For AUTH_UNIX use ParseUnixAuth, for the GlusterFS flavors use
// ParseGlusterAuthV1 / ParseGlusterAuthV2 to decode it.
func (c *RPCCallMessage) GetAuthBody() []byte {
	return c.Cred.Body
}

func (c *RPCCallMessage) String() string {
	return fmt.Sprintf("XID=0x%x Program=%d Version=%d Procedure=%d AuthFlavor=%d",
		c.XID, c.Program, c.Version, c.Procedure, c.Cred.Flavor)
}

// ReplyMessage is a decoded RPC reply header.
//
// Exactly one of the accepted or denied branches is meaningful, selected by
// ReplyState.
type ReplyMessage struct {
	XID        uint32
	ReplyState uint32

	// Accepted branch
	Verf       OpaqueAuth
	AcceptStat uint32

	// MismatchLow / MismatchHigh are set for PROG_MISMATCH (accepted) and
	// RPC_MISMATCH (denied).
	MismatchLow  uint32
	MismatchHigh uint32

	// Denied branch
	RejectStat uint32
	AuthStat   uint32
}

// Err converts a non-successful reply into a *ReplyError, or returns nil
// for an accepted SUCCESS reply.
func (r *ReplyMessage) Err() error {
	if r.ReplyState == RPCMsgAccepted && r.AcceptStat == RPCSuccess {
		return nil
	}
	return &ReplyError{
		ReplyState: r.ReplyState,
		AcceptStat: r.AcceptStat,
		RejectStat: r.RejectStat,
		AuthStat:   r.AuthStat,
		Low:        r.MismatchLow,
		High:       r.MismatchHigh,
	}
}

// ReplyError describes an RPC level failure reported by the server.
type ReplyError struct {
	ReplyState uint32
	AcceptStat uint32
	RejectStat uint32
	AuthStat   uint32
	Low        uint32
	High       uint32
}

func (e *ReplyError) Error() string {
	if e.ReplyState == RPCMsgDenied {
		if e.RejectStat == RPCMismatch {
			return fmt.Sprintf("rpc denied: RPC_MISMATCH (low=%d high=%d)", e.Low, e.High)
		}
		return fmt.Sprintf("rpc denied: AUTH_ERROR (%s)", AuthStatString(e.AuthStat))
	}
	if e.AcceptStat == RPCProgMismatch {
		return fmt.Sprintf("rpc accepted: PROG_MISMATCH (low=%d high=%d)", e.Low, e.High)
	}
	return fmt.Sprintf("rpc accepted: %s", AcceptStatString(e.AcceptStat))
}
