package rpc

// RPCVersion is the only ONC-RPC protocol version understood (RFC 5531).
const RPCVersion = 2

// MaxAuthBytes bounds the body of a credential or verifier (RFC 5531 opaque_auth).
const MaxAuthBytes = 400

// ProgramPortmap is the port mapper program number (RFC 1833).
const ProgramPortmap = 100000

// RPC Message Types
//
// These constants identify whether an RPC message is a call (request)
// from a client or a reply (response) from a server.
//
// Reference: RFC 5531 Section 9 (RPC Message Protocol)
const (
	// RPCCall indicates an RPC call message.
	RPCCall = 0

	// RPCReply indicates an RPC reply message.
	RPCReply = 1
)

// RPC Reply States
//
// After receiving an RPC call, the server sends a reply that can be
// in one of two states: accepted or denied.
const (
	// RPCMsgAccepted indicates the RPC call was accepted.
	// The reply carries an accept_stat describing the outcome.
	RPCMsgAccepted = 0

	// RPCMsgDenied indicates the RPC call was denied, either because of
	// an RPC version mismatch or an authentication failure.
	// The reply carries a reject_stat with the reason.
	RPCMsgDenied = 1
)

// RPC Accept Status
//
// When an RPC call is accepted (RPCMsgAccepted), the accept_stat field
// indicates whether the procedure executed successfully or why it failed.
//
// PROG_UNAVAIL, PROG_MISMATCH and PROC_UNAVAIL are deliberately distinct
// on the wire so a client can tell an unknown program from an unsupported
// version or an unknown procedure.
const (
	// RPCSuccess indicates successful RPC execution.
	RPCSuccess = 0

	// RPCProgUnavail indicates the program number is not registered.
	RPCProgUnavail = 1

	// RPCProgMismatch indicates program version mismatch.
	// The reply includes the range of supported versions (low and high).
	RPCProgMismatch = 2

	// RPCProcUnavail indicates the procedure is unavailable.
	RPCProcUnavail = 3

	// RPCGarbageArgs indicates the arguments could not be decoded.
	RPCGarbageArgs = 4

	// RPCSystemErr indicates a system error on the server, such as:
	//   - Resource exhaustion
	//   - Rate limiting
	//   - Internal server errors
	RPCSystemErr = 5
)

// RPC Reject Status (MSG_DENIED)
const (
	// RPCMismatch means the RPC protocol version is not 2.
	RPCMismatch = 0

	// RPCAuthError means the credentials were refused; an auth_stat follows.
	RPCAuthError = 1
)

// Authentication status carried by an AUTH_ERROR reply.
const (
	AuthOK           = 0
	AuthBadCred      = 1
	AuthRejectedCred = 2
	AuthBadVerf      = 3
	AuthRejectedVerf = 4
	AuthTooWeak      = 5
	AuthInvalidResp  = 6
	AuthFailed       = 7
)

// Authentication Flavors
//
// The numeric order of the flavors defines their strength: a program may
// demand a minimum flavor and reject anything numerically below it.
const (
	// AuthNull carries no identity.
	AuthNull uint32 = 0

	// AuthUnix carries stamp, machine name, uid, gid and up to 16 gids.
	AuthUnix uint32 = 1

	// AuthShort is a server-issued shorthand credential.
	AuthShort uint32 = 2

	// AuthDES is the DES (AUTH_DH) flavor.
	AuthDES uint32 = 3

	// AuthGlusterFS carries lock owner, pid, uid, gid and a fixed
	// array of 16 groups.
	AuthGlusterFS uint32 = 390039

	// AuthGlusterFSv2 carries pid, uid, gid, a variable group list and
	// a variable length lock owner.
	AuthGlusterFSv2 uint32 = 390040
)

// Record marking (RFC 5531 Section 11).
const (
	// LastFragment is bit 31 of the record marker.
	LastFragment uint32 = 0x80000000

	// FragmentSizeMask extracts the fragment length from the marker.
	FragmentSizeMask uint32 = 0x7fffffff

	// FragmentHeaderSize is the size of the record marker on the wire.
	FragmentHeaderSize = 4
)

// AcceptStatString returns the symbolic name of an accept_stat.
func AcceptStatString(stat uint32) string {
	switch stat {
	case RPCSuccess:
		return "SUCCESS"
	case RPCProgUnavail:
		return "PROG_UNAVAIL"
	case RPCProgMismatch:
		return "PROG_MISMATCH"
	case RPCProcUnavail:
		return "PROC_UNAVAIL"
	case RPCGarbageArgs:
		return "GARBAGE_ARGS"
	case RPCSystemErr:
		return "SYSTEM_ERR"
	default:
		return "UNKNOWN"
	}
}

// AuthStatString returns the symbolic name of an auth_stat.
func AuthStatString(stat uint32) string {
	switch stat {
	case AuthOK:
		return "AUTH_OK"
	case AuthBadCred:
		return "AUTH_BADCRED"
	case AuthRejectedCred:
		return "AUTH_REJECTEDCRED"
	case AuthBadVerf:
		return "AUTH_BADVERF"
	case AuthRejectedVerf:
		return "AUTH_REJECTEDVERF"
	case AuthTooWeak:
		return "AUTH_TOOWEAK"
	case AuthInvalidResp:
		return "AUTH_INVALIDRESP"
	case AuthFailed:
		return "AUTH_FAILED"
	default:
		return "UNKNOWN"
	}
}
