package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ErrShortHeader is returned when a buffer ends inside the RPC call header.
var ErrShortHeader = errors.New("rpc: truncated call header")

// ErrAuthTooLarge is returned when a credential or verifier body exceeds
// MaxAuthBytes.
var ErrAuthTooLarge = errors.New("rpc: auth body exceeds 400 bytes")

// Fixed portions of the call header, used by the record assembler to
// read a call in pieces.
const (
	// CallFixedSize covers XID through the credential length:
	// xid, msgtype, rpcvers, prog, vers, proc, cred flavor, cred length.
	CallFixedSize = 32

	// AuthHeaderSize is an opaque_auth flavor plus its length word.
	AuthHeaderSize = 8
)

// CallHeaderSize validates the framing of an RPC call header and returns
// its encoded size, i.e. the offset at which procedure arguments start.
//
// Only the structure is checked: that the buffer is long enough and that
// neither opaque_auth body is larger than MaxAuthBytes. The RPC version
// and message type are validated by the dispatcher.
//
// Parameters:
//   - data: Record payload starting at the XID
//
// Returns:
//   - int: Size of the call header including padded cred and verf
//   - error: ErrShortHeader or ErrAuthTooLarge
func CallHeaderSize(data []byte) (int, error) {
	if len(data) < CallFixedSize {
		return 0, ErrShortHeader
	}

	credLen := binary.BigEndian.Uint32(data[28:32])
	if credLen > MaxAuthBytes {
		return 0, fmt.Errorf("credential length %d: %w", credLen, ErrAuthTooLarge)
	}
	offset := CallFixedSize + int(credLen) + int(XdrPadding(credLen))

	if len(data) < offset+AuthHeaderSize {
		return 0, ErrShortHeader
	}
	verfLen := binary.BigEndian.Uint32(data[offset+4 : offset+8])
	if verfLen > MaxAuthBytes {
		return 0, fmt.Errorf("verifier length %d: %w", verfLen, ErrAuthTooLarge)
	}
	offset += AuthHeaderSize + int(verfLen) + int(XdrPadding(verfLen))

	if len(data) < offset {
		return 0, ErrShortHeader
	}
	return offset, nil
}

// MessageType returns the msg_type word of a record: RPCCall or RPCReply.
// A connection carrying server callbacks sees both.
func MessageType(data []byte) (uint32, error) {
	if len(data) < 8 {
		return 0, ErrShortHeader
	}
	return binary.BigEndian.Uint32(data[4:8]), nil
}

// ReadCall parses an RPC call message from raw bytes.
//
// The header framing is validated with CallHeaderSize before decoding, so
// a hostile length word can never cause a large allocation. It validates
// that the message is actually a CALL (not a REPLY).
//
// Parameters:
//   - data: Record payload containing the RPC call message
//
// Returns:
//   - *RPCCallMessage: Parsed RPC call header with all fields populated
//   - error: Parse error if the data is malformed or not a valid CALL message
//
// Example usage:
//
//	call, err := rpc.ReadCall(record)
//	if err != nil {
//	    // answer GARBAGE_ARGS
//	}
//	params, err := rpc.ReadData(record, call)
func ReadCall(data []byte) (*RPCCallMessage, error) {
	if _, err := CallHeaderSize(data); err != nil {
		return nil, err
	}

	call := &RPCCallMessage{}
	_, err := xdr.Unmarshal(bytes.NewReader(data), call)
	if err != nil {
		return nil, fmt.Errorf("unmarshal RPC call: %w", err)
	}

	if call.MsgType != RPCCall {
		return nil, fmt.Errorf("expected CALL (0), got %d", call.MsgType)
	}

	return call, nil
}

// ReadData extracts the procedure-specific parameters from an RPC message.
//
// The returned slice aliases message; no bytes are copied.
//
// Parameters:
//   - message: Complete RPC record payload
//   - call: Parsed RPC call header (from ReadCall)
//
// Returns:
//   - []byte: Procedure-specific parameter bytes (empty if none)
//   - error: ErrShortHeader if the message is truncated
func ReadData(message []byte, call *RPCCallMessage) ([]byte, error) {
	offset, err := CallHeaderSize(message)
	if err != nil {
		return nil, err
	}

	if offset >= len(message) {
		return []byte{}, nil
	}
	return message[offset:], nil
}

// EncodeCall serializes a call header. Procedure arguments are appended
// by the caller.
func EncodeCall(call *RPCCallMessage) ([]byte, error) {
	if len(call.Cred.Body) > MaxAuthBytes || len(call.Verf.Body) > MaxAuthBytes {
		return nil, ErrAuthTooLarge
	}

	buf := bytes.NewBuffer(make([]byte, 0, 40+len(call.Cred.Body)+len(call.Verf.Body)))
	if _, err := xdr.Marshal(buf, call); err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}
	return buf.Bytes(), nil
}

// XdrPadding calculates the number of padding bytes needed for XDR alignment.
//
// XDR requires all data to be aligned on 4-byte boundaries.
//
// Examples:
//   - length=1: padding=3
//   - length=4: padding=0
//   - length=5: padding=3
func XdrPadding(length uint32) uint32 {
	return (4 - (length % 4)) % 4
}
