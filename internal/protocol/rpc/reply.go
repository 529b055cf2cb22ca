package rpc

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// acceptedReplyHeader is the fixed part of a MSG_ACCEPTED reply.
type acceptedReplyHeader struct {
	XID        uint32
	MsgType    uint32
	ReplyState uint32
	Verf       OpaqueAuth
	AcceptStat uint32
}

// deniedReplyHeader is the fixed part of a MSG_DENIED reply.
type deniedReplyHeader struct {
	XID        uint32
	MsgType    uint32
	ReplyState uint32
	RejectStat uint32
}

type mismatchInfo struct {
	Low  uint32
	High uint32
}

// AcceptedReply describes an accepted reply header to be encoded.
type AcceptedReply struct {
	XID        uint32
	Verf       OpaqueAuth
	AcceptStat uint32

	// Low and High are only encoded for RPCProgMismatch.
	Low  uint32
	High uint32
}

// EncodeAcceptedReply encodes a MSG_ACCEPTED reply header.
//
// For PROG_MISMATCH the supported version range follows the accept_stat.
// For SUCCESS the procedure results are appended by the caller.
//
// Returns the XDR bytes without a record marker.
func EncodeAcceptedReply(r AcceptedReply) ([]byte, error) {
	verf := r.Verf
	if verf.Body == nil {
		verf.Body = []byte{}
	}

	buf := bytes.NewBuffer(make([]byte, 0, 32+len(verf.Body)))
	hdr := acceptedReplyHeader{
		XID:        r.XID,
		MsgType:    RPCReply,
		ReplyState: RPCMsgAccepted,
		Verf:       verf,
		AcceptStat: r.AcceptStat,
	}
	if _, err := xdr.Marshal(buf, &hdr); err != nil {
		return nil, fmt.Errorf("marshal accepted reply: %w", err)
	}

	if r.AcceptStat == RPCProgMismatch {
		if _, err := xdr.Marshal(buf, &mismatchInfo{Low: r.Low, High: r.High}); err != nil {
			return nil, fmt.Errorf("marshal mismatch info: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// EncodeRPCMismatchReply encodes MSG_DENIED / RPC_MISMATCH with the
// supported protocol version range.
func EncodeRPCMismatchReply(xid, low, high uint32) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 24))
	hdr := deniedReplyHeader{XID: xid, MsgType: RPCReply, ReplyState: RPCMsgDenied, RejectStat: RPCMismatch}
	if _, err := xdr.Marshal(buf, &hdr); err != nil {
		return nil, fmt.Errorf("marshal denied reply: %w", err)
	}
	if _, err := xdr.Marshal(buf, &mismatchInfo{Low: low, High: high}); err != nil {
		return nil, fmt.Errorf("marshal mismatch info: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeAuthErrorReply encodes MSG_DENIED / AUTH_ERROR with an auth_stat.
func EncodeAuthErrorReply(xid, authStat uint32) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 20))
	hdr := deniedReplyHeader{XID: xid, MsgType: RPCReply, ReplyState: RPCMsgDenied, RejectStat: RPCAuthError}
	if _, err := xdr.Marshal(buf, &hdr); err != nil {
		return nil, fmt.Errorf("marshal denied reply: %w", err)
	}
	var stat = authStat
	if _, err := xdr.Marshal(buf, &stat); err != nil {
		return nil, fmt.Errorf("marshal auth stat: %w", err)
	}
	return buf.Bytes(), nil
}

// MakeSuccessReply constructs a complete, record-marked RPC success reply.
//
// The reply structure is:
//  1. RPC Fragment Header (4 bytes, last fragment bit set)
//  2. RPC Reply Header (XDR: xid, REPLY, MSG_ACCEPTED, AUTH_NULL verf, SUCCESS)
//  3. Procedure Results (data, already XDR-encoded by the caller)
//
// Parameters:
//   - xid: Transaction ID from the original RPC call (must match)
//   - data: XDR-encoded procedure results (may be empty)
//
// Returns:
//   - []byte: Complete RPC reply ready to send on the wire
//   - error: Encoding error if reply marshaling fails
func MakeSuccessReply(xid uint32, data []byte) ([]byte, error) {
	hdr, err := EncodeAcceptedReply(AcceptedReply{XID: xid, Verf: NullAuth(), AcceptStat: RPCSuccess})
	if err != nil {
		return nil, err
	}
	return frame(hdr, data), nil
}

// MakeErrorReply creates a complete, record-marked accepted reply carrying
// an error accept_stat (e.g. SYSTEM_ERR when a request is rate limited).
func MakeErrorReply(xid uint32, acceptStat uint32) ([]byte, error) {
	hdr, err := EncodeAcceptedReply(AcceptedReply{XID: xid, Verf: NullAuth(), AcceptStat: acceptStat})
	if err != nil {
		return nil, fmt.Errorf("marshal error reply: %w", err)
	}
	return frame(hdr, nil), nil
}

func frame(hdr, data []byte) []byte {
	size := uint32(len(hdr) + len(data))
	result := make([]byte, FragmentHeaderSize, FragmentHeaderSize+int(size))
	PutFragmentHeader(result, true, size)
	result = append(result, hdr...)
	return append(result, data...)
}

type replyPrefix struct {
	XID        uint32
	MsgType    uint32
	ReplyState uint32
}

type acceptedBody struct {
	Verf       OpaqueAuth
	AcceptStat uint32
}

// DecodeReply decodes an RPC reply header and returns it together with
// the remaining bytes (the procedure results for an accepted SUCCESS).
func DecodeReply(data []byte) (*ReplyMessage, []byte, error) {
	r := bytes.NewReader(data)

	var prefix replyPrefix
	if _, err := xdr.Unmarshal(r, &prefix); err != nil {
		return nil, nil, fmt.Errorf("unmarshal reply: %w", err)
	}
	if prefix.MsgType != RPCReply {
		return nil, nil, fmt.Errorf("expected REPLY (1), got %d", prefix.MsgType)
	}

	msg := &ReplyMessage{XID: prefix.XID, ReplyState: prefix.ReplyState}

	switch prefix.ReplyState {
	case RPCMsgAccepted:
		var body acceptedBody
		if _, err := xdr.Unmarshal(r, &body); err != nil {
			return nil, nil, fmt.Errorf("unmarshal accepted reply: %w", err)
		}
		if len(body.Verf.Body) > MaxAuthBytes {
			return nil, nil, ErrAuthTooLarge
		}
		msg.Verf = body.Verf
		msg.AcceptStat = body.AcceptStat
		if body.AcceptStat == RPCProgMismatch {
			var mm mismatchInfo
			if _, err := xdr.Unmarshal(r, &mm); err != nil {
				return nil, nil, fmt.Errorf("unmarshal mismatch info: %w", err)
			}
			msg.MismatchLow, msg.MismatchHigh = mm.Low, mm.High
		}

	case RPCMsgDenied:
		var stat uint32
		if _, err := xdr.Unmarshal(r, &stat); err != nil {
			return nil, nil, fmt.Errorf("unmarshal reject stat: %w", err)
		}
		msg.RejectStat = stat
		switch stat {
		case RPCMismatch:
			var mm mismatchInfo
			if _, err := xdr.Unmarshal(r, &mm); err != nil {
				return nil, nil, fmt.Errorf("unmarshal mismatch info: %w", err)
			}
			msg.MismatchLow, msg.MismatchHigh = mm.Low, mm.High
		case RPCAuthError:
			var as uint32
			if _, err := xdr.Unmarshal(r, &as); err != nil {
				return nil, nil, fmt.Errorf("unmarshal auth stat: %w", err)
			}
			msg.AuthStat = as
		default:
			return nil, nil, fmt.Errorf("unknown reject stat %d", stat)
		}

	default:
		return nil, nil, fmt.Errorf("unknown reply state %d", prefix.ReplyState)
	}

	consumed := len(data) - r.Len()
	return msg, data[consumed:], nil
}
