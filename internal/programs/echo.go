// Package programs holds the RPC programs served by the dittorpc daemon:
// a demonstration echo program and a port mapper listing the programs
// registered with the service.
package programs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	xdr "github.com/rasky/go-xdr/xdr2"
	"golang.org/x/sys/unix"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/callstack"
	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/rpcsvc"
)

// Echo program identity and procedures.
const (
	EchoProgram = 0x20000099
	EchoVersion = 1

	EchoProcNull   = 0
	EchoProcEcho   = 1
	EchoProcWrite  = 2
	EchoProcWhoAmI = 3
)

// MaxWriteSize bounds the payload of a WRITE call.
const MaxWriteSize = 16 << 20

// EchoRequest is the argument of ECHO.
type EchoRequest struct {
	Message string
}

// EchoResponse is the result of ECHO.
type EchoResponse struct {
	Message string
}

// DecodeEchoRequest decodes the XDR arguments of ECHO.
func DecodeEchoRequest(data []byte) (*EchoRequest, error) {
	req := &EchoRequest{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), req); err != nil {
		return nil, fmt.Errorf("decode echo request: %w", err)
	}
	return req, nil
}

func (resp *EchoResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, resp); err != nil {
		return nil, fmt.Errorf("encode echo response: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteResponse is the result of WRITE: the number of payload bytes
// received and their CRC-32 (IEEE).
type WriteResponse struct {
	Count    uint32
	Checksum uint32
}

func (resp *WriteResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, resp); err != nil {
		return nil, fmt.Errorf("encode write response: %w", err)
	}
	return buf.Bytes(), nil
}

// WhoAmIResponse is the result of WHOAMI: the identity the call was
// authenticated as.
type WhoAmIResponse struct {
	UID     uint32
	GID     uint32
	Groups  []uint32
	Machine string
}

func (resp *WhoAmIResponse) Encode() ([]byte, error) {
	var buf bytes.Buffer
	r := *resp
	if r.Groups == nil {
		r.Groups = []uint32{}
	}
	if _, err := xdr.Marshal(&buf, &r); err != nil {
		return nil, fmt.Errorf("encode whoami response: %w", err)
	}
	return buf.Bytes(), nil
}

// echoBackend is the component ECHO winds its call to.
const echoBackend = callstack.ComponentName("echo-backend")

// EchoProgramDef returns the echo program.
//
// ECHO is served through a call frame wound to an in-process backend, the
// way a translator hands a request down its graph. WRITE reads its
// payload through the vectored path: a 4 byte length followed by that many
// bytes.
func EchoProgramDef() rpcsvc.Program {
	return rpcsvc.Program{
		Name:    "ECHO",
		Number:  EchoProgram,
		Version: EchoVersion,
		Actors: []rpcsvc.Actor{
			EchoProcNull: {Name: "NULL", Handler: handleNull, Unprivileged: true},
			EchoProcEcho: {Name: "ECHO", Handler: handleEcho, Unprivileged: true},
			EchoProcWrite: {
				Name:          "WRITE",
				VectorSizer:   writeSizer,
				VectorActor:   handleWrite,
				NonIdempotent: true,
				Unprivileged:  true,
			},
			EchoProcWhoAmI: {Name: "WHOAMI", Handler: handleWhoAmI, Unprivileged: true},
		},
	}
}

func handleNull(req *rpcsvc.Request) rpcsvc.ActorStatus {
	if err := req.SubmitReply(nil); err != nil {
		logger.Debug("NULL reply failed: %v", err)
	}
	return rpcsvc.ActorSuccess
}

func handleEcho(req *rpcsvc.Request) rpcsvc.ActorStatus {
	args, err := DecodeEchoRequest(req.Msg)
	if err != nil {
		logger.Debug("ECHO: %v", err)
		_ = req.ErrorReply(rpc.RPCGarbageArgs)
		return rpcsvc.ActorSuccess
	}

	cbk := func(_ *callstack.Frame, _ any, _ callstack.Component, opRet int, opErrno unix.Errno, out ...any) {
		if opRet < 0 {
			logger.Debug("ECHO backend failed: %v", opErrno)
			_ = req.ErrorReply(rpc.RPCSystemErr)
			return
		}
		resp := &EchoResponse{Message: out[0].(string)}
		data, err := resp.Encode()
		if err != nil {
			_ = req.ErrorReply(rpc.RPCSystemErr)
			return
		}
		_ = req.SubmitReply(data)
	}

	_, err = callstack.Wind(req.Frame(), cbk, nil, echoBackend, func(child *callstack.Frame) {
		_ = callstack.Unwind(child, len(args.Message), 0, args.Message)
	})
	if err != nil {
		return rpcsvc.ActorError
	}
	return rpcsvc.ActorSuccess
}

// writeSizer asks for the 4 byte length, then for the payload in a buffer
// of its own.
func writeSizer(req *rpcsvc.Request, consumed int) (int, bool, error) {
	switch consumed {
	case 0:
		return 4, false, nil
	case 4:
		n := binary.BigEndian.Uint32(req.Msg[:4])
		if n > MaxWriteSize {
			return 0, false, fmt.Errorf("write of %d bytes exceeds %d", n, MaxWriteSize)
		}
		return int(n), true, nil
	}
	return 0, false, nil
}

// handleWrite serves WRITE. vec is nil when the call was small enough to
// be read as one record; the payload then follows the length in req.Msg.
func handleWrite(req *rpcsvc.Request, vec *iobuf.IOBuf) rpcsvc.ActorStatus {
	var payload []byte
	if vec != nil {
		payload = vec.Bytes()[:req.PayloadSize()]
	} else {
		if len(req.Msg) < 4 {
			_ = req.ErrorReply(rpc.RPCGarbageArgs)
			return rpcsvc.ActorSuccess
		}
		n := binary.BigEndian.Uint32(req.Msg[:4])
		if int(n) > len(req.Msg)-4 {
			_ = req.ErrorReply(rpc.RPCGarbageArgs)
			return rpcsvc.ActorSuccess
		}
		payload = req.Msg[4 : 4+n]
	}

	resp := &WriteResponse{Count: uint32(len(payload)), Checksum: crc32.ChecksumIEEE(payload)}
	data, err := resp.Encode()
	if err != nil {
		return rpcsvc.ActorError
	}
	logger.Debug("WRITE: %d bytes from %s", resp.Count, req.Conn())
	_ = req.SubmitReply(data)
	return rpcsvc.ActorSuccess
}

func handleWhoAmI(req *rpcsvc.Request) rpcsvc.ActorStatus {
	resp := &WhoAmIResponse{
		UID:     req.UID,
		GID:     req.GID,
		Groups:  req.AuxGIDs,
		Machine: req.Machine,
	}
	data, err := resp.Encode()
	if err != nil {
		return rpcsvc.ActorError
	}
	_ = req.SubmitReply(data)
	return rpcsvc.ActorSuccess
}
