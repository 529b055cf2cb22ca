package rpcsvc

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/callstack"
	"github.com/marmos91/dittorpc/pkg/drc"
	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/mempool"
)

var requestSeq atomic.Uint64

// Request is one decoded RPC call.
//
// A request is handed to exactly one actor, which answers it with exactly
// one of SubmitReply, SubmitVectors or ErrorReply, possibly from another
// goroutine. The request must not be used after it was answered.
type Request struct {
	mempool.Header

	XID     uint32
	RPCVers uint32
	Prog    uint32
	Vers    uint32
	Proc    uint32

	Cred rpc.OpaqueAuth
	Verf rpc.OpaqueAuth

	// Caller identity filled in by the authenticator.
	UID     uint32
	GID     uint32
	AuxGIDs []uint32
	Pid     int32
	LkOwner []byte
	Machine string

	// Msg holds the procedure arguments. It aliases RecordIOB.
	Msg       []byte
	RecordIOB *iobuf.IOBuf

	// RPCStat is RPCMsgAccepted or RPCMsgDenied. RPCErr is the
	// accept_stat or reject_stat of the reply, AuthErr the auth_stat of
	// an AUTH_ERROR.
	RPCStat uint32
	RPCErr  uint32
	AuthErr uint32

	Program *Program
	Actor   *Actor

	mismatchLow  uint32
	mismatchHigh uint32

	seq     uint64
	conn    *Conn
	svc     *Service
	connRef bool
	drcOp   *drc.Op
	replied atomic.Bool
	frame   *callstack.Frame
	start   time.Time

	vecRef      *iobuf.IOBref
	vecs        [][]byte
	payloadSize int
}

func newRequestPool() *mempool.Pool[Request, *Request] {
	return mempool.New[Request]("rpcsvc-request", func(r *Request) { *r = Request{} })
}

// newRequest takes a request from the stage arena of c. A non-nil iob is
// referenced for the request's lifetime.
func (c *Conn) newRequest(iob *iobuf.IOBuf) *Request {
	req := c.svc.reqPool.Get(c.stage.arena)
	req.seq = requestSeq.Add(1)
	req.conn = c
	req.svc = c.svc
	req.start = time.Now()
	req.RPCStat = rpc.RPCMsgAccepted
	req.RPCErr = rpc.RPCSuccess
	if iob != nil {
		req.RecordIOB = iob.Ref()
	}
	return req
}

// Conn returns the connection the request arrived on.
func (r *Request) Conn() *Conn {
	return r.conn
}

// Service returns the service dispatching the request.
func (r *Request) Service() *Service {
	return r.svc
}

// Identity returns the caller identity established by authentication.
func (r *Request) Identity() callstack.Identity {
	return callstack.Identity{
		UID:        r.UID,
		GID:        r.GID,
		Pid:        r.Pid,
		Groups:     r.AuxGIDs,
		LkOwner:    r.LkOwner,
		Identifier: r.conn.String(),
		Op:         int32(r.Proc),
	}
}

// Frame returns the root frame of the call stack serving the request,
// creating it on first use. Frames still wound when the connection drops
// are unwound with ENOTCONN.
func (r *Request) Frame() *callstack.Frame {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.frame == nil {
		r.frame = r.svc.calls.NewStack(r.Identity(), callstack.ComponentName(r.programName()))
	}
	return r.frame
}

// PayloadSize returns the length of the payload read into the vector of a
// vectored call.
func (r *Request) PayloadSize() int {
	return r.payloadSize
}

// accepted reports whether the request passed decode, dispatch and auth.
func (r *Request) accepted() bool {
	return r.RPCStat == rpc.RPCMsgAccepted && r.RPCErr == rpc.RPCSuccess
}

func (r *Request) programName() string {
	if r.Program != nil {
		return r.Program.Name
	}
	return "unknown"
}

func (r *Request) procName() string {
	if r.Actor != nil && r.Actor.Name != "" {
		return r.Actor.Name
	}
	return strconv.FormatUint(uint64(r.Proc), 10)
}

func (r *Request) statusString() string {
	if r.RPCStat == rpc.RPCMsgDenied {
		if r.RPCErr == rpc.RPCMismatch {
			return "RPC_MISMATCH"
		}
		return "AUTH_ERROR"
	}
	return rpc.AcceptStatString(r.RPCErr)
}

func (r *Request) String() string {
	return fmt.Sprintf("XID=0x%x Program=%d Version=%d Procedure=%d", r.XID, r.Prog, r.Vers, r.Proc)
}

// releaseRequest returns req to its pool and drops the connection
// reference it held.
func (s *Service) releaseRequest(req *Request) {
	c := req.conn
	connRef := req.connRef

	c.mu.Lock()
	delete(c.inflight, req)
	frame := req.frame
	req.frame = nil
	c.mu.Unlock()

	if frame != nil {
		frame.Root.Destroy()
	}
	if req.drcOp != nil {
		s.drc.Abort(req.drcOp)
	}
	if req.RecordIOB != nil {
		req.RecordIOB.Unref()
	}
	if req.vecRef != nil {
		req.vecRef.Unref()
	}
	if connRef {
		s.metrics.RecordRequestEnd(req.programName())
	}
	s.reqPool.Put(req)

	if connRef {
		c.signalSlot()
		c.Unref()
	}
}
