package rpcsvc

import (
	"encoding/binary"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
)

// startVectored begins reading a large single fragment call piecewise.
func (c *Conn) startVectored() error {
	c.rs.vec = vecReadHdr
	return c.vecNext(rpc.CallFixedSize)
}

// vecNext asks for want more bytes of call header into activeIOB.
func (c *Conn) vecNext(want int) error {
	rs := &c.rs
	if want > rs.remainingFrag {
		c.vecGarbage()
		return c.vecIgnoreRest()
	}
	if err := c.reserve(rs.fragCurrent + want); err != nil {
		return err
	}
	rs.vecWant = want
	return nil
}

// vecStep runs when the current vectored read is complete.
func (c *Conn) vecStep() error {
	rs := &c.rs
	b := rs.activeIOB.Bytes()

	switch rs.vec {
	case vecReadHdr:
		credLen := binary.BigEndian.Uint32(b[28:32])
		if credLen > rpc.MaxAuthBytes {
			c.vecGarbage()
			return c.vecIgnoreRest()
		}
		rs.vec = vecReadCred
		return c.vecNext(int(credLen+rpc.XdrPadding(credLen)) + rpc.AuthHeaderSize)

	case vecReadCred:
		verfLen := binary.BigEndian.Uint32(b[rs.fragCurrent-4 : rs.fragCurrent])
		if verfLen > rpc.MaxAuthBytes {
			c.vecGarbage()
			return c.vecIgnoreRest()
		}
		want := int(verfLen + rpc.XdrPadding(verfLen))
		if want == 0 {
			return c.vecHeaderDone()
		}
		rs.vec = vecReadVerf
		return c.vecNext(want)

	case vecReadVerf:
		return c.vecHeaderDone()

	case vecReadProc:
		return c.vecSize()

	case vecReadVec:
		return c.vectoredCall()
	}
	return nil
}

// vecHeaderDone decodes the call header and decides whether the actor
// reads the rest piecewise.
func (c *Conn) vecHeaderDone() error {
	rs := &c.rs
	req := c.createRequest(rs.activeIOB, rs.activeIOB.Bytes()[:rs.fragCurrent])
	if req == nil {
		return c.vecIgnoreRest()
	}
	if !req.accepted() {
		c.rejectRequest(req)
		return c.vecIgnoreRest()
	}

	if req.Actor.VectorSizer == nil || req.Actor.VectorActor == nil {
		// Read the rest as an ordinary record.
		c.svc.releaseRequest(req)
		rs.vec = vecNone
		if err := c.reserve(rs.fragSize); err != nil {
			return err
		}
		if rs.remainingFrag == 0 {
			return c.fragDone()
		}
		return nil
	}

	if !c.admit(req) {
		return c.vecIgnoreRest()
	}
	rs.vreq = req
	rs.procStart = rs.fragCurrent
	return c.vecSize()
}

// vecSize asks the sizer what follows the bytes read so far.
func (c *Conn) vecSize() error {
	rs := &c.rs
	req := rs.vreq
	req.Msg = rs.activeIOB.Bytes()[rs.procStart:rs.fragCurrent]

	more, newBuf, err := req.Actor.VectorSizer(req, rs.fragCurrent-rs.procStart)
	if err != nil || more < 0 || more > rs.remainingFrag {
		c.log.Warn("Vector sizer of %s failed (more=%d, left=%d): %v", req, more, rs.remainingFrag, err)
		rs.vreq = nil
		req.RPCErr = rpc.RPCSystemErr
		_ = req.sendError()
		return c.vecIgnoreRest()
	}

	switch {
	case newBuf && more > 0:
		vec, err := c.svc.iobufs.Get(more)
		if err != nil {
			rs.vreq = nil
			req.RPCErr = rpc.RPCSystemErr
			_ = req.sendError()
			return c.vecIgnoreRest()
		}
		rs.vectorIOB = vec
		rs.vecCurrent = 0
		rs.vecWant = more
		rs.vec = vecReadVec
		return nil
	case more > 0:
		rs.vec = vecReadProc
		return c.vecNext(more)
	default:
		return c.vectoredCall()
	}
}

// vectoredCall hands the request and its payload to the actor.
func (c *Conn) vectoredCall() error {
	rs := &c.rs
	req := rs.vreq
	rs.vreq = nil
	vec := rs.vectorIOB
	rs.vectorIOB = nil
	req.payloadSize = rs.vecCurrent

	c.invoke(req, func() ActorStatus {
		return req.Actor.VectorActor(req, vec)
	})
	if vec != nil {
		vec.Unref()
	}
	return c.vecIgnoreRest()
}

// vecGarbage answers GARBAGE_ARGS when the XID was read.
func (c *Conn) vecGarbage() {
	rs := &c.rs
	if rs.fragCurrent < 4 {
		return
	}
	xid := binary.BigEndian.Uint32(rs.activeIOB.Bytes()[:4])
	c.log.Debug("Malformed call header (xid=0x%x), answering GARBAGE_ARGS", xid)
	reply, err := rpc.MakeErrorReply(xid, rpc.RPCGarbageArgs)
	if err != nil {
		return
	}
	_ = c.queueRecord(reply)
}

// vecIgnoreRest skips whatever is left of the fragment.
func (c *Conn) vecIgnoreRest() error {
	if c.rs.remainingFrag == 0 {
		return c.resetRecord()
	}
	c.rs.vec = vecIgnore
	return nil
}
