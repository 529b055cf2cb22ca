package rpcsvc

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/drc"
	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/mempool"
)

// handleRecord dispatches one complete record. Called with the stage mutex
// held.
func (c *Conn) handleRecord(iob *iobuf.IOBuf, record []byte) {
	req := c.createRequest(iob, record)
	if req == nil {
		return
	}
	if !req.accepted() {
		c.rejectRequest(req)
		return
	}
	if !c.admit(req) {
		return
	}

	actor := req.Actor
	c.invoke(req, func() ActorStatus {
		if actor.Handler != nil {
			return actor.Handler(req)
		}
		return actor.VectorActor(req, nil)
	})
}

// createRequest decodes a call header, authenticates it and resolves its
// actor. Credentials are checked before the program is looked up; the
// program's MinAuth is checked once it is known.
//
// It returns nil when the record is not a decodable call; a GARBAGE_ARGS
// reply has then been queued if the XID could be read. Otherwise the
// returned request carries the reply status: anything but accepted must
// be answered with rejectRequest.
func (c *Conn) createRequest(iob *iobuf.IOBuf, msg []byte) *Request {
	call, err := rpc.ReadCall(msg)
	if err != nil {
		if len(msg) < 4 {
			c.log.Debug("Dropping %d byte record: %v", len(msg), err)
			return nil
		}
		xid := binary.BigEndian.Uint32(msg[:4])
		c.log.Debug("Failed to decode call (xid=0x%x): %v", xid, err)
		reply, rerr := rpc.MakeErrorReply(xid, rpc.RPCGarbageArgs)
		if rerr == nil {
			_ = c.queueRecord(reply)
		}
		c.svc.metrics.RecordRequest("unknown", "unknown", "GARBAGE_ARGS", 0)
		return nil
	}

	req := c.newRequest(iob)
	req.XID = call.XID
	req.RPCVers = call.RPCVersion
	req.Prog = call.Program
	req.Vers = call.Version
	req.Proc = call.Procedure
	req.Cred = call.Cred
	req.Verf = call.Verf
	req.Msg, _ = rpc.ReadData(msg, call)

	c.log.Debug("RPC call: %s", call)

	if call.RPCVersion != rpc.RPCVersion {
		c.log.Warn("RPC version not supported (%d)", call.RPCVersion)
		req.RPCStat = rpc.RPCMsgDenied
		req.RPCErr = rpc.RPCMismatch
		return req
	}

	if c.svc.authenticate(req) != AuthAccept {
		c.authFailed(req)
		return req
	}

	prog, actor, stat := c.svc.lookupActor(req)
	req.Program = prog
	req.Actor = actor
	if stat != rpc.RPCSuccess {
		req.RPCErr = stat
		return req
	}

	if !c.svc.strongEnough(req) {
		c.authFailed(req)
	}
	return req
}

func (c *Conn) authFailed(req *Request) {
	c.log.Warn("Auth failed on request. (xid=0x%x, flavor=%d): %s",
		req.XID, req.Cred.Flavor, rpc.AuthStatString(req.AuthErr))
	req.RPCStat = rpc.RPCMsgDenied
	req.RPCErr = rpc.RPCAuthError
}

// rejectRequest answers a request that failed decode, dispatch or auth.
func (c *Conn) rejectRequest(req *Request) {
	if err := req.sendError(); err != nil {
		c.log.Debug("Could not send %s for %s: %v", req.statusString(), req, err)
	}
}

// admit runs the checks between dispatch and the actor: port privilege,
// the volume address rules, the per peer rate limit and the duplicate
// request cache.
// An admitted request holds a connection reference. A request that is not
// admitted has been answered or released.
func (c *Conn) admit(req *Request) bool {
	s := c.svc

	if !s.cfg.Transport.AllowInsecure && c.unprivileged() && !req.Actor.Unprivileged {
		c.log.Warn("Request received from non-privileged port. Failing request for %s", req)
		s.releaseRequest(req)
		return false
	}

	if vol := req.Program.Volume; vol != "" && !c.volumeAccess(vol) {
		req.AuthErr = rpc.AuthTooWeak
		c.authFailed(req)
		c.rejectRequest(req)
		return false
	}

	if s.limiter.Enabled() && !s.limiter.Allow(c.peerKey) {
		c.log.Warn("Rate limit exceeded for %s, rejecting %s", c.peerKey, req)
		req.RPCErr = rpc.RPCSystemErr
		c.rejectRequest(req)
		return false
	}

	if s.drc != nil && c.drcClient != nil && req.Actor.NonIdempotent {
		key := drc.Key{XID: req.XID, Prog: req.Prog, Vers: req.Vers, Proc: req.Proc}
		if state, reply, found := s.drc.Lookup(c.drcClient, key); found {
			switch state {
			case drc.Cached:
				s.metrics.RecordDRCHit("cached")
				c.log.Debug("Duplicate request %s, resending cached reply", req)
				if err := c.queueRecord(reply); err != nil {
					c.log.Debug("Could not resend reply for %s: %v", req, err)
				}
			default:
				s.metrics.RecordDRCHit("in_transit")
				c.log.Debug("Duplicate request %s still in progress, dropping", req)
			}
			s.releaseRequest(req)
			return false
		}
		op, err := s.drc.CacheRequest(c.drcClient, key)
		if err != nil {
			c.log.Warn("Could not cache %s: %v", req, err)
		} else {
			req.drcOp = op
		}
	}

	c.Ref()
	req.connRef = true
	c.track(req)
	s.metrics.RecordRequestStart(req.programName())
	return true
}

// invoke runs an actor and applies its status. An actor that failed
// before replying gets a SYSTEM_ERR reply; an ignored request is released
// without one.
func (c *Conn) invoke(req *Request, fn func() ActorStatus) {
	// The actor may answer, and so release, the request before it returns.
	seq := req.seq
	prog, proc := req.programName(), req.procName()
	status := func() (status ActorStatus) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("Panic in actor %s.%s: %v", prog, proc, r)
				status = ActorError
			}
		}()
		return fn()
	}()

	if status == ActorSuccess {
		return
	}
	if !mempool.IsLive(req) || req.seq != seq || req.replied.Load() {
		return
	}

	switch status {
	case ActorError:
		req.RPCErr = rpc.RPCSystemErr
		c.rejectRequest(req)
	case ActorIgnore:
		c.log.Debug("Actor ignored %s", req)
		c.svc.releaseRequest(req)
	default:
		panic(fmt.Sprintf("rpcsvc: unknown actor status %d", status))
	}
}
