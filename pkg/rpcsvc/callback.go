package rpcsvc

import (
	"fmt"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
)

// CallbackProgram names a program served by the client end of a
// connection. The service sends it calls, for example cache invalidations,
// on the connection the client opened.
type CallbackProgram struct {
	Name    string
	Number  uint32
	Version uint32
}

func (p CallbackProgram) String() string {
	return fmt.Sprintf("%s (%d/%d)", p.Name, p.Number, p.Version)
}

// SubmitCallback sends a call to procedure proc of prog over c. args are
// the XDR encoded arguments. Callback calls are one way: the client sends
// no reply and nothing waits for one.
//
// Returns ErrNotConnected when the connection is already torn down.
func (c *Conn) SubmitCallback(prog CallbackProgram, proc uint32, args []byte) error {
	xid := c.svc.callbackXID.Add(1)
	hdr, err := rpc.EncodeCall(&rpc.RPCCallMessage{
		XID:        xid,
		MsgType:    rpc.RPCCall,
		RPCVersion: rpc.RPCVersion,
		Program:    prog.Number,
		Version:    prog.Version,
		Procedure:  proc,
		Cred:       rpc.NullAuth(),
		Verf:       rpc.NullAuth(),
	})
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	size := len(hdr) + len(args)
	if size > int(rpc.FragmentSizeMask) {
		return fmt.Errorf("callback of %d bytes: %w", size, rpc.ErrRecordTooLarge)
	}
	record := make([]byte, rpc.FragmentHeaderSize, rpc.FragmentHeaderSize+size)
	rpc.PutFragmentHeader(record, true, uint32(size))
	record = append(record, hdr...)
	record = append(record, args...)

	if err := c.queueRecord(record); err != nil {
		c.log.Debug("Callback %s proc %d not sent to %s: %v", prog, proc, c, err)
		return err
	}
	c.log.Debug("Callback submitted: %s proc=%d xid=0x%x to %s", prog, proc, xid, c)
	return nil
}

// BroadcastCallback sends the callback to every connected client and
// returns how many it was queued for.
func (s *Service) BroadcastCallback(prog CallbackProgram, proc uint32, args []byte) int {
	sent := 0
	s.activeConnections.Range(func(_, v any) bool {
		if err := v.(*Conn).SubmitCallback(prog, proc, args); err == nil {
			sent++
		}
		return true
	})
	return sent
}
