package rpcsvc

import (
	"fmt"
	"time"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/mempool"
)

// SubmitReply answers the request with SUCCESS and the XDR encoded
// results.
func (r *Request) SubmitReply(results []byte) error {
	return r.SubmitVectors(results, nil, nil)
}

// AttachVector appends the first n bytes of iob to the payload of the
// next SubmitReply or SubmitVectors. The buffer is referenced until it was
// written.
func (r *Request) AttachVector(iob *iobuf.IOBuf, n int) error {
	if iob == nil || n < 0 || n > iob.Size() {
		return ErrInvalidArgument
	}
	if r.vecRef == nil {
		r.vecRef = iobuf.NewIOBref()
	}
	r.vecRef.Add(iob)
	r.vecs = append(r.vecs, iob.Bytes()[:n])
	return nil
}

// SubmitVectors answers the request with SUCCESS. The reply record is the
// header and results followed by the attached vectors and vecs, written in
// one record without copying the vectors. ref keeps the buffers behind
// vecs alive; it is referenced until they were written.
//
// The request is released whether or not the reply could be queued. A
// second reply returns ErrAlreadyReplied.
func (r *Request) SubmitVectors(results []byte, vecs [][]byte, ref *iobuf.IOBref) error {
	if r == nil {
		return ErrInvalidArgument
	}
	if !mempool.IsLive(r) || !r.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}

	hdr, err := rpc.EncodeAcceptedReply(rpc.AcceptedReply{
		XID:        r.XID,
		Verf:       r.Verf,
		AcceptStat: rpc.RPCSuccess,
	})
	if err != nil {
		r.svc.releaseRequest(r)
		return fmt.Errorf("encode reply header: %w", err)
	}

	type piece struct {
		data []byte
		ref  *iobuf.IOBref
	}
	var pieces []piece
	for _, v := range r.vecs {
		pieces = append(pieces, piece{v, r.vecRef})
	}
	for _, v := range vecs {
		pieces = append(pieces, piece{v, ref})
	}

	size := len(hdr) + len(results)
	for _, p := range pieces {
		size += len(p.data)
	}
	if size > int(rpc.FragmentSizeMask) {
		r.svc.releaseRequest(r)
		return fmt.Errorf("reply of %d bytes: %w", size, rpc.ErrRecordTooLarge)
	}

	head := make([]byte, rpc.FragmentHeaderSize, rpc.FragmentHeaderSize+len(hdr)+len(results))
	rpc.PutFragmentHeader(head, true, uint32(size))
	head = append(head, hdr...)
	head = append(head, results...)

	c := r.conn
	bufs := make([]*txbuf, 0, len(pieces)+1)
	first := c.newTxbuf(head, txFirst)
	bufs = append(bufs, first)
	for _, p := range pieces {
		tb := c.newTxbuf(p.data, 0)
		if p.ref != nil {
			tb.iobref = p.ref.Ref()
		}
		bufs = append(bufs, tb)
	}
	bufs[len(bufs)-1].flags |= txLast

	if r.drcOp != nil {
		record := make([]byte, 0, rpc.FragmentHeaderSize+size)
		record = append(record, head...)
		for _, p := range pieces {
			record = append(record, p.data...)
		}
		r.svc.drc.CacheReply(r.drcOp, record)
		r.drcOp = nil
	}

	return r.finish(bufs, "SUCCESS")
}

// ErrorReply answers the request with an accepted reply carrying stat,
// such as GARBAGE_ARGS or SYSTEM_ERR.
func (r *Request) ErrorReply(stat uint32) error {
	if r == nil {
		return ErrInvalidArgument
	}
	if !mempool.IsLive(r) || r.replied.Load() {
		return ErrAlreadyReplied
	}
	r.RPCStat = rpc.RPCMsgAccepted
	r.RPCErr = stat
	return r.sendError()
}

// sendError encodes the reply the request's status calls for and queues
// it.
func (r *Request) sendError() error {
	if !mempool.IsLive(r) || !r.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}

	var body []byte
	var err error
	switch {
	case r.RPCStat == rpc.RPCMsgDenied && r.RPCErr == rpc.RPCMismatch:
		body, err = rpc.EncodeRPCMismatchReply(r.XID, rpc.RPCVersion, rpc.RPCVersion)
	case r.RPCStat == rpc.RPCMsgDenied:
		body, err = rpc.EncodeAuthErrorReply(r.XID, r.AuthErr)
	default:
		body, err = rpc.EncodeAcceptedReply(rpc.AcceptedReply{
			XID:        r.XID,
			Verf:       rpc.NullAuth(),
			AcceptStat: r.RPCErr,
			Low:        r.mismatchLow,
			High:       r.mismatchHigh,
		})
	}
	if err != nil {
		r.svc.releaseRequest(r)
		return fmt.Errorf("encode error reply: %w", err)
	}

	record := make([]byte, rpc.FragmentHeaderSize, rpc.FragmentHeaderSize+len(body))
	rpc.PutFragmentHeader(record, true, uint32(len(body)))
	record = append(record, body...)

	if r.drcOp != nil {
		r.svc.drc.CacheReply(r.drcOp, record)
		r.drcOp = nil
	}
	return r.finish([]*txbuf{r.conn.newTxbuf(record, txFirst|txLast)}, r.statusString())
}

// finish queues the reply pieces, records the request and releases it.
func (r *Request) finish(bufs []*txbuf, status string) error {
	s := r.svc
	err := r.conn.queue(bufs...)
	s.metrics.RecordRequest(r.programName(), r.procName(), status, time.Since(r.start))
	if err != nil {
		r.conn.log.Debug("Reply for %s not sent: %v", r, err)
	}
	s.releaseRequest(r)
	return err
}
