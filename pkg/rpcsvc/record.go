package rpcsvc

import (
	"fmt"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/iobuf"
)

// maxEmptyFragments bounds consecutive zero length, non-last fragments.
const maxEmptyFragments = 16

// discardSize is the scratch buffer used to skip the rest of a fragment.
const discardSize = 4096

type recState int

const (
	readFragHdr recState = iota
	readFrag
)

// vecState is the position of the vectored reader inside a call.
type vecState int

const (
	vecNone vecState = iota
	vecReadHdr
	vecReadCred
	vecReadVerf
	vecReadProc
	vecReadVec
	vecIgnore
)

func (v vecState) String() string {
	switch v {
	case vecNone:
		return "none"
	case vecReadHdr:
		return "header"
	case vecReadCred:
		return "cred"
	case vecReadVerf:
		return "verf"
	case vecReadProc:
		return "proc"
	case vecReadVec:
		return "vector"
	case vecIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("vecState(%d)", int(v))
	}
}

// recordState reassembles record marked fragments into records.
//
// Fragments are read straight into activeIOB; a record spanning several
// fragments is contiguous once complete. Large single fragment calls take
// the vectored path, which reads the call header, asks the actor's sizer
// how much procedure header follows, and reads the bulk payload into a
// buffer of its own.
type recordState struct {
	state recState

	hdrBuf           [rpc.FragmentHeaderSize]byte
	remainingFragHdr int

	fragSize      int
	remainingFrag int
	recordSize    int
	isLastFrag    bool
	emptyFrags    int

	activeIOB   *iobuf.IOBuf
	fragCurrent int

	vec        vecState
	vecWant    int
	vectorIOB  *iobuf.IOBuf
	vecCurrent int
	procStart  int
	vreq       *Request
	discard    []byte
}

// readBuffer returns the slice the next socket read fills. It is never
// larger than what the current state still expects.
func (rs *recordState) readBuffer() []byte {
	if rs.state == readFragHdr {
		return rs.hdrBuf[rpc.FragmentHeaderSize-rs.remainingFragHdr:]
	}
	switch rs.vec {
	case vecNone:
		return rs.activeIOB.Bytes()[rs.fragCurrent : rs.fragCurrent+rs.remainingFrag]
	case vecReadVec:
		return rs.vectorIOB.Bytes()[rs.vecCurrent : rs.vecCurrent+rs.vecWant]
	case vecIgnore:
		if rs.discard == nil {
			rs.discard = make([]byte, discardSize)
		}
		return rs.discard[:min(rs.remainingFrag, len(rs.discard))]
	default:
		return rs.activeIOB.Bytes()[rs.fragCurrent : rs.fragCurrent+rs.vecWant]
	}
}

// atRecordBoundary reports whether no byte of the next record was read.
func (rs *recordState) atRecordBoundary() bool {
	return rs.state == readFragHdr &&
		rs.remainingFragHdr == rpc.FragmentHeaderSize &&
		rs.recordSize == 0
}

// update advances the assembler by n bytes just read into readBuffer.
// Called with the stage mutex held.
func (c *Conn) update(n int) error {
	rs := &c.rs
	if rs.state == readFragHdr {
		rs.remainingFragHdr -= n
		if rs.remainingFragHdr > 0 {
			return nil
		}
		return c.fragHeaderDone()
	}

	rs.remainingFrag -= n
	switch rs.vec {
	case vecNone:
		rs.fragCurrent += n
		if rs.remainingFrag > 0 {
			return nil
		}
		return c.fragDone()
	case vecIgnore:
		if rs.remainingFrag > 0 {
			return nil
		}
		return c.resetRecord()
	case vecReadVec:
		rs.vecCurrent += n
	default:
		rs.fragCurrent += n
	}

	rs.vecWant -= n
	if rs.vecWant > 0 {
		return nil
	}
	return c.vecStep()
}

func (c *Conn) fragHeaderDone() error {
	rs := &c.rs
	hdr := rpc.ParseFragmentHeader(rs.hdrBuf[:])
	rs.fragSize = int(hdr.Length)
	rs.remainingFrag = rs.fragSize
	rs.isLastFrag = hdr.IsLast

	if rs.fragSize == 0 && !rs.isLastFrag {
		rs.emptyFrags++
		if rs.emptyFrags > maxEmptyFragments {
			return fmt.Errorf("%w: %d empty fragments in a row", ErrFraming, rs.emptyFrags)
		}
		rs.remainingFragHdr = rpc.FragmentHeaderSize
		return nil
	}
	rs.emptyFrags = 0

	if rs.recordSize+rs.fragSize > c.svc.cfg.MaxRecordSize {
		return fmt.Errorf("%w: record of %d bytes exceeds %d", ErrFraming,
			rs.recordSize+rs.fragSize, c.svc.cfg.MaxRecordSize)
	}

	rs.state = readFrag
	if rs.fragSize == 0 {
		return c.fragDone()
	}
	if rs.recordSize == 0 && rs.isLastFrag && rs.fragSize > c.svc.cfg.VectoredThreshold {
		return c.startVectored()
	}
	return c.reserve(rs.recordSize + rs.fragSize)
}

// fragDone closes a fragment. The last fragment of a record hands the
// record to the dispatcher and starts a new one.
func (c *Conn) fragDone() error {
	rs := &c.rs
	rs.recordSize += rs.fragSize
	if !rs.isLastFrag {
		rs.state = readFragHdr
		rs.remainingFragHdr = rpc.FragmentHeaderSize
		return nil
	}

	c.handleRecord(rs.activeIOB, rs.activeIOB.Bytes()[:rs.recordSize])
	return c.resetRecord()
}

// reserve makes activeIOB at least need bytes long, keeping what was read.
func (c *Conn) reserve(need int) error {
	rs := &c.rs
	if need > c.svc.cfg.MaxRecordSize {
		return fmt.Errorf("%w: record of %d bytes exceeds %d", ErrFraming, need, c.svc.cfg.MaxRecordSize)
	}
	if need <= rs.activeIOB.Size() {
		return nil
	}

	grown, err := c.svc.iobufs.Get(need)
	if err != nil {
		return fmt.Errorf("grow record buffer to %d: %w", need, err)
	}
	old := rs.activeIOB
	copy(grown.Bytes(), old.Bytes()[:rs.fragCurrent])
	rs.activeIOB = grown

	if rs.vreq != nil && rs.vreq.RecordIOB == old {
		rs.vreq.RecordIOB = grown.Ref()
		old.Unref()
	}
	old.Unref()
	return nil
}

// resetRecord prepares for the next record on a fresh page.
func (c *Conn) resetRecord() error {
	rs := &c.rs
	if rs.vreq != nil {
		c.svc.releaseRequest(rs.vreq)
		rs.vreq = nil
	}
	if rs.activeIOB != nil {
		rs.activeIOB.Unref()
		rs.activeIOB = nil
	}
	if rs.vectorIOB != nil {
		rs.vectorIOB.Unref()
		rs.vectorIOB = nil
	}

	page, err := c.svc.iobufs.GetPage()
	if err != nil {
		return fmt.Errorf("allocate record page: %w", err)
	}

	discard := rs.discard
	*rs = recordState{
		state:            readFragHdr,
		remainingFragHdr: rpc.FragmentHeaderSize,
		activeIOB:        page,
		discard:          discard,
	}
	return nil
}

// abortRecord drops a call the vectored reader had started. Called by
// the read loop on exit.
func (c *Conn) abortRecord() {
	if req := c.rs.vreq; req != nil {
		c.rs.vreq = nil
		c.svc.releaseRequest(req)
	}
}

// releaseRecord returns the assembler's buffers. The read loop has
// exited by then.
func (c *Conn) releaseRecord() {
	rs := &c.rs
	if rs.activeIOB != nil {
		rs.activeIOB.Unref()
		rs.activeIOB = nil
	}
	if rs.vectorIOB != nil {
		rs.vectorIOB.Unref()
		rs.vectorIOB = nil
	}
}
