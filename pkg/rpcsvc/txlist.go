package rpcsvc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/mempool"
)

type txFlags uint8

const (
	txFirst txFlags = 1 << iota
	txLast
)

// txbuf is one queued piece of an outgoing record. The buffers backing
// data are held through iob or iobref until the piece is written.
type txbuf struct {
	mempool.Header

	data   []byte
	iob    *iobuf.IOBuf
	iobref *iobuf.IOBref
	offset int
	flags  txFlags
}

func newTxPool() *mempool.Pool[txbuf, *txbuf] {
	return mempool.New[txbuf]("rpcsvc-txbuf", func(t *txbuf) { *t = txbuf{} })
}

func (c *Conn) newTxbuf(data []byte, flags txFlags) *txbuf {
	tb := c.svc.txPool.Get(c.stage.arena)
	tb.data = data
	tb.flags = flags
	return tb
}

func (s *Service) releaseTxbuf(tb *txbuf) {
	if tb.iob != nil {
		tb.iob.Unref()
	}
	if tb.iobref != nil {
		tb.iobref.Unref()
	}
	s.txPool.Put(tb)
}

// queue appends the pieces of one record to the transmit list and wakes
// the writer. The pieces of a record are queued together so records never
// interleave on the wire. On a disconnected connection the pieces are
// released and ErrNotConnected is returned.
func (c *Conn) queue(bufs ...*txbuf) error {
	c.mu.Lock()
	if c.state != ConnConnected || c.writerExited {
		c.mu.Unlock()
		for _, tb := range bufs {
			c.svc.releaseTxbuf(tb)
		}
		return ErrNotConnected
	}
	c.txq = append(c.txq, bufs...)
	c.mu.Unlock()

	select {
	case c.txWake <- struct{}{}:
	default:
	}
	return nil
}

// queueRecord queues an already framed record.
func (c *Conn) queueRecord(record []byte) error {
	return c.queue(c.newTxbuf(record, txFirst|txLast))
}

// TxPending returns the number of queued pieces not yet written.
func (c *Conn) TxPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txq)
}

// writeLoop drains the transmit list in order until the connection
// closes. Remaining pieces are released on exit.
func (c *Conn) writeLoop() {
	defer func() {
		c.mu.Lock()
		c.writerExited = true
		pending := c.txq
		c.txq = nil
		c.mu.Unlock()
		for _, tb := range pending {
			c.svc.releaseTxbuf(tb)
		}
		close(c.writerDone)
	}()

	for {
		select {
		case <-c.txWake:
		case <-c.closed:
			return
		}
		if err := c.flush(); err != nil {
			c.log.Debug("Write to %s failed: %v", c, err)
			c.Deinit()
			return
		}
	}
}

// flush writes queued pieces until the list is empty.
//
// A write deadline that expires after part of a piece went out keeps the
// offset and tries again. One that moved nothing is fatal.
func (c *Conn) flush() error {
	for {
		c.mu.Lock()
		if len(c.txq) == 0 {
			c.mu.Unlock()
			return nil
		}
		tb := c.txq[0]
		c.mu.Unlock()

		for tb.offset < len(tb.data) {
			if wt := c.svc.cfg.WriteTimeout; wt > 0 {
				_ = c.tc.SetWriteDeadline(time.Now().Add(wt))
			}
			n, err := c.tc.Write(tb.data[tb.offset:])
			tb.offset += n
			if n > 0 {
				c.touchWrite()
				c.svc.metrics.RecordBytesTransferred("out", int64(n))
			}
			if err == nil {
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && n > 0 {
				c.log.Debug("Partial write to %s (%d/%d), resuming", c, tb.offset, len(tb.data))
				continue
			}
			return fmt.Errorf("write record piece: %w", err)
		}

		c.mu.Lock()
		c.txq[0] = nil
		c.txq = c.txq[1:]
		c.mu.Unlock()
		c.svc.releaseTxbuf(tb)
	}
}
