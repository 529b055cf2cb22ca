package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrRecordTooLarge is returned when a reassembled record would exceed the
// caller's limit.
var ErrRecordTooLarge = errors.New("rpc: record exceeds maximum size")

// FragmentHeader is a decoded record marker.
//
// Bit 31 flags the last fragment of a record; bits 0-30 carry the fragment
// length in bytes.
type FragmentHeader struct {
	IsLast bool
	Length uint32
}

// ParseFragmentHeader decodes the 4-byte record marker at the start of b.
func ParseFragmentHeader(b []byte) FragmentHeader {
	v := binary.BigEndian.Uint32(b)
	return FragmentHeader{
		IsLast: v&LastFragment != 0,
		Length: v & FragmentSizeMask,
	}
}

// PutFragmentHeader writes a record marker into b[0:4].
func PutFragmentHeader(b []byte, last bool, length uint32) {
	v := length & FragmentSizeMask
	if last {
		v |= LastFragment
	}
	binary.BigEndian.PutUint32(b, v)
}

// ReadRecord reads fragments from r until the last fragment and returns the
// concatenated record.
//
// Parameters:
//   - r: Stream positioned at a record marker
//   - maxSize: Upper bound on the reassembled record (0 means unbounded)
//
// Returns io.EOF only when the stream ends cleanly before a record starts.
func ReadRecord(r io.Reader, maxSize int) ([]byte, error) {
	var record []byte
	var hdr [FragmentHeaderSize]byte

	for first := true; ; first = false {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if first && err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read fragment header: %w", err)
		}

		frag := ParseFragmentHeader(hdr[:])
		if maxSize > 0 && len(record)+int(frag.Length) > maxSize {
			return nil, fmt.Errorf("fragment of %d bytes after %d: %w", frag.Length, len(record), ErrRecordTooLarge)
		}

		start := len(record)
		record = append(record, make([]byte, frag.Length)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			return nil, fmt.Errorf("read fragment body: %w", err)
		}

		if frag.IsLast {
			return record, nil
		}
	}
}

// WriteRecord writes parts as a single, last fragment. The marker and all
// parts are handed to the writer in one vectored write when w is a
// net.Conn.
func WriteRecord(w io.Writer, parts ...[]byte) error {
	var size int
	for _, p := range parts {
		size += len(p)
	}
	if size > int(FragmentSizeMask) {
		return ErrRecordTooLarge
	}

	var hdr [FragmentHeaderSize]byte
	PutFragmentHeader(hdr[:], true, uint32(size))

	bufs := make(net.Buffers, 0, len(parts)+1)
	bufs = append(bufs, hdr[:])
	for _, p := range parts {
		if len(p) > 0 {
			bufs = append(bufs, p)
		}
	}

	_, err := bufs.WriteTo(w)
	return err
}
