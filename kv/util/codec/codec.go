package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// ErrShortBuffer is returned when a read runs past the end of the buffer.
var ErrShortBuffer = errors.New("insufficient bytes to decode value")

// EncodeID encodes a record id so that ids sort numerically as byte strings.
func EncodeID(id uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

// DecodeID is the inverse of EncodeID.
func DecodeID(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errors.Errorf("invalid id length %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// Writer appends fixed-width big-endian fields to a growing buffer. Fields can be patched in place once their
// value is known, which is how section offsets are filled in after the sections are written.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) PutUint16(v uint16) {
	w.buf = append(w.buf, byte(v>>8), byte(v))
}

func (w *Writer) PutUint32(v uint32) {
	w.buf = append(w.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (w *Writer) PutUint64(v uint64) {
	w.PutUint32(uint32(v >> 32))
	w.PutUint32(uint32(v))
}

func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// PatchUint32 overwrites a previously written uint32 at off.
func (w *Writer) PatchUint32(off int, v uint32) {
	binary.BigEndian.PutUint32(w.buf[off:off+4], v)
}

// Reader decodes fixed-width big-endian fields. The first failure is sticky: later reads return zero values and
// Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) Offset() int { return r.off }

// Seek positions the reader at an absolute offset.
func (r *Reader) Seek(off int) {
	if r.err != nil {
		return
	}
	if off < 0 || off > len(r.buf) {
		r.err = errors.Annotatef(ErrShortBuffer, "seek to %d of %d", off, len(r.buf))
		return
	}
	r.off = off
}

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = errors.Annotatef(ErrShortBuffer, "read %d bytes at %d of %d", n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) Uint16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) Uint32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) Uint64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) []byte {
	return r.next(n)
}
