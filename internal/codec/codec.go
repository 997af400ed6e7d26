// Package codec implements the fixed binary encoding for engine
// messages and the transaction payload envelope.
//
// The encoding is deterministic: a value encodes to exactly one byte
// sequence, and command signatures cover those raw bytes. All integers
// are little-endian. Variable-length fields carry a u16 length prefix.
// Layout changes bump the envelope version; decoders reject versions
// they do not know.
package codec

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrTruncated reports input that ends before a field completes.
	ErrTruncated = errors.New("codec: truncated input")
	// ErrTrailingBytes reports input left over after a complete decode.
	ErrTrailingBytes = errors.New("codec: trailing bytes")
	// ErrFieldTooLong reports a variable-length field that exceeds the
	// u16 length prefix.
	ErrFieldTooLong = errors.New("codec: field exceeds length prefix")
	// ErrInvalidBool reports a bool byte that is neither 0 nor 1.
	ErrInvalidBool = errors.New("codec: bool byte is not 0 or 1")
)

// Encodable is implemented by application types that serialize through
// a Writer: command bodies, rollback records, and episode configs.
type Encodable interface {
	EncodeTo(w *Writer)
}

// Decodable is the decoding counterpart of Encodable.
type Decodable interface {
	DecodeFrom(r *Reader) error
}

// Encode serializes one Encodable to its canonical bytes.
func Encode(e Encodable) ([]byte, error) {
	w := NewWriter()
	e.EncodeTo(w)
	return w.Finish()
}

// Decode deserializes raw into d, requiring the input to be consumed
// exactly.
func Decode(raw []byte, d Decodable) error {
	r := NewReader(raw)
	if err := d.DecodeFrom(r); err != nil {
		return err
	}
	return r.Finish()
}

// Writer is an append-only encoder. The first failure sticks: later
// writes are ignored and Finish reports it.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// U8 appends one byte.
func (w *Writer) U8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

// U16 appends a little-endian uint16.
func (w *Writer) U16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// U32 appends a little-endian uint32.
func (w *Writer) U32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// U64 appends a little-endian uint64.
func (w *Writer) U64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Bool appends a bool as one canonical byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

// Raw appends b with no length prefix, for fixed-width fields such as
// public keys and signatures.
func (w *Writer) Raw(b []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, b...)
}

// Bytes appends b behind a u16 length prefix.
func (w *Writer) Bytes(b []byte) {
	if w.err != nil {
		return
	}
	if len(b) > math.MaxUint16 {
		w.err = ErrFieldTooLong
		return
	}
	w.U16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// String appends s behind a u16 length prefix.
func (w *Writer) String(s string) {
	if w.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		w.err = ErrFieldTooLong
		return
	}
	w.U16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Err returns the sticky error, if any.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Finish returns the encoded bytes, or the first write error.
func (w *Writer) Finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Reader decodes the byte layout Writer produces. The first failure
// sticks: later reads return zero values and Err reports it. Byte
// slices returned by Raw and Bytes alias the input; callers that keep
// them must copy.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = ErrTruncated
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Bool reads one canonical bool byte, rejecting values other than 0
// and 1 so every value has a single encoding.
func (r *Reader) Bool() bool {
	v := r.U8()
	if r.err != nil {
		return false
	}
	if v > 1 {
		r.err = ErrInvalidBool
		return false
	}
	return v == 1
}

// Raw reads exactly n bytes with no length prefix.
func (r *Reader) Raw(n int) []byte {
	return r.take(n)
}

// Bytes reads a u16 length-prefixed byte field.
func (r *Reader) Bytes() []byte {
	n := int(r.U16())
	if r.err != nil {
		return nil
	}
	return r.take(n)
}

// String reads a u16 length-prefixed string.
func (r *Reader) String() string {
	return string(r.Bytes())
}

// Err returns the sticky error, if any.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}

// Finish reports the sticky error, or ErrTrailingBytes when input
// remains unread.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return ErrTrailingBytes
	}
	return nil
}
