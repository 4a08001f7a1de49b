// Package wire implements the binary encoding shared by all persisted probe
// structures.
//
// Every value is big-endian. Strings are written as an unsigned 16-bit byte
// length followed by the UTF-8 bytes. Writer and Reader keep the first error
// they hit and turn every later call into a no-op, so encoders can write a
// whole structure and check Err once at the end.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrStringTooLong is returned when a string does not fit a 16-bit length.
var ErrStringTooLong = errors.New("wire: string longer than 65535 bytes")

// Writer encodes values to an underlying writer.
type Writer struct {
	w   *bufio.Writer
	buf [4]byte
	err error
}

// NewWriter returns a Writer buffering into w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteUint8 writes a single byte.
func (w *Writer) WriteUint8(b byte) {
	if w.err != nil {
		return
	}
	w.err = w.w.WriteByte(b)
}

// WriteBool writes 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

// WriteInt16 writes a signed 16-bit value.
func (w *Writer) WriteInt16(v int16) {
	if w.err != nil {
		return
	}
	binary.BigEndian.PutUint16(w.buf[:2], uint16(v))
	_, w.err = w.w.Write(w.buf[:2])
}

// WriteInt32 writes a signed 32-bit value.
func (w *Writer) WriteInt32(v int32) {
	if w.err != nil {
		return
	}
	binary.BigEndian.PutUint32(w.buf[:4], uint32(v))
	_, w.err = w.w.Write(w.buf[:4])
}

// WriteCount writes a non-negative collection size as a 32-bit value.
func (w *Writer) WriteCount(n int) {
	if w.err != nil {
		return
	}
	if n < 0 || n > math.MaxInt32 {
		w.err = fmt.Errorf("wire: count %d out of range", n)
		return
	}
	w.WriteInt32(int32(n))
}

// WriteUTF writes a length-prefixed string.
func (w *Writer) WriteUTF(s string) {
	if w.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		w.err = ErrStringTooLong
		return
	}
	binary.BigEndian.PutUint16(w.buf[:2], uint16(len(s)))
	if _, w.err = w.w.Write(w.buf[:2]); w.err != nil {
		return
	}
	_, w.err = w.w.WriteString(s)
}

// WriteRaw writes bytes without a length prefix.
func (w *Writer) WriteRaw(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

// Fail records err unless an earlier error is already recorded.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Flush writes buffered data and returns the first error encountered.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

// Err returns the first error encountered.
func (w *Writer) Err() error {
	return w.err
}

// Reader decodes values written by Writer.
type Reader struct {
	r   *bufio.Reader
	buf [4]byte
	err error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) fill(n int) bool {
	if r.err != nil {
		return false
	}
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return false
	}
	return true
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() byte {
	if !r.fill(1) {
		return 0
	}
	return r.buf[0]
}

// ReadBool reads a byte written by WriteBool.
func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadInt16 reads a signed 16-bit value.
func (r *Reader) ReadInt16() int16 {
	if !r.fill(2) {
		return 0
	}
	return int16(binary.BigEndian.Uint16(r.buf[:2]))
}

// ReadInt32 reads a signed 32-bit value.
func (r *Reader) ReadInt32() int32 {
	if !r.fill(4) {
		return 0
	}
	return int32(binary.BigEndian.Uint32(r.buf[:4]))
}

// ReadCount reads a collection size and rejects negative values.
func (r *Reader) ReadCount() int {
	n := r.ReadInt32()
	if r.err != nil {
		return 0
	}
	if n < 0 {
		r.err = fmt.Errorf("wire: negative count %d", n)
		return 0
	}
	return int(n)
}

// ReadUTF reads a length-prefixed string.
func (r *Reader) ReadUTF() string {
	if !r.fill(2) {
		return ""
	}
	n := int(binary.BigEndian.Uint16(r.buf[:2]))
	if n == 0 {
		return ""
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r.r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return ""
	}
	return string(p)
}

// ReadRaw reads exactly n bytes.
func (r *Reader) ReadRaw(n int) []byte {
	if r.err != nil {
		return nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r.r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return nil
	}
	return p
}

// Fail records err unless an earlier error is already recorded.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// AtEOF reports whether the input is exhausted. It does not consume data.
func (r *Reader) AtEOF() bool {
	if r.err != nil {
		return false
	}
	_, err := r.r.Peek(1)
	return errors.Is(err, io.EOF)
}
