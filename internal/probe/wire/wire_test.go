package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// TestWriterLayout tests the exact byte layout of each primitive.
func TestWriterLayout(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteUint8(2)
	w.WriteInt16(-2)
	w.WriteInt32(0x01020304)
	w.WriteUTF("ab")
	w.WriteBool(true)
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := []byte{
		0x02,
		0xFF, 0xFE,
		0x01, 0x02, 0x03, 0x04,
		0x00, 0x02, 'a', 'b',
		0x01,
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("layout = % x, want % x", buf.Bytes(), want)
	}
}

// TestReaderRoundTrip tests that the reader recovers every written value.
func TestReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteUint8(7)
	w.WriteInt16(-300)
	w.WriteInt32(-1)
	w.WriteUTF("")
	w.WriteUTF("com.acme.Cart")
	w.WriteCount(3)
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r := NewReader(&buf)
	if got := r.ReadUint8(); got != 7 {
		t.Errorf("ReadUint8 = %d, want 7", got)
	}
	if got := r.ReadInt16(); got != -300 {
		t.Errorf("ReadInt16 = %d, want -300", got)
	}
	if got := r.ReadInt32(); got != -1 {
		t.Errorf("ReadInt32 = %d, want -1", got)
	}
	if got := r.ReadUTF(); got != "" {
		t.Errorf("ReadUTF = %q, want empty", got)
	}
	if got := r.ReadUTF(); got != "com.acme.Cart" {
		t.Errorf("ReadUTF = %q", got)
	}
	if got := r.ReadCount(); got != 3 {
		t.Errorf("ReadCount = %d, want 3", got)
	}
	if r.Err() != nil {
		t.Fatalf("unexpected error: %v", r.Err())
	}
	if !r.AtEOF() {
		t.Error("expected EOF after last value")
	}
}

// TestReaderTruncated tests that short input yields ErrUnexpectedEOF and
// that the error is sticky.
func TestReaderTruncated(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x00, 0x01}))
	_ = r.ReadInt32()
	if !errors.Is(r.Err(), io.ErrUnexpectedEOF) {
		t.Fatalf("Err = %v, want ErrUnexpectedEOF", r.Err())
	}
	if got := r.ReadUint8(); got != 0 {
		t.Errorf("read after error returned %d, want 0", got)
	}
}

// TestWriterStringTooLong tests the 16-bit length limit.
func TestWriterStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteUTF(strings.Repeat("x", 70000))
	w.WriteInt32(1)
	if !errors.Is(w.Flush(), ErrStringTooLong) {
		t.Fatalf("Flush = %v, want ErrStringTooLong", w.Err())
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes after failure", buf.Len())
	}
}

// TestReadCountNegative tests rejection of negative sizes.
func TestReadCountNegative(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	if n := r.ReadCount(); n != 0 {
		t.Errorf("ReadCount = %d, want 0", n)
	}
	if r.Err() == nil {
		t.Error("expected error for negative count")
	}
}
