package ringbuf

import (
	"bytes"
	"testing"
)

func TestNewRoundsToPowerOfTwo(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, 1024},
		{-5, 1024},
		{1, 1},
		{3, 4},
		{7, 8},
		{100, 128},
		{1024, 1024},
		{1025, 2048},
	}

	for _, tt := range tests {
		rb := New(tt.input)
		if rb.Capacity() != tt.expected {
			t.Errorf("New(%d): expected capacity %d, got %d", tt.input, tt.expected, rb.Capacity())
		}
	}
}

func TestSizeSpaceInvariant(t *testing.T) {
	rb := New(16)
	if rb.Size()+rb.Space() != rb.Capacity() {
		t.Fatalf("size+space != capacity on empty ring")
	}
	rb.Write([]byte("hello"))
	if rb.Size()+rb.Space() != rb.Capacity() {
		t.Fatalf("size+space != capacity after write")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	rb := New(16)
	data := []byte("hello")

	n := rb.Write(data)
	if n != len(data) {
		t.Fatalf("Write: expected %d, got %d", len(data), n)
	}

	got := rb.Read(len(data))
	if !bytes.Equal(got, data) {
		t.Fatalf("Read: expected %q, got %q", data, got)
	}
}

func TestWriteNeverOverrunsCapacity(t *testing.T) {
	rb := New(4)
	n := rb.Write([]byte("abcdefgh"))
	if n != 4 {
		t.Fatalf("expected write to be capped at capacity 4, got %d", n)
	}
	if rb.Space() != 0 {
		t.Fatalf("expected ring full, got space %d", rb.Space())
	}
}

func TestWrapAround(t *testing.T) {
	rb := New(4)
	rb.Write([]byte("ab"))
	rb.Read(2)
	n := rb.Write([]byte("cdef")) // wraps past the physical end
	if n != 4 {
		t.Fatalf("expected 4 bytes written across wrap, got %d", n)
	}
	got := rb.Read(4)
	if !bytes.Equal(got, []byte("cdef")) {
		t.Fatalf("expected cdef after wrap, got %q", got)
	}
}

func TestPushShiftByte(t *testing.T) {
	rb := New(2)
	if !rb.PushByte('a') {
		t.Fatal("expected push to succeed on empty ring")
	}
	if !rb.PushByte('b') {
		t.Fatal("expected second push to succeed")
	}
	if rb.PushByte('c') {
		t.Fatal("expected push to fail on a full ring")
	}

	b, ok := rb.ShiftByte()
	if !ok || b != 'a' {
		t.Fatalf("expected ('a', true), got (%q, %v)", b, ok)
	}
}

func TestReadToDelimiterPresent(t *testing.T) {
	rb := New(32)
	rb.Write([]byte("header\x00trailing"))

	got := rb.ReadTo(0x00)
	if !bytes.Equal(got, []byte("header\x00")) {
		t.Fatalf("expected %q, got %q", "header\x00", got)
	}
	if rb.Size() != len("trailing") {
		t.Fatalf("expected remaining size %d, got %d", len("trailing"), rb.Size())
	}
}

func TestReadToDelimiterAbsentLeavesRingUnchanged(t *testing.T) {
	rb := New(32)
	rb.Write([]byte("no delimiter here"))
	before := rb.Size()

	got := rb.ReadTo(0x00)
	if got != nil {
		t.Fatalf("expected nil when delimiter absent, got %q", got)
	}
	if rb.Size() != before {
		t.Fatalf("expected size unchanged at %d, got %d", before, rb.Size())
	}

	// The buffered bytes must still be exactly what was written.
	got2 := rb.Read(-1)
	if !bytes.Equal(got2, []byte("no delimiter here")) {
		t.Fatalf("content changed after failed ReadTo: %q", got2)
	}
}

func TestReadToSeqMultiByteDelimiter(t *testing.T) {
	rb := New(32)
	rb.Write([]byte("abc\r\ndef"))

	got := rb.ReadToSeq([]byte("\r\n"))
	if !bytes.Equal(got, []byte("abc\r\n")) {
		t.Fatalf("expected %q, got %q", "abc\r\n", got)
	}
}

func TestReadFromReturnsSuffixAndRewindsWrite(t *testing.T) {
	rb := New(32)
	rb.Write([]byte("0123456789"))

	suffix := rb.ReadFrom(4)
	if !bytes.Equal(suffix, []byte("456789")) {
		t.Fatalf("expected suffix %q, got %q", "456789", suffix)
	}

	rb.Write([]byte("XY"))
	got := rb.Read(-1)
	if !bytes.Equal(got, []byte("0123XY")) {
		t.Fatalf("expected %q after rewind+write, got %q", "0123XY", got)
	}
}

func TestReadFromFailsWhenOffsetExceedsSize(t *testing.T) {
	rb := New(32)
	rb.Write([]byte("abc"))
	if got := rb.ReadFrom(3); got != nil {
		t.Fatalf("expected nil for offset == size, got %q", got)
	}
	if got := rb.ReadFrom(10); got != nil {
		t.Fatalf("expected nil for offset > size, got %q", got)
	}
}

func TestWriteWithContiguous(t *testing.T) {
	rb := New(8)
	n := rb.WriteWith(4, func(a, b []byte) int {
		if len(b) != 0 {
			t.Fatalf("expected no wrap, got second region of len %d", len(b))
		}
		copy(a, []byte("data"))
		return 4
	})
	if n != 4 {
		t.Fatalf("expected 4 bytes committed, got %d", n)
	}
	if got := rb.Read(-1); !bytes.Equal(got, []byte("data")) {
		t.Fatalf("expected %q, got %q", "data", got)
	}
}

func TestWriteWithWrap(t *testing.T) {
	rb := New(4)
	rb.Write([]byte("ab"))
	rb.Read(2)

	n := rb.WriteWith(4, func(a, b []byte) int {
		if len(b) == 0 {
			t.Fatal("expected a wrap with a non-empty second region")
		}
		copy(a, []byte("cd")[:len(a)])
		copy(b, []byte("ef")[:len(b)])
		return len(a) + len(b)
	})
	if n != 4 {
		t.Fatalf("expected 4 bytes committed, got %d", n)
	}
	if got := rb.Read(-1); !bytes.Equal(got, []byte("cdef")) {
		t.Fatalf("expected cdef, got %q", got)
	}
}

func TestWriteWithZeroCommitsNothing(t *testing.T) {
	rb := New(8)
	n := rb.WriteWith(4, func(a, b []byte) int { return 0 })
	if n != 0 {
		t.Fatalf("expected 0 committed, got %d", n)
	}
	if rb.Size() != 0 {
		t.Fatalf("expected ring to remain empty, got size %d", rb.Size())
	}
}

func TestClearResetsState(t *testing.T) {
	rb := New(8)
	rb.Write([]byte("abcd"))
	rb.Clear()
	if rb.Size() != 0 {
		t.Fatalf("expected size 0 after clear, got %d", rb.Size())
	}
	if rb.Space() != rb.Capacity() {
		t.Fatalf("expected full space after clear")
	}
}
