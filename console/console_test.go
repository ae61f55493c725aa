package console

import (
	"bytes"
	"testing"
)

// TestWritePassesThroughAndCaptures checks that Write both reaches the
// underlying sink and is recorded for Captured, matching the console's
// dual role as a real stdout and a test-observable fd 1.
func TestWritePassesThroughAndCaptures(t *testing.T) {
	var sink bytes.Buffer
	c := New(&sink)

	n, err := c.WriteAt(0, []byte("hello"))
	if err != 0 || n != 5 {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	if sink.String() != "hello" {
		t.Fatalf("sink = %q, want %q", sink.String(), "hello")
	}
	if !bytes.Equal(c.Captured(), []byte("hello")) {
		t.Fatalf("Captured = %q, want %q", c.Captured(), "hello")
	}
}

// TestFeedThenReadAtDrainsInput checks the fd-0 side: bytes fed as
// simulated keystrokes come back out through ReadAt in order, and only
// once.
func TestFeedThenReadAtDrainsInput(t *testing.T) {
	c := New(nil)
	c.Feed([]byte("abc"))

	var buf [2]byte
	n, err := c.ReadAt(0, buf[:])
	if err != 0 || n != 2 || string(buf[:n]) != "ab" {
		t.Fatalf("first ReadAt: n=%d err=%v buf=%q", n, err, buf[:n])
	}
	n, err = c.ReadAt(0, buf[:])
	if err != 0 || n != 1 || string(buf[:n]) != "c" {
		t.Fatalf("second ReadAt: n=%d err=%v buf=%q", n, err, buf[:n])
	}
	n, _ = c.ReadAt(0, buf[:])
	if n != 0 {
		t.Fatalf("ReadAt on a drained buffer returned %d bytes, want 0", n)
	}
}

// TestGetcDrainsOneByte checks the single-byte input accessor: bytes
// come back in order, and an empty queue reports no input rather than
// blocking.
func TestGetcDrainsOneByte(t *testing.T) {
	c := New(nil)
	c.Feed([]byte("xy"))
	if b, ok := c.Getc(); !ok || b != 'x' {
		t.Fatalf("Getc = %q, %v; want 'x', true", b, ok)
	}
	if b, ok := c.Getc(); !ok || b != 'y' {
		t.Fatalf("Getc = %q, %v; want 'y', true", b, ok)
	}
	if _, ok := c.Getc(); ok {
		t.Fatal("Getc on empty input should report no byte")
	}
}

// TestCircbufDropsOldestWhenFull checks Circbuf_t.Push's documented
// behavior: a console never blocks a writer, it drops the oldest
// unread bytes instead.
func TestCircbufDropsOldestWhenFull(t *testing.T) {
	cb := NewCircbuf(4)
	cb.Push([]byte("ABCD"))
	if !cb.Full() {
		t.Fatal("buffer should be full after pushing exactly its capacity")
	}
	cb.Push([]byte("E"))

	var out [4]byte
	n := cb.Pop(out[:])
	if n != 4 || string(out[:]) != "BCDE" {
		t.Fatalf("Pop = %q (n=%d), want %q", out[:n], n, "BCDE")
	}
	if !cb.Empty() {
		t.Fatal("buffer should be empty after popping everything")
	}
}

// TestSizeReportsUnreadOutput checks fdops.Fdops_i.Size's contract for
// the console's fd-1 view: unread bytes still sitting in the out ring.
func TestSizeReportsUnreadOutput(t *testing.T) {
	c := New(nil)
	c.WriteAt(0, []byte("12345"))
	n, err := c.Size()
	if err != 0 || n != 5 {
		t.Fatalf("Size: n=%d err=%v, want 5/0", n, err)
	}
}

// TestReopenReturnsSameSharedConsole checks that Reopen does not
// fragment the console: there is exactly one, shared kernel-wide.
func TestReopenReturnsSameSharedConsole(t *testing.T) {
	c := New(nil)
	if c.Reopen() != c {
		t.Fatal("Reopen should return the same shared *Console")
	}
}
