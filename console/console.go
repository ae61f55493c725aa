// Package console implements the kernel's console device: the backing
// Fdops_i for file descriptors 0 and 1 (stdin/stdout), installed in
// every process's fd.Table by fd.NewTable. Circbuf_t keeps the
// head/tail-modulo ring buffer mechanics; there is no
// physical-page-backed allocation or user-I/O indirection here, since a
// console buffer never doubles as a socket buffer sharing the kernel's
// frame pool — it is a small kernel-heap ring, and reads/writes go
// directly to []byte.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fdops"
)

// Circbuf_t is a fixed-capacity ring buffer of bytes.
type Circbuf_t struct {
	buf        []byte
	head, tail int
}

// NewCircbuf allocates a ring buffer of the given capacity.
func NewCircbuf(sz int) *Circbuf_t {
	return &Circbuf_t{buf: make([]byte, sz)}
}

func (cb *Circbuf_t) Full() bool  { return cb.head-cb.tail == len(cb.buf) }
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }
func (cb *Circbuf_t) Used() int   { return cb.head - cb.tail }
func (cb *Circbuf_t) Left() int   { return len(cb.buf) - cb.Used() }

// Push appends up to len(src) bytes, dropping the oldest unread bytes
// to make room rather than blocking — a console has no backpressure on
// the writer, unlike a socket buffer.
func (cb *Circbuf_t) Push(src []byte) int {
	n := 0
	for _, b := range src {
		if cb.Full() {
			cb.tail++
		}
		cb.buf[cb.head%len(cb.buf)] = b
		cb.head++
		n++
	}
	return n
}

// Pop copies up to len(dst) unread bytes out, returning how many were
// available.
func (cb *Circbuf_t) Pop(dst []byte) int {
	n := 0
	for n < len(dst) && !cb.Empty() {
		dst[n] = cb.buf[cb.tail%len(cb.buf)]
		cb.tail++
		n++
	}
	return n
}

// bufSize is generous enough to hold a few lines of shell-style input
// or output without losing data under normal test workloads.
const bufSize = 4096

// Console is the shared, kernel-wide console device. There is exactly
// one instance per kernel, installed at fd 0/1 in every process's
// table.
type Console struct {
	mu  sync.Mutex
	in  *Circbuf_t
	out *Circbuf_t
	w   io.Writer // real sink for writes, e.g. os.Stdout
}

// New builds a console writing through to w. Passing nil defaults to
// os.Stdout.
func New(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{in: NewCircbuf(bufSize), out: NewCircbuf(bufSize), w: w}
}

// Feed injects bytes as if typed at the console, for fd 0 reads to
// consume; tests use this to script stdin.
func (c *Console) Feed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.Push(data)
}

// Captured returns everything written to the console so far, for tests
// to assert against without depending on os.Stdout.
func (c *Console) Captured() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.out.Used())
	used := c.out.Used()
	tail := c.out.tail
	for i := 0; i < used; i++ {
		out[i] = c.out.buf[(tail+i)%len(c.out.buf)]
	}
	return out
}

// Printf writes a formatted message to the console, used for exit
// status rendering ("<name>: exit(<status>)") and kernel diagnostics.
func (c *Console) Printf(format string, args ...interface{}) {
	c.Write([]byte(fmt.Sprintf(format, args...)))
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.out.Push(p)
	c.mu.Unlock()
	return c.w.Write(p)
}

// Getc returns the next pending input byte, the keyboard-side accessor
// for one byte at a time (syscall read on fd 0 goes through ReadAt
// instead). The second return is false when no input is pending; the
// caller decides whether to retry.
func (c *Console) Getc() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b [1]byte
	if c.in.Pop(b[:]) == 0 {
		return 0, false
	}
	return b[0], true
}

// ReadAt implements fdops.Fdops_i for fd 0: off is ignored (the console
// is a stream, not a random-access file); it returns whatever input has
// been fed so far, possibly fewer bytes than requested.
func (c *Console) ReadAt(off int, dst []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Pop(dst), 0
}

// WriteAt implements fdops.Fdops_i for fd 1: off is ignored.
func (c *Console) WriteAt(off int, src []byte) (int, defs.Err_t) {
	n, err := c.Write(src)
	if err != nil {
		return n, -defs.EFAULT
	}
	return n, 0
}

// Size reports how many unread bytes of output the console has
// captured.
func (c *Console) Size() (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Used(), 0
}

// Close is a no-op: the console is shared kernel-wide and outlives any
// single process's descriptor table.
func (c *Console) Close() defs.Err_t { return 0 }

// Reopen returns the same shared console; there is nothing per-open to
// duplicate.
func (c *Console) Reopen() fdops.Fdops_i { return c }
