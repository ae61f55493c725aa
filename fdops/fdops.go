// Package fdops defines the narrow interface the page fault handler and
// mmap call into to pull bytes off a file-backed mapping. The on-disk
// inode layout lives on the far side of this boundary and is not built
// here, so the only implementation this repository ships is MemFile, a
// byte-slice-backed file good enough to exercise demand loading,
// swap-in, and mmap round-trips end to end.
package fdops

import (
	"sync"

	"github.com/AGFeldman/nos/defs"
)

// Fdops_i is implemented by anything the VM subsystem can read pages
// from and write dirty mmap'd pages back to. Read/Write/Close/Reopen
// are all the VM side needs; Stat, Lseek, Truncate and the rest of a
// full file interface belong to a real filesystem and are out of scope.
type Fdops_i interface {
	// ReadAt copies up to len(dst) bytes starting at offset off into dst,
	// returning the number of bytes actually copied (fewer than len(dst)
	// at end-of-file) and an error code.
	ReadAt(off int, dst []byte) (int, defs.Err_t)
	// WriteAt writes src at offset off, extending the file if needed.
	WriteAt(off int, src []byte) (int, defs.Err_t)
	// Size returns the file's current length in bytes.
	Size() (int, defs.Err_t)
	// Close releases the file. mmap re-opens a file so that closing the
	// fd it was opened from doesn't invalidate an outstanding mapping;
	// Close is what finally releases it.
	Close() defs.Err_t
	// Reopen returns a new reference to the same underlying file, used
	// both by mmap and by fd.Copyfd when a process dups a descriptor.
	Reopen() Fdops_i
}

// MemFile is an in-memory Fdops_i: a byte slice guarded by a mutex. It
// is the one concrete Fdops_i this kernel ships, used by the loader to
// serve executable pages and by mmap to serve file-backed mappings,
// exactly where an on-disk inode would otherwise sit.
type MemFile struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	refs   int
}

// NewMemFile wraps data as a file. The returned file takes ownership of
// data; callers that need an independent copy should clone it first.
func NewMemFile(data []byte) *MemFile {
	return &MemFile{data: data, refs: 1}
}

// Reopen returns a new reference to the same backing bytes, matching
// mmap's re-open-the-file step so that closing the original fd never
// invalidates a live mapping.
func (f *MemFile) Reopen() Fdops_i {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
	return f
}

func (f *MemFile) ReadAt(off int, dst []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, -defs.EBADF
	}
	if off < 0 {
		return 0, -defs.EINVAL
	}
	if off >= len(f.data) {
		return 0, 0
	}
	n := copy(dst, f.data[off:])
	return n, 0
}

func (f *MemFile) WriteAt(off int, src []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, -defs.EBADF
	}
	if off < 0 {
		return 0, -defs.EINVAL
	}
	end := off + len(src)
	if end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[off:end], src)
	return n, 0
}

func (f *MemFile) Size() (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data), 0
}

func (f *MemFile) Close() defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
	if f.refs <= 0 {
		f.closed = true
	}
	return 0
}
