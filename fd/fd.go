// Package fd implements the per-process file descriptor table: a
// fixed-capacity array of open Fd_t slots. There is no working-directory
// or path-canonicalization state here: this kernel has no directory
// tree, so a descriptor is born from an already-resolved file and a
// path never outlives open().
package fd

import (
	"sync"

	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fdops"
)

// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// NFDS is the maximum number of simultaneously open descriptors per
// process. fd 0 and 1 are always console stdin/stdout.
const NFDS = 16

// Fd_t is one open file descriptor.
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor by reopening it, used by
// dup-style syscalls and by process fork/exec descriptor inheritance.
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{Perms: fd.Perms}
	nfd.Fops = fd.Fops.Reopen()
	return nfd, 0
}

// Close_panic closes the descriptor and panics on failure; used at
// points where Close failing would indicate a kernel bug rather than a
// user error (e.g. closing a descriptor the kernel itself opened).
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("fd: close must succeed")
	}
}

// Table is a process's fixed-size descriptor table, protected by a
// single mutex: open/close/dup are infrequent enough that per-process
// serialization costs nothing.
type Table struct {
	mu  sync.Mutex
	fds [NFDS]*Fd_t
}

// NewTable builds an empty table with fd 0 and 1 reserved for con (the
// console), the conventional stdin/stdout assignment mmap's fd checks
// rely on.
func NewTable(con fdops.Fdops_i) *Table {
	t := &Table{}
	t.fds[0] = &Fd_t{Fops: con, Perms: FD_READ}
	t.fds[1] = &Fd_t{Fops: con, Perms: FD_WRITE}
	return t
}

// Alloc installs f in the lowest-numbered free slot at or above 2,
// returning its descriptor number, or EMFILE if the table is full.
func (t *Table) Alloc(f *Fd_t) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 2; i < NFDS; i++ {
		if t.fds[i] == nil {
			t.fds[i] = f
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

// Get returns the descriptor at fdnum, or EBADF if it isn't open.
func (t *Table) Get(fdnum int) (*Fd_t, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdnum < 0 || fdnum >= NFDS || t.fds[fdnum] == nil {
		return nil, -defs.EBADF
	}
	return t.fds[fdnum], 0
}

// Close releases fdnum, closing its underlying file.
func (t *Table) Close(fdnum int) defs.Err_t {
	t.mu.Lock()
	if fdnum < 0 || fdnum >= NFDS || t.fds[fdnum] == nil {
		t.mu.Unlock()
		return -defs.EBADF
	}
	f := t.fds[fdnum]
	t.fds[fdnum] = nil
	t.mu.Unlock()
	return f.Fops.Close()
}

// Dup duplicates oldfd into the lowest free slot, reopening its Fops so
// the two descriptors share the same underlying file but close
// independently.
func (t *Table) Dup(oldfd int) (int, defs.Err_t) {
	old, err := t.Get(oldfd)
	if err != 0 {
		return 0, err
	}
	nfd, err := Copyfd(old)
	if err != 0 {
		return 0, err
	}
	return t.Alloc(nfd)
}

// CloseAll closes every open descriptor above fd 1, used on process
// exit; fd 0/1 (the console) are shared kernel-wide and are never
// closed by an individual process.
func (t *Table) CloseAll() {
	t.mu.Lock()
	var fds [NFDS]*Fd_t
	for i := 2; i < NFDS; i++ {
		fds[i] = t.fds[i]
		t.fds[i] = nil
	}
	t.mu.Unlock()
	for i := 2; i < NFDS; i++ {
		if fds[i] != nil {
			fds[i].Fops.Close()
		}
	}
}
