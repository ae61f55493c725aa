// Package syscall implements the kernel's single trap-vector dispatch.
// It is modeled on userprog/syscall.c from the kernel this module
// reimplements: one handler switch, with each pointer argument validated
// against the process's address space as its handler copies through it. A real trap only ever hands the
// kernel a [num, arg0, arg1, arg2] register block; this package's
// Dispatch takes that block as plain Go ints (buffer/path arguments are
// user virtual addresses, vm.VPage values narrowed to int) and resolves
// them through vm.AddrSpace, exactly mirroring what reading the raw
// trap frame would have done.
package syscall

import (
	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fd"
	"github.com/AGFeldman/nos/proc"
	"github.com/AGFeldman/nos/vm"
)

// Syscall numbers, in trap-table order.
const (
	Halt = iota
	Exit
	Exec
	Wait
	Create
	Remove
	Open
	Filesize
	Read
	Write
	Seek
	Tell
	Close
	Mmap
	Munmap
)

// maxPath bounds how many bytes ReadUserString will scan for a NUL
// before rejecting the request as oversize.
const maxPath = 512

// Dispatch runs syscall num for p with arguments a0/a1/a2, returning the
// handler's result and an error code. A bad-argument failure (invalid
// pointer, out-of-range fd, oversize request) terminates the calling
// process with status −1 on the trap-return path below; the thread body
// keeps running to its own return, since a hosted kernel cannot cut a
// goroutine short, but by then the process is already torn down and the
// body's return does nothing more.
//
// The CPU token's holder is charged user time by default (thread.
// Scheduler.Run); the time spent here servicing the trap is reclassified
// from user to system time once the handler returns, the same
// after-the-fact adjustment accnt.Accnt_t's Io_time/Sleep_time already
// make for I/O and sleep time.
func Dispatch(pt *proc.Table, p *proc.Proc, num int, a0, a1, a2 int) (ret int, err defs.Err_t) {
	start := p.T.Acc.Now()
	defer func() {
		elapsed := p.T.Acc.Now() - start
		p.T.Acc.Systadd(elapsed)
		p.T.Acc.Utadd(-elapsed)
		if badArgument(err) {
			pt.Exit(p, -1)
		}
		// Trap return: the one safe point a preemption the timer tick
		// flagged during this syscall can actually take effect at.
		pt.Sched.MaybeYield()
	}()
	switch num {
	case Halt:
		pt.Halt()
		return 0, 0

	case Exit:
		pt.Exit(p, a0)
		return a0, 0

	case Exec:
		path, err := readUserString(p, vm.VPage(a0))
		if err != 0 {
			return -1, err
		}
		child, err := pt.Exec(p, path)
		if err != 0 {
			return -1, err
		}
		return int(child.T.ID), 0

	case Wait:
		status, err := p.Wait(defs.Tid_t(a0))
		return status, err

	case Create:
		path, err := readUserString(p, vm.VPage(a0))
		if err != 0 {
			return 0, err
		}
		return boolToInt(pt.FS.Create(path, a1)), 0

	case Remove:
		path, err := readUserString(p, vm.VPage(a0))
		if err != 0 {
			return 0, err
		}
		return boolToInt(pt.FS.Remove(path)), 0

	case Open:
		path, err := readUserString(p, vm.VPage(a0))
		if err != 0 {
			return -1, err
		}
		f, ok := pt.FS.Open(path)
		if !ok {
			return -1, -defs.ENOENT
		}
		fdnum, err := p.Fds.Alloc(&fd.Fd_t{Fops: f, Perms: fd.FD_READ | fd.FD_WRITE})
		if err != 0 {
			return -1, err
		}
		return fdnum, 0

	case Filesize:
		f, err := p.Fds.Get(a0)
		if err != 0 {
			return -1, err
		}
		n, err := f.Fops.Size()
		if err != 0 {
			return -1, err
		}
		return n, 0

	case Read:
		return read(p, a0, vm.VPage(a1), a2)

	case Write:
		return write(p, a0, vm.VPage(a1), a2)

	case Seek, Tell:
		// No file position is kept per descriptor: read and write always
		// start at offset 0 of the file (fdops.Fdops_i is addressed
		// purely by absolute offset). Seek does not move anything and
		// Tell always returns 0; both only validate the fd.
		if _, err := p.Fds.Get(a0); err != 0 {
			return -1, err
		}
		return 0, 0

	case Close:
		return 0, p.Fds.Close(a0)

	case Mmap:
		return mmap(p, a0, vm.VPage(a1))

	case Munmap:
		return 0, p.As.Munmap(a0)
	}
	return -1, -defs.EINVAL
}

// badArgument reports whether err falls in the bad-argument class that
// terminates the calling process with status −1: invalid pointers,
// out-of-range or unopened fds, and oversize requests. Load failures
// (ENOEXEC), a full or missing file (ENOENT), and wait on a non-child
// (ECHILD) surface to the caller instead.
func badArgument(err defs.Err_t) bool {
	switch err {
	case -defs.EFAULT, -defs.EINVAL, -defs.ENAMETOOLONG, -defs.EBADF, -defs.EMFILE:
		return true
	}
	return false
}

func read(p *proc.Proc, fdnum int, addr vm.VPage, n int) (int, defs.Err_t) {
	if n == 0 {
		return 0, 0
	}
	buf := make([]byte, n)
	f, err := p.Fds.Get(fdnum)
	if err != 0 {
		return -1, err
	}
	got, err := f.Fops.ReadAt(0, buf)
	if err != 0 {
		return -1, err
	}
	// Pin the destination pages for the duration of the copy back into
	// user space: the filesystem above has already released whatever it
	// was holding by the time ReadAt returns, but the eviction clock must
	// not be able to steal the buffer out from under WriteUser mid-copy.
	p.Win = vm.NewPinWindow(addr, got)
	werr := p.As.WriteUser(addr, buf[:got], p.Esp, p.Win)
	p.As.UnpinWindow(p.Win)
	p.Win = nil
	if werr != 0 {
		return -1, werr
	}
	return got, 0
}

func write(p *proc.Proc, fdnum int, addr vm.VPage, n int) (int, defs.Err_t) {
	buf := make([]byte, n)
	p.Win = vm.NewPinWindow(addr, n)
	rerr := p.As.ReadUser(addr, buf, p.Esp, p.Win)
	p.As.UnpinWindow(p.Win)
	p.Win = nil
	if rerr != 0 {
		return -1, rerr
	}
	f, err := p.Fds.Get(fdnum)
	if err != 0 {
		return -1, err
	}
	wrote, err := f.Fops.WriteAt(0, buf)
	if err != 0 {
		return -1, err
	}
	return wrote, 0
}

func mmap(p *proc.Proc, fdnum int, addr vm.VPage) (int, defs.Err_t) {
	if fdnum == 0 || fdnum == 1 {
		return -1, -defs.EINVAL
	}
	f, err := p.Fds.Get(fdnum)
	if err != 0 {
		return -1, err
	}
	id, err := p.As.Mmap(false, addr, f.Fops.Reopen())
	if err != 0 {
		return -1, err
	}
	return id, 0
}

// readUserString copies a NUL-terminated string out of p's address
// space starting at addr, up to maxPath bytes.
func readUserString(p *proc.Proc, addr vm.VPage) (string, defs.Err_t) {
	var buf [maxPath]byte
	for i := 0; i < maxPath; i++ {
		if err := p.As.ReadUser(addr+vm.VPage(i), buf[i:i+1], p.Esp, p.Win); err != 0 {
			return "", err
		}
		if buf[i] == 0 {
			return string(buf[:i]), 0
		}
	}
	return "", -defs.ENAMETOOLONG
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
