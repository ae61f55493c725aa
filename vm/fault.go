package vm

import (
	"github.com/AGFeldman/nos/bounds"
	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/mem"
	"github.com/AGFeldman/nos/res"
	"github.com/AGFeldman/nos/util"
)

// PinWindow names a range of pages the current thread has promised not
// to let the evictor reclaim while a copy through them is in flight. A
// nil *PinWindow means no pinning is in effect.
type PinWindow struct {
	Base VPage
	N    int
}

func (w *PinWindow) covers(page VPage) bool {
	if w == nil {
		return false
	}
	lo := w.Base
	hi := w.Base + VPage(w.N*mem.PGSIZE)
	return page >= lo && page < hi
}

// NewPinWindow builds the window covering the n bytes starting at addr,
// rounded out to whole pages, for callers (read/write syscalls) that
// need to keep a user buffer's pages resident across a copy so paging
// can't evict them out from under it while the filesystem holds its
// lock. Returns nil for an empty range.
func NewPinWindow(addr VPage, n int) *PinWindow {
	if n <= 0 {
		return nil
	}
	lo := roundDown(addr)
	hi := util.Roundup(addr+VPage(n), VPage(mem.PGSIZE))
	return &PinWindow{Base: lo, N: int((hi - lo) / VPage(mem.PGSIZE))}
}

// UnpinWindow releases the pin NewPinWindow's pages picked up as they
// were faulted in during the copy win guarded. Pages the window covers
// but that were never faulted in (never installed, so never pinned)
// are silently skipped.
func (as *AddrSpace) UnpinWindow(win *PinWindow) {
	if win == nil {
		return
	}
	for i := 0; i < win.N; i++ {
		page := win.Base + VPage(i*mem.PGSIZE)
		as.mgr.Frames.Lock()
		e, ok := as.spt[page]
		present := ok && e.Present
		var pa mem.Pa_t
		if present {
			pa = e.Frame
		}
		as.mgr.Frames.Unlock()
		if present {
			as.mgr.Frames.Unpin(pa)
		}
	}
}

// PageFault resolves a fault at uva, classifying it against the SPT
// into one of four cases (file-backed, swap-backed, anonymous,
// stack-growth) and installing the resulting frame. esp is the user
// stack pointer at the time of the fault, used for the stack-growth
// boundary check; win is the faulting thread's pinning window, if any.
func (as *AddrSpace) PageFault(uva VPage, write bool, esp VPage, win *PinWindow) defs.Err_t {
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_VM_T_PGFAULT)) {
		return -defs.ENOHEAP
	}
	defer res.Resdel(bounds.B_VM_T_PGFAULT)

	upage := roundDown(uva)

	as.mgr.Frames.Lock()
	e, ok := as.spt[upage]
	if ok && e.Present {
		// Another thread already resolved this fault (this kernel's
		// single CPU token still lets a blocked faulter be overtaken by
		// a second fault on the same page): nothing left to do.
		as.mgr.Frames.Unlock()
		return 0
	}
	as.mgr.Frames.Unlock()

	if !ok {
		if !isStackGrowth(uva, esp) {
			return -defs.EFAULT
		}
		return as.installStackGrowth(upage, win)
	}

	switch {
	case e.FileBacked:
		if write && !e.Writable {
			return -defs.EFAULT
		}
		return as.installFileBacked(upage, e, win)
	case e.SwapBacked:
		return as.installSwapBacked(upage, e, win)
	default:
		return as.installAnonymous(upage, e, win)
	}
}

// isStackGrowth: a fault with no SPT entry is treated as stack growth
// iff it falls within 32 bytes below the stack pointer (covering the
// x86 PUSHA/faulting-push case) and within the reserved stack region
// below PhysBase.
func isStackGrowth(uva, esp VPage) bool {
	if uva+32 < esp {
		return false
	}
	return uva >= StackLimit && uva < PhysBase
}

func (as *AddrSpace) installStackGrowth(upage VPage, win *PinWindow) defs.Err_t {
	as.mgr.Frames.Lock()
	e := as.getOrCreateLocked(upage)
	if e.Present {
		as.mgr.Frames.Unlock()
		return 0
	}
	as.mgr.Frames.Unlock()

	pa, pg, err := as.mgr.Frames.Alloc(as, upage)
	if err != nil {
		return -defs.ENOMEM
	}
	_ = pg // already zeroed by Alloc

	as.mgr.Frames.Lock()
	e.Present = true
	e.Frame = pa
	e.Writable = true
	as.mgr.Frames.Unlock()
	if win.covers(upage) {
		as.mgr.Frames.Pin(pa)
	}
	return 0
}

func (as *AddrSpace) installAnonymous(upage VPage, e *Entry, win *PinWindow) defs.Err_t {
	pa, _, err := as.mgr.Frames.Alloc(as, upage)
	if err != nil {
		return -defs.ENOMEM
	}
	as.mgr.Frames.Lock()
	e.Present = true
	e.Frame = pa
	e.Writable = true
	as.mgr.Frames.Unlock()
	if win.covers(upage) {
		as.mgr.Frames.Pin(pa)
	}
	return 0
}

func (as *AddrSpace) installFileBacked(upage VPage, e *Entry, win *PinWindow) defs.Err_t {
	pa, pg, err := as.mgr.Frames.Alloc(as, upage)
	if err != nil {
		return -defs.ENOMEM
	}
	if win.covers(upage) {
		as.mgr.Frames.Pin(pa)
	}
	n, rerr := e.File.ReadAt(e.FileOfs, pg[:e.FileBytes])
	if rerr != 0 {
		as.mgr.Frames.Free(pa)
		return rerr
	}
	for i := n; i < mem.PGSIZE; i++ {
		pg[i] = 0
	}
	as.mgr.Frames.Lock()
	e.Present = true
	e.Frame = pa
	as.mgr.Frames.Unlock()
	return 0
}

func (as *AddrSpace) installSwapBacked(upage VPage, e *Entry, win *PinWindow) defs.Err_t {
	pa, pg, err := as.mgr.Frames.Alloc(as, upage)
	if err != nil {
		return -defs.ENOMEM
	}
	if win.covers(upage) {
		as.mgr.Frames.Pin(pa)
	}
	slot := e.Slot
	if rerr := as.mgr.Swap.ReadPage(slot, pg); rerr != nil {
		as.mgr.Frames.Free(pa)
		return -defs.EFAULT
	}
	as.mgr.Swap.Free(slot)

	as.mgr.Frames.Lock()
	e.SwapBacked = false
	e.Present = true
	e.Frame = pa
	e.Writable = true
	as.mgr.Frames.Unlock()
	return 0
}

// ReadUser copies len(dst) bytes from user virtual address uva into
// dst, faulting in any page along the way that isn't resident.
func (as *AddrSpace) ReadUser(uva VPage, dst []byte, esp VPage, win *PinWindow) defs.Err_t {
	return as.xferUser(uva, dst, esp, win, false)
}

// WriteUser copies src into user virtual address uva, faulting in any
// page that isn't resident and marking each touched page dirty.
func (as *AddrSpace) WriteUser(uva VPage, src []byte, esp VPage, win *PinWindow) defs.Err_t {
	return as.xferUser(uva, src, esp, win, true)
}

func (as *AddrSpace) xferUser(uva VPage, buf []byte, esp VPage, win *PinWindow, write bool) defs.Err_t {
	bound := bounds.B_ASPACE_T_USER2K_INNER
	if write {
		bound = bounds.B_ASPACE_T_K2USER_INNER
	}
	if !res.Resadd_noblock(bounds.Bounds(bound)) {
		return -defs.ENOHEAP
	}
	defer res.Resdel(bound)

	off := 0
	for off < len(buf) {
		page := roundDown(uva + VPage(off))
		poff := int(uva+VPage(off)) - int(page)

		as.mgr.Frames.Lock()
		e, ok := as.spt[page]
		present := ok && e.Present
		as.mgr.Frames.Unlock()

		if !present {
			if err := as.PageFault(uva+VPage(off), write, esp, win); err != 0 {
				return err
			}
			as.mgr.Frames.Lock()
			e = as.spt[page]
			as.mgr.Frames.Unlock()
		}
		if write && !e.Writable {
			return -defs.EFAULT
		}

		n := util.Min(mem.PGSIZE-poff, len(buf)-off)
		pg := as.mgr.Frames.Dmap(e.Frame)
		if write {
			copy(pg[poff:poff+n], buf[off:off+n])
			as.mgr.Frames.Lock()
			e.Dirty = true
			as.mgr.Frames.Unlock()
		} else {
			copy(buf[off:off+n], pg[poff:poff+n])
		}
		as.mgr.Frames.MarkAccessed(e.Frame)
		off += n
	}
	return 0
}
