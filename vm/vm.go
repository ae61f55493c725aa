// Package vm implements the demand-paging half of the kernel: the
// per-process supplemental page table (SPT), the page fault handler
// that classifies and resolves a fault against it, and memory-mapped
// files. It is modeled on vm/page.c and vm/frame.c from the kernel this
// module reimplements, adapted to the hosted execution model: a "page
// directory" is a map[VPage]*Entry instead of raw x86 page-table pages,
// and residency/dirty/accessed state are explicit struct fields instead
// of hardware bits. The kernel-alias/user-alias accessed-bit check
// collapses to one bit, since there is only one PTE per (address
// space, page) to begin with.
//
// There is no copy-on-write, fork, or TLB shootdown here: all three
// sit on top of raw page tables and a direct physical map that a
// hosted kernel has no access to, and nothing in this kernel needs
// them.
package vm

import (
	"fmt"

	"github.com/AGFeldman/nos/fdops"
	"github.com/AGFeldman/nos/frame"
	"github.com/AGFeldman/nos/mem"
	"github.com/AGFeldman/nos/swap"
	"github.com/AGFeldman/nos/thread"
	"github.com/AGFeldman/nos/util"
)

// VPage is a page-aligned virtual address, identical to frame.VPage so
// the frame table's Evictee callback needs no conversion.
type VPage = frame.VPage

// PhysBase is the boundary between user and kernel virtual address
// space, matching PHYS_BASE in the scheduler/loader this kernel is
// modeled on. Stack growth is bounded relative to it.
const PhysBase = VPage(0xC0000000)

// stackPages is how many pages below PhysBase the user stack may grow
// into automatically.
const stackPages = 2048

// StackLimit is the lowest address stack growth may install a page at.
var StackLimit = PhysBase - VPage(stackPages*mem.PGSIZE)

func roundDown(a VPage) VPage {
	return util.Rounddown(a, VPage(mem.PGSIZE))
}

// Entry is one supplemental page table entry: the backing descriptor for
// a single virtual page. At most one of FileBacked and
// SwapBacked is ever true; neither set at all means the page is
// zero-fill anonymous. For an mmap page (MmapID != 0), File/FileOfs/
// FileBytes stay valid even after the page has been evicted to swap, so
// Munmap can still write the page's bytes back to the file.
type Entry struct {
	FileBacked bool
	File       fdops.Fdops_i
	FileOfs    int
	FileBytes  int // bytes to read from File; the remainder of the page is zeroed
	Writable   bool
	MmapID     int // 0 for an executable-loaded page, nonzero for an mmap page

	SwapBacked bool
	Slot       swap.Slot

	Present bool
	Frame   mem.Pa_t
	Dirty   bool // set on any write through WriteUser
}

// Manager owns the system-wide frame table and swap table shared by
// every address space, and dispatches frame evictions back to whichever
// AddrSpace owns the victim page. There is exactly one Manager per
// kernel instance.
type Manager struct {
	Frames *frame.Table
	Swap   *swap.Table
}

// NewManager builds a Manager with an n-frame frame table backed by
// phys and swp.
func NewManager(s *thread.Scheduler, phys *mem.Physmem_t, swp *swap.Table, n int) *Manager {
	m := &Manager{Swap: swp}
	m.Frames = frame.NewTable(s, phys, swp, n, dispatcher{m})
	return m
}

type dispatcher struct{ m *Manager }

// Evict implements frame.Evictee. It is invoked by frame.Table.evict
// with the frame table's own lock already held, so it touches the
// victim AddrSpace's SPT directly rather than taking any lock of its
// own — the whole point of sharing the frame table's lock as the
// global eviction lock.
func (d dispatcher) Evict(owner interface{}, vpage VPage, slot swap.Slot) error {
	as, ok := owner.(*AddrSpace)
	if !ok || as == nil {
		return fmt.Errorf("vm: frame evicted with no owning address space")
	}
	e, ok := as.spt[vpage]
	if !ok {
		return fmt.Errorf("vm: evicted page %x has no SPT entry", uintptr(vpage))
	}
	e.FileBacked = false
	if e.MmapID == 0 {
		e.File = nil
	}
	// An mmap page keeps its File/FileOfs/FileBytes across eviction:
	// Munmap matches entries by MmapID alone and must still be able to
	// write a dirtied page back to the file after it has been through
	// swap.
	e.SwapBacked = true
	e.Slot = slot
	e.Present = false
	e.Frame = 0
	return nil
}

// AddrSpace is one process's supplemental page table. Entries are owned
// by the containing process and freed when the process exits (Destroy);
// the frame table may also reach into spt through the Manager's shared
// lock when it evicts one of this address space's frames.
type AddrSpace struct {
	mgr *Manager
	spt map[VPage]*Entry
}

// NewAddrSpace creates an empty address space under mgr.
func (mgr *Manager) NewAddrSpace() *AddrSpace {
	return &AddrSpace{mgr: mgr, spt: make(map[VPage]*Entry)}
}

// Lookup returns the entry for addr (rounded down to its page), or nil
// if none exists.
func (as *AddrSpace) Lookup(addr VPage) *Entry {
	as.mgr.Frames.Lock()
	defer as.mgr.Frames.Unlock()
	return as.spt[roundDown(addr)]
}

// GetOrCreate returns the entry for addr, inserting a fresh zero-fill
// entry if one doesn't already exist.
func (as *AddrSpace) GetOrCreate(addr VPage) *Entry {
	as.mgr.Frames.Lock()
	defer as.mgr.Frames.Unlock()
	return as.getOrCreateLocked(roundDown(addr))
}

func (as *AddrSpace) getOrCreateLocked(page VPage) *Entry {
	e, ok := as.spt[page]
	if !ok {
		e = &Entry{}
		as.spt[page] = e
	}
	return e
}

// AddFile registers a file-backed (lazily loaded) page at page, used by
// the ELF loader for executable segments. Not present until first
// faulted.
func (as *AddrSpace) AddFile(page VPage, f fdops.Fdops_i, ofs, nbytes int, writable bool) error {
	as.mgr.Frames.Lock()
	defer as.mgr.Frames.Unlock()
	if _, exists := as.spt[page]; exists {
		return fmt.Errorf("vm: page %x already mapped", uintptr(page))
	}
	as.spt[page] = &Entry{
		FileBacked: true,
		File:       f,
		FileOfs:    ofs,
		FileBytes:  nbytes,
		Writable:   writable,
	}
	return nil
}

// Iterate calls fn for every SPT entry, used by process exit.
func (as *AddrSpace) Iterate(fn func(page VPage, e *Entry)) {
	as.mgr.Frames.Lock()
	defer as.mgr.Frames.Unlock()
	for p, e := range as.spt {
		fn(p, e)
	}
}

// Destroy releases every frame and swap slot this address space still
// owns; it runs once, when the owning process exits. The SPT mutation
// happens under
// Frames' lock, but the actual Free calls happen after releasing it:
// frame.Table.Free re-acquires the same lock internally, and it is not
// reentrant.
func (as *AddrSpace) Destroy() {
	as.mgr.Frames.Lock()
	var frames []mem.Pa_t
	var slots []swap.Slot
	for page, e := range as.spt {
		if e.Present {
			frames = append(frames, e.Frame)
		}
		if e.SwapBacked {
			slots = append(slots, e.Slot)
		}
		delete(as.spt, page)
	}
	as.mgr.Frames.Unlock()

	for _, pa := range frames {
		as.mgr.Frames.Free(pa)
	}
	for _, slot := range slots {
		as.mgr.Swap.Free(slot)
	}
}
