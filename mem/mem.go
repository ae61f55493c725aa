// Package mem manages physical memory. On real hardware this layer
// multiplexes a direct-mapped physical address range, per-CPU free
// lists, and raw x86 page table pages reached through unsafe.Pointer.
// This kernel runs as a single CPU token holder (no SMP, see the
// scheduler package), so the per-CPU free lists collapse to one, and
// "physical memory" is simply a slab of page-sized buffers handed out
// by index — Pa_t is a frame number, not a hardware address, and there
// is no direct map to build.
package mem

import (
	"sync"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// Pa_t identifies a physical frame by index, not by address.
type Pa_t uintptr

// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

// Unpin_i allows unpinning of physical pages (frame.Table implements it so
// the page fault handler can pin a frame across a blocking disk read).
type Unpin_i interface {
	Unpin(Pa_t)
}

// Page_i abstracts physical page allocation for callers (the vm and spt
// packages) that only need to allocate, map and release frames.
type Page_i interface {
	Refpg_new() (*Bytepg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Bytepg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

type physpg_t struct {
	refcnt int32
	page   Bytepg_t
	nexti  uint32
	inuse  bool
}

// Physmem_t is a fixed-size pool of physical frames with reference
// counting. There being exactly one CPU token in this kernel (see
// thread.Scheduler), one free list under one mutex serves every caller.
type Physmem_t struct {
	sync.Mutex
	pgs     []physpg_t
	freei   uint32
	freelen int32
}

const nilIdx = ^uint32(0)

// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

// Phys_init reserves npages page frames and initializes the global
// allocator's free list.
func Phys_init(npages int) *Physmem_t {
	phys := Physmem
	phys.pgs = make([]physpg_t, npages)
	for i := range phys.pgs {
		phys.pgs[i].nexti = uint32(i) + 1
	}
	phys.pgs[npages-1].nexti = nilIdx
	phys.freei = 0
	phys.freelen = int32(npages)
	return phys
}

// Refpg_new allocates a zeroed frame.
func (phys *Physmem_t) Refpg_new() (*Bytepg_t, Pa_t, bool) {
	phys.Lock()
	defer phys.Unlock()
	if phys.freei == nilIdx {
		return nil, 0, false
	}
	idx := phys.freei
	phys.freei = phys.pgs[idx].nexti
	phys.freelen--
	pg := &phys.pgs[idx]
	for i := range pg.page {
		pg.page[i] = 0
	}
	pg.refcnt = 1
	pg.inuse = true
	return &pg.page, Pa_t(idx), true
}

// Refcnt returns the current reference count of a frame.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.pgs[p_pg].refcnt)
}

// Refup increments the reference count of a frame.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	phys.pgs[p_pg].refcnt++
}

// Refdown decrements the reference count of a frame, returning the frame
// to the free list and reporting true when the count reaches zero.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	phys.Lock()
	defer phys.Unlock()
	pg := &phys.pgs[p_pg]
	pg.refcnt--
	if pg.refcnt < 0 {
		panic("refcount underflow")
	}
	if pg.refcnt == 0 {
		pg.inuse = false
		pg.nexti = phys.freei
		phys.freei = uint32(p_pg)
		phys.freelen++
		return true
	}
	return false
}

// Dmap returns the frame's backing storage directly; there is no hardware
// address to translate in this execution model.
func (phys *Physmem_t) Dmap(p_pg Pa_t) *Bytepg_t {
	return &phys.pgs[p_pg].page
}

// Pgcount reports the number of free frames remaining.
func (phys *Physmem_t) Pgcount() int {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen)
}
