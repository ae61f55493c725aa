// Package frame implements the frame table: one entry per physical page
// available to user processes, tracking which virtual page currently
// occupies it and driving the clock (second-chance) eviction algorithm
// when memory runs out. Modeled on vm/frame.c, with the frame table's own
// eviction_lock replaced by synch.Lock_t and the hardware accessed-bit
// check replaced by an explicit MarkAccessed call from the vm package's
// user-copy path (ReadUser/WriteUser), since this kernel has no MMU to
// consult.
package frame

import (
	"fmt"

	"github.com/AGFeldman/nos/bounds"
	"github.com/AGFeldman/nos/mem"
	"github.com/AGFeldman/nos/res"
	"github.com/AGFeldman/nos/stats"
	"github.com/AGFeldman/nos/swap"
	"github.com/AGFeldman/nos/synch"
	"github.com/AGFeldman/nos/thread"
)

// VPage identifies a virtual page within whatever address space Owner
// names; the frame table does not interpret it beyond passing it back to
// Evictee on eviction.
type VPage uintptr

// Evictee is implemented by the supplemental page table: when the frame
// table needs to reclaim a frame, it writes the page out to swap itself
// (frame owns the swap table) and then asks the owning address space to
// retarget its mapping at the swap slot instead of the frame.
type Evictee interface {
	Evict(owner interface{}, vpage VPage, slot swap.Slot) error
}

type entry struct {
	inuse    bool
	accessed bool
	pinned   bool
	owner    interface{}
	vpage    VPage
}

// Table is the frame table. There is one Table per kernel instance,
// sitting on top of the single mem.Physmem_t and a dedicated swap.Table.
type Table struct {
	lock    *synch.Lock_t
	phys    *mem.Physmem_t
	swap    *swap.Table
	evictee Evictee

	entries []entry
	clock   int

	// Stat counts frame-table events when stats.Enabled is set.
	Stat struct {
		Nalloc stats.Counter_t
		Nevict stats.Counter_t
	}
}

// NewTable builds a frame table of n entries, one per frame that phys
// can hand out, backed by swp for eviction.
func NewTable(s *thread.Scheduler, phys *mem.Physmem_t, swp *swap.Table, n int, evictee Evictee) *Table {
	return &Table{
		lock:    synch.NewLock(s),
		phys:    phys,
		swap:    swp,
		evictee: evictee,
		entries: make([]entry, n),
	}
}

// Alloc hands back a frame mapped to (owner, vpage), evicting another
// frame via the clock algorithm if none are free.
func (t *Table) Alloc(owner interface{}, vpage VPage) (mem.Pa_t, *mem.Bytepg_t, error) {
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_FRAME_T_EVICT)) {
		return 0, nil, fmt.Errorf("frame: resource budget exhausted")
	}
	defer res.Resdel(bounds.B_FRAME_T_EVICT)

	pg, pa, ok := t.phys.Refpg_new()
	if !ok {
		var err error
		pa, err = t.evict()
		if err != nil {
			return 0, nil, err
		}
		pg = t.phys.Dmap(pa)
		for i := range pg {
			pg[i] = 0
		}
	}

	t.lock.Acquire()
	t.entries[pa] = entry{inuse: true, owner: owner, vpage: vpage}
	t.lock.Release()
	t.Stat.Nalloc.Inc()
	return pa, pg, nil
}

// Dmap returns the backing bytes of frame pa, for callers (the vm
// package) that need direct access to an already-resident page.
func (t *Table) Dmap(pa mem.Pa_t) *mem.Bytepg_t {
	return t.phys.Dmap(pa)
}

// MarkAccessed records that pa was touched, giving it a second chance
// the next time the clock hand reaches it. The vm package's user-copy
// loop calls this for every page it copies through, standing in for a
// hardware accessed bit.
func (t *Table) MarkAccessed(pa mem.Pa_t) {
	t.lock.Acquire()
	t.entries[pa].accessed = true
	t.lock.Release()
}

// Pin prevents pa from being chosen for eviction, for the duration of an
// operation (such as a disk read filling it) that cannot tolerate the
// frame moving underneath it.
func (t *Table) Pin(pa mem.Pa_t) {
	t.lock.Acquire()
	t.entries[pa].pinned = true
	t.lock.Release()
}

func (t *Table) Unpin(pa mem.Pa_t) {
	t.lock.Acquire()
	t.entries[pa].pinned = false
	t.lock.Release()
}

// Free releases a frame the caller owns outright (its contents are
// discarded, not written to swap), used when a mapping is torn down
// rather than paged out.
func (t *Table) Free(pa mem.Pa_t) {
	t.lock.Acquire()
	t.entries[pa] = entry{}
	t.lock.Release()
	t.phys.Refdown(pa)
}

// evict runs the clock algorithm: it scans the frame table starting
// where the clock hand last stopped, skipping pinned frames and giving
// every accessed frame one more pass with its accessed bit cleared,
// until it finds a frame to reclaim.
func (t *Table) evict() (mem.Pa_t, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	n := len(t.entries)
	for spins := 0; spins < 2*n+1; spins++ {
		idx := t.clock
		t.clock = (t.clock + 1) % n
		e := &t.entries[idx]
		if !e.inuse || e.pinned {
			continue
		}
		if e.accessed {
			e.accessed = false
			continue
		}
		victim := *e
		pa := mem.Pa_t(idx)

		slot, ok := t.swap.Alloc()
		if !ok {
			return 0, fmt.Errorf("frame: swap exhausted during eviction")
		}
		page := t.phys.Dmap(pa)
		if err := t.swap.WritePage(slot, page); err != nil {
			return 0, err
		}
		if err := t.evictee.Evict(victim.owner, victim.vpage, slot); err != nil {
			return 0, err
		}
		*e = entry{}
		t.Stat.Nevict.Inc()
		return pa, nil
	}
	return 0, fmt.Errorf("frame: no evictable frame (all pinned)")
}

// Unlock_ releases the frame table's lock; named to avoid colliding with
// synch.Lock_t's own Release while still reading as a private helper.
func (t *Table) Unlock_() { t.lock.Release() }

// Lock acquires the frame table's own eviction lock so a caller outside
// this package (the supplemental page table) can serialize its own
// mutations against a concurrent eviction touching the same page: the
// evictor reaches into another process's page table, so that table must
// be safe against external mutation. Evictee.Evict is itself invoked
// with this lock already held, so it must never call Lock again.
func (t *Table) Lock() { t.lock.Acquire() }

// Unlock releases the lock taken by Lock.
func (t *Table) Unlock() { t.lock.Release() }

// StatsString reports the frame table's event counters; empty unless
// stats.Enabled is set.
func (t *Table) StatsString() string { return stats.Stats2String(t.Stat) }
