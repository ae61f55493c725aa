// Package swap implements the swap table: a bitmap of fixed-size slots on
// a dedicated disk, each large enough to hold one physical page. It is
// modeled on vm/swap.c: each slot spans ceil(mem.PGSIZE /
// disk.SectorSize) consecutive disk sectors.
package swap

import (
	"fmt"
	"sync"

	"github.com/AGFeldman/nos/bounds"
	"github.com/AGFeldman/nos/disk"
	"github.com/AGFeldman/nos/mem"
	"github.com/AGFeldman/nos/res"
	"github.com/AGFeldman/nos/stats"
)

// sectorsPerPage is how many disk sectors one physical page occupies.
const sectorsPerPage = (mem.PGSIZE + disk.SectorSize - 1) / disk.SectorSize

// Slot identifies one page-sized region of the swap disk.
type Slot int

// Table is the swap table: a free-slot bitmap plus the disk that backs
// it. Unlike vm/swap.c's global swapt array (one process, one address
// space), Table makes no assumption about who owns a slot; the frame and
// spt packages are responsible for remembering which slot backs which
// page.
type Table struct {
	mu    sync.Mutex
	disk  disk.Disk
	inuse []bool

	// Stat counts swap traffic when stats.Enabled is set.
	Stat struct {
		Nout stats.Counter_t
		Nin  stats.Counter_t
	}
}

// NewTable builds a swap table over d, sized to as many whole pages as
// the disk holds.
func NewTable(d disk.Disk) *Table {
	n := d.Sectors() / sectorsPerPage
	return &Table{disk: d, inuse: make([]bool, n)}
}

// Alloc reserves and returns a free slot. The second return value is
// false if the swap disk is full.
func (t *Table) Alloc() (Slot, bool) {
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_SWAP_T_OUT)) {
		return 0, false
	}
	defer res.Resdel(bounds.B_SWAP_T_OUT)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, used := range t.inuse {
		if !used {
			t.inuse[i] = true
			return Slot(i), true
		}
	}
	return 0, false
}

// Free marks a slot unused without touching its contents; the stale
// bytes stay on disk until a later WritePage to the reused slot
// overwrites them, matching mark_slot_unused.
func (t *Table) Free(s Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inuse[s] = false
}

// WritePage writes a full page of data out to slot s.
func (t *Table) WritePage(s Slot, page *mem.Bytepg_t) error {
	t.Stat.Nout.Inc()
	base := int(s) * sectorsPerPage
	for i := 0; i < sectorsPerPage; i++ {
		lo := i * disk.SectorSize
		hi := lo + disk.SectorSize
		if hi > len(page) {
			hi = len(page)
		}
		buf := make([]byte, disk.SectorSize)
		copy(buf, page[lo:hi])
		if err := t.disk.WriteAt(base+i, buf); err != nil {
			return fmt.Errorf("swap: write slot %d: %w", s, err)
		}
	}
	return nil
}

// ReadPage reads slot s's contents back into page.
func (t *Table) ReadPage(s Slot, page *mem.Bytepg_t) error {
	t.Stat.Nin.Inc()
	base := int(s) * sectorsPerPage
	for i := 0; i < sectorsPerPage; i++ {
		buf := make([]byte, disk.SectorSize)
		if err := t.disk.ReadAt(base+i, buf); err != nil {
			return fmt.Errorf("swap: read slot %d: %w", s, err)
		}
		lo := i * disk.SectorSize
		hi := lo + disk.SectorSize
		if hi > len(page) {
			hi = len(page)
		}
		copy(page[lo:hi], buf)
	}
	return nil
}
