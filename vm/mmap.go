package vm

import (
	"github.com/AGFeldman/nos/bounds"
	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fdops"
	"github.com/AGFeldman/nos/mem"
	"github.com/AGFeldman/nos/res"
	"github.com/AGFeldman/nos/swap"
)

// Mmap installs a memory-mapped file. fd0or1 reports
// whether the caller's file descriptor was 0 or 1 (console fds, which
// may never be mapped); the caller is responsible for resolving the fd
// to a file and re-opening it before calling Mmap, matching "mmap
// re-opens the file so that closing the fd doesn't invalidate the
// mapping." On success, Mmap returns the mapping id (the page number of
// addr), which is also >0 by construction since addr is never the null
// page.
func (as *AddrSpace) Mmap(fd0or1 bool, addr VPage, f fdops.Fdops_i) (int, defs.Err_t) {
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_VM_T_MMAPI)) {
		return 0, -defs.ENOHEAP
	}
	defer res.Resdel(bounds.B_VM_T_MMAPI)

	if fd0or1 {
		return 0, -defs.EINVAL
	}
	if addr == 0 || addr%VPage(mem.PGSIZE) != 0 {
		return 0, -defs.EINVAL
	}
	size, err := f.Size()
	if err != 0 {
		return 0, err
	}
	if size == 0 {
		return 0, -defs.EINVAL
	}

	npages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	mmapid := int(addr / VPage(mem.PGSIZE))

	as.mgr.Frames.Lock()
	for i := 0; i < npages; i++ {
		page := addr + VPage(i*mem.PGSIZE)
		if page >= StackLimit && page < PhysBase {
			as.mgr.Frames.Unlock()
			return 0, -defs.EINVAL
		}
		if _, exists := as.spt[page]; exists {
			as.mgr.Frames.Unlock()
			return 0, -defs.EINVAL
		}
	}
	for i := 0; i < npages; i++ {
		page := addr + VPage(i*mem.PGSIZE)
		nbytes := mem.PGSIZE
		if rem := size - i*mem.PGSIZE; rem < nbytes {
			nbytes = rem
		}
		as.spt[page] = &Entry{
			FileBacked: true,
			File:       f,
			FileOfs:    i * mem.PGSIZE,
			FileBytes:  nbytes,
			Writable:   true,
			MmapID:     mmapid,
		}
	}
	as.mgr.Frames.Unlock()
	return mmapid, 0
}

// Munmap tears down every page belonging to mapping id, matching
// entries by MmapID alone — a page evicted to swap since it was dirtied
// still belongs to the mapping — and writing back any dirty page to its
// file before releasing the frame or swap slot. The SPT mutation
// (clearing the file pointer) happens under the same lock as the
// writeback decision, so a concurrent fault can never observe a
// half-torn-down entry. The frames and slots themselves are freed after
// releasing that lock: frame.Table.Free re-acquires it internally, and
// it is not reentrant.
func (as *AddrSpace) Munmap(id int) defs.Err_t {
	as.mgr.Frames.Lock()
	var f fdops.Fdops_i
	var toFree []mem.Pa_t
	var slots []swap.Slot
	type pending struct {
		page VPage
		e    *Entry
	}
	var matches []pending
	for page, e := range as.spt {
		if e.MmapID == id {
			matches = append(matches, pending{page, e})
			if e.File != nil {
				f = e.File
			}
		}
	}
	for _, m := range matches {
		e := m.e
		switch {
		case e.Present && e.Dirty:
			pg := as.mgr.Frames.Dmap(e.Frame)
			if _, werr := e.File.WriteAt(e.FileOfs, pg[:e.FileBytes]); werr != 0 {
				as.mgr.Frames.Unlock()
				return werr
			}
		case e.SwapBacked && e.Dirty:
			// The page was dirtied, then evicted: its current bytes live
			// in the swap slot, not a frame. Pull them back to write them
			// to the file.
			var pg mem.Bytepg_t
			if rerr := as.mgr.Swap.ReadPage(e.Slot, &pg); rerr != nil {
				as.mgr.Frames.Unlock()
				return -defs.EFAULT
			}
			if _, werr := e.File.WriteAt(e.FileOfs, pg[:e.FileBytes]); werr != 0 {
				as.mgr.Frames.Unlock()
				return werr
			}
		}
		if e.Present {
			toFree = append(toFree, e.Frame)
		}
		if e.SwapBacked {
			slots = append(slots, e.Slot)
		}
		e.FileBacked = false
		e.SwapBacked = false
		e.File = nil
		e.MmapID = 0
		delete(as.spt, m.page)
	}
	as.mgr.Frames.Unlock()

	for _, pa := range toFree {
		as.mgr.Frames.Free(pa)
	}
	for _, s := range slots {
		as.mgr.Swap.Free(s)
	}

	if f != nil {
		return f.Close()
	}
	return 0
}
