// Package res throttles kernel-internal allocations that cannot easily be
// unwound once started (a page table walk midway through a copy-in, a
// frame grabbed mid-fault). Charging these against a system-wide budget
// keeps a runaway thread from wedging the one CPU token inside an
// unbounded allocation loop. A single global counter suffices: there is
// exactly one address space per thread here and no admission-control
// policy in scope, so per-process accounting would have nothing to
// separate.
package res

import (
	"sync"

	"github.com/AGFeldman/nos/bounds"
)

const maxOutstanding = 1 << 20

var (
	mu          sync.Mutex
	outstanding int
)

// Resadd_noblock reserves one unit of budget for the call site named by b.
// It never blocks: it returns false immediately if the budget is
// exhausted, leaving the caller to fail its operation (ENOHEAP) rather
// than wait.
func Resadd_noblock(b bounds.Bound_t) bool {
	mu.Lock()
	defer mu.Unlock()
	if outstanding >= maxOutstanding {
		return false
	}
	outstanding++
	return true
}

// Resadd_noblock's reservation is released once the caller's unwindable
// window closes.
func Resdel(b bounds.Bound_t) {
	mu.Lock()
	defer mu.Unlock()
	if outstanding > 0 {
		outstanding--
	}
}
