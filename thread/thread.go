// Package thread implements thread control blocks, the ready/blocked
// state machine, and priority donation. It is modeled on threads/thread.c
// from the scheduler this kernel reimplements, adapted to run as Go
// goroutines coordinated by a single CPU token (see Scheduler in
// sched.go) instead of a hardware timer interrupt and a context switch
// routine written in assembly.
package thread

import (
	"sync"

	"github.com/AGFeldman/nos/accnt"
	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fixedpoint"
)

// Priority bounds, matching PRI_MIN/PRI_DEFAULT/PRI_MAX in the scheduler
// this package is modeled on.
const (
	PriMin     = 0
	PriDefault = 31
	PriMax     = 63
)

// Nice bounds.
const (
	NiceMin     = -20
	NiceDefault = 0
	NiceMax     = 20
)

type State int

const (
	Blocked State = iota
	Ready
	Running
	Dying
)

// Donor is implemented by lock-like primitives (synch.Lock_t) so that the
// scheduler can walk the donation chain without importing synch: a thread
// waiting on a Donor donates its effective priority to the Donor's holder,
// which may itself be waiting on another Donor.
type Donor interface {
	Holder() *TCB
	Waiters() []*TCB
}

// TCB is a thread control block. Every field below that can be touched by
// a thread other than its owner (priority donation, wakeup, accounting)
// is guarded by mu.
type TCB struct {
	ID   defs.Tid_t
	Name string

	Acc accnt.Accnt_t

	mu        sync.Mutex
	state     State
	base      int
	donations []int // effective priorities donated by waiters, in arrival order
	nice      int
	recentCpu fixedpoint.Fixed

	locksHeld []Donor
	waitingOn Donor

	ticksInSlice  int
	yieldOnReturn bool

	resume  chan struct{}
	yielded chan struct{}
	dead    bool
}

func newTCB(id defs.Tid_t, name string, prio, nice int) *TCB {
	return &TCB{
		ID:      id,
		Name:    name,
		state:   Blocked,
		base:    prio,
		nice:    nice,
		resume:  make(chan struct{}),
		yielded: make(chan struct{}),
	}
}

// Priority returns the thread's current effective priority: its base
// priority, or the highest priority donated to it through a lock it
// holds, whichever is greater.
func (t *TCB) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priorityLocked()
}

func (t *TCB) priorityLocked() int {
	p := t.base
	for _, d := range t.donations {
		if d > p {
			p = d
		}
	}
	return p
}

// SetBasePriority sets the thread's own priority. While the thread holds
// donations its effective priority never drops below the highest one, so
// lowering the base below a donation has no visible effect until the
// donations are released, and the waiter it is holding up is not
// starved; raising the base above every donation takes effect at once.
func (t *TCB) SetBasePriority(p int) {
	t.mu.Lock()
	t.base = p
	t.mu.Unlock()
}

func (t *TCB) BasePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base
}

func (t *TCB) Nice() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nice
}

func (t *TCB) SetNice(n int) {
	t.mu.Lock()
	t.nice = n
	t.mu.Unlock()
}

func (t *TCB) RecentCpu() fixedpoint.Fixed {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recentCpu
}

// Holder returns the thread itself so that TCB can stand in where a
// Donor is expected (a thread waiting directly on another thread, as
// opposed to through a lock, is not a case this kernel needs).
func (t *TCB) Holder() *TCB    { return t }
func (t *TCB) Waiters() []*TCB { return nil }

// LocksHeld reports the locks currently held by t, used to recompute t's
// donated priority when one of them is released.
func (t *TCB) LocksHeld() []Donor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Donor, len(t.locksHeld))
	copy(out, t.locksHeld)
	return out
}

// AddLockHeld records that t now holds lock d, so a later release can
// recompute t's donated priority from the locks it still holds.
func (t *TCB) AddLockHeld(d Donor) {
	t.mu.Lock()
	t.locksHeld = append(t.locksHeld, d)
	t.mu.Unlock()
}

// RemoveLockHeld records that t no longer holds lock d.
func (t *TCB) RemoveLockHeld(d Donor) {
	t.mu.Lock()
	for i, l := range t.locksHeld {
		if l == d {
			t.locksHeld = append(t.locksHeld[:i], t.locksHeld[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// SetWaitingOn records the Donor t is currently blocked on, so
// Scheduler.DonatePriority can walk the chain. A nil d clears it.
func (t *TCB) SetWaitingOn(d Donor) {
	t.mu.Lock()
	t.waitingOn = d
	t.mu.Unlock()
}

func (t *TCB) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// consumeYieldOnReturn reports whether the scheduler has marked t for
// preemption since it last started running, clearing the mark. Tick
// sets it once t has run for TimeSlice ticks; recalcPriorities sets it
// when a ready thread now outranks t. Scheduler.MaybeYield is the only
// caller, and only the thread whose turn it is may call it.
func (t *TCB) consumeYieldOnReturn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.yieldOnReturn
	t.yieldOnReturn = false
	return v
}
