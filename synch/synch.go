// Package synch implements the kernel's sleeping synchronization
// primitives: counting semaphores, locks with priority donation,
// condition variables, and readers/writer locks. It is modeled directly
// on threads/synch.h, translating a waiter list protected by disabling
// interrupts into a waiter list protected by a Go mutex and woken through
// thread.Scheduler.Unblock instead of a manual ready-list splice.
package synch

import (
	"sync"

	"github.com/AGFeldman/nos/thread"
)

// Semaphore_t is a counting semaphore: Down blocks while the count is
// zero, Up increments the count and wakes one waiter if any are parked.
type Semaphore_t struct {
	mu      sync.Mutex
	value   uint
	waiters []*thread.TCB
	s       *thread.Scheduler
}

func NewSemaphore(s *thread.Scheduler, value uint) *Semaphore_t {
	return &Semaphore_t{value: value, s: s}
}

// Down waits for the semaphore to become positive, then decrements it.
func (sem *Semaphore_t) Down() {
	for {
		sem.mu.Lock()
		if sem.value > 0 {
			sem.value--
			sem.mu.Unlock()
			return
		}
		self := sem.s.Current()
		sem.waiters = append(sem.waiters, self)
		sem.mu.Unlock()
		sem.s.Block()
	}
}

// TryDown attempts to decrement the semaphore without blocking.
func (sem *Semaphore_t) TryDown() bool {
	sem.mu.Lock()
	defer sem.mu.Unlock()
	if sem.value > 0 {
		sem.value--
		return true
	}
	return false
}

// Up increments the semaphore and wakes the highest-effective-priority
// waiter, if any is parked (ties broken by insertion order, not FIFO
// across priorities, matching sema_up in synch.c).
func (sem *Semaphore_t) Up() {
	sem.mu.Lock()
	sem.value++
	var w *thread.TCB
	if len(sem.waiters) > 0 {
		besti := 0
		best := sem.waiters[0].Priority()
		for i := 1; i < len(sem.waiters); i++ {
			if p := sem.waiters[i].Priority(); p > best {
				best, besti = p, i
			}
		}
		w = sem.waiters[besti]
		sem.waiters = append(sem.waiters[:besti], sem.waiters[besti+1:]...)
	}
	sem.mu.Unlock()
	if w != nil {
		sem.s.Unblock(w)
	}
}

// Lock_t is a mutual-exclusion lock that supports priority donation: a
// thread blocked in Acquire donates its effective priority to the
// current holder so a low-priority holder cannot stall a high-priority
// waiter indefinitely (priority inversion), matching "Lock" in
// threads/synch.h.
type Lock_t struct {
	mu      sync.Mutex
	holder  *thread.TCB
	waiters []*thread.TCB
	s       *thread.Scheduler
}

func NewLock(s *thread.Scheduler) *Lock_t {
	return &Lock_t{s: s}
}

// Holder implements thread.Donor.
func (l *Lock_t) Holder() *thread.TCB {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Waiters implements thread.Donor.
func (l *Lock_t) Waiters() []*thread.TCB {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*thread.TCB, len(l.waiters))
	copy(out, l.waiters)
	return out
}

// Acquire blocks until the lock is free, then takes it. While blocked,
// the calling thread donates its effective priority up the chain of
// locks currently held by whoever is holding this one (donation is
// disabled when the scheduler runs the MLFQ policy, matching the
// scheduler this package is modeled on).
func (l *Lock_t) Acquire() {
	self := l.s.Current()
	for {
		l.mu.Lock()
		if l.holder == nil {
			l.holder = self
			l.mu.Unlock()
			break
		}
		l.waiters = append(l.waiters, self)
		l.mu.Unlock()

		if !l.s.Mlfqs() {
			self.SetWaitingOn(l)
			l.s.DonatePriority(self)
		}
		l.s.Block()
		self.SetWaitingOn(nil)

		l.mu.Lock()
		for i, w := range l.waiters {
			if w == self {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	}
	self.AddLockHeld(l)
}

// TryAcquire attempts to take the lock without blocking.
func (l *Lock_t) TryAcquire() bool {
	self := l.s.Current()
	l.mu.Lock()
	if l.holder != nil {
		l.mu.Unlock()
		return false
	}
	l.holder = self
	l.mu.Unlock()
	self.AddLockHeld(l)
	return true
}

// Release gives up the lock, waking one waiter if any is parked, and
// recomputes the releasing thread's own donated priority now that it no
// longer holds this lock's donations.
func (l *Lock_t) Release() {
	self := l.s.Current()
	l.mu.Lock()
	if l.holder != self {
		l.mu.Unlock()
		panic("release of lock not held")
	}
	l.holder = nil
	var w *thread.TCB
	if len(l.waiters) > 0 {
		besti := 0
		best := l.waiters[0].Priority()
		for i := 1; i < len(l.waiters); i++ {
			if p := l.waiters[i].Priority(); p > best {
				best, besti = p, i
			}
		}
		w = l.waiters[besti]
	}
	l.mu.Unlock()

	self.RemoveLockHeld(l)
	if !l.s.Mlfqs() {
		l.s.RecomputeDonations(self)
	}
	if w != nil {
		l.s.Unblock(w)
	}
}

// HeldByCurrent reports whether the calling thread holds l.
func (l *Lock_t) HeldByCurrent() bool {
	return l.Holder() == l.s.Current()
}
