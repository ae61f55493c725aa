package synch

import (
	"sync"

	"github.com/AGFeldman/nos/thread"
)

// Condvar_t is a condition variable used together with a Lock_t, exactly
// as in synch.h: the caller must hold lock when calling Wait, Signal, or
// Broadcast.
type condWaiter struct {
	sem *Semaphore_t
	t   *thread.TCB
}

type Condvar_t struct {
	mu      sync.Mutex
	waiters []condWaiter
	s       *thread.Scheduler
}

func NewCondvar(s *thread.Scheduler) *Condvar_t {
	return &Condvar_t{s: s}
}

// Wait atomically releases lock and blocks the caller until signaled,
// then reacquires lock before returning. Modeled on cond_wait, which
// parks the waiter on a private one-shot semaphore rather than the
// thread itself so that Signal can wake the highest-priority waiter.
func (c *Condvar_t) Wait(lock *Lock_t) {
	waiter := NewSemaphore(c.s, 0)
	c.mu.Lock()
	c.waiters = append(c.waiters, condWaiter{sem: waiter, t: c.s.Current()})
	c.mu.Unlock()

	lock.Release()
	waiter.Down()
	lock.Acquire()
}

// Signal wakes the highest-effective-priority thread blocked in Wait, if
// any (ties broken by insertion order).
func (c *Condvar_t) Signal(lock *Lock_t) {
	c.mu.Lock()
	var w *Semaphore_t
	if len(c.waiters) > 0 {
		besti := 0
		best := c.waiters[0].t.Priority()
		for i := 1; i < len(c.waiters); i++ {
			if p := c.waiters[i].t.Priority(); p > best {
				best, besti = p, i
			}
		}
		w = c.waiters[besti].sem
		c.waiters = append(c.waiters[:besti], c.waiters[besti+1:]...)
	}
	c.mu.Unlock()
	if w != nil {
		w.Up()
	}
}

// Broadcast wakes every thread blocked in Wait.
func (c *Condvar_t) Broadcast(lock *Lock_t) {
	c.mu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range ws {
		w.sem.Up()
	}
}

// RWLock_t is a readers/writer lock: any number of readers may hold it
// concurrently, but a writer requires exclusive access. Modeled on
// struct rwlock in synch.h, itself built from one Lock_t and two
// Condvar_t.
type RWLock_t struct {
	mutex             *Lock_t
	canRead, canWrite *Condvar_t
	nreaders          int
	writing           bool
	waitingWriters    int
}

func NewRWLock(s *thread.Scheduler) *RWLock_t {
	return &RWLock_t{
		mutex:    NewLock(s),
		canRead:  NewCondvar(s),
		canWrite: NewCondvar(s),
	}
}

// RAcquire waits until no writer holds or is waiting for the lock, so a
// steady stream of readers cannot starve a writer: writers have
// precedence.
func (rw *RWLock_t) RAcquire() {
	rw.mutex.Acquire()
	for rw.writing || rw.waitingWriters > 0 {
		rw.canRead.Wait(rw.mutex)
	}
	rw.nreaders++
	rw.mutex.Release()
}

func (rw *RWLock_t) RRelease() {
	rw.mutex.Acquire()
	rw.nreaders--
	if rw.nreaders == 0 {
		rw.canWrite.Signal(rw.mutex)
	}
	rw.mutex.Release()
}

func (rw *RWLock_t) WAcquire() {
	rw.mutex.Acquire()
	rw.waitingWriters++
	for rw.writing || rw.nreaders > 0 {
		rw.canWrite.Wait(rw.mutex)
	}
	rw.waitingWriters--
	rw.writing = true
	rw.mutex.Release()
}

func (rw *RWLock_t) WRelease() {
	rw.mutex.Acquire()
	rw.writing = false
	rw.canWrite.Signal(rw.mutex)
	rw.canRead.Broadcast(rw.mutex)
	rw.mutex.Release()
}
