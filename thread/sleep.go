package thread

import "sync"

// sleeper_t records a thread waiting for the tick counter to reach wake.
type sleeper_t struct {
	wake uint64
	t    *TCB
}

// SleepQueue holds threads parked by Sleep until their deadline tick
// arrives, kept in ascending wake-time order exactly as the scheduler
// this package is modeled on keeps its sleep list (insertion is linear
// in queue size; acceptable at this scale). That scheduler guards its
// list by disabling interrupts; mu is the hosted equivalent, since Wake
// runs on the tick driver's goroutine while Sleep runs on the sleeping
// thread's own.
type SleepQueue struct {
	s       *Scheduler
	mu      sync.Mutex
	pending []sleeper_t
}

func NewSleepQueue(s *Scheduler) *SleepQueue {
	return &SleepQueue{s: s}
}

// Sleep parks the calling thread until at least ticks timer ticks have
// elapsed. It must be called from within the sleeping thread's own body.
func (sq *SleepQueue) Sleep(ticks uint64) {
	t := sq.s.Current()
	sq.s.mu.Lock()
	wake := sq.s.ticks + ticks
	sq.s.mu.Unlock()

	sq.mu.Lock()
	i := 0
	for i < len(sq.pending) && sq.pending[i].wake <= wake {
		i++
	}
	sq.pending = append(sq.pending, sleeper_t{})
	copy(sq.pending[i+1:], sq.pending[i:])
	sq.pending[i] = sleeper_t{wake: wake, t: t}
	sq.mu.Unlock()

	sq.s.Block()
}

// Wake must be called once per Scheduler.Tick, after the tick, to unblock
// every thread at the head of the queue whose deadline has arrived; the
// queue stays sorted, so it pops a strictly non-decreasing prefix. An
// expired sleeper that has enqueued itself but not yet reached Block
// stays queued for the next Wake, so the wakeup cannot be lost in the
// window between the two.
func (sq *SleepQueue) Wake() {
	sq.s.mu.Lock()
	now := sq.s.ticks
	sq.s.mu.Unlock()

	sq.mu.Lock()
	defer sq.mu.Unlock()
	i := 0
	for i < len(sq.pending) && sq.pending[i].wake <= now {
		if sq.pending[i].t.State() != Blocked {
			break
		}
		sq.s.Unblock(sq.pending[i].t)
		i++
	}
	sq.pending = sq.pending[i:]
}
