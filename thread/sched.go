package thread

import (
	"sync"
	"time"

	"github.com/AGFeldman/nos/defs"
	"github.com/AGFeldman/nos/fixedpoint"
	"github.com/AGFeldman/nos/stats"
	"github.com/AGFeldman/nos/util"
)

// timerFreq is the number of Tick calls per simulated second, matching
// TIMER_FREQ in the scheduler this package is modeled on.
const timerFreq = 100

// TimeSlice is the number of timer ticks a thread may hold the CPU
// before the scheduler marks it for preemption at its next safe point,
// matching TIME_SLICE in the scheduler this package is modeled on.
const TimeSlice = 4

// Scheduler holds every thread this kernel knows about and the single CPU
// token that makes them run one at a time. There is one Scheduler per
// running kernel instance; production code constructs exactly one, but
// tests are free to build several to run independent kernels in
// parallel.
type Scheduler struct {
	mu      sync.Mutex
	ready   [PriMax + 1][]*TCB
	all     map[defs.Tid_t]*TCB
	nextTid defs.Tid_t

	mlfqs   bool
	loadAvg fixedpoint.Fixed
	ticks   uint64

	current *TCB
	idle    *TCB

	// Stat counts scheduler events when stats.Enabled is set.
	Stat struct {
		Nswitch stats.Counter_t
		Ntick   stats.Counter_t
	}
}

// NewScheduler builds a scheduler. When mlfqs is true, threads run under
// the multi-level feedback queue policy (recent_cpu/nice-driven priority,
// no donation); when false, threads run under the fixed-priority policy
// with donation.
func NewScheduler(mlfqs bool) *Scheduler {
	s := &Scheduler{
		all:   make(map[defs.Tid_t]*TCB),
		mlfqs: mlfqs,
	}
	s.idle = s.spawnLocked("idle", PriMin, NiceDefault, 0, func(*TCB) { s.idleLoop() })
	s.ready[PriMin] = nil // idle never waits on a ready queue; pickNextLocked falls back to it
	return s
}

func (s *Scheduler) allocTid() defs.Tid_t {
	s.nextTid++
	return s.nextTid
}

// Spawn creates a new thread running fn and places it on the ready queue.
// fn receives its own TCB so it can call Yield/Block/Exit on itself. The
// new thread inherits the spawning thread's recent_cpu, matching
// thread_create's
// init_thread(t, name, priority, thread_get_nice(), thread_current()->recent_cpu).
func (s *Scheduler) Spawn(name string, nice int, fn func(*TCB)) *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	prio := PriDefault
	var inheritedCpu fixedpoint.Fixed
	if s.current != nil {
		prio = s.current.BasePriority()
		inheritedCpu = s.current.RecentCpu()
	}
	return s.spawnLocked(name, prio, nice, inheritedCpu, fn)
}

func (s *Scheduler) spawnLocked(name string, prio, nice int, recentCpu fixedpoint.Fixed, fn func(*TCB)) *TCB {
	t := newTCB(s.allocTid(), name, prio, nice)
	t.nice = nice
	t.recentCpu = recentCpu
	s.all[t.ID] = t
	go func() {
		<-t.resume
		fn(t)
		t.mu.Lock()
		t.dead = true
		t.state = Dying
		t.mu.Unlock()
		t.yielded <- struct{}{}
	}()
	s.enqueueLocked(t)
	return t
}

func (s *Scheduler) enqueueLocked(t *TCB) {
	t.mu.Lock()
	t.state = Ready
	t.mu.Unlock()
	p := t.Priority()
	s.ready[p] = append(s.ready[p], t)
}

// pickNextLocked removes and returns the highest-priority ready thread,
// preferring the thread that has waited longest among equal priorities
// (FIFO within a level). Falls back to the idle thread.
func (s *Scheduler) pickNextLocked() *TCB {
	for p := PriMax; p >= PriMin; p-- {
		q := s.ready[p]
		if len(q) > 0 {
			t := q[0]
			s.ready[p] = q[1:]
			return t
		}
	}
	return s.idle
}

// Run hands the CPU token to threads forever, in priority order, until
// stop is closed. Call it from the goroutine that owns the kernel's
// single CPU token; every other kernel goroutine communicates with it
// only through Yield/Block/Unblock.
func (s *Scheduler) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		s.mu.Lock()
		next := s.pickNextLocked()
		s.current = next
		s.mu.Unlock()

		next.mu.Lock()
		next.state = Running
		next.ticksInSlice = 0
		next.mu.Unlock()

		s.Stat.Nswitch.Inc()
		sliceStart := time.Now()
		next.resume <- struct{}{}
		<-next.yielded
		// Charged as user time by default; Dispatch reclassifies its own
		// share of a quantum to system time via Acc.Systadd/Utadd once it
		// knows how long the syscall body it ran actually took, the same
		// after-the-fact adjustment accnt.Accnt_t's Io_time/Sleep_time
		// already use for I/O and sleep time.
		next.Acc.Utadd(int(time.Since(sliceStart).Nanoseconds()))

		next.mu.Lock()
		st := next.state
		dead := next.dead
		next.mu.Unlock()
		if dead {
			s.mu.Lock()
			delete(s.all, next.ID)
			s.mu.Unlock()
			continue
		}
		if st == Ready && next != s.idle {
			s.mu.Lock()
			s.enqueueLocked(next)
			s.mu.Unlock()
		}
		// st == Blocked: the thread stays off every ready queue until
		// something calls Unblock on it.
	}
}

func (s *Scheduler) idleLoop() {
	for {
		s.Yield()
	}
}

// Current returns the TCB of the thread currently holding the CPU token.
// It must be called from within a thread body, never from Run's own
// goroutine.
func (s *Scheduler) Current() *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// MaybeYield gives up the CPU token if the calling thread has been
// marked for preemption since its current turn started (TimeSlice
// ticks elapsed, or a higher-priority thread became ready), and does
// nothing otherwise. Kernel code calls this at a natural exit point —
// this package's own callers use it on syscall trap return — since a
// real timer interrupt cannot force a context switch mid-syscall; it can
// only arrange for one to happen once control is about to return to
// user mode. Must be called from within the current thread's own body,
// never from Run's own goroutine or Tick's caller.
func (s *Scheduler) MaybeYield() {
	t := s.Current()
	if t.consumeYieldOnReturn() {
		s.Yield()
	}
}

// Yield gives up the CPU token voluntarily, re-enters the ready queue at
// its (possibly changed) priority, and blocks until scheduled again.
func (s *Scheduler) Yield() {
	t := s.Current()
	t.mu.Lock()
	t.state = Ready
	t.mu.Unlock()
	t.yielded <- struct{}{}
	<-t.resume
}

// Block takes the current thread off the CPU and parks it until a call
// to Unblock names it. Callers (synch.Lock_t, synch.Semaphore_t, the
// sleep queue) must have already recorded wherever they need to find the
// thread again before calling Block.
func (s *Scheduler) Block() {
	t := s.Current()
	t.mu.Lock()
	t.state = Blocked
	t.mu.Unlock()
	t.yielded <- struct{}{}
	<-t.resume
}

// Unblock moves a blocked thread back onto the ready queue. Safe to call
// from any currently-running thread.
func (s *Scheduler) Unblock(t *TCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.mu.Lock()
	already := t.state != Blocked
	t.mu.Unlock()
	if already {
		return
	}
	s.enqueueLocked(t)
}

// Exit does nothing: a thread terminates when its body returns, so Exit
// is only documentation that a thread body is about to return rather
// than yield again. Kept as a named call
// so thread bodies read the same way a C thread_exit() call would.
func (s *Scheduler) Exit() {}

// DonatePriority walks the chain of locks t is waiting on, donating t's
// effective priority to each holder in turn, and stops at a cycle or a
// thread that is not waiting on anything. Called by synch.Lock_t.Acquire
// when the lock it wants is already held.
func (s *Scheduler) DonatePriority(t *TCB) {
	seen := map[defs.Tid_t]bool{}
	cur := t
	for depth := 0; depth < 8; depth++ {
		cur.mu.Lock()
		waitingOn := cur.waitingOn
		cur.mu.Unlock()
		if waitingOn == nil {
			return
		}
		holder := waitingOn.Holder()
		if holder == nil || seen[holder.ID] {
			return
		}
		seen[holder.ID] = true
		donated := cur.Priority()
		holder.mu.Lock()
		holder.donations = append(holder.donations, donated)
		holder.mu.Unlock()
		cur = holder
	}
}

// RecomputeDonations rebuilds t's donation list from scratch out of the
// waiters on every lock t currently holds. Called after t releases a
// lock, since the donation it was carrying for that lock's waiters may no
// longer be the highest one t deserves.
func (s *Scheduler) RecomputeDonations(t *TCB) {
	var fresh []int
	for _, l := range t.LocksHeld() {
		for _, w := range l.Waiters() {
			fresh = append(fresh, w.Priority())
		}
	}
	t.mu.Lock()
	t.donations = fresh
	t.mu.Unlock()
}

// Tick advances the scheduler's notion of time by one timer interrupt.
// It charges the running thread a tick of CPU time, marks it for
// preemption once it has run for TimeSlice ticks straight, and under
// MLFQS periodically recomputes recent_cpu, load_avg and thread
// priorities.
func (s *Scheduler) Tick() {
	s.Stat.Ntick.Inc()
	s.mu.Lock()
	s.ticks++
	ticks := s.ticks
	cur := s.current
	mlfqs := s.mlfqs
	s.mu.Unlock()

	if cur != nil && cur != s.idle {
		cur.mu.Lock()
		cur.recentCpu = cur.recentCpu.AddInt(1)
		cur.ticksInSlice++
		if cur.ticksInSlice >= TimeSlice {
			cur.yieldOnReturn = true
		}
		cur.mu.Unlock()
	}

	if !mlfqs {
		return
	}

	if ticks%timerFreq == 0 {
		s.recalcLoadAvgAndRecentCpu()
	}
	if ticks%4 == 0 {
		s.recalcPriorities()
	}
}

func (s *Scheduler) readyThreadCount() int {
	n := 0
	for _, q := range s.ready {
		n += len(q)
	}
	if s.current != nil && s.current != s.idle {
		n++
	}
	return n
}

// recalcLoadAvgAndRecentCpu implements the once-a-second MLFQ update:
//
//	load_avg = (59/60) * load_avg + (1/60) * ready_threads
//	recent_cpu = (2*load_avg)/(2*load_avg + 1) * recent_cpu + nice
func (s *Scheduler) recalcLoadAvgAndRecentCpu() {
	s.mu.Lock()
	ready := fixedpoint.FromInt(s.readyThreadCount())
	coeff59 := fixedpoint.FromInt(59).DivInt(60)
	coeff1 := fixedpoint.FromInt(1).DivInt(60)
	s.loadAvg = s.loadAvg.Mul(coeff59).Add(ready.Mul(coeff1))
	la := s.loadAvg
	all := make([]*TCB, 0, len(s.all))
	for _, t := range s.all {
		all = append(all, t)
	}
	s.mu.Unlock()

	two_la := la.MulInt(2)
	factor := two_la.Div(two_la.AddInt(1))
	for _, t := range all {
		t.mu.Lock()
		t.recentCpu = factor.Mul(t.recentCpu).AddInt(t.nice)
		t.mu.Unlock()
	}
}

// recalcPriorities implements the every-fourth-tick MLFQ priority update:
//
//	priority = PRI_MAX - (recent_cpu/4) - (nice*2), clamped to [PRI_MIN, PRI_MAX]
//
// and moves each ready thread to the queue for its new priority. If the
// recompute leaves some ready thread outranking the one currently
// running, the running thread is marked for preemption at its next safe
// point rather than waiting out the rest of its time slice.
func (s *Scheduler) recalcPriorities() {
	s.mu.Lock()
	all := make([]*TCB, 0, len(s.all))
	for _, t := range s.all {
		all = append(all, t)
	}
	s.mu.Unlock()

	for _, t := range all {
		t.mu.Lock()
		t.base = util.Clamp(PriMax-t.recentCpu.DivInt(4).ToIntTrunc()-t.nice*2, PriMin, PriMax)
		t.mu.Unlock()
	}

	s.mu.Lock()
	var regrouped [PriMax + 1][]*TCB
	for _, q := range s.ready {
		for _, t := range q {
			p := t.Priority()
			regrouped[p] = append(regrouped[p], t)
		}
	}
	s.ready = regrouped
	cur := s.current
	idle := s.idle
	s.mu.Unlock()

	if cur == nil || cur == idle {
		return
	}
	eff := cur.Priority()
	s.mu.Lock()
	outranked := false
	for pr := PriMax; pr > eff; pr-- {
		if len(s.ready[pr]) > 0 {
			outranked = true
			break
		}
	}
	s.mu.Unlock()
	if outranked {
		cur.mu.Lock()
		cur.yieldOnReturn = true
		cur.mu.Unlock()
	}
}

// LoadAvg returns the current load average in fixed point, for reporting.
func (s *Scheduler) LoadAvg() fixedpoint.Fixed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAvg
}

// GetLoadAvg100 reports 100x the load average, rounded half-away-from-zero,
// matching thread_get_load_avg.
func (s *Scheduler) GetLoadAvg100() int {
	return s.LoadAvg().MulInt(100).ToIntRound()
}

// GetRecentCpu100 reports 100x t's recent_cpu, rounded half-away-from-zero,
// matching thread_get_recent_cpu.
func (s *Scheduler) GetRecentCpu100(t *TCB) int {
	return t.RecentCpu().MulInt(100).ToIntRound()
}

// SetPriority sets the calling thread's own base priority. Ported from
// thread_set_priority: lowering (or raising) a thread's own priority
// while it holds no donations takes effect immediately, and if some
// ready thread now outranks it, it yields the CPU right away rather than
// waiting for the next scheduling point.
func (s *Scheduler) SetPriority(p int) {
	t := s.Current()
	t.SetBasePriority(p)

	s.mu.Lock()
	outranked := false
	eff := t.Priority()
	for pr := PriMax; pr > eff; pr-- {
		if len(s.ready[pr]) > 0 {
			outranked = true
			break
		}
	}
	s.mu.Unlock()

	if outranked {
		s.Yield()
	}
}

// Mlfqs reports whether this scheduler runs the MLFQ policy.
func (s *Scheduler) Mlfqs() bool { return s.mlfqs }

// StatsString reports the scheduler's event counters; empty unless
// stats.Enabled is set.
func (s *Scheduler) StatsString() string { return stats.Stats2String(s.Stat) }
