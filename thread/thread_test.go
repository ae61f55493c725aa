package thread

import (
	"sync"
	"testing"
	"time"

	"github.com/AGFeldman/nos/fixedpoint"
)

// newTestScheduler starts a scheduler's dispatch loop in the background.
// Every spawned thread body in this file blocks only through Scheduler.Block
// (directly, or via Unblock from outside): a raw channel receive inside a
// thread body would starve Run's single dispatch loop, since nothing else
// can ever hand that thread's goroutine the CPU token back.
func newTestScheduler(t *testing.T, mlfqs bool) *Scheduler {
	s := NewScheduler(mlfqs)
	stop := make(chan struct{})
	go s.Run(stop)
	t.Cleanup(func() { close(stop) })
	return s
}

// TestSleepQueueWakesInOrder: three threads sleep for 300, 100, and 200
// ticks respectively and must wake in ascending deadline order (T2, T3,
// T1), not spawn order.
func TestSleepQueueWakesInOrder(t *testing.T) {
	s := newTestScheduler(t, false)
	sq := NewSleepQueue(s)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	done := make(chan struct{}, 3)
	spawnSleeper := func(name string, ticks uint64) {
		s.Spawn(name, 0, func(*TCB) {
			sq.Sleep(ticks)
			record(name)
			done <- struct{}{}
		})
	}
	spawnSleeper("T1", 300)
	spawnSleeper("T2", 100)
	spawnSleeper("T3", 200)

	// Let every thread reach Sleep and park before ticks start advancing.
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 300; i++ {
		s.Tick()
		sq.Wake()
		time.Sleep(200 * time.Microsecond)
	}

	<-done
	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	want := []string{"T2", "T3", "T1"}
	if len(order) != len(want) {
		t.Fatalf("wake order = %v, want %v", order, want)
	}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("wake order = %v, want %v", order, want)
		}
	}
}

// TestSchedulerDispatchesHighestPriorityFirst parks two threads, assigns
// them distinct priorities while they are off the ready queue (so the
// priority change is reflected the moment they re-enter it), then unblocks
// both and checks the higher-priority one runs first.
func TestSchedulerDispatchesHighestPriorityFirst(t *testing.T) {
	s := newTestScheduler(t, false)

	order := make(chan string, 2)
	parked := make(chan *TCB, 2)

	spawnParked := func(name string) {
		s.Spawn(name, 0, func(*TCB) {
			self := s.Current()
			parked <- self
			s.Block()
			order <- name
		})
	}
	spawnParked("low")
	spawnParked("high")

	byName := map[string]*TCB{}
	for i := 0; i < 2; i++ {
		tcb := <-parked
		byName[tcb.Name] = tcb
	}
	low, high := byName["low"], byName["high"]
	low.SetBasePriority(PriMin + 1)
	high.SetBasePriority(PriMax - 1)

	s.Unblock(low)
	s.Unblock(high)

	first := <-order
	if first != "high" {
		t.Fatalf("scheduler ran %q first, want the higher-priority thread", first)
	}
	<-order
}

// TestSetPriorityYieldsWhenOutranked exercises thread_set_priority's
// documented behavior: demoting the calling thread's own priority below a
// ready thread's yields the CPU immediately rather than finishing the
// current quantum first.
func TestSetPriorityYieldsWhenOutranked(t *testing.T) {
	s := newTestScheduler(t, false)

	parkedLow := make(chan *TCB, 1)
	parkedMid := make(chan *TCB, 1)
	order := make(chan string, 2)

	s.Spawn("low", 0, func(*TCB) {
		parkedLow <- s.Current()
		s.Block()
		s.SetPriority(PriMin)
		order <- "low"
	})
	low := <-parkedLow
	low.SetBasePriority(10)

	s.Spawn("mid", 0, func(*TCB) {
		parkedMid <- s.Current()
		s.Block()
		order <- "mid"
	})
	mid := <-parkedMid
	mid.SetBasePriority(5)

	s.Unblock(mid)
	s.Unblock(low)

	first := <-order
	second := <-order
	if first != "mid" || second != "low" {
		t.Fatalf("got order [%s,%s], want mid to run before low once low demotes itself below it", first, second)
	}
}

// TestMlfqsPriorityFavorsLowerNice checks the every-fourth-tick priority
// formula's nice term: two equally busy threads that differ only in nice
// should end up with the lower-nice thread at the higher priority.
func TestMlfqsPriorityFavorsLowerNice(t *testing.T) {
	s := newTestScheduler(t, true)

	const spins = 200
	busy := s.Spawn("busy", NiceMax, func(*TCB) {
		for i := 0; i < spins; i++ {
			s.Yield()
		}
	})
	busy.SetNice(NiceMax)
	quiet := s.Spawn("quiet", NiceMin, func(*TCB) {
		for i := 0; i < spins; i++ {
			s.Yield()
		}
	})
	quiet.SetNice(NiceMin)

	for i := 0; i < spins*4+40; i++ {
		s.Tick()
		time.Sleep(100 * time.Microsecond)
	}

	if busy.Priority() > quiet.Priority() {
		t.Fatalf("higher-nice thread got higher priority: busy=%d quiet=%d", busy.Priority(), quiet.Priority())
	}
}

func TestDonatePriorityStopsAtCycle(t *testing.T) {
	s := newTestScheduler(t, false)
	a := s.Spawn("a", 0, func(*TCB) {})
	b := s.Spawn("b", 0, func(*TCB) {})

	// a waits on a Donor held by b, b waits on a Donor held by a: a direct
	// cycle. DonatePriority must terminate instead of looping forever.
	a.SetWaitingOn(b)
	b.SetWaitingOn(a)
	a.SetBasePriority(5)

	done := make(chan struct{})
	go func() {
		s.DonatePriority(a)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DonatePriority did not terminate on a cycle")
	}
}

// TestTimeSlicePreemptionYieldsAtSafePoint checks the scheduler's
// TIME_SLICE = 4 preemption: a thread that never yields on its own is
// marked for preemption once it has held the CPU for TimeSlice ticks
// straight, and actually gives up the CPU the next time it reaches a
// safe point (MaybeYield), letting an equal-priority thread that has
// been waiting run.
func TestTimeSlicePreemptionYieldsAtSafePoint(t *testing.T) {
	s := newTestScheduler(t, false)

	const spins = 30
	order := make(chan string, 2)
	s.Spawn("hog", 0, func(*TCB) {
		for i := 0; i < spins; i++ {
			// Hold the CPU token across real time so the tick loop below
			// charges its ticks to hog.
			time.Sleep(200 * time.Microsecond)
			s.MaybeYield()
		}
		order <- "hog"
	})
	s.Spawn("waiting", 0, func(*TCB) {
		order <- "waiting"
	})

	for i := 0; i < spins*TimeSlice; i++ {
		s.Tick()
		time.Sleep(100 * time.Microsecond)
	}

	first := <-order
	if first != "waiting" {
		t.Fatalf("first to finish was %q, want the time-sliced-out hog to yield to the thread that was waiting", first)
	}
	<-order
}

// TestRecalcPrioritiesPreemptsOutrankedRunner checks the other half of
// the recompute-driven preemption rule: under MLFQS, a thread the every-
// fourth-tick recompute leaves outranked is marked for preemption
// immediately rather than finishing out its slice.
func TestRecalcPrioritiesPreemptsOutrankedRunner(t *testing.T) {
	s := newTestScheduler(t, true)

	const spins = 40
	order := make(chan string, 2)
	s.Spawn("busy", NiceMax, func(*TCB) {
		for i := 0; i < spins; i++ {
			// Hold the CPU token across real time so the tick loop below
			// charges its ticks to busy.
			time.Sleep(200 * time.Microsecond)
			s.MaybeYield()
		}
		order <- "busy"
	})
	quiet := s.Spawn("quiet", NiceMin, func(*TCB) {
		order <- "quiet"
	})
	quiet.SetNice(NiceMin)

	for i := 0; i < spins*4+40; i++ {
		s.Tick()
		time.Sleep(100 * time.Microsecond)
	}

	first := <-order
	if first != "quiet" {
		t.Fatalf("first to finish was %q, want the lower-nice thread recalcPriorities favored to preempt busy", first)
	}
	<-order
}

// TestRunChargesUserTimeOnContextSwitch checks that Run credits a
// thread's Acc.Userns with the wall-clock time it actually held the CPU
// token, the per-context-switch accounting Accnt_t backs Proc.Rusage
// with.
func TestRunChargesUserTimeOnContextSwitch(t *testing.T) {
	s := newTestScheduler(t, false)

	done := make(chan *TCB, 1)
	tcb := s.Spawn("busy", 0, func(self *TCB) {
		time.Sleep(5 * time.Millisecond)
		done <- self
	})

	<-done
	if tcb.Acc.Userns <= 0 {
		t.Fatalf("Acc.Userns = %d, want > 0 after holding the CPU token", tcb.Acc.Userns)
	}
}

// TestSpawnInheritsRecentCpu: a new thread starts with its parent's
// recent_cpu, not zero, matching init_thread's
// thread_current()->recent_cpu argument.
func TestSpawnInheritsRecentCpu(t *testing.T) {
	s := newTestScheduler(t, true)

	childCpu := make(chan fixedpoint.Fixed, 1)
	parked := make(chan *TCB, 1)
	s.Spawn("parent", 0, func(*TCB) {
		self := s.Current()
		self.recentCpu = fixedpoint.FromInt(7)
		parked <- self
		s.Block()

		s.Spawn("child", 0, func(child *TCB) {
			childCpu <- child.RecentCpu()
		})
	})

	parent := <-parked
	s.Unblock(parent)

	got := <-childCpu
	want := fixedpoint.FromInt(7)
	if got != want {
		t.Fatalf("child recent_cpu = %v, want %v (inherited from parent)", got, want)
	}
}
