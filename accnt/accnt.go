// Package accnt accumulates per-thread CPU-time accounting. The
// scheduler credits each quantum a thread holds the CPU as user time;
// the syscall dispatcher and any blocking path reclassify their own
// measured share after the fact, rather than trying to account for time
// as it passes.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AGFeldman/nos/util"
)

// Accnt_t holds one thread's accumulated user and system time, both in
// nanoseconds. The embedded mutex lets a reader snapshot both fields
// consistently when exporting usage; the adders stay atomic so the
// scheduler's hot path never contends with a reporting reader.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds of user time; negative deltas reclassify
// time away.
func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds of system time.
func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current time in nanoseconds, the clock every span
// measured against this Accnt_t must use.
func (a *Accnt_t) Now() int {
	return int(time.Now().UnixNano())
}

// Io_time removes a completed I/O wait, measured from since, out of
// system time: a thread blocked on the disk is not running kernel code.
func (a *Accnt_t) Io_time(since int) {
	a.Systadd(since - a.Now())
}

// Sleep_time removes a completed timed sleep, measured from since, out
// of system time.
func (a *Accnt_t) Sleep_time(since int) {
	a.Systadd(since - a.Now())
}

// Fetch returns a consistent snapshot of the accounting encoded as an
// rusage block.
func (a *Accnt_t) Fetch() []uint8 {
	a.Lock()
	ru := a.To_rusage()
	a.Unlock()
	return ru
}

// To_rusage encodes the user and system totals as two 16-byte timevals
// (seconds, then microseconds), the layout wait's rusage reporting
// copies out.
func (a *Accnt_t) To_rusage() []uint8 {
	words := 4
	ret := make([]uint8, words*8)
	totv := func(nano int64) (int, int) {
		secs := int(nano / 1e9)
		usecs := int((nano % 1e9) / 1000)
		return secs, usecs
	}
	off := 0
	s, us := totv(a.Userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(a.Sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	return ret
}
