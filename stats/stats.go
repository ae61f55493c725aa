// Package stats provides compiled-out event counters. Counters cost
// nothing unless Enabled is set at build time; Stats2String turns any
// struct of counters into a printable report via reflection.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

// Enabled compiles the counters in. Off by default so the hot paths that
// carry them (context switch, fault install, cache lookup) pay only a
// constant-folded branch.
const Enabled = false

// Timing compiles the elapsed-time accumulators in.
const Timing = false

// Counter_t is a statistical counter.
type Counter_t int64

// Cycles_t accumulates elapsed nanoseconds.
type Cycles_t int64

// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Enabled {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, 1)
	}
}

// Add accumulates the time elapsed since start.
func (c *Cycles_t) Add(start time.Time) {
	if Timing {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, int64(time.Since(start)))
	}
}

// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	if !Enabled {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
		if strings.HasSuffix(t, "Cycles_t") {
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
