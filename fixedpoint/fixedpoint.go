// Package fixedpoint implements 17.14 signed fixed-point arithmetic, the
// representation the scheduler uses for recent_cpu and load_avg so that
// MLFQ priority decay runs without a floating point unit in the scheduler
// path. It mirrors threads/fixed-point.h from the thread scheduler this
// kernel was modeled on: 17 integer bits, 14 fraction bits, one sign bit,
// all carried in a plain int64.
package fixedpoint

const fracBits = 14

// F is the scaling factor: 1 in fixed-point is F.
const F = 1 << fracBits

// Fixed is a 17.14 fixed-point value.
type Fixed int64

// FromInt converts an integer to fixed-point.
func FromInt(n int) Fixed {
	return Fixed(n * F)
}

// ToIntTrunc converts to an integer, rounding toward zero.
func (x Fixed) ToIntTrunc() int {
	return int(x / F)
}

// ToIntRound converts to an integer, rounding to the nearest integer with
// ties away from zero.
func (x Fixed) ToIntRound() int {
	if x >= 0 {
		return int((x + F/2) / F)
	}
	return int((x - F/2) / F)
}

func (x Fixed) Add(y Fixed) Fixed { return x + y }
func (x Fixed) Sub(y Fixed) Fixed { return x - y }

func (x Fixed) AddInt(n int) Fixed { return x + FromInt(n) }
func (x Fixed) SubInt(n int) Fixed { return x - FromInt(n) }

// Mul multiplies two fixed-point values; the intermediate product is
// carried in int64 before rescaling to avoid overflow for the magnitudes
// the scheduler produces.
func (x Fixed) Mul(y Fixed) Fixed {
	return Fixed((int64(x) * int64(y)) / F)
}

func (x Fixed) MulInt(n int) Fixed { return x * Fixed(n) }

// Div divides two fixed-point values.
func (x Fixed) Div(y Fixed) Fixed {
	return Fixed((int64(x) * F) / int64(y))
}

func (x Fixed) DivInt(n int) Fixed { return x / Fixed(n) }

// Frac returns the fractional part of x, discarding the integer part.
func (x Fixed) Frac() Fixed {
	return x - FromInt(x.ToIntTrunc())
}
