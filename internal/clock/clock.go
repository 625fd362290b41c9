package clock

import (
	"sync/atomic"
	"time"
)

// Clock is the monotonic time source used for all enabled/running
// accounting and record timestamps. Values are nanoseconds from an
// arbitrary fixed origin and never go backwards.
type Clock interface {
	// Now returns the current monotonic timestamp in nanoseconds.
	Now() uint64
}

// Monotonic returns the platform clock: CLOCK_MONOTONIC_RAW on Linux,
// the Go runtime's monotonic reading elsewhere.
func Monotonic() Clock {
	return platformClock()
}

// Fixed is a manually advanced Clock for tests and deterministic
// simulation. The zero value is ready to use.
type Fixed struct {
	now atomic.Uint64
}

// NewFixed creates a Fixed clock starting at the given timestamp.
func NewFixed(start uint64) *Fixed {
	f := &Fixed{}
	f.now.Store(start)

	return f
}

// Now returns the current timestamp.
func (f *Fixed) Now() uint64 { return f.now.Load() }

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.now.Add(uint64(d.Nanoseconds()))
}

// Set jumps the clock to ts. Panics if ts would move time backwards.
func (f *Fixed) Set(ts uint64) {
	if ts < f.now.Load() {
		panic("clock: Set would move time backwards")
	}

	f.now.Store(ts)
}
