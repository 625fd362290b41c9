//go:build !linux

package clock

import "time"

type runtimeClock struct {
	origin time.Time
}

// platformClock falls back to the Go runtime's monotonic reading on
// non-Linux platforms.
func platformClock() Clock {
	return runtimeClock{origin: time.Now()}
}

func (c runtimeClock) Now() uint64 {
	return uint64(time.Since(c.origin).Nanoseconds())
}
