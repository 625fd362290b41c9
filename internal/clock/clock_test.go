package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonic_NeverGoesBackwards(t *testing.T) {
	c := Monotonic()

	prev := c.Now()
	for range 1000 {
		now := c.Now()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestMonotonic_Advances(t *testing.T) {
	c := Monotonic()

	start := c.Now()
	time.Sleep(10 * time.Millisecond)
	elapsed := c.Now() - start

	assert.GreaterOrEqual(t, elapsed, uint64(5*time.Millisecond))
}

func TestFixed_AdvanceAndSet(t *testing.T) {
	f := NewFixed(100)
	assert.Equal(t, uint64(100), f.Now())

	f.Advance(time.Microsecond)
	assert.Equal(t, uint64(1100), f.Now())

	f.Set(5000)
	assert.Equal(t, uint64(5000), f.Now())
}

func TestFixed_SetBackwardsPanics(t *testing.T) {
	f := NewFixed(100)

	assert.Panics(t, func() {
		f.Set(99)
	})
}
