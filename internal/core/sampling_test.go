package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/perfoor/internal/record"
)

func TestCalculatePeriod(t *testing.T) {
	// 1e6 increments over one second at a 1kHz target: 1000 per sample.
	assert.Equal(t, uint64(1000), calculatePeriod(1000, nsecPerSec, 1_000_000))

	// Same rate over half the window.
	assert.Equal(t, uint64(1000), calculatePeriod(1000, nsecPerSec/2, 500_000))

	// Operands near 2^64 must not overflow into garbage.
	big := calculatePeriod(100, uint64(1)<<62, uint64(1)<<62)
	assert.InEpsilon(t, float64(nsecPerSec)/100, float64(big), 0.01)

	// A zero divisor degrades to the raw dividend instead of faulting.
	assert.NotPanics(t, func() { calculatePeriod(0, 0, 1) })
}

func TestAdjustPeriodLowPass(t *testing.T) {
	ev := &Event{
		attr:         Attr{Options: Options{Freq: true}, SampleFreq: 1000},
		samplePeriod: 1000,
		periodLeft:   1000,
	}

	// Counter ran twice as hot as expected; the period moves an eighth
	// of the way toward the new target, not all of it.
	ev.adjustPeriod(nsecPerSec, 2_000_000)
	assert.Equal(t, uint64(1125), ev.samplePeriod)

	// A stale countdown far past the horizon snaps so the new rate
	// takes effect immediately.
	ev.periodLeft = 1 << 30
	ev.adjustPeriod(nsecPerSec, 1_125_000)
	assert.Zero(t, ev.periodLeft)
}

func TestConsumePeriodRearm(t *testing.T) {
	ev := &Event{samplePeriod: 100, periodLeft: 100}

	assert.False(t, ev.ConsumePeriod(40))
	assert.False(t, ev.ConsumePeriod(40))
	assert.True(t, ev.ConsumePeriod(40))
	assert.Equal(t, int64(80), ev.periodLeft)
	assert.Equal(t, uint64(100), ev.lastPeriod)

	// A backlog bigger than the period collapses into one overflow.
	assert.True(t, ev.ConsumePeriod(1000))
	assert.Equal(t, int64(100), ev.periodLeft)
}

func TestOverflowThrottlesAndTickReleases(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, clk := newTestRuntime(t, Config{
		CPUs:           1,
		MaxSampleRate:  1000,
		TicksPerSecond: 250, // 4 interrupts per tick
	}, fb)

	h, err := rt.Open(Attr{
		Backend:      "fake",
		SamplePeriod: 100,
		SampleFormat: record.SampleTime | record.SamplePeriod,
	}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	_, err = h.CreateBuffer(1 << 16)
	require.NoError(t, err)

	require.NoError(t, rt.WithCPU(0, func() {
		for i := 0; i < 10; i++ {
			h.ev.Overflow(nil)
		}
	}))

	recs := drainBuffer(t, h)
	require.Len(t, recs, 5, "four samples then the throttle marker")

	for _, rec := range recs[:4] {
		s, ok := rec.(*record.Sample)
		require.True(t, ok)
		assert.Equal(t, uint64(100), s.Period)
	}

	th, ok := recs[4].(*record.Throttle)
	require.True(t, ok)
	assert.Equal(t, h.ID(), th.StreamID)
	assert.Equal(t, uint64(1), rt.Stats().Throttles)

	// Throttled means stopped on the backend but formally still active.
	require.Equal(t, StateActive, eventState(t, rt, h.ev))

	clk.Advance(4 * time.Millisecond)
	require.NoError(t, rt.Tick(0))

	recs = drainBuffer(t, h)
	require.Len(t, recs, 1)

	un, ok := recs[0].(*record.Unthrottle)
	require.True(t, ok)
	assert.Equal(t, h.ID(), un.StreamID)
	assert.Equal(t, uint64(1), rt.Stats().Unthrottles)

	// Budget is fresh after the tick.
	require.NoError(t, rt.WithCPU(0, func() { h.ev.Overflow(nil) }))
	require.Len(t, drainBuffer(t, h), 1)
}

func TestThrottleSurvivesReschedule(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, clk := newTestRuntime(t, Config{
		CPUs:           1,
		MaxSampleRate:  1000,
		TicksPerSecond: 250,
	}, fb)

	task, err := rt.RegisterTask(100, "worker", nil)
	require.NoError(t, err)

	h, err := rt.Open(Attr{
		Backend:      "fake",
		SamplePeriod: 100,
	}, Target{Task: task, CPU: AnyCPU}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	_, err = h.CreateBuffer(1 << 16)
	require.NoError(t, err)

	require.NoError(t, rt.TaskSwitch(0, nil, task))

	require.NoError(t, rt.WithCPU(0, func() {
		for i := 0; i < 10; i++ {
			h.ev.Overflow(nil)
		}
	}))
	require.Equal(t, uint64(1), rt.Stats().Throttles)

	// Descheduling and rescheduling keeps the throttle: the event
	// holds its slot but stays stopped until the next tick.
	require.NoError(t, rt.TaskSwitch(0, task, nil))
	require.NoError(t, rt.TaskSwitch(0, nil, task))
	require.Equal(t, StateActive, eventState(t, rt, h.ev))

	fb.mu.Lock()
	starts, stops := fb.starts, fb.stops
	fb.mu.Unlock()

	assert.Equal(t, stops, starts,
		"a throttled event must not restart on reschedule")

	clk.Advance(4 * time.Millisecond)
	require.NoError(t, rt.Tick(0))
	require.Equal(t, uint64(1), rt.Stats().Unthrottles)

	fb.mu.Lock()
	starts, stops = fb.starts, fb.stops
	fb.mu.Unlock()

	assert.Equal(t, stops+1, starts,
		"only the tick restarts a throttled event, exactly once")
}

func TestFrequencyEventAdaptsAtTick(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, clk := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{
		Backend:    "fake",
		SampleFreq: 1000,
		Options:    Options{Freq: true},
	}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	// Frequency mode starts from the fastest period and converges.
	require.Equal(t, uint64(1), h.ev.SamplePeriod())

	require.NoError(t, rt.WithCPU(0, func() { h.ev.AddCount(1_000_000) }))

	clk.Advance(time.Second)
	require.NoError(t, rt.Tick(0))

	// 1e6 counts/sec at 1kHz wants a period of 1000; the low pass
	// takes one eighth of the step.
	var sp uint64

	require.NoError(t, rt.WithCPU(0, func() { sp = h.ev.SamplePeriod() }))
	assert.Equal(t, uint64(126), sp)
}

func TestSampleCarriesFormatFields(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, clk := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{
		Backend:      "fake",
		SamplePeriod: 50,
		SampleFormat: record.SampleIP | record.SampleTime | record.SampleCPU |
			record.SampleStreamID | record.SampleCallchain | record.SampleStack,
		MaxStack:   2,
		StackBytes: 4,
	}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	_, err = h.CreateBuffer(1 << 16)
	require.NoError(t, err)

	clk.Set(5000)

	require.NoError(t, rt.WithCPU(0, func() {
		h.ev.Overflow(&SampleData{
			IP:        0xdeadbeef,
			Callchain: []uint64{1, 2, 3, 4},
			Stack:     []byte{1, 2, 3, 4, 5, 6},
		})
	}))

	recs := drainBuffer(t, h)
	require.Len(t, recs, 1)

	s, ok := recs[0].(*record.Sample)
	require.True(t, ok)
	assert.Equal(t, uint64(0xdeadbeef), s.IP)
	assert.Equal(t, uint64(5000), s.Time)
	assert.Equal(t, uint32(0), s.CPU)
	assert.Equal(t, h.ID(), s.StreamID)
	assert.Equal(t, []uint64{1, 2}, s.Callchain, "callchain truncates to max_stack")
	assert.Equal(t, []byte{1, 2, 3, 4}, s.StackData, "stack copy truncates to stack_bytes")
}

func TestWakeupThreshold(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{
		Backend:      "fake",
		SamplePeriod: 50,
		WakeupEvents: 3,
	}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	_, err = h.CreateBuffer(1 << 16)
	require.NoError(t, err)

	wake := h.Wakeup()
	require.NotNil(t, wake)

	require.NoError(t, rt.WithCPU(0, func() {
		h.ev.Overflow(nil)
		h.ev.Overflow(nil)
	}))

	select {
	case <-wake:
		t.Fatal("woke below the threshold")
	default:
	}

	require.NoError(t, rt.WithCPU(0, func() { h.ev.Overflow(nil) }))

	select {
	case <-wake:
	default:
		t.Fatal("no wakeup at the threshold")
	}
}

func TestSampleCostLowersCeiling(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{
		CPUs:           1,
		MaxSampleRate:  100000,
		TicksPerSecond: 250,
	}, fb)

	before := rt.MaxSampleRate()

	// Sustained millisecond-class overflow handling is far over the
	// per-sample allowance; the ceiling must come down.
	for i := 0; i < 32; i++ {
		rt.noteSampleCost(uint64(time.Millisecond))
	}

	assert.Less(t, rt.MaxSampleRate(), before)
	assert.NotZero(t, rt.Stats().RateReductions)
}
