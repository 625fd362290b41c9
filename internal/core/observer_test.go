package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/perfoor/internal/clock"
	"github.com/ethpandaops/perfoor/internal/record"
)

func TestOpenRejectsBadDescriptors(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1, MaxSampleRate: 1000}, fb)

	cases := []struct {
		name string
		attr Attr
		want error
	}{
		{
			name: "unknown backend",
			attr: Attr{Backend: "nope"},
			want: ErrNotSupported,
		},
		{
			name: "no backend named",
			attr: Attr{},
			want: ErrInvalidDescriptor,
		},
		{
			name: "freq above ceiling",
			attr: Attr{Backend: "fake", SampleFreq: 5000, Options: Options{Freq: true}},
			want: ErrInvalidDescriptor,
		},
		{
			name: "sample_freq without freq",
			attr: Attr{Backend: "fake", SampleFreq: 100},
			want: ErrInvalidDescriptor,
		},
		{
			name: "wakeup counting on backward stream",
			attr: Attr{Backend: "fake", WakeupEvents: 1, Options: Options{WriteBackward: true}},
			want: ErrInvalidDescriptor,
		},
		{
			name: "sample payload over record budget",
			attr: Attr{
				Backend:      "fake",
				SamplePeriod: 100,
				SampleFormat: record.SampleStack,
				StackBytes:   1 << 20,
			},
			want: ErrInvalidDescriptor,
		},
		{
			name: "sigtrap without task",
			attr: Attr{Backend: "fake", Options: Options{Sigtrap: true}},
			want: ErrInvalidDescriptor,
		},
		{
			name: "aux samples without an aux stream",
			attr: Attr{
				Backend:      "fake",
				SamplePeriod: 100,
				SampleFormat: record.SampleAux,
				AuxBytes:     16,
			},
			want: ErrNotSupported,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rt.Open(tc.attr, Target{CPU: 0}, nil, 0)
			require.ErrorIs(t, err, tc.want)
		})
	}

	// None of the rejects ever reached the backend.
	assert.Zero(t, fb.adds)
}

func TestOpenConsultsPermission(t *testing.T) {
	fb := newFakeBackend("fake", 0)

	reg := NewRegistry()
	require.NoError(t, reg.Register(fb))

	denied := fmt.Errorf("%w: cpu-wide monitoring not allowed", ErrPermissionDenied)

	rt, err := New(testLogger(), Config{CPUs: 1}, reg,
		WithClock(clock.NewFixed(1)),
		WithPermissionCheck(func(attr *Attr, target Target) error {
			if target.Task == nil {
				return denied
			}

			return nil
		}))
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	t.Cleanup(func() { _ = rt.Stop() })

	_, err = rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, nil, 0)
	require.ErrorIs(t, err, ErrPermissionDenied)

	task, err := rt.RegisterTask(1, "allowed", nil)
	require.NoError(t, err)

	h, err := rt.Open(Attr{Backend: "fake"}, Target{Task: task, CPU: AnyCPU}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestGroupingRules(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 2}, fb)

	leader, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer leader.Close()

	sib, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, leader, 0)
	require.NoError(t, err)

	defer sib.Close()

	// Grouping under a non-leader.
	_, err = rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, sib, 0)
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	// Members must share the leader's context.
	_, err = rt.Open(Attr{Backend: "fake"}, Target{CPU: 1}, leader, 0)
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	// Pinned and exclusive are leader-only properties.
	_, err = rt.Open(Attr{
		Backend: "fake",
		Options: Options{Pinned: true},
	}, Target{CPU: 0}, leader, 0)
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	// FlagNoGroup opts out of the grouping entirely.
	lone, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, sib, FlagNoGroup)
	require.NoError(t, err)

	defer lone.Close()

	assert.True(t, lone.ev.isGroupLeader())
	assert.Equal(t, 2, leader.ev.groupSize())
}

func TestRefreshAutoDisables(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{
		Backend:      "fake",
		SamplePeriod: 100,
		Options:      Options{Disabled: true},
	}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	_, err = h.CreateBuffer(1 << 16)
	require.NoError(t, err)

	require.NoError(t, h.Refresh(2))
	require.Equal(t, StateActive, eventState(t, rt, h.ev))

	require.NoError(t, rt.WithCPU(0, func() {
		h.ev.Overflow(nil)
		h.ev.Overflow(nil)
		h.ev.Overflow(nil) // past the budget, ignored by the countdown
	}))

	// The auto-disable lands before the next scheduled work on the cpu.
	require.NoError(t, rt.Tick(0))
	assert.Equal(t, StateOff, eventState(t, rt, h.ev))

	assert.Len(t, drainBuffer(t, h), 3)
}

func TestRefreshNeedsSamplingEvent(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	require.ErrorIs(t, h.Refresh(1), ErrInvalidDescriptor)

	sampling, err := rt.Open(Attr{Backend: "fake", SamplePeriod: 10}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer sampling.Close()

	require.ErrorIs(t, sampling.Refresh(0), ErrInvalidDescriptor)
}

func TestSetPeriod(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{Backend: "fake", SamplePeriod: 100}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	require.NoError(t, h.SetPeriod(10))

	var sp uint64
	var left int64

	require.NoError(t, rt.WithCPU(0, func() {
		sp = h.ev.SamplePeriod()
		left = h.ev.PeriodLeft()
	}))

	assert.Equal(t, uint64(10), sp)
	assert.Equal(t, int64(10), left, "an active event restarts its countdown")

	require.ErrorIs(t, h.SetPeriod(0), ErrInvalidDescriptor)

	counting, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer counting.Close()

	require.ErrorIs(t, counting.SetPeriod(100), ErrInvalidDescriptor)
}

func TestSetOutputRedirect(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h1, err := rt.Open(Attr{
		Backend:      "fake",
		SamplePeriod: 10,
		SampleFormat: record.SampleStreamID,
	}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h1.Close()

	h2, err := rt.Open(Attr{
		Backend:      "fake",
		SamplePeriod: 10,
		SampleFormat: record.SampleStreamID,
	}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h2.Close()

	// Redirecting at a bufferless handle fails.
	require.ErrorIs(t, h2.SetOutput(h1), ErrInvalidDescriptor)

	_, err = h1.CreateBuffer(1 << 16)
	require.NoError(t, err)

	require.NoError(t, h2.SetOutput(h1))

	require.NoError(t, rt.WithCPU(0, func() {
		h1.ev.Overflow(nil)
		h2.ev.Overflow(nil)
	}))

	recs := drainBuffer(t, h1)
	require.Len(t, recs, 2, "both streams share one buffer")

	ids := []uint64{
		recs[0].(*record.Sample).StreamID,
		recs[1].(*record.Sample).StreamID,
	}
	assert.ElementsMatch(t, []uint64{h1.ID(), h2.ID()}, ids)
}

func TestSidebandDuringRedirect(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	task, err := rt.RegisterTask(100, "worker", nil)
	require.NoError(t, err)

	open := func() *Handle {
		h, err := rt.Open(Attr{
			Backend: "fake",
			Options: Options{Comm: true},
		}, Target{CPU: 0}, nil, 0)
		require.NoError(t, err)

		_, err = h.CreateBuffer(1 << 20)
		require.NoError(t, err)

		return h
	}

	h1 := open()
	defer h1.Close()

	h2 := open()
	defer h2.Close()

	// Rename the task while h1's output buffer bounces between the
	// two rings. Every rename must land in exactly one of them.
	const renames = 200

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := 0; i < renames; i++ {
			rt.NotifyComm(task, fmt.Sprintf("worker-%d", i), false)
		}
	}()

	for i := 0; i < renames; i++ {
		target := h1
		if i%2 == 0 {
			target = h2
		}

		require.NoError(t, h1.SetOutput(target))
	}

	wg.Wait()

	recs := append(drainBuffer(t, h1), drainBuffer(t, h2)...)

	comms := 0

	for _, rec := range recs {
		c, ok := rec.(*record.Comm)
		require.True(t, ok)
		assert.Equal(t, uint32(100), c.Pid)

		comms++
	}

	// h2 observed every rename through its own buffer and h1 through
	// whichever buffer was wired at that moment.
	assert.Equal(t, 2*renames, comms)
	assert.Equal(t, uint64(2*renames), rt.Stats().SidebandRecords)
}

func TestSetOutputDirectionMismatch(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	fwd, err := rt.Open(Attr{Backend: "fake", SamplePeriod: 10}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer fwd.Close()

	_, err = fwd.CreateBuffer(1 << 16)
	require.NoError(t, err)

	bwd, err := rt.Open(Attr{
		Backend:      "fake",
		SamplePeriod: 10,
		Options:      Options{WriteBackward: true},
	}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer bwd.Close()

	require.ErrorIs(t, bwd.SetOutput(fwd), ErrInvalidDescriptor)
}

func TestCreateBufferOnce(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{Backend: "fake", SamplePeriod: 10}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	_, err = h.CreateBuffer(1 << 16)
	require.NoError(t, err)

	_, err = h.CreateBuffer(1 << 16)
	require.ErrorIs(t, err, ErrBusy)
}

func TestPauseOutputDropsSilently(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{Backend: "fake", SamplePeriod: 10}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	_, err = h.CreateBuffer(1 << 16)
	require.NoError(t, err)

	require.NoError(t, h.PauseOutput(true))
	require.NoError(t, rt.WithCPU(0, func() { h.ev.Overflow(nil) }))
	assert.Empty(t, drainBuffer(t, h))

	require.NoError(t, h.PauseOutput(false))
	require.NoError(t, rt.WithCPU(0, func() { h.ev.Overflow(nil) }))
	assert.Len(t, drainBuffer(t, h), 1)
}

func TestCloseLeaderPromotesSiblings(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	leader, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	s1, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, leader, 0)
	require.NoError(t, err)

	defer s1.Close()

	s2, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, leader, 0)
	require.NoError(t, err)

	defer s2.Close()

	require.NoError(t, leader.Close())

	// The survivors carry on as independent singletons.
	assert.True(t, s1.ev.isGroupLeader())
	assert.True(t, s2.ev.isGroupLeader())
	assert.Equal(t, StateActive, eventState(t, rt, s1.ev))
	assert.Equal(t, StateActive, eventState(t, rt, s2.ev))

	rc, err := s1.Read()
	require.NoError(t, err)
	assert.Len(t, rc.Values, 1)
}

func TestClosedHandle(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "close is idempotent")

	_, err = h.Read()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Enable(), ErrClosed)
	assert.ErrorIs(t, h.Disable(), ErrClosed)

	assert.Zero(t, rt.Stats().OpenEvents)
}

func TestResetZeroesValues(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	h, err := rt.Open(Attr{Backend: "fake"}, Target{CPU: 0}, nil, 0)
	require.NoError(t, err)

	defer h.Close()

	require.NoError(t, rt.WithCPU(0, func() { h.ev.AddCount(42) }))

	rc, err := h.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(42), rc.Values[0].Value)

	require.NoError(t, h.Reset())

	rc, err = h.Read()
	require.NoError(t, err)
	assert.Zero(t, rc.Values[0].Value)
}

func TestOpenOnExitedTask(t *testing.T) {
	fb := newFakeBackend("fake", 0)
	rt, _ := newTestRuntime(t, Config{CPUs: 1}, fb)

	task, err := rt.RegisterTask(50, "doomed", nil)
	require.NoError(t, err)

	require.NoError(t, rt.ExitTask(task))

	_, err = rt.Open(Attr{Backend: "fake"}, Target{Task: task, CPU: AnyCPU}, nil, 0)
	require.ErrorIs(t, err, ErrNoSuchTarget)

	_, err = rt.Open(Attr{Backend: "fake"}, Target{CPU: 7}, nil, 0)
	require.ErrorIs(t, err, ErrNoSuchTarget)
}
