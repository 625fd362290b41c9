package core

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/perfoor/internal/clock"
	"github.com/ethpandaops/perfoor/internal/record"
	"github.com/ethpandaops/perfoor/internal/ring"
)

// fakeBackend is a slot-limited test driver: deterministic, counts
// nothing on its own, and records every contract call.
type fakeBackend struct {
	name string
	caps Capability

	mu      sync.Mutex
	limit   int // slots per cpu, 0 means unlimited
	used    map[int]int
	addErr  error
	onRead  func(*Event)
	adds    int
	dels    int
	starts  int
	stops   int
	commits int
	cancels int
}

func newFakeBackend(name string, limit int) *fakeBackend {
	return &fakeBackend{
		name:  name,
		caps:  CapSampling,
		limit: limit,
		used:  make(map[int]int),
	}
}

func (f *fakeBackend) Name() string              { return f.name }
func (f *fakeBackend) Capabilities() Capability  { return f.caps }
func (f *fakeBackend) Supports(attr *Attr) error { return nil }

func (f *fakeBackend) Add(ev *Event, cpu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.addErr != nil {
		return f.addErr
	}

	if f.limit > 0 && f.used[cpu] >= f.limit {
		return fmt.Errorf("%w: no slot on cpu %d", ErrResourceExhausted, cpu)
	}

	f.used[cpu]++
	f.adds++

	return nil
}

func (f *fakeBackend) Del(ev *Event, cpu int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.used[cpu]--
	f.dels++
}

func (f *fakeBackend) Start(ev *Event) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
}

func (f *fakeBackend) Stop(ev *Event) {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeBackend) Read(ev *Event) {
	f.mu.Lock()
	fn := f.onRead
	f.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

func (f *fakeBackend) BeginTxn(cpu int) {}

func (f *fakeBackend) CommitTxn(cpu int) error {
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()

	return nil
}

func (f *fakeBackend) CancelTxn(cpu int) {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func newTestRuntime(t *testing.T, cfg Config, backends ...Backend) (*Runtime, *clock.Fixed) {
	t.Helper()

	reg := NewRegistry()
	for _, b := range backends {
		require.NoError(t, reg.Register(b))
	}

	clk := clock.NewFixed(1)

	rt, err := New(testLogger(), cfg, reg, WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	t.Cleanup(func() { _ = rt.Stop() })

	return rt, clk
}

// eventState peeks at an event's state under its context lock.
func eventState(t *testing.T, rt *Runtime, ev *Event) State {
	t.Helper()

	var s State

	require.NoError(t, rt.eventFunction(ev, func(c *vcpu, ctx *Context) {
		s = ev.state
	}))

	return s
}

func effState(t *testing.T, rt *Runtime, ev *Event) State {
	t.Helper()

	var s State

	require.NoError(t, rt.eventFunction(ev, func(c *vcpu, ctx *Context) {
		s = ev.effectiveState()
	}))

	return s
}

// drainBuffer parses everything published to the handle's buffer.
func drainBuffer(t *testing.T, h *Handle) []record.Record {
	t.Helper()

	buf := h.Buffer()
	require.NotNil(t, buf)

	dec := &record.Decoder{
		SampleFormat: h.ev.attr.SampleFormat,
		ReadFormat:   h.ev.attr.ReadFormat,
	}

	rd, err := ring.NewReader(buf, dec)
	require.NoError(t, err)

	recs, err := rd.Drain()
	require.NoError(t, err)

	return recs
}
