package core

import (
	"sync"
	"sync/atomic"

	"github.com/ethpandaops/perfoor/internal/record"
	"github.com/ethpandaops/perfoor/internal/ring"
)

// State is an event's scheduling state. The numeric order matters:
// comparisons like "at least inactive" gate time accounting.
type State int32

// Event states, most dead first.
const (
	// StateDead marks an event whose last reference dropped.
	StateDead State = iota - 4
	// StateExit marks an event whose target task exited.
	StateExit
	// StateError is terminal until an explicit re-enable.
	StateError
	// StateOff is disabled: no counting, no time accounting.
	StateOff
	// StateInactive is enabled but not currently on a backend.
	StateInactive
	// StateActive is counting on a backend right now.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDead:
		return "dead"
	case StateExit:
		return "exit"
	case StateError:
		return "error"
	case StateOff:
		return "off"
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	default:
		return "invalid"
	}
}

// maxGroupSize bounds how many events one leader may carry. It keeps
// group reads inside the record size budget.
const maxGroupSize = 64

// Event is one monitoring request, the smallest schedulable unit.
// All fields besides the atomics are guarded by the owning context's
// lock.
type Event struct {
	id   uint64
	attr Attr
	rt   *Runtime

	ctx     *Context
	backend Backend
	// backendID is the registry index used in group-tree keys.
	backendID uint32

	state State

	// leader is the group leader; for an ungrouped event it points
	// at the event itself. siblings is only populated on leaders.
	leader   *Event
	siblings []*Event
	// groupCaps is the intersection of all members' backend
	// capability flags; maintained on the leader.
	groupCaps Capability

	node groupNode

	// target placement.
	task *Task
	cpu  int
	// oncpu is the CPU currently running the event, -1 otherwise.
	oncpu int

	// count is written by the backend, possibly from another CPU's
	// interrupt context, and read lock-free through the header page.
	count atomic.Uint64

	// Accounting. tstamp is the context time of the last state
	// transition; effOff is set while the leader clamps the whole
	// group off.
	totalTimeEnabled uint64
	totalTimeRunning uint64
	tstamp           uint64
	effOff           bool

	// Sampling.
	samplePeriod   uint64 // current period, adapted when freq-driven
	lastPeriod     uint64
	periodLeft     int64 // counter distance to the next overflow
	interrupts     uint64
	freqCountStamp uint64
	freqTimeStamp  uint64
	throttled      bool

	// refresh, when positive, auto-disables after that many more
	// overflows.
	refresh atomic.Int64

	// Output.
	buf            *ring.Buffer
	pauseOut       atomic.Bool
	pendingWakeups uint32
	wakeupC        chan struct{}

	// Inheritance. childMu guards inheritedChildren, which fork and
	// exit mutate from the child task's side.
	parent            *Event // event this was cloned from, nil at the root
	childMu           sync.Mutex
	inheritedChildren []*Event
	childCount        atomic.Uint64
	childTimeEnabled  atomic.Uint64
	childTimeRunning  atomic.Uint64

	refs atomic.Int64
}

// ID returns the process-unique event id carried in records.
func (e *Event) ID() uint64 { return e.id }

// Attr returns the descriptor the event was opened with.
func (e *Event) Attr() *Attr { return &e.attr }

// Task returns the monitored task, nil for cpu scope.
func (e *Event) Task() *Task { return e.task }

// CPU returns the requested CPU restriction, AnyCPU if none.
func (e *Event) CPU() int { return e.cpu }

// OnCPU returns the CPU the event is actively counting on, or -1.
func (e *Event) OnCPU() int { return e.oncpu }

// State returns the event's own scheduling state.
func (e *Event) State() State { return e.state }

// Count returns the current raw counter value.
func (e *Event) Count() uint64 { return e.count.Load() }

// AddCount is called by backends to advance the counter.
func (e *Event) AddCount(n uint64) { e.count.Add(n) }

// SetCount is called by backends that read absolute values.
func (e *Event) SetCount(v uint64) { e.count.Store(v) }

// SamplePeriod returns the period currently in force, which for
// freq-driven events changes as the rate adapts.
func (e *Event) SamplePeriod() uint64 { return e.samplePeriod }

// PeriodLeft returns the remaining counter distance to the next
// overflow. Backends drive it via ConsumePeriod.
func (e *Event) PeriodLeft() int64 { return e.periodLeft }

// ConsumePeriod subtracts n from the distance to the next overflow
// and reports whether the period elapsed, re-arming if so.
func (e *Event) ConsumePeriod(n uint64) bool {
	e.periodLeft -= int64(n)
	if e.periodLeft > 0 {
		return false
	}

	e.lastPeriod = e.samplePeriod
	e.periodLeft += int64(e.samplePeriod)

	if e.periodLeft <= 0 {
		// A tiny period can lag arbitrarily far behind; one overflow
		// covers the whole backlog.
		e.periodLeft = int64(e.samplePeriod)
	}

	return true
}

// isSampling reports whether the event produces overflow samples.
func (e *Event) isSampling() bool { return e.attr.isSampling() }

// isGroupLeader reports whether the event leads its group (an
// ungrouped event leads a group of one).
func (e *Event) isGroupLeader() bool { return e.leader == e }

// groupSize returns 1 + number of siblings, valid on leaders.
func (e *Event) groupSize() int { return 1 + len(e.siblings) }

// groupCapsOf recomputes the capability intersection across a leader
// and its surviving siblings.
func groupCapsOf(leader *Event) Capability {
	caps := capAll
	caps &= leader.backend.Capabilities()
	for _, s := range leader.siblings {
		caps &= s.backend.Capabilities()
	}

	return caps
}

// effectiveState is the event's state clamped by its leader: a group
// whose leader is off is entirely off, whatever the members say.
func (e *Event) effectiveState() State {
	if e.effOff && e.state > StateOff {
		return StateOff
	}

	return e.state
}

// updateTime folds the interval since the last transition into the
// enabled/running totals. Must run, under the context lock, before
// any state change that depends on the totals.
func (e *Event) updateTime(ctxTime uint64) {
	delta := ctxTime - e.tstamp

	if e.effectiveState() >= StateInactive {
		e.totalTimeEnabled += delta
	}

	if e.effectiveState() == StateActive {
		e.totalTimeRunning += delta
	}

	e.tstamp = ctxTime
}

// setState transitions the event, settling time accounting first.
func (e *Event) setState(ctxTime uint64, s State) {
	e.updateTime(ctxTime)
	e.state = s
}

// setEffOff clamps (or unclamps) the event below its leader.
func (e *Event) setEffOff(ctxTime uint64, off bool) {
	if e.effOff == off {
		return
	}

	e.updateTime(ctxTime)
	e.effOff = off
}

// eachGroupEvent calls fn for the leader and every sibling.
func (e *Event) eachGroupEvent(fn func(*Event)) {
	fn(e.leader)

	for _, s := range e.leader.siblings {
		fn(s)
	}
}

// sampleID returns the id carried as ID in records: inherited clones
// report under their root ancestor, so one stream aggregates a whole
// task tree. StreamID stays the instance's own id.
func (e *Event) sampleID() uint64 {
	p := e
	for p.parent != nil {
		p = p.parent
	}

	return p.id
}

// readContent assembles the read payload per the descriptor's read
// format. Group format reads the whole group with the leader's time
// fields. Context lock held, time settled.
func (e *Event) readContent() record.ReadContent {
	rf := e.attr.ReadFormat
	rc := record.ReadContent{Format: rf}

	src := e
	if rf&record.ReadGroup != 0 {
		src = e.leader
	}

	if rf&record.ReadTimeEnabled != 0 {
		rc.TimeEnabled = src.totalTimeEnabled + src.childTimeEnabled.Load()
	}

	if rf&record.ReadTimeRunning != 0 {
		rc.TimeRunning = src.totalTimeRunning + src.childTimeRunning.Load()
	}

	if rf&record.ReadGroup != 0 {
		rc.Values = make([]record.ReadValue, 0, src.groupSize())
		src.eachGroupEvent(func(m *Event) {
			rc.Values = append(rc.Values, m.readValue())
		})
	} else {
		rc.Values = []record.ReadValue{e.readValue()}
	}

	return rc
}

// readValue assembles one counter value including folded children.
func (e *Event) readValue() record.ReadValue {
	return record.ReadValue{
		Value: e.count.Load() + e.childCount.Load(),
		ID:    e.sampleID(),
	}
}

// outputBuffer returns the delivery buffer, honoring pause.
func (e *Event) outputBuffer() *ring.Buffer {
	if e.buf == nil || e.pauseOut.Load() {
		return nil
	}

	return e.buf
}

// emit writes rec to the event's buffer if one is attached and not
// paused. Lost records are counted on the buffer.
func (e *Event) emit(rec record.Record) {
	buf := e.outputBuffer()
	if buf == nil {
		return
	}

	_ = buf.Write(rec)
}

// publishMeta refreshes the lock-free header page after accounting
// changed.
func (e *Event) publishMeta(ctxTime uint64) {
	if e.buf == nil {
		return
	}

	enabled := e.totalTimeEnabled
	running := e.totalTimeRunning

	if e.effectiveState() >= StateInactive {
		enabled += ctxTime - e.tstamp
	}

	if e.effectiveState() == StateActive {
		running += ctxTime - e.tstamp
	}

	e.buf.Meta().Update(uint32(e.id), int64(e.count.Load()), enabled, running)
}
