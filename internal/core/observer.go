package core

import (
	"fmt"
	"sync"

	"github.com/ethpandaops/perfoor/internal/record"
	"github.com/ethpandaops/perfoor/internal/ring"
)

// OpenFlag modifies how an open request interprets its arguments.
type OpenFlag uint32

const (
	// FlagNoGroup keeps the new event out of the given handle's
	// group; the handle is only an output-redirect target then.
	FlagNoGroup OpenFlag = 1 << iota

	// FlagOutput redirects the new event's records into the given
	// handle's buffer at open time.
	FlagOutput
)

// Handle is an observer's reference to one open event. All methods
// are safe for concurrent use; a closed handle reports ErrClosed.
type Handle struct {
	rt *Runtime
	ev *Event

	mu     sync.Mutex
	closed bool
}

// Open creates an event from the descriptor, bound to the target,
// optionally joining the group led by group's event. The descriptor
// is validated and the permission predicate consulted before any
// backend is touched.
func (r *Runtime) Open(attr Attr, target Target, group *Handle, flags OpenFlag) (*Handle, error) {
	if err := attr.validate(r.maxSampleRate.Load()); err != nil {
		return nil, err
	}

	if attr.Options.Sigtrap && target.Task == nil {
		return nil, fmt.Errorf("%w: sigtrap requires a task target", ErrInvalidDescriptor)
	}

	if r.permission != nil {
		if err := r.permission(&attr, target); err != nil {
			return nil, err
		}
	}

	b, bid, err := r.registry.lookup(attr.Backend)
	if err != nil {
		return nil, err
	}

	if err := b.Supports(&attr); err != nil {
		return nil, err
	}

	if attr.isSampling() && b.Capabilities()&CapSampling == 0 {
		return nil, fmt.Errorf("%w: backend %q cannot sample", ErrNotSupported, attr.Backend)
	}

	if attr.SampleFormat&record.SampleAux != 0 && b.Capabilities()&CapAux == 0 {
		return nil, fmt.Errorf("%w: backend %q has no aux stream", ErrNotSupported, attr.Backend)
	}

	ctx, task, cpu, err := r.resolveTarget(target)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		id:        r.nextEventID.Add(1),
		attr:      attr,
		rt:        r,
		ctx:       ctx,
		backend:   b,
		backendID: bid,
		task:      task,
		cpu:       cpu,
		oncpu:     -1,
		state:     StateInactive,
	}
	ev.leader = ev
	ev.groupCaps = b.Capabilities()
	ev.refs.Store(1)

	if attr.Options.Disabled {
		ev.state = StateOff
	}

	period := attr.SamplePeriod
	if attr.Options.Freq && attr.SampleFreq > 0 {
		// Frequency mode converges from the fastest possible period.
		period = 1
	}

	ev.samplePeriod = period
	ev.lastPeriod = period
	ev.periodLeft = int64(period)

	var leader *Event

	if group != nil && flags&FlagNoGroup == 0 {
		leader = group.ev

		if err := validateGrouping(leader, ev, ctx); err != nil {
			return nil, err
		}
	}

	if err := r.installEvent(ev, leader); err != nil {
		return nil, err
	}

	h := &Handle{rt: r, ev: ev}
	r.addToArena(ev)

	if group != nil && flags&FlagOutput != 0 {
		if err := h.SetOutput(group); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	return h, nil
}

func (r *Runtime) resolveTarget(target Target) (*Context, *Task, int, error) {
	if target.Task != nil {
		t := target.Task

		if t.exited.Load() {
			return nil, nil, 0, fmt.Errorf("%w: task %d exited", ErrNoSuchTarget, t.pid)
		}

		cpu := target.CPU
		if cpu != AnyCPU && (cpu < 0 || cpu >= len(r.cpus)) {
			return nil, nil, 0, fmt.Errorf("%w: cpu %d", ErrNoSuchTarget, cpu)
		}

		ctx, err := r.taskContext(t)
		if err != nil {
			return nil, nil, 0, err
		}

		return ctx, t, cpu, nil
	}

	ctx, err := r.cpuContext(target.CPU)
	if err != nil {
		return nil, nil, 0, err
	}

	return ctx, nil, target.CPU, nil
}

func validateGrouping(leader, ev *Event, ctx *Context) error {
	if !leader.isGroupLeader() {
		return fmt.Errorf("%w: grouping under a non-leader event", ErrInvalidDescriptor)
	}

	if leader.ctx != ctx {
		return fmt.Errorf("%w: group members must share a context", ErrInvalidDescriptor)
	}

	if leader.groupSize() >= maxGroupSize {
		return fmt.Errorf("%w: group is full", ErrResourceExhausted)
	}

	if ev.attr.Options.Pinned || ev.attr.Options.Exclusive {
		return fmt.Errorf("%w: pinned/exclusive apply to group leaders only", ErrInvalidDescriptor)
	}

	return nil
}

// installEvent links the event into its context and, when the
// context is running somewhere, replaces the current placement so
// the newcomer competes immediately.
func (r *Runtime) installEvent(ev *Event, leader *Event) error {
	var ierr error

	err := r.eventFunction(ev, func(c *vcpu, ctx *Context) {
		if ctx.tombstone || (ev.task != nil && ev.task.exited.Load()) {
			ierr = fmt.Errorf("%w: target exiting", ErrNoSuchTarget)
			return
		}

		ctx.updateTime(r.now())
		ev.tstamp = ctx.time

		if leader != nil {
			ev.leader = leader
			leader.siblings = append(leader.siblings, ev)
			leader.groupCaps &= ev.backend.Capabilities()

			if leader.state <= StateOff {
				ev.effOff = true
			}
		}

		ctx.attach(ev)

		if c != nil {
			c.resched(activeAll)
		}
	})
	if err != nil {
		return err
	}

	return ierr
}

// ID returns the event id carried in this handle's records.
func (h *Handle) ID() uint64 { return h.ev.id }

func (h *Handle) live() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("%w: handle closed", ErrClosed)
	}

	return nil
}

// Read returns the event's current value in the descriptor's read
// format, refreshing an active placement from its backend first.
func (h *Handle) Read() (record.ReadContent, error) {
	var rc record.ReadContent

	if err := h.live(); err != nil {
		return rc, err
	}

	ev := h.ev

	err := h.rt.eventFunction(ev, func(c *vcpu, ctx *Context) {
		ctx.updateTime(h.rt.now())

		refresh := func(e *Event) {
			e.updateTime(ctx.time)

			if e.state == StateActive {
				e.backend.Read(e)
			}
		}

		if ev.attr.ReadFormat&record.ReadGroup != 0 {
			ev.leader.eachGroupEvent(refresh)
		} else {
			refresh(ev)
		}

		rc = ev.readContent()
	})

	return rc, err
}

// Enable turns the event (and, for a leader, its whole group) on. An
// event in the error state resets to off first, so enable doubles as
// the explicit recovery step.
func (h *Handle) Enable() error {
	if err := h.live(); err != nil {
		return err
	}

	return h.rt.enableEvent(h.ev)
}

func (r *Runtime) enableEvent(ev *Event) error {
	var ierr error

	err := r.eventFunction(ev, func(c *vcpu, ctx *Context) {
		if ev.state >= StateInactive {
			return
		}

		if ev.state == StateError {
			ev.state = StateOff
		}

		if ev.state != StateOff {
			ierr = fmt.Errorf("%w: event %d is %s", ErrClosed, ev.id, ev.state)
			return
		}

		ctx.updateTime(r.now())
		ev.setState(ctx.time, StateInactive)

		if ev.isGroupLeader() {
			for _, s := range ev.siblings {
				if s.state == StateError {
					s.state = StateOff
				}

				if s.state == StateOff && !s.attr.Options.Disabled {
					s.setState(ctx.time, StateInactive)
				}

				s.setEffOff(ctx.time, false)
			}
		}

		if c != nil {
			c.resched(activeAll)
		}

		ev.publishMeta(ctx.time)
	})
	if err != nil {
		return err
	}

	return ierr
}

// Disable turns the event off. Disabling a leader takes the whole
// group off the backend; the siblings keep their own states and
// resume when the leader is re-enabled.
func (h *Handle) Disable() error {
	if err := h.live(); err != nil {
		return err
	}

	return h.rt.disableEvent(h.ev)
}

func (r *Runtime) disableEvent(ev *Event) error {
	return r.eventFunction(ev, func(c *vcpu, ctx *Context) {
		r.disableLocked(c, ctx, ev)
	})
}

// disableLocked is the disable body, callable both through
// eventFunction and directly on the vcpu goroutine with the context
// locks already held.
func (r *Runtime) disableLocked(c *vcpu, ctx *Context, ev *Event) {
	if ev.state < StateInactive {
		return
	}

	ctx.updateTime(r.now())

	if c != nil && ev.state == StateActive {
		if ev.isGroupLeader() {
			c.groupSchedOut(ctx, ev)
		} else {
			c.eventSchedOut(ctx, ev)
		}
	}

	ev.setState(ctx.time, StateOff)

	if ev.isGroupLeader() {
		for _, s := range ev.siblings {
			s.setEffOff(ctx.time, true)
		}
	}

	ev.publishMeta(ctx.time)
}

// Reset zeroes the event's value, and the values of every inherited
// clone, without touching its state or time totals.
func (h *Handle) Reset() error {
	if err := h.live(); err != nil {
		return err
	}

	ev := h.ev

	return h.rt.eventFunction(ev, func(c *vcpu, ctx *Context) {
		ctx.updateTime(h.rt.now())

		ev.count.Store(0)
		ev.childCount.Store(0)

		ev.childMu.Lock()
		for _, child := range ev.inheritedChildren {
			child.count.Store(0)
		}
		ev.childMu.Unlock()

		ev.publishMeta(ctx.time)
	})
}

// Refresh enables the event for n more overflows, after which it
// disables itself.
func (h *Handle) Refresh(n int64) error {
	if err := h.live(); err != nil {
		return err
	}

	if n <= 0 || !h.ev.isSampling() {
		return fmt.Errorf("%w: refresh needs a sampling event and a positive count", ErrInvalidDescriptor)
	}

	h.ev.refresh.Add(n)

	return h.rt.enableEvent(h.ev)
}

// SetPeriod replaces the sampling period, or the target frequency
// for a frequency-driven event. An active placement restarts with
// the new pacing immediately.
func (h *Handle) SetPeriod(value uint64) error {
	if err := h.live(); err != nil {
		return err
	}

	ev := h.ev

	if value == 0 || !ev.isSampling() {
		return fmt.Errorf("%w: period change needs a sampling event and a non-zero value", ErrInvalidDescriptor)
	}

	if ev.attr.Options.Freq && value > h.rt.maxSampleRate.Load() {
		return fmt.Errorf("%w: frequency %d above ceiling %d",
			ErrInvalidDescriptor, value, h.rt.maxSampleRate.Load())
	}

	return h.rt.eventFunction(ev, func(c *vcpu, ctx *Context) {
		ctx.updateTime(h.rt.now())

		if ev.attr.Options.Freq {
			ev.attr.SampleFreq = value
		} else {
			ev.attr.SamplePeriod = value
			ev.samplePeriod = value
			ev.lastPeriod = value
		}

		active := ev.state == StateActive

		if active {
			ev.backend.Stop(ev)
		}

		ev.periodLeft = int64(ev.samplePeriod)

		if active {
			ev.backend.Start(ev)
		}
	})
}

// CreateBuffer attaches a fresh delivery buffer of the given byte
// size, direction chosen by the descriptor's write-backward option.
func (h *Handle) CreateBuffer(size int) (*ring.Buffer, error) {
	if err := h.live(); err != nil {
		return nil, err
	}

	ev := h.ev

	order := ring.Forward
	if ev.attr.Options.WriteBackward {
		order = ring.Backward
	}

	buf, err := ring.New(size, order)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	var ierr error

	err = h.rt.eventFunction(ev, func(c *vcpu, ctx *Context) {
		if ev.buf != nil {
			ierr = fmt.Errorf("%w: event already has a buffer", ErrBusy)
			return
		}

		ev.buf = buf
		ev.wakeupC = make(chan struct{}, 1)
		ev.publishMeta(ctx.time)
	})
	if err != nil {
		return nil, err
	}

	if ierr != nil {
		return nil, ierr
	}

	return buf, nil
}

// Buffer returns the attached delivery buffer, nil if none.
func (h *Handle) Buffer() *ring.Buffer { return h.ev.buf }

// Wakeup returns the channel signalled whenever the wakeup-events
// threshold is crossed. Nil until a buffer exists.
func (h *Handle) Wakeup() <-chan struct{} { return h.ev.wakeupC }

// SetOutput redirects this event's records into other's buffer. Both
// streams must flow in the same direction; the old and new buffer
// association locks are taken together, smallest id first.
func (h *Handle) SetOutput(other *Handle) error {
	if err := h.live(); err != nil {
		return err
	}

	if err := other.live(); err != nil {
		return err
	}

	ev := h.ev

	target := other.ev.buf
	if target == nil {
		return fmt.Errorf("%w: redirect target has no buffer", ErrInvalidDescriptor)
	}

	wantBackward := ev.attr.Options.WriteBackward
	if (target.Order() == ring.Backward) != wantBackward {
		return fmt.Errorf("%w: cannot mix write directions on one buffer", ErrInvalidDescriptor)
	}

	return h.rt.eventFunction(ev, func(c *vcpu, ctx *Context) {
		old := ev.buf

		if old == target {
			return
		}

		ring.LockPair(old, target)

		ev.buf = target.Get()
		ev.wakeupC = make(chan struct{}, 1)

		ring.UnlockPair(old, target)

		if old != nil {
			old.Put()
		}

		ev.publishMeta(ctx.time)
	})
}

// PauseOutput stops (or resumes) record delivery without touching
// counting. Records arriving while paused are dropped silently.
func (h *Handle) PauseOutput(pause bool) error {
	if err := h.live(); err != nil {
		return err
	}

	h.ev.pauseOut.Store(pause)

	return nil
}

// Close releases the handle: the event leaves its backend and
// context, inherited clones are torn down with it, and a closed
// leader's siblings carry on as independent singletons.
func (h *Handle) Close() error {
	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()
		return nil
	}

	h.closed = true
	h.mu.Unlock()

	h.rt.closeEvent(h.ev)

	return nil
}

func (r *Runtime) closeEvent(ev *Event) {
	var children []*Event

	_ = r.eventFunction(ev, func(c *vcpu, ctx *Context) {
		if ev.state == StateDead {
			return
		}

		ctx.updateTime(r.now())

		if c != nil && ev.state == StateActive {
			if ev.isGroupLeader() {
				c.groupSchedOut(ctx, ev)
			} else {
				c.eventSchedOut(ctx, ev)
			}
		}

		ev.setState(ctx.time, StateDead)

		ev.childMu.Lock()
		children = append(children, ev.inheritedChildren...)
		ev.inheritedChildren = nil
		ev.childMu.Unlock()

		if ev.isGroupLeader() {
			siblings := ev.siblings
			ev.siblings = nil
			ctx.detach(ev)

			// Promote the survivors, oldest first, so their
			// relative order in the flexible queue holds.
			for _, s := range siblings {
				s.leader = s
				s.groupCaps = s.backend.Capabilities()
				s.setEffOff(ctx.time, false)
				ctx.addToTree(s)
			}
		} else {
			leader := ev.leader
			leader.siblings = removeEvent(leader.siblings, ev)
			leader.groupCaps = groupCapsOf(leader)

			ctx.detach(ev)
		}

		if c != nil {
			c.resched(activeAll)
		}
	})

	for _, child := range children {
		r.closeEvent(child)
	}

	if ev.buf != nil {
		ev.buf.Put()
	}

	r.removeFromArena(ev)
}
