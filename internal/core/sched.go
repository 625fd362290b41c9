package core

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/record"
)

// cpuBackendState is one cpu's view of one backend: how many events
// it is running across both contexts, whether an exclusive group
// holds it, and whether placement already failed this pass.
type cpuBackendState struct {
	active int

	// exclusiveBy is the leader whose group holds the backend
	// exclusively, nil when none does.
	exclusiveBy *Event

	// canAddHW is cleared for the rest of a flexible pass once one
	// group failed to place, so later groups cannot jump the queue.
	canAddHW bool
}

func (c *vcpu) bstate(b Backend) *cpuBackendState {
	st, ok := c.backendState[b]
	if !ok {
		// A backend seen for the first time mid-pass must start out
		// placeable, matching the reset at the top of a flexible pass.
		st = &cpuBackendState{canAddHW: true}
		c.backendState[b] = st
	}

	return st
}

// groupCanGoOn applies the placement admission rules, cheapest test
// first. Groups made of always-placeable events bypass all of them.
func (c *vcpu) groupCanGoOn(leader *Event, st *cpuBackendState) bool {
	if leader.groupCaps&CapSoftware != 0 {
		return true
	}

	// An exclusive group owns the backend outright.
	if st.exclusiveBy != nil && st.exclusiveBy != leader {
		return false
	}

	// A backend that admits one placement at a time is busy while
	// anything runs on it.
	if leader.backend.Capabilities()&CapExclusive != 0 && st.active > 0 {
		return false
	}

	// A group demanding exclusivity needs the backend idle.
	if leader.attr.Options.Exclusive && st.active > 0 {
		return false
	}

	return true
}

// eventSchedIn places one inactive event on its backend. The context
// lock is held and ctx.time is settled.
func (c *vcpu) eventSchedIn(ctx *Context, ev *Event) error {
	if ev.effectiveState() != StateInactive {
		return nil
	}

	if err := ev.backend.Add(ev, c.id); err != nil {
		return err
	}

	ev.setState(ctx.time, StateActive)
	ev.oncpu = c.id

	// A throttled event holds its slot but stays stopped on the
	// backend until the tick lifts the throttle.
	if !ev.throttled {
		ev.backend.Start(ev)
	}

	c.bstate(ev.backend).active++
	ctx.backendCtx(ev).nrActive++

	ev.publishMeta(ctx.time)

	return nil
}

// eventSchedOut takes one active event off its backend and settles
// its time accounting.
func (c *vcpu) eventSchedOut(ctx *Context, ev *Event) {
	if ev.state != StateActive {
		return
	}

	// A throttled event is already stopped on the backend; only the
	// slot remains to release.
	if !ev.throttled {
		ev.backend.Stop(ev)
	}

	ev.backend.Del(ev, c.id)

	ev.setState(ctx.time, StateInactive)
	ev.oncpu = -1

	c.bstate(ev.backend).active--
	ctx.backendCtx(ev).nrActive--

	ev.publishMeta(ctx.time)
}

func removeEvent(list []*Event, ev *Event) []*Event {
	for i, e := range list {
		if e == ev {
			return append(list[:i], list[i+1:]...)
		}
	}

	return list
}

// groupSchedIn places a whole group atomically: leader first, then
// siblings in attach order, wrapped in a backend transaction when the
// backend offers one. A partial placement is unwound in placement
// order before the error returns.
func (c *vcpu) groupSchedIn(ctx *Context, leader *Event) error {
	if leader.state != StateInactive {
		return nil
	}

	b := leader.backend
	st := c.bstate(b)

	beginTxn(b, c.id)

	placed := make([]*Event, 0, leader.groupSize())

	undo := func(err error) error {
		for _, ev := range placed {
			c.eventSchedOut(ctx, ev)
		}

		cancelTxn(b, c.id)

		return err
	}

	if err := c.eventSchedIn(ctx, leader); err != nil {
		return undo(err)
	}

	placed = append(placed, leader)

	for _, sib := range leader.siblings {
		if sib.effectiveState() != StateInactive {
			continue
		}

		if err := c.eventSchedIn(ctx, sib); err != nil {
			return undo(err)
		}

		placed = append(placed, sib)
	}

	if err := commitTxn(b, c.id); err != nil {
		return undo(err)
	}

	bc := ctx.backendCtx(leader)

	if leader.attr.Options.Pinned {
		bc.pinnedActive = append(bc.pinnedActive, leader)
	} else {
		bc.flexibleActive = append(bc.flexibleActive, leader)
	}

	if leader.attr.Options.Exclusive && leader.groupCaps&CapSoftware == 0 {
		st.exclusiveBy = leader
		bc.exclusiveOn = true
	}

	c.rt.stats.placements.Add(1)

	return nil
}

// groupSchedOut takes a whole group off, leader last so sibling time
// accounting settles against a still-running leader.
func (c *vcpu) groupSchedOut(ctx *Context, leader *Event) {
	if leader.state != StateActive {
		return
	}

	for _, sib := range leader.siblings {
		c.eventSchedOut(ctx, sib)
	}

	c.eventSchedOut(ctx, leader)

	bc := ctx.backendCtx(leader)

	if leader.attr.Options.Pinned {
		bc.pinnedActive = removeEvent(bc.pinnedActive, leader)
	} else {
		bc.flexibleActive = removeEvent(bc.flexibleActive, leader)
	}

	st := c.bstate(leader.backend)
	if st.exclusiveBy == leader {
		st.exclusiveBy = nil
		bc.exclusiveOn = false
	}
}

// schedInPinned places every eligible pinned group. A pinned group
// that does not fit goes into the error state instead of waiting: it
// asked for a guarantee the cpu cannot give.
func (c *vcpu) schedInPinned(ctx *Context) {
	ctx.pinned.visit(c.id, func(leader *Event) bool {
		if leader.state != StateInactive {
			return true
		}

		st := c.bstate(leader.backend)

		if c.groupCanGoOn(leader, st) {
			if err := c.groupSchedIn(ctx, leader); err == nil {
				return true
			}
		}

		leader.setState(ctx.time, StateError)
		c.rt.stats.placementFailures.Add(1)

		c.rt.log.WithFields(logrus.Fields{
			"event":   leader.id,
			"backend": leader.backend.Name(),
			"cpu":     c.id,
		}).Warn("Pinned group failed to place, marking error")

		return true
	})
}

// schedInFlexible places flexible groups oldest-first until the
// backend fills up. Later groups of a full backend are skipped, not
// reordered; the groups left behind raise the rotation flag.
func (c *vcpu) schedInFlexible(ctx *Context) {
	for _, st := range c.backendState {
		st.canAddHW = true
	}

	ctx.flexible.visit(c.id, func(leader *Event) bool {
		if leader.state != StateInactive {
			return true
		}

		st := c.bstate(leader.backend)

		if !st.canAddHW || !c.groupCanGoOn(leader, st) {
			ctx.backendCtx(leader).rotateNecessary = true
			return true
		}

		if err := c.groupSchedIn(ctx, leader); err != nil {
			c.rt.stats.placementFailures.Add(1)

			// A backend refusing the request outright will refuse it
			// forever; park the group in error instead of retrying
			// every pass.
			if errors.Is(err, ErrNotSupported) {
				leader.setState(ctx.time, StateError)
				return true
			}

			st.canAddHW = false
			ctx.backendCtx(leader).rotateNecessary = true
		}

		return true
	})
}

// ctxSchedIn schedules the masked trees of one context onto this
// cpu. The context lock is held.
func (c *vcpu) ctxSchedIn(ctx *Context, mask activeMask, now uint64) {
	add := mask & activeAll &^ ctx.isActive
	if add == 0 || ctx.nrEvents == 0 {
		return
	}

	if ctx.isActive&activeTime == 0 {
		ctx.startTime(now)
	} else {
		ctx.updateTime(now)
	}

	if add&activePinned != 0 {
		ctx.isActive |= activePinned
		c.schedInPinned(ctx)
	}

	if add&activeFlexible != 0 {
		ctx.isActive |= activeFlexible
		c.schedInFlexible(ctx)
	}
}

// ctxSchedOut takes the masked trees of one context off this cpu,
// pinned before flexible. The context lock is held.
func (c *vcpu) ctxSchedOut(ctx *Context, mask activeMask, now uint64) {
	ctx.updateTime(now)

	clear := mask & activeAll & ctx.isActive
	if clear == 0 {
		return
	}

	for _, bc := range ctx.backendCtxs {
		if clear&activePinned != 0 {
			for len(bc.pinnedActive) > 0 {
				c.groupSchedOut(ctx, bc.pinnedActive[0])
			}
		}

		if clear&activeFlexible != 0 {
			for len(bc.flexibleActive) > 0 {
				c.groupSchedOut(ctx, bc.flexibleActive[0])
			}
		}
	}

	ctx.isActive &^= clear

	if ctx.isActive&activeAll == 0 && ctx.kind == TaskScope {
		ctx.stopTime(now)
	}
}

// resched re-runs placement across both of this cpu's contexts in
// strict priority order: cpu pinned, task pinned, cpu flexible, task
// flexible. Both context locks are held.
func (c *vcpu) resched(mask activeMask) {
	now := c.rt.now()

	if c.taskCtx != nil {
		c.ctxSchedOut(c.taskCtx, mask, now)
	}

	c.ctxSchedOut(c.ctx, mask, now)

	if mask&activePinned != 0 {
		c.ctxSchedIn(c.ctx, activePinned, now)

		if c.taskCtx != nil {
			c.ctxSchedIn(c.taskCtx, activePinned, now)
		}
	}

	if mask&activeFlexible != 0 {
		c.ctxSchedIn(c.ctx, activeFlexible, now)

		if c.taskCtx != nil {
			c.ctxSchedIn(c.taskCtx, activeFlexible, now)
		}
	}
}

// TaskSwitch tells the runtime that cpu cpuID switched from prev to
// next. Either may be nil (idle). The switch executes on the cpu's
// own goroutine.
func (r *Runtime) TaskSwitch(cpuID int, prev, next *Task) error {
	if cpuID < 0 || cpuID >= len(r.cpus) {
		return fmt.Errorf("%w: cpu %d", ErrNoSuchTarget, cpuID)
	}

	c := r.cpus[cpuID]

	return c.call(func() error {
		c.switchTasks(prev, next)
		return nil
	})
}

func (c *vcpu) switchTasks(prev, next *Task) {
	now := c.rt.now()

	c.emitSwitch(prev, next)

	prevCtx := c.taskCtx

	var nextCtx *Context
	if next != nil {
		if ctx := next.ctx.Load(); ctx != nil && ctx != taskTombstone {
			nextCtx = ctx
		}
	}

	if prev != nil {
		prev.cpu.Store(-1)
	}

	switch {
	case prevCtx != nil && nextCtx != nil && prevCtx != nextCtx &&
		c.trySwapContexts(prev, next, prevCtx, nextCtx):
		// Contexts traded owners; everything stays scheduled.

	default:
		if prevCtx != nil {
			prevCtx.mu.Lock()
			c.ctxSchedOut(prevCtx, activeAll, now)
			prevCtx.cpu.Store(-1)
			prevCtx.mu.Unlock()
		}

		c.taskCtx = nil

		if nextCtx != nil {
			nextCtx.mu.Lock()

			if nextCtx.nrEvents > 0 && nextCtx.currentCPU() < 0 {
				nextCtx.cpu.Store(int64(c.id))
				c.taskCtx = nextCtx
				c.ctxSchedIn(nextCtx, activeAll, now)
			}

			nextCtx.mu.Unlock()
		}
	}

	c.curTask = next

	if next != nil {
		next.cpu.Store(int64(c.id))
	}
}

// trySwapContexts is the optimized switch between clone-equivalent
// contexts: instead of tearing events down and rebuilding the same
// placement, the two contexts trade task ownership and the resident
// one keeps running. Reports whether the swap happened.
func (c *vcpu) trySwapContexts(prev, next *Task, prevCtx, nextCtx *Context) bool {
	if prev == nil || next == nil {
		return false
	}

	// Lock id order; these are two task contexts, never the cpu one.
	lo, hi := prevCtx, nextCtx
	if hi.id < lo.id {
		lo, hi = hi, lo
	}

	lo.mu.Lock()
	defer lo.mu.Unlock()
	hi.mu.Lock()
	defer hi.mu.Unlock()

	// Revalidate under the locks: the pointers must still belong to
	// the two tasks, the incoming context must be idle, and the two
	// must be clone-equivalent.
	if prev.ctx.Load() != prevCtx || next.ctx.Load() != nextCtx {
		return false
	}

	if nextCtx.currentCPU() >= 0 {
		return false
	}

	if !prevCtx.equivalent(nextCtx) {
		return false
	}

	// Trade owners: the resident context keeps its placement and now
	// counts for next; the idle one goes to prev.
	prev.ctx.Store(nextCtx)
	next.ctx.Store(prevCtx)
	prevCtx.task = next
	nextCtx.task = prev

	c.rt.stats.contextSwaps.Add(1)

	return true
}

// emitSwitch fans context-switch records out to interested events:
// per-task observers get the bare in/out edge, cpu-wide observers
// get the edge with the other task's identity.
func (c *vcpu) emitSwitch(prev, next *Task) {
	c.rt.eachEvent(func(ev *Event) {
		if !ev.attr.Options.ContextSwitch {
			return
		}

		if ev.task == nil {
			if ev.cpu != AnyCPU && ev.cpu != c.id {
				return
			}

			if prev != nil {
				rec := &record.SwitchCPUWide{Out: true}
				if next != nil {
					rec.NextPid = next.pid
					rec.NextTid = next.pid
				}

				ev.emit(rec)
				c.rt.stats.sidebandRecords.Add(1)
			}

			if next != nil {
				rec := &record.SwitchCPUWide{}
				if prev != nil {
					rec.NextPid = prev.pid
					rec.NextTid = prev.pid
				}

				ev.emit(rec)
				c.rt.stats.sidebandRecords.Add(1)
			}

			return
		}

		if ev.task == prev {
			ev.emit(&record.Switch{Out: true})
			c.rt.stats.sidebandRecords.Add(1)
		}

		if ev.task == next {
			ev.emit(&record.Switch{})
			c.rt.stats.sidebandRecords.Add(1)
		}
	})
}
