package core

import (
	"fmt"

	"github.com/ethpandaops/perfoor/internal/record"
)

// ForkTask registers a child of parent and clones every inheritable
// event into it, groups leader-first so atomic placement still holds
// in the child. The child context records its clone lineage, which
// is what later lets a task switch between the two swap contexts
// instead of rescheduling.
func (r *Runtime) ForkTask(parent *Task, childPid uint32, name string) (*Task, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: fork needs a parent task", ErrNoSuchTarget)
	}

	child, err := r.RegisterTask(childPid, name, parent)
	if err != nil {
		return nil, err
	}

	parentCtx := parent.ctx.Load()

	if parentCtx != nil && parentCtx != taskTombstone {
		if err := r.inheritContext(parentCtx, child); err != nil {
			r.unregisterTask(child)
			return nil, err
		}
	}

	r.sideband(parent, func(o *Options) bool { return o.Task }, &record.Fork{
		Task: record.Task{
			Pid:  childPid,
			Ppid: parent.pid,
			Tid:  childPid,
			Ptid: parent.pid,
			Time: r.now(),
		},
	})

	return child, nil
}

// inheritContext clones parentCtx's inheritable events into a fresh
// context for child.
func (r *Runtime) inheritContext(parentCtx *Context, child *Task) error {
	parentCtx.mu.Lock()
	defer parentCtx.mu.Unlock()

	if parentCtx.tombstone {
		return nil
	}

	childCtx := newContext(TaskScope, child, -1, r.nextCtxID.Add(1))

	cloneTree := func(t *groupTree) {
		for leader := t.min(); leader != nil; leader = t.successor(leader) {
			clone := r.inheritEvent(leader, child, childCtx, nil)
			if clone == nil {
				continue
			}

			for _, sib := range leader.siblings {
				r.inheritEvent(sib, child, childCtx, clone)
			}
		}
	}

	cloneTree(parentCtx.pinned)
	cloneTree(parentCtx.flexible)

	if childCtx.nrEvents == 0 {
		return nil
	}

	// Lineage goes on last: attaching clones bumped the child's
	// generation, and must not have severed anything.
	childCtx.parentCtx = parentCtx
	childCtx.parentGen = parentCtx.generation

	child.ctx.Store(childCtx)

	return nil
}

// inheritEvent clones one event into the child context, mirroring
// the parent's effective state. Returns nil if the event does not
// inherit. Parent context lock held.
func (r *Runtime) inheritEvent(ev *Event, child *Task, childCtx *Context, leaderClone *Event) *Event {
	if !ev.attr.Options.Inherit {
		return nil
	}

	// Clones of clones flatten onto the root, so values fold up one
	// hop no matter how deep the task tree gets.
	root := ev
	if ev.parent != nil {
		root = ev.parent
	}

	clone := &Event{
		id:        r.nextEventID.Add(1),
		attr:      ev.attr,
		rt:        r,
		ctx:       childCtx,
		backend:   ev.backend,
		backendID: ev.backendID,
		task:      child,
		cpu:       ev.cpu,
		oncpu:     -1,
		parent:    root,
	}
	clone.refs.Store(1)

	if ev.effectiveState() >= StateInactive {
		clone.state = StateInactive
	} else {
		clone.state = StateOff
	}

	period := clone.attr.SamplePeriod
	if clone.attr.Options.Freq && clone.attr.SampleFreq > 0 {
		period = 1
	}

	clone.samplePeriod = period
	clone.lastPeriod = period
	clone.periodLeft = int64(period)

	// Clones deliver into the root's buffer.
	if root.buf != nil {
		clone.buf = root.buf.Get()
	}

	if leaderClone != nil {
		clone.leader = leaderClone
		leaderClone.siblings = append(leaderClone.siblings, clone)
		leaderClone.groupCaps &= clone.backend.Capabilities()
	} else {
		clone.leader = clone
		clone.groupCaps = clone.backend.Capabilities()
	}

	childCtx.attach(clone)

	root.childMu.Lock()
	root.inheritedChildren = append(root.inheritedChildren, clone)
	root.childMu.Unlock()

	r.addToArena(clone)

	return clone
}

// ExitTask tears a task down: its context is scheduled out wherever
// it runs, every inherited clone folds its final values back into
// its root, and non-inherited events freeze at their last values,
// readable until their handles close.
func (r *Runtime) ExitTask(t *Task) error {
	if t == nil || !t.exited.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: task already exited", ErrNoSuchTarget)
	}

	r.sideband(t, func(o *Options) bool { return o.Task }, &record.Exit{
		Task: record.Task{
			Pid:  t.pid,
			Ppid: parentPid(t),
			Tid:  t.pid,
			Ptid: parentPid(t),
			Time: r.now(),
		},
	})

	ctx := t.ctx.Swap(taskTombstone)

	if ctx != nil && ctx != taskTombstone {
		r.retireContext(ctx)
	}

	r.unregisterTask(t)

	return nil
}

func parentPid(t *Task) uint32 {
	if t.parent != nil {
		return t.parent.pid
	}

	return 0
}

// retireContext pulls a dying context off its cpu and settles every
// event it owns.
func (r *Runtime) retireContext(ctx *Context) {
	// Chase the context off whatever cpu runs it. The cpu revalidates
	// after the call lands, so a migration in flight just retries.
	for r.running.Load() {
		cpuID := ctx.currentCPU()
		if cpuID < 0 {
			break
		}

		c := r.cpus[cpuID]

		err := c.call(func() error {
			if c.taskCtx != ctx {
				return nil
			}

			ctx.mu.Lock()
			c.ctxSchedOut(ctx, activeAll, r.now())
			ctx.cpu.Store(-1)
			ctx.mu.Unlock()

			c.taskCtx = nil

			return nil
		})
		if err != nil {
			break
		}
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	ctx.tombstone = true
	ctx.updateTime(r.now())

	for ev := range ctx.events {
		ev.setState(ctx.time, StateExit)

		if ev.parent != nil {
			r.foldChild(ev)
		}
	}
}

// foldChild folds a clone's final values into its root and drops the
// clone. Child context lock held.
func (r *Runtime) foldChild(ev *Event) {
	root := ev.parent

	root.childCount.Add(ev.count.Load())
	root.childTimeEnabled.Add(ev.totalTimeEnabled)
	root.childTimeRunning.Add(ev.totalTimeRunning)

	root.childMu.Lock()
	root.inheritedChildren = removeEvent(root.inheritedChildren, ev)
	root.childMu.Unlock()

	if ev.buf != nil {
		ev.buf.Put()
		ev.buf = nil
	}

	ev.state = StateDead

	r.removeFromArena(ev)
}
