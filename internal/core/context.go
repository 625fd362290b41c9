package core

import (
	"sync"
	"sync/atomic"
)

// activeMask tracks which parts of a context are currently scheduled.
type activeMask uint32

const (
	activePinned activeMask = 1 << iota
	activeFlexible
	activeTime

	activeAll = activePinned | activeFlexible
)

// ScopeKind says what a context's events are bound to.
type ScopeKind int

const (
	// TaskScope contexts follow one task across CPUs.
	TaskScope ScopeKind = iota
	// CPUScope contexts are permanently bound to one CPU.
	CPUScope
)

// Context owns either one task's events or one CPU's events. All
// mutation happens under mu; the owning CPU is published atomically
// so cross-processor invocation can find it without the lock.
type Context struct {
	// id orders lock acquisition when two contexts are held at once.
	id uint64

	mu   sync.Mutex
	kind ScopeKind

	// task owns this context for TaskScope; boundCPU is the home CPU
	// for CPUScope.
	task     *Task
	boundCPU int

	// cpu is the CPU currently running this context, -1 when the
	// context is scheduled out.
	cpu atomic.Int64

	pinned   *groupTree
	flexible *groupTree
	// seq feeds group-tree insertion sequence numbers for both trees.
	seq uint64

	// events is every event owned by the context, leaders and
	// siblings alike.
	events map[*Event]struct{}

	nrEvents    int
	nrSampling  int
	nrFreq      int
	nrThrottled int
	// nrNoSwitch counts events that disqualify the context-swap fast
	// path (per-task-isolated handling, e.g. sigtrap delivery).
	nrNoSwitch int

	// generation advances on every tree mutation; clone lineage uses
	// it to decide context equivalence.
	generation uint64
	parentCtx  *Context
	parentGen  uint64

	// time advances only while the context is scheduled in
	// (activeTime set); timestamp is the clock reading it was last
	// advanced at.
	isActive  activeMask
	time      uint64
	timestamp uint64

	// pinCount blocks the context-swap optimization while an
	// operation depends on this exact context staying put.
	pinCount int

	backendCtxs map[Backend]*BackendContext

	refs      atomic.Int64
	tombstone bool
}

// BackendContext is the per-(backend, context) binding holding the
// active-event lists rotation works from.
type BackendContext struct {
	backend   Backend
	backendID uint32

	pinnedActive   []*Event
	flexibleActive []*Event

	nrActive int
	// rotateNecessary is raised when a flexible group failed to
	// place; the multiplexing timer checks and clears it.
	rotateNecessary bool

	// exclusiveOn marks an exclusive-backend placement in force.
	exclusiveOn bool
}

func newContext(kind ScopeKind, task *Task, boundCPU int, id uint64) *Context {
	ctx := &Context{
		id:          id,
		kind:        kind,
		task:        task,
		boundCPU:    boundCPU,
		pinned:      newGroupTree(id),
		flexible:    newGroupTree(id + 1),
		events:      make(map[*Event]struct{}),
		backendCtxs: make(map[Backend]*BackendContext),
	}
	ctx.cpu.Store(-1)
	ctx.refs.Store(1)

	return ctx
}

// currentCPU returns the CPU the context runs on, -1 if none.
func (c *Context) currentCPU() int {
	return int(c.cpu.Load())
}

// get takes a context reference.
func (c *Context) get() *Context {
	c.refs.Add(1)
	return c
}

// put drops one and reports whether the context is gone.
func (c *Context) put() bool {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("core: context refcount underflow")
	}

	return n == 0
}

// backendCtx returns (creating on demand) the per-backend binding.
func (c *Context) backendCtx(ev *Event) *BackendContext {
	bc, ok := c.backendCtxs[ev.backend]
	if !ok {
		bc = &BackendContext{backend: ev.backend, backendID: ev.backendID}
		c.backendCtxs[ev.backend] = bc
	}

	return bc
}

// updateTime advances the context clock. Only meaningful while the
// context is scheduled in; callers pass the current clock reading.
func (c *Context) updateTime(now uint64) {
	if c.isActive&activeTime != 0 {
		c.time += now - c.timestamp
	}

	c.timestamp = now
}

// startTime begins advancing the context clock from now.
func (c *Context) startTime(now uint64) {
	c.timestamp = now
	c.isActive |= activeTime
}

// stopTime settles and freezes the context clock.
func (c *Context) stopTime(now uint64) {
	c.updateTime(now)
	c.isActive &^= activeTime
}

// nextSeq returns a fresh insertion sequence number.
func (c *Context) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// treeFor returns the tree a leader belongs in by its pinned flag.
func (c *Context) treeFor(ev *Event) *groupTree {
	if ev.attr.Options.Pinned {
		return c.pinned
	}

	return c.flexible
}

// addToTree keys and inserts a group leader. Context lock held.
func (c *Context) addToTree(ev *Event) {
	ev.node.key = groupKey{
		cpu:     ev.cpu,
		backend: ev.backendID,
		scope:   ev.attr.ScopeID,
		seq:     c.nextSeq(),
	}

	c.treeFor(ev).insert(ev)
	c.generation++
}

// removeFromTree unlinks a group leader.
func (c *Context) removeFromTree(ev *Event) {
	if !ev.node.onTree() {
		return
	}

	c.treeFor(ev).remove(ev)
	c.generation++
}

// unclone severs the clone lineage: a modified context is no longer
// equivalent to the one it was cloned from.
func (c *Context) unclone() {
	c.parentCtx = nil
	c.parentGen = 0
}

// attach links an event (leader or sibling) into the context's
// bookkeeping. Leaders also enter a tree.
func (c *Context) attach(ev *Event) {
	c.unclone()
	c.events[ev] = struct{}{}
	c.nrEvents++

	if ev.isSampling() {
		c.nrSampling++
	}

	if ev.attr.Options.Freq {
		c.nrFreq++
	}

	if ev.attr.Options.Sigtrap {
		c.nrNoSwitch++
	}

	if ev.isGroupLeader() {
		c.addToTree(ev)
	}
}

// detach undoes attach.
func (c *Context) detach(ev *Event) {
	c.unclone()
	delete(c.events, ev)
	c.nrEvents--

	if ev.isSampling() {
		c.nrSampling--
	}

	if ev.attr.Options.Freq {
		c.nrFreq--
	}

	if ev.attr.Options.Sigtrap {
		c.nrNoSwitch--
	}

	if ev.isGroupLeader() {
		c.removeFromTree(ev)
	}
}

// equivalent reports whether two contexts may swap task ownership
// instead of a full reschedule: same clone lineage at the same
// generation, nothing pinned, and no event needing per-task-isolated
// handling. Callers hold both locks.
func (c *Context) equivalent(o *Context) bool {
	if c.pinCount != 0 || o.pinCount != 0 {
		return false
	}

	if c.nrNoSwitch != 0 || o.nrNoSwitch != 0 {
		return false
	}

	// Cloned one from the other, unmodified since.
	if c.parentCtx == o && c.parentGen == o.generation {
		return true
	}

	if o.parentCtx == c && o.parentGen == c.generation {
		return true
	}

	// Siblings: cloned from the same parent, both unmodified.
	return c.parentCtx != nil && c.parentCtx == o.parentCtx &&
		c.parentGen == o.parentGen
}
