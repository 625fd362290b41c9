package core

// rotationCandidate picks the group a flagged backend context should
// send to the back of the queue: preferably one that is running now,
// so the ones starved behind it get its slot, otherwise the oldest
// group visible on this cpu. Clears the rotation flags it consumed.
func (c *vcpu) rotationCandidate(ctx *Context) *Event {
	var pick *Event

	for _, bc := range ctx.backendCtxs {
		if !bc.rotateNecessary {
			continue
		}

		bc.rotateNecessary = false

		if pick != nil {
			continue
		}

		if len(bc.flexibleActive) > 0 {
			pick = bc.flexibleActive[0]
			continue
		}

		if ev := ctx.flexible.firstForCPU(AnyCPU, bc.backendID); ev != nil {
			pick = ev
			continue
		}

		pick = ctx.flexible.firstForCPU(c.id, bc.backendID)
	}

	return pick
}

// rotateGroup moves a leader to the back of its bucket by re-keying
// with a fresh sequence number. Deliberately bypasses attach/detach:
// rotation is not a mutation for clone-equivalence purposes.
func (c *vcpu) rotateGroup(ctx *Context, leader *Event) {
	if !leader.node.onTree() {
		return
	}

	tree := ctx.treeFor(leader)
	tree.remove(leader)

	leader.node.key = groupKey{
		cpu:     leader.cpu,
		backend: leader.backendID,
		scope:   leader.attr.ScopeID,
		seq:     ctx.nextSeq(),
	}

	tree.insert(leader)
}

// rotate is the multiplexing step of the tick: when placement left
// flexible groups behind, take the flexible trees off, move one
// group per side to the back, and re-place. Task side rotates before
// cpu side; placement afterwards still runs cpu-first, so pinned
// guarantees and priority order hold.
func (c *vcpu) rotate() {
	c.lockContexts()
	defer c.unlockContexts()

	cpuEv := c.rotationCandidate(c.ctx)

	var taskEv *Event
	if c.taskCtx != nil {
		taskEv = c.rotationCandidate(c.taskCtx)
	}

	if cpuEv == nil && taskEv == nil {
		return
	}

	now := c.rt.now()

	if c.taskCtx != nil {
		c.ctxSchedOut(c.taskCtx, activeFlexible, now)
	}

	c.ctxSchedOut(c.ctx, activeFlexible, now)

	if taskEv != nil {
		c.rotateGroup(c.taskCtx, taskEv)
	}

	if cpuEv != nil {
		c.rotateGroup(c.ctx, cpuEv)
	}

	c.ctxSchedIn(c.ctx, activeFlexible, now)

	if c.taskCtx != nil {
		c.ctxSchedIn(c.taskCtx, activeFlexible, now)
	}

	c.rt.stats.rotations.Add(1)
}
