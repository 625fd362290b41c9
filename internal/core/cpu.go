package core

import (
	"fmt"
	"time"
)

// vcpu is one virtual CPU: a goroutine that executes scheduling
// mutations for the contexts it owns, serially, the way interrupt-
// disabled sections serialize them on real hardware. It also hosts
// the per-CPU multiplexing timer.
type vcpu struct {
	id int
	rt *Runtime

	// ctx is the permanent per-CPU context.
	ctx *Context

	// calls carries synchronous cross-processor invocations.
	calls chan *cpuCall

	// deferred carries work queued from places where a synchronous
	// remote call is unsafe; drained before each call and each tick.
	deferred chan func()

	// curTask and taskCtx are only touched on the vcpu goroutine.
	curTask *Task
	taskCtx *Context

	// backendState holds per-backend placement bookkeeping for this
	// cpu, spanning both of its contexts. Only touched on the vcpu
	// goroutine or with its contexts locked.
	backendState map[Backend]*cpuBackendState
}

type cpuCall struct {
	fn   func() error
	done chan error
}

func newVCPU(rt *Runtime, id int) *vcpu {
	c := &vcpu{
		id:           id,
		rt:           rt,
		calls:        make(chan *cpuCall),
		deferred:     make(chan func(), 256),
		backendState: make(map[Backend]*cpuBackendState),
	}

	c.ctx = newContext(CPUScope, nil, id, rt.nextCtxID.Add(1))
	// A CPU's own context is always scheduled in on that CPU.
	c.ctx.cpu.Store(int64(id))

	return c
}

// run is the vcpu goroutine: remote calls, deferred work and timer
// ticks, strictly serialized.
func (c *vcpu) run() {
	defer c.rt.wg.Done()

	var tick <-chan time.Time

	if c.rt.cfg.TickInterval > 0 {
		t := time.NewTicker(c.rt.cfg.TickInterval)
		defer t.Stop()

		tick = t.C
	}

	// The cpu context starts accounting time as soon as the cpu
	// exists.
	c.ctx.mu.Lock()
	c.ctx.startTime(c.rt.now())
	c.ctx.mu.Unlock()

	for {
		select {
		case <-c.rt.done:
			return
		case call := <-c.calls:
			c.drainDeferred()
			call.done <- call.fn()
		case fn := <-c.deferred:
			fn()
		case <-tick:
			c.drainDeferred()
			c.tick()
		}
	}
}

func (c *vcpu) drainDeferred() {
	for {
		select {
		case fn := <-c.deferred:
			fn()
		default:
			return
		}
	}
}

// call runs fn on the vcpu goroutine and waits for it. The runtime
// must be running; fn errors pass through.
func (c *vcpu) call(fn func() error) error {
	c.rt.stats.remoteCalls.Add(1)

	call := &cpuCall{fn: fn, done: make(chan error, 1)}

	select {
	case c.calls <- call:
		return <-call.done
	case <-c.rt.done:
		return fmt.Errorf("%w: runtime stopped", ErrClosed)
	}
}

// enqueue queues fn to run on the vcpu goroutine without waiting.
// Used where an immediate synchronous call could deadlock, e.g. from
// an overflow handler on another cpu.
func (c *vcpu) enqueue(fn func()) {
	select {
	case c.deferred <- fn:
	case <-c.rt.done:
	}
}

// Tick drives one multiplexing-timer tick on the given cpu, for
// hosts and tests that own the timer themselves.
func (r *Runtime) Tick(cpuID int) error {
	if cpuID < 0 || cpuID >= len(r.cpus) {
		return fmt.Errorf("%w: cpu %d", ErrNoSuchTarget, cpuID)
	}

	return r.cpus[cpuID].call(func() error {
		r.cpus[cpuID].tick()
		return nil
	})
}

// WithCPU runs fn on the cpu's goroutine with both of its contexts
// locked. Instrumentation points use it to deliver backend counts
// into whatever is scheduled there right now.
func (r *Runtime) WithCPU(cpuID int, fn func()) error {
	if cpuID < 0 || cpuID >= len(r.cpus) {
		return fmt.Errorf("%w: cpu %d", ErrNoSuchTarget, cpuID)
	}

	c := r.cpus[cpuID]

	return c.call(func() error {
		c.lockContexts()
		defer c.unlockContexts()

		fn()

		return nil
	})
}

// tick is the per-CPU timer body: unthrottle, frequency adaption,
// then rotation of oversubscribed flexible groups. Runs on the vcpu
// goroutine.
func (c *vcpu) tick() {
	now := c.rt.now()

	if c.taskCtx != nil {
		c.adjustFreqUnthrottle(c.taskCtx, now)
	}

	c.adjustFreqUnthrottle(c.ctx, now)

	c.rotate()
}

// lockContexts locks the cpu context and the installed task context,
// always in that order; only the owning vcpu goroutine ever holds
// both.
func (c *vcpu) lockContexts() {
	c.ctx.mu.Lock()

	if c.taskCtx != nil {
		c.taskCtx.mu.Lock()
	}
}

func (c *vcpu) unlockContexts() {
	if c.taskCtx != nil {
		c.taskCtx.mu.Unlock()
	}

	c.ctx.mu.Unlock()
}

// eventFunction runs fn against ev's context with the context lock
// held, on the CPU currently owning the context (cpu context locked
// too, so fn may reschedule). Retries under concurrent migration;
// falls back to locking directly once the context is not running
// anywhere, which is safe because a non-running task cannot
// concurrently be scheduled in. fn receives a nil vcpu on the
// fallback path.
func (r *Runtime) eventFunction(ev *Event, fn func(c *vcpu, ctx *Context)) error {
	ctx := ev.ctx

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			r.stats.remoteRetries.Add(1)
		}

		cpuID := ctx.currentCPU()

		if cpuID >= 0 && r.running.Load() {
			c := r.cpus[cpuID]

			err := c.call(func() error {
				c.lockContexts()
				defer c.unlockContexts()

				// Revalidate on arrival: the context may have been
				// scheduled out or migrated while the call was in
				// flight.
				if ctx.currentCPU() != cpuID || (ctx != c.ctx && ctx != c.taskCtx) {
					return errRetry
				}

				fn(c, ctx)

				return nil
			})

			if err == errRetry {
				continue
			}

			return err
		}

		// Not running anywhere: take the lock directly, then make
		// sure it did not get scheduled in while we acquired it.
		ctx.mu.Lock()

		if ctx.currentCPU() >= 0 && r.running.Load() {
			ctx.mu.Unlock()
			continue
		}

		fn(nil, ctx)
		ctx.mu.Unlock()

		return nil
	}
}
