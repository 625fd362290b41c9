package core

import (
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/record"
)

const (
	// cpuTimeMaxPercent is how much of each tick interval overflow
	// handling may consume before the global rate ceiling drops.
	cpuTimeMaxPercent = 25

	// accumulatedSamples is the window of the overflow-cost running
	// average.
	accumulatedSamples = 8

	nsecPerSec = 1_000_000_000
)

// SampleData is the machine state a backend captured at the moment a
// sampling period elapsed. Every field is optional; the descriptor's
// sample format decides what ends up in the record.
type SampleData struct {
	IP       uint64
	Addr     uint64
	PhysAddr uint64
	Misc     uint16

	Callchain []uint64
	Raw       []byte
	Branches  []record.Branch
	Regs      []uint64
	Stack     []byte
	Aux       []byte
}

// Overflow reports one elapsed sampling period. Backends call it on
// the owning cpu goroutine, under the context lock, after
// ConsumePeriod returned true. It assembles and emits the sample,
// adapts frequency-driven periods, and throttles the event when it
// exceeds its per-tick interrupt budget.
func (e *Event) Overflow(data *SampleData) {
	r := e.rt
	ctx := e.ctx

	if e.state != StateActive || e.throttled || !e.isSampling() {
		return
	}

	start := r.now()
	ctx.updateTime(start)

	e.interrupts++
	throttle := e.interrupts >= r.maxPerTick.Load()

	// Between ticks, re-adapt the period from the interval since the
	// last overflow so a bursty counter converges quickly.
	if e.attr.Options.Freq && e.attr.SampleFreq > 0 {
		delta := ctx.time - e.freqTimeStamp
		e.freqTimeStamp = ctx.time

		if delta > 0 {
			e.adjustPeriod(delta, e.lastPeriod)
		}
	}

	e.writeSample(data, start)

	if throttle {
		r.throttleEvent(ctx, e)
	}

	if n := e.refresh.Load(); n > 0 {
		if e.refresh.Add(-1) == 0 {
			// Auto-disable off the hot path; a synchronous disable
			// would re-enter the scheduler under the backend call.
			r.deferDisable(e)
		}
	}

	e.accountWakeup()

	r.noteSampleCost(r.now() - start)
}

// writeSample assembles the sample record for this event's format
// and emits it. Context lock held, context time settled.
func (e *Event) writeSample(data *SampleData, now uint64) {
	if data == nil {
		data = &SampleData{}
	}

	f := e.attr.SampleFormat
	s := &record.Sample{Format: f, Misc: data.Misc}

	if f&record.SampleIdentifier != 0 {
		s.Identifier = e.sampleID()
	}

	if f&record.SampleIP != 0 {
		s.IP = data.IP
	}

	if f&record.SampleTid != 0 {
		var t *Task
		if e.ctx.kind == TaskScope {
			t = e.ctx.task
		} else if e.oncpu >= 0 {
			t = e.rt.cpus[e.oncpu].curTask
		}

		if t != nil {
			s.Pid = t.pid
			s.Tid = t.pid
		}
	}

	if f&record.SampleTime != 0 {
		s.Time = now
	}

	if f&record.SampleAddr != 0 {
		s.Addr = data.Addr
	}

	if f&record.SampleID != 0 {
		s.ID = e.sampleID()
	}

	if f&record.SampleStreamID != 0 {
		s.StreamID = e.id
	}

	if f&record.SampleCPU != 0 && e.oncpu >= 0 {
		s.CPU = uint32(e.oncpu)
	}

	if f&record.SamplePeriod != 0 {
		s.Period = e.lastPeriod
	}

	if f&record.SampleRead != 0 {
		s.Read = e.readContent()
	}

	if f&record.SampleCallchain != 0 {
		s.Callchain = truncate(data.Callchain, int(e.attr.MaxStack))
	}

	if f&record.SampleRaw != 0 {
		s.Raw = data.Raw
	}

	if f&record.SampleBranchStack != 0 {
		s.Branches = truncate(data.Branches, int(e.attr.BranchDepth))
	}

	if f&record.SampleRegs != 0 {
		s.Regs = truncate(data.Regs, int(e.attr.RegCount))
	}

	if f&record.SampleStack != 0 {
		s.StackData = truncate(data.Stack, int(e.attr.StackBytes))
	}

	if f&record.SamplePhysAddr != 0 {
		s.PhysAddr = data.PhysAddr
	}

	if f&record.SampleAux != 0 {
		s.Aux = truncate(data.Aux, int(e.attr.AuxBytes))
	}

	e.emit(s)
	e.rt.stats.sampleRecords.Add(1)
}

func truncate[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}

	return s
}

// accountWakeup counts records toward the wakeup threshold and
// signals the observer when it is crossed.
func (e *Event) accountWakeup() {
	e.pendingWakeups++

	threshold := e.attr.WakeupEvents
	if threshold == 0 {
		threshold = 1
	}

	if e.pendingWakeups < threshold {
		return
	}

	e.pendingWakeups = 0

	if e.wakeupC != nil {
		select {
		case e.wakeupC <- struct{}{}:
		default:
		}
	}
}

// throttleEvent stops a sampling event that blew through its per-tick
// interrupt budget. It stays formally active; the next tick restarts
// it and emits the matching unthrottle.
func (r *Runtime) throttleEvent(ctx *Context, ev *Event) {
	if ev.throttled {
		return
	}

	ev.throttled = true
	ctx.nrThrottled++
	ev.backend.Stop(ev)

	ev.emit(&record.Throttle{
		Time:     r.now(),
		ID:       ev.sampleID(),
		StreamID: ev.id,
	})
	r.stats.throttles.Add(1)

	r.log.WithFields(logrus.Fields{
		"event":      ev.id,
		"interrupts": ev.interrupts,
	}).Debug("Event throttled")
}

// unthrottle restarts a throttled event at tick time. Context lock
// held.
func (c *vcpu) unthrottle(ctx *Context, ev *Event) {
	ev.throttled = false
	ev.interrupts = 0
	ctx.nrThrottled--

	if ev.state == StateActive {
		ev.backend.Start(ev)
	}

	ev.emit(&record.Unthrottle{
		Time:     c.rt.now(),
		ID:       ev.sampleID(),
		StreamID: ev.id,
	})
	c.rt.stats.unthrottles.Add(1)
}

// adjustFreqUnthrottle is the tick body for one context: reset the
// per-tick interrupt counters, lift throttles, and re-derive the
// period of every frequency-driven event from what it actually
// counted since the last tick.
func (c *vcpu) adjustFreqUnthrottle(ctx *Context, now uint64) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.nrEvents == 0 {
		return
	}

	ctx.updateTime(now)

	for ev := range ctx.events {
		if ev.state != StateActive {
			continue
		}

		if ev.cpu != AnyCPU && ev.cpu != c.id {
			continue
		}

		if ev.throttled {
			c.unthrottle(ctx, ev)
		}

		ev.interrupts = 0

		if !ev.attr.Options.Freq || ev.attr.SampleFreq == 0 {
			continue
		}

		// Stop to settle the count, measure what one tick produced,
		// adapt, restart.
		ev.backend.Stop(ev)

		count := ev.count.Load()
		delta := count - ev.freqCountStamp
		ev.freqCountStamp = count

		tdelta := ctx.time - ev.freqTimeStamp
		ev.freqTimeStamp = ctx.time

		if delta > 0 && tdelta > 0 {
			ev.adjustPeriod(tdelta, delta)
		}

		ev.backend.Start(ev)
	}
}

// adjustPeriod steers samplePeriod toward the descriptor's target
// frequency given that the event counted count in nsec. A 1/8 low
// pass keeps one noisy interval from whipsawing the period.
func (e *Event) adjustPeriod(nsec, count uint64) {
	period := calculatePeriod(e.attr.SampleFreq, nsec, count)

	delta := (int64(period) - int64(e.samplePeriod) + 7) / 8

	sp := int64(e.samplePeriod) + delta
	if sp <= 0 {
		sp = 1
	}

	e.samplePeriod = uint64(sp)

	// A big period drop leaves periodLeft pointing far past the new
	// horizon; snap it so the new rate takes effect now.
	if e.periodLeft > 8*sp {
		e.periodLeft = 0
	}
}

// calculatePeriod returns count/nsec scaled to one period of the
// target frequency:
//
//	period = count * 10^9 / (nsec * freq)
//
// The products can overflow 64 bits, so both operand pairs are
// down-shifted together until they fit, keeping the quotient's
// magnitude intact.
func calculatePeriod(freq, nsec, count uint64) uint64 {
	sec := uint64(nsecPerSec)

	countFls := bits.Len64(count)
	nsecFls := bits.Len64(nsec)
	freqFls := bits.Len64(freq)
	secFls := bits.Len64(sec)

	reduce := func(a *uint64, af *int, b *uint64, bf *int) {
		if *af > *bf {
			*a >>= 1
			*af--
		} else {
			*b >>= 1
			*bf--
		}
	}

	for countFls+secFls > 64 && nsecFls+freqFls > 64 {
		reduce(&nsec, &nsecFls, &freq, &freqFls)
		reduce(&sec, &secFls, &count, &countFls)
	}

	var dividend, divisor uint64

	if countFls+secFls > 64 {
		divisor = nsec * freq

		for countFls+secFls > 64 {
			reduce(&sec, &secFls, &count, &countFls)
			divisor >>= 1
		}

		dividend = count * sec
	} else {
		dividend = count * sec

		for nsecFls+freqFls > 64 {
			reduce(&nsec, &nsecFls, &freq, &freqFls)
			dividend >>= 1
		}

		divisor = nsec * freq
	}

	if divisor == 0 {
		return dividend
	}

	return dividend / divisor
}

// initSampleGuard derives the per-sample time allowance from the
// configured ceiling.
func (r *Runtime) initSampleGuard() {
	rate := r.maxSampleRate.Load()
	if rate == 0 {
		return
	}

	periodNS := uint64(nsecPerSec) / rate
	r.sampleAllowedNS.Store(periodNS * cpuTimeMaxPercent / 100)
}

// noteSampleCost feeds one overflow handler's wall time into the
// running average and lowers the global sampling-rate ceiling when
// handling eats more cpu than allowed. The reduction is permanent
// until reconfiguration; a rate-limited warning names the new rate.
func (r *Runtime) noteSampleCost(lenNS uint64) {
	allowed := r.sampleAllowedNS.Load()
	if allowed == 0 {
		return
	}

	run := r.sampleRunningAvg.Load()
	run = run - run/accumulatedSamples + lenNS
	r.sampleRunningAvg.Store(run)

	avg := run / accumulatedSamples
	if avg <= allowed {
		return
	}

	// Aim below the limit with headroom, so the rate does not
	// oscillate around it.
	avg += avg / 4

	tickNS := uint64(nsecPerSec) / r.cfg.TicksPerSecond

	perTick := tickNS / 100 * cpuTimeMaxPercent / avg
	if perTick < 1 {
		perTick = 1
	}

	newRate := perTick * r.cfg.TicksPerSecond
	if newRate >= r.maxSampleRate.Load() {
		return
	}

	r.maxSampleRate.Store(newRate)
	r.maxPerTick.Store(perTick)

	periodNS := uint64(nsecPerSec) / newRate
	r.sampleAllowedNS.Store(periodNS * cpuTimeMaxPercent / 100)

	r.stats.rateReductions.Add(1)

	now := int64(r.now())

	last := r.lastRateWarning.Load()
	if now-last > nsecPerSec && r.lastRateWarning.CompareAndSwap(last, now) {
		r.log.WithFields(logrus.Fields{
			"avg_sample_ns":   avg,
			"allowed_ns":      allowed,
			"max_sample_rate": newRate,
		}).Warn("Overflow handling too expensive, lowering sample rate ceiling")
	}
}

// deferDisable queues an asynchronous disable, used when the trigger
// sits inside a backend callback that already holds scheduler state.
// The queued work runs on a vcpu goroutine, which cannot issue a
// synchronous call to itself; the local case runs inline instead.
func (r *Runtime) deferDisable(ev *Event) {
	ctx := ev.ctx

	cpuID := ctx.currentCPU()
	if cpuID < 0 {
		cpuID = 0
	}

	c := r.cpus[cpuID]

	c.enqueue(func() {
		if ctx.currentCPU() == c.id && (ctx == c.ctx || ctx == c.taskCtx) {
			c.lockContexts()
			defer c.unlockContexts()

			r.disableLocked(c, ctx, ev)

			return
		}

		ctx.mu.Lock()

		if ctx.currentCPU() >= 0 {
			ctx.mu.Unlock()

			// Scheduled in elsewhere meanwhile; chase it. Queueing
			// again keeps vcpu goroutines from blocking on each other.
			r.deferDisable(ev)

			return
		}

		r.disableLocked(nil, ctx, ev)
		ctx.mu.Unlock()
	})
}
