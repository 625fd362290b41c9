// Package backend ships the built-in measurement drivers: software
// counters that never conflict, a slot-limited counting driver that
// models a real PMU, and a tracepoint-style driver for named
// instrumentation points.
package backend

import (
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/clock"
	"github.com/ethpandaops/perfoor/internal/core"
)

// Software counter configs. Configs at or above ConfigUser are
// free-form occurrence counters driven by Observe.
const (
	// ConfigTaskClock counts nanoseconds the event is running.
	ConfigTaskClock uint64 = iota
	// ConfigCPUClock is the cpu-wide variant of the same clock.
	ConfigCPUClock
	// ConfigUser is the first host-defined occurrence counter.
	ConfigUser
)

type softCPU struct {
	// active is config -> started events, touched only on the
	// owning cpu goroutine.
	active map[uint64][]*core.Event

	// stamp carries the clock reading at the last start/read of a
	// clock-config event.
	stamp map[*core.Event]uint64
}

// Software is the always-placeable driver: its events consume no
// slot and never conflict, so groups containing only software events
// bypass placement admission entirely.
type Software struct {
	log logrus.FieldLogger
	clk clock.Clock

	cpus []*softCPU
}

// NewSoftware creates the software driver for ncpu virtual CPUs.
func NewSoftware(log logrus.FieldLogger, clk clock.Clock, ncpu int) *Software {
	s := &Software{
		log:  log.WithField("component", "backend/software"),
		clk:  clk,
		cpus: make([]*softCPU, ncpu),
	}

	for i := range s.cpus {
		s.cpus[i] = &softCPU{
			active: make(map[uint64][]*core.Event),
			stamp:  make(map[*core.Event]uint64),
		}
	}

	return s
}

func (s *Software) Name() string { return "software" }

func (s *Software) Capabilities() core.Capability {
	return core.CapSoftware | core.CapSampling
}

func (s *Software) Supports(attr *core.Attr) error { return nil }

func (s *Software) Add(ev *core.Event, cpu int) error {
	return nil
}

func (s *Software) Del(ev *core.Event, cpu int) {}

func (s *Software) Start(ev *core.Event) {
	c := s.cpus[ev.OnCPU()]
	cfg := ev.Attr().Config

	c.active[cfg] = append(c.active[cfg], ev)

	if isClock(cfg) {
		c.stamp[ev] = s.clk.Now()
	}
}

func (s *Software) Stop(ev *core.Event) {
	c := s.cpus[ev.OnCPU()]
	cfg := ev.Attr().Config

	if isClock(cfg) {
		s.settleClock(c, ev)
		delete(c.stamp, ev)
	}

	c.active[cfg] = dropEvent(c.active[cfg], ev)
}

func (s *Software) Read(ev *core.Event) {
	if !isClock(ev.Attr().Config) {
		return
	}

	cpu := ev.OnCPU()
	if cpu < 0 {
		return
	}

	s.settleClock(s.cpus[cpu], ev)
}

// settleClock folds the nanoseconds since the last stamp into the
// count, driving overflows for sampling clock events.
func (s *Software) settleClock(c *softCPU, ev *core.Event) {
	stamp, ok := c.stamp[ev]
	if !ok {
		return
	}

	now := s.clk.Now()
	delta := now - stamp
	c.stamp[ev] = now

	if delta == 0 {
		return
	}

	ev.AddCount(delta)

	if sampling(ev) && ev.ConsumePeriod(delta) {
		ev.Overflow(&core.SampleData{})
	}
}

// Observe delivers n occurrences of config on cpu. Instrumentation
// points call it through Runtime.WithCPU so it lands on the cpu's
// goroutine with its contexts locked.
func (s *Software) Observe(cpu int, config, n uint64, data *core.SampleData) {
	if cpu < 0 || cpu >= len(s.cpus) || n == 0 {
		return
	}

	for _, ev := range s.cpus[cpu].active[config] {
		ev.AddCount(n)

		if sampling(ev) && ev.ConsumePeriod(n) {
			ev.Overflow(data)
		}
	}
}

func sampling(ev *core.Event) bool {
	a := ev.Attr()
	return a.SamplePeriod > 0 || (a.Options.Freq && a.SampleFreq > 0)
}

func isClock(config uint64) bool {
	return config == ConfigTaskClock || config == ConfigCPUClock
}

func dropEvent(list []*core.Event, ev *core.Event) []*core.Event {
	for i, e := range list {
		if e == ev {
			return append(list[:i], list[i+1:]...)
		}
	}

	return list
}
