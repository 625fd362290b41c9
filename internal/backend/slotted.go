package backend

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/core"
)

type slotCPU struct {
	used int

	// txnAdds counts reservations made inside the open transaction,
	// released wholesale on cancel.
	txnOpen bool
	txnAdds int

	active map[uint64][]*core.Event
}

// Slotted models a hardware counting unit: a fixed number of slots
// per cpu, transactional group placement, optionally exclusive. It
// is what forces the scheduler to multiplex.
type Slotted struct {
	log   logrus.FieldLogger
	name  string
	slots int
	caps  core.Capability

	cpus []*slotCPU
}

// NewSlotted creates a slot-limited driver with slots counters per
// cpu. An exclusive driver admits only one group at a time.
func NewSlotted(log logrus.FieldLogger, name string, ncpu, slots int, exclusive bool) *Slotted {
	caps := core.CapSampling
	if exclusive {
		caps |= core.CapExclusive
	}

	s := &Slotted{
		log:   log.WithField("component", "backend/"+name),
		name:  name,
		slots: slots,
		caps:  caps,
		cpus:  make([]*slotCPU, ncpu),
	}

	for i := range s.cpus {
		s.cpus[i] = &slotCPU{active: make(map[uint64][]*core.Event)}
	}

	return s
}

func (s *Slotted) Name() string { return s.name }

func (s *Slotted) Capabilities() core.Capability { return s.caps }

func (s *Slotted) Supports(attr *core.Attr) error { return nil }

func (s *Slotted) Add(ev *core.Event, cpu int) error {
	c := s.cpus[cpu]

	if c.used >= s.slots {
		return fmt.Errorf("%w: %s has no free slot on cpu %d",
			core.ErrResourceExhausted, s.name, cpu)
	}

	c.used++

	if c.txnOpen {
		c.txnAdds++
	}

	return nil
}

func (s *Slotted) Del(ev *core.Event, cpu int) {
	c := s.cpus[cpu]
	c.used--

	if c.txnOpen && c.txnAdds > 0 {
		c.txnAdds--
	}
}

func (s *Slotted) Start(ev *core.Event) {
	c := s.cpus[ev.OnCPU()]
	cfg := ev.Attr().Config
	c.active[cfg] = append(c.active[cfg], ev)
}

func (s *Slotted) Stop(ev *core.Event) {
	c := s.cpus[ev.OnCPU()]
	cfg := ev.Attr().Config
	c.active[cfg] = dropEvent(c.active[cfg], ev)
}

func (s *Slotted) Read(ev *core.Event) {}

func (s *Slotted) BeginTxn(cpu int) {
	c := s.cpus[cpu]
	c.txnOpen = true
	c.txnAdds = 0
}

func (s *Slotted) CommitTxn(cpu int) error {
	c := s.cpus[cpu]
	c.txnOpen = false
	c.txnAdds = 0

	return nil
}

func (s *Slotted) CancelTxn(cpu int) {
	c := s.cpus[cpu]

	// The scheduler dels every member it added before cancelling, so
	// only the bookkeeping resets here.
	c.txnOpen = false
	c.txnAdds = 0
}

// Observe delivers n counted units of config on cpu to every started
// event. Called through Runtime.WithCPU.
func (s *Slotted) Observe(cpu int, config, n uint64, data *core.SampleData) {
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
