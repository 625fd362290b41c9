package backend

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/core"
)

type tpCPU struct {
	active map[uint64][]*core.Event
}

// Tracepoint counts hits on named instrumentation points. A point's
// index in the registration list is its config value; Emit at the
// point delivers the hit, with an optional raw payload, to every
// event listening on it.
type Tracepoint struct {
	log    logrus.FieldLogger
	points []string
	byName map[string]uint64

	cpus []*tpCPU
}

// NewTracepoint creates the driver with a fixed set of points.
func NewTracepoint(log logrus.FieldLogger, ncpu int, points []string) *Tracepoint {
	t := &Tracepoint{
		log:    log.WithField("component", "backend/tracepoint"),
		points: points,
		byName: make(map[string]uint64, len(points)),
		cpus:   make([]*tpCPU, ncpu),
	}

	for i, p := range points {
		t.byName[p] = uint64(i)
	}

	for i := range t.cpus {
		t.cpus[i] = &tpCPU{active: make(map[uint64][]*core.Event)}
	}

	return t
}

func (t *Tracepoint) Name() string { return "tracepoint" }

func (t *Tracepoint) Capabilities() core.Capability {
	return core.CapSoftware | core.CapSampling
}

func (t *Tracepoint) Supports(attr *core.Attr) error {
	if attr.Config >= uint64(len(t.points)) {
		return fmt.Errorf("%w: no tracepoint with id %d", core.ErrNotSupported, attr.Config)
	}

	return nil
}

func (t *Tracepoint) Add(ev *core.Event, cpu int) error { return nil }

func (t *Tracepoint) Del(ev *core.Event, cpu int) {}

func (t *Tracepoint) Start(ev *core.Event) {
	c := t.cpus[ev.OnCPU()]
	cfg := ev.Attr().Config
	c.active[cfg] = append(c.active[cfg], ev)
}

func (t *Tracepoint) Stop(ev *core.Event) {
	c := t.cpus[ev.OnCPU()]
	cfg := ev.Attr().Config
	c.active[cfg] = dropEvent(c.active[cfg], ev)
}

func (t *Tracepoint) Read(ev *core.Event) {}

// Emit delivers one hit of the named point on cpu. raw rides along
// as the sample's raw payload. Called through Runtime.WithCPU.
func (t *Tracepoint) Emit(cpu int, point string, raw []byte) {
	id, ok := t.byName[point]
	if !ok || cpu < 0 || cpu >= len(t.cpus) {
		return
	}

	for _, ev := range t.cpus[cpu].active[id] {
		ev.AddCount(1)

		if sampling(ev) && ev.ConsumePeriod(1) {
			ev.Overflow(&core.SampleData{Raw: raw})
		}
	}
}
