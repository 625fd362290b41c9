package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/backend"
	"github.com/ethpandaops/perfoor/internal/clock"
	"github.com/ethpandaops/perfoor/internal/core"
	"github.com/ethpandaops/perfoor/internal/export"
	"github.com/ethpandaops/perfoor/internal/record"
	"github.com/ethpandaops/perfoor/internal/ring"
	"github.com/ethpandaops/perfoor/internal/sink"
)

// Agent is the top-level orchestrator for perfoor.
type Agent interface {
	// Start initializes all components and begins monitoring.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully.
	Stop() error
}

// workloadBasePid is the pid of the first synthetic task.
const workloadBasePid = 1000

// openEvent is one configured event instance plus its drain state.
type openEvent struct {
	name    string
	scope   string
	backend string
	cpu     int
	pid     uint32
	handle  *core.Handle
	reader  *ring.Reader
}

type agent struct {
	log     logrus.FieldLogger
	cfg     *Config
	health  *export.HealthMetrics
	runtime *core.Runtime
	sinks   []sink.Sink

	software   *backend.Software
	tracepoint *backend.Tracepoint

	events []*openEvent

	// observers emits synthetic backend activity on the given CPU;
	// built from the configured events at open time.
	observers []func(cpu int)

	// Workload scheduler state, touched only by the workload
	// goroutine after Start.
	tasks    []*core.Task
	onCPU    []*core.Task
	child    *core.Task
	nextTask int
	nextPid  uint32
	rounds   uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Agent.
func New(log logrus.FieldLogger, cfg *Config) (Agent, error) {
	health := export.NewHealthMetrics(log, cfg.Health)

	a := &agent{
		log:     log.WithField("component", "agent"),
		cfg:     cfg,
		health:  health,
		sinks:   make([]sink.Sink, 0, 2),
		nextPid: workloadBasePid + uint32(cfg.Workload.Tasks),
	}

	// Configure enabled sinks.
	if cfg.Sinks.Archive.Enabled {
		s, err := sink.NewArchiveSink(log, cfg.Sinks.Archive, health)
		if err != nil {
			return nil, fmt.Errorf("creating archive sink: %w", err)
		}

		a.sinks = append(a.sinks, s)
	}

	if cfg.Sinks.Counters.Enabled {
		s, err := sink.NewCountersSink(log, cfg.Sinks.Counters, health)
		if err != nil {
			return nil, fmt.Errorf("creating counters sink: %w", err)
		}

		a.sinks = append(a.sinks, s)
	}

	return a, nil
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Start health metrics server.
	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	a.log.Info("Health metrics server started")

	// 2. Build the backend registry. The runtime and the software
	// backend share one clock so enabled time and clock counters
	// agree.
	clk := clock.Monotonic()

	registry, err := a.buildRegistry(clk)
	if err != nil {
		return fmt.Errorf("building backend registry: %w", err)
	}

	// 3. Create and start the runtime.
	a.runtime, err = core.New(
		a.log, a.cfg.Runtime, registry, core.WithClock(clk),
	)
	if err != nil {
		return fmt.Errorf("creating runtime: %w", err)
	}

	if err := a.runtime.Start(); err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}

	a.log.WithField("cpus", a.runtime.NumCPU()).
		Info("Runtime started")

	// 4. Register the workload tasks.
	if err := a.registerTasks(); err != nil {
		return fmt.Errorf("registering workload tasks: %w", err)
	}

	a.health.TasksTracked.Set(float64(len(a.tasks)))

	// 5. Open the configured events.
	if err := a.openEvents(); err != nil {
		return fmt.Errorf("opening events: %w", err)
	}

	a.log.WithField("count", len(a.events)).Info("Events opened")

	// 6. Start all enabled sinks.
	for _, s := range a.sinks {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("starting sink %s: %w", s.Name(), err)
		}

		a.log.WithField("sink", s.Name()).Info("Sink started")
	}

	// 7. Start the workload scheduler.
	a.wg.Add(1)

	go a.runWorkload(ctx)

	// 8. Start the snapshot and stats poller.
	a.wg.Add(1)

	go a.runPoller(ctx)

	// 9. Start the ring-buffer drainer.
	a.wg.Add(1)

	go a.runDrainer(ctx)

	a.log.Info("Agent fully started")

	return nil
}

func (a *agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()

	// Stop in reverse order: close events, then the runtime, then
	// flush sinks.
	for _, ev := range a.events {
		if err := ev.handle.Close(); err != nil {
			a.log.WithError(err).WithField("event", ev.name).
				Error("Error closing event")
		}
	}

	if a.runtime != nil {
		if err := a.runtime.Stop(); err != nil {
			a.log.WithError(err).Error("Error stopping runtime")
		}
	}

	for _, s := range a.sinks {
		if err := s.Stop(); err != nil {
			a.log.WithError(err).WithField("sink", s.Name()).
				Error("Error stopping sink")
		}
	}

	if a.health != nil {
		a.health.Stop()
	}

	return nil
}

// buildRegistry registers the software backend, the configured
// slotted backends and, when points are declared, the tracepoint
// backend.
func (a *agent) buildRegistry(clk clock.Clock) (*core.Registry, error) {
	ncpu := a.cfg.Runtime.CPUs
	if ncpu <= 0 {
		ncpu = 1
	}

	registry := core.NewRegistry()

	a.software = backend.NewSoftware(a.log, clk, ncpu)
	if err := registry.Register(a.software); err != nil {
		return nil, err
	}

	for _, sl := range a.cfg.Backends.Slotted {
		b := backend.NewSlotted(a.log, sl.Name, ncpu, sl.Slots, sl.Exclusive)
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	if len(a.cfg.Backends.Tracepoints) > 0 {
		a.tracepoint = backend.NewTracepoint(
			a.log, ncpu, a.cfg.Backends.Tracepoints,
		)
		if err := registry.Register(a.tracepoint); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func (a *agent) registerTasks() error {
	a.tasks = make([]*core.Task, 0, a.cfg.Workload.Tasks)

	for i := 0; i < a.cfg.Workload.Tasks; i++ {
		pid := workloadBasePid + uint32(i)

		task, err := a.runtime.RegisterTask(
			pid, fmt.Sprintf("task-%d", pid), nil,
		)
		if err != nil {
			return err
		}

		a.tasks = append(a.tasks, task)
	}

	a.onCPU = make([]*core.Task, a.runtime.NumCPU())

	return nil
}

// openEvents opens every configured event. A cpu-scoped event with
// CPU -1 becomes one instance per virtual CPU; task-scoped events
// attach to the first workload task, with inheritance covering forked
// children when configured.
func (a *agent) openEvents() error {
	leaders := make(map[string]*core.Handle, len(a.cfg.Events))

	for i := range a.cfg.Events {
		cfg := &a.cfg.Events[i]

		var group *core.Handle

		if cfg.Group != "" {
			group = leaders[cfg.Group]
			if group == nil {
				return fmt.Errorf(
					"event %q: leader %q not open", cfg.Name, cfg.Group,
				)
			}
		}

		targets, pids := a.resolveTargets(cfg)

		for j, target := range targets {
			handle, err := a.runtime.Open(cfg.Attr, target, group, 0)
			if err != nil {
				return fmt.Errorf("opening event %q: %w", cfg.Name, err)
			}

			ev := &openEvent{
				name:    cfg.Name,
				scope:   cfg.Scope,
				backend: cfg.Attr.Backend,
				cpu:     target.CPU,
				pid:     pids[j],
				handle:  handle,
			}

			if cfg.BufferBytes > 0 {
				if err := a.attachBuffer(ev, cfg); err != nil {
					handle.Close()

					return err
				}
			}

			a.events = append(a.events, ev)

			// Grouping across per-CPU instances is rejected by
			// Validate, so a leader has exactly one instance.
			if cfg.Group == "" && j == 0 {
				leaders[cfg.Name] = handle
			}
		}

		a.addObserver(cfg)
	}

	return nil
}

func (a *agent) resolveTargets(cfg *EventConfig) ([]core.Target, []uint32) {
	if cfg.Scope == "task" {
		root := a.tasks[0]

		return []core.Target{{Task: root, CPU: core.AnyCPU}},
			[]uint32{root.PID()}
	}

	if cfg.CPU >= 0 {
		return []core.Target{{CPU: cfg.CPU}}, []uint32{0}
	}

	targets := make([]core.Target, a.runtime.NumCPU())
	pids := make([]uint32, a.runtime.NumCPU())

	for cpu := range targets {
		targets[cpu] = core.Target{CPU: cpu}
	}

	return targets, pids
}

func (a *agent) attachBuffer(ev *openEvent, cfg *EventConfig) error {
	buf, err := ev.handle.CreateBuffer(cfg.BufferBytes)
	if err != nil {
		return fmt.Errorf("creating buffer for %q: %w", cfg.Name, err)
	}

	// Backward buffers are snapshotted, not drained.
	if cfg.Attr.Options.WriteBackward {
		return nil
	}

	reader, err := ring.NewReader(buf, &record.Decoder{
		SampleFormat: cfg.Attr.SampleFormat,
		ReadFormat:   cfg.Attr.ReadFormat,
	})
	if err != nil {
		return fmt.Errorf("creating reader for %q: %w", cfg.Name, err)
	}

	ev.reader = reader

	return nil
}

// addObserver wires synthetic activity for events whose backends
// count occurrences rather than time: software occurrence configs,
// slotted counters and tracepoint hits.
func (a *agent) addObserver(cfg *EventConfig) {
	attr := cfg.Attr

	switch {
	case attr.Backend == "software" && attr.Config >= backend.ConfigUser:
		config := attr.Config
		a.observers = append(a.observers, func(cpu int) {
			a.software.Observe(cpu, config, 1, nil)
		})
	case attr.Backend == "tracepoint" && a.tracepoint != nil:
		if int(attr.Config) < len(a.cfg.Backends.Tracepoints) {
			point := a.cfg.Backends.Tracepoints[attr.Config]
			a.observers = append(a.observers, func(cpu int) {
				a.tracepoint.Emit(cpu, point, nil)
			})
		}
	}
}

// runWorkload rotates the synthetic tasks across the virtual CPUs
// and emits backend activity, giving the scheduler real placement,
// rotation and inheritance work to do.
func (a *agent) runWorkload(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Workload.SwitchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.parkTasks()

			return
		case <-ticker.C:
			a.workloadTick()
		}
	}
}

func (a *agent) workloadTick() {
	ncpu := a.runtime.NumCPU()

	// Park everything first so the placement below can permute tasks
	// freely without ever installing one context on two CPUs.
	a.parkTasks()

	for cpu := 0; cpu < ncpu; cpu++ {
		next := a.tasks[a.nextTask%len(a.tasks)]
		a.nextTask++

		if err := a.runtime.TaskSwitch(cpu, nil, next); err != nil {
			a.log.WithError(err).WithField("cpu", cpu).
				Debug("Task switch failed")

			continue
		}

		a.onCPU[cpu] = next
		a.health.WorkloadSwitches.Inc()
	}

	// Synthetic occurrences land on cpu 0 under its context locks.
	if len(a.observers) > 0 {
		err := a.runtime.WithCPU(0, func() {
			for _, fn := range a.observers {
				fn(0)
			}
		})
		if err != nil {
			a.log.WithError(err).Debug("Observer dispatch failed")
		}
	}

	a.rounds++

	if a.cfg.Workload.ForkEvery > 0 &&
		a.rounds%uint64(a.cfg.Workload.ForkEvery) == 0 {
		a.forkCycle()
	}
}

// forkCycle alternates between forking a child from the first task
// and, once the rotation has displaced it, exiting it. Inherited
// events follow the child and fold their counts back on exit.
func (a *agent) forkCycle() {
	if a.child == nil {
		pid := a.nextPid
		a.nextPid++

		child, err := a.runtime.ForkTask(
			a.tasks[0], pid, fmt.Sprintf("task-%d", pid),
		)
		if err != nil {
			a.log.WithError(err).Debug("Fork failed")

			return
		}

		if err := a.runtime.TaskSwitch(0, a.onCPU[0], child); err == nil {
			a.onCPU[0] = child
		}

		a.child = child
		a.health.WorkloadForks.Inc()

		return
	}

	// The round-robin never re-selects the child, so after one full
	// tick it is off-cpu everywhere and safe to exit.
	for _, t := range a.onCPU {
		if t == a.child {
			return
		}
	}

	if err := a.runtime.ExitTask(a.child); err != nil {
		a.log.WithError(err).Debug("Exit failed")
	} else {
		a.health.WorkloadExits.Inc()
	}

	a.child = nil
}

// parkTasks switches every task off-cpu so time accounting settles
// before the runtime stops.
func (a *agent) parkTasks() {
	for cpu, t := range a.onCPU {
		if t == nil {
			continue
		}

		if err := a.runtime.TaskSwitch(cpu, t, nil); err == nil {
			a.onCPU[cpu] = nil
		}
	}
}

// runPoller periodically reads every open counter into snapshots for
// the sinks and mirrors runtime stats into the health metrics.
func (a *agent) runPoller(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce()
		}
	}
}

func (a *agent) pollOnce() {
	a.health.ObserveRuntime(a.runtime.Stats())
	a.health.MaxSampleRate.Set(float64(a.runtime.MaxSampleRate()))

	now := time.Now()

	for _, ev := range a.events {
		rc, err := ev.handle.Read()
		if err != nil {
			a.log.WithError(err).WithField("event", ev.name).
				Debug("Counter read failed")

			continue
		}

		if len(rc.Values) == 0 {
			continue
		}

		snap := sink.CounterSnapshot{
			Time:        now,
			EventName:   ev.name,
			EventID:     ev.handle.ID(),
			Backend:     ev.backend,
			Scope:       ev.scope,
			CPU:         ev.cpu,
			PID:         ev.pid,
			Value:       rc.Values[0].Value,
			TimeEnabled: rc.TimeEnabled,
			TimeRunning: rc.TimeRunning,
		}

		for _, s := range a.sinks {
			s.HandleSnapshot(snap)
		}
	}
}

// runDrainer periodically drains every event ring buffer and fans
// the records out to the sinks.
func (a *agent) runDrainer(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One final drain so shutdown does not strand records.
			a.drainOnce()

			return
		case <-ticker.C:
			a.drainOnce()
		}
	}
}

func (a *agent) drainOnce() {
	start := time.Now()

	for _, ev := range a.events {
		if ev.reader == nil {
			continue
		}

		recs, err := ev.reader.Drain()
		if err != nil {
			a.log.WithError(err).WithField("event", ev.name).
				Warn("Buffer drain failed")

			continue
		}

		lost := ev.handle.Buffer().TakeLost()

		if len(recs) == 0 && lost == 0 {
			continue
		}

		a.health.RecordsDrained.WithLabelValues(ev.name).
			Add(float64(len(recs)))

		for _, rec := range recs {
			a.health.RecordsByType.
				WithLabelValues(rec.Kind().String()).Inc()
		}

		if lost > 0 {
			a.health.RecordsLost.WithLabelValues(ev.name).
				Add(float64(lost))
		}

		batch := sink.RecordBatch{
			EventName: ev.name,
			EventID:   ev.handle.ID(),
			CPU:       ev.cpu,
			Lost:      lost,
			Records:   recs,
		}

		for _, s := range a.sinks {
			s.HandleRecords(batch)
		}
	}

	a.health.DrainDuration.Observe(time.Since(start).Seconds())
}
