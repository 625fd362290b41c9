package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/clock"
	"github.com/ethpandaops/perfoor/internal/record"
)

// PermissionFunc is the pluggable permission-check predicate consulted
// on every open. Returning an error (wrapping ErrPermissionDenied)
// rejects the request.
type PermissionFunc func(attr *Attr, target Target) error

// Config configures a Runtime.
type Config struct {
	// CPUs is the number of virtual CPUs. Defaults to 1.
	CPUs int `yaml:"cpus"`

	// TickInterval is the per-CPU multiplexing timer period. Zero
	// disables the timer; ticks then only happen via Tick, which is
	// what deterministic tests use. Defaults to 4ms when the runtime
	// is started through the agent.
	TickInterval time.Duration `yaml:"tick_interval"`

	// MaxSampleRate is the ceiling on requested sample frequencies,
	// in samples per second. Defaults to 100000.
	MaxSampleRate uint64 `yaml:"max_sample_rate"`

	// TicksPerSecond converts the sample-rate ceiling into a
	// per-tick interrupt budget. Defaults to 250.
	TicksPerSecond uint64 `yaml:"ticks_per_second"`
}

func (c *Config) defaults() {
	if c.CPUs <= 0 {
		c.CPUs = 1
	}

	if c.MaxSampleRate == 0 {
		c.MaxSampleRate = 100000
	}

	if c.TicksPerSecond == 0 {
		c.TicksPerSecond = 250
	}
}

// Stats is a snapshot of runtime-wide counters for export.
type Stats struct {
	OpenEvents        int64
	Placements        uint64
	PlacementFailures uint64
	Rotations         uint64
	Throttles         uint64
	Unthrottles       uint64
	RemoteCalls       uint64
	RemoteRetries     uint64
	ContextSwaps      uint64
	SampleRecords     uint64
	SidebandRecords   uint64
	RateReductions    uint64
}

type stats struct {
	openEvents        atomic.Int64
	placements        atomic.Uint64
	placementFailures atomic.Uint64
	rotations         atomic.Uint64
	throttles         atomic.Uint64
	unthrottles       atomic.Uint64
	remoteCalls       atomic.Uint64
	remoteRetries     atomic.Uint64
	contextSwaps      atomic.Uint64
	sampleRecords     atomic.Uint64
	sidebandRecords   atomic.Uint64
	rateReductions    atomic.Uint64
}

// Runtime is the monitoring event subsystem: it owns the virtual
// CPUs, the backend registry, the task registry and the event arena,
// and carries every observer operation.
type Runtime struct {
	log      logrus.FieldLogger
	cfg      Config
	clock    clock.Clock
	registry *Registry

	cpus []*vcpu

	// tasksMu guards the task registry.
	tasksMu sync.Mutex
	tasks   map[uint32]*Task

	// arenaMu guards the event arena. Events are owned by their
	// context; the arena is the id-to-event directory handles and
	// cross-context links resolve through.
	arenaMu sync.RWMutex
	arena   map[uint64]*Event

	nextEventID atomic.Uint64
	nextCtxID   atomic.Uint64

	maxSampleRate    atomic.Uint64
	maxPerTick       atomic.Uint64
	sampleAllowedNS  atomic.Uint64
	sampleRunningAvg atomic.Uint64
	lastRateWarning  atomic.Int64

	permission PermissionFunc

	stats   stats
	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option customizes runtime construction.
type Option func(*Runtime)

// WithClock overrides the monotonic clock, used by deterministic
// tests.
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithPermissionCheck installs the permission predicate.
func WithPermissionCheck(fn PermissionFunc) Option {
	return func(r *Runtime) { r.permission = fn }
}

// New creates a Runtime with the given backends registered. The
// runtime is inert until Start.
func New(log logrus.FieldLogger, cfg Config, registry *Registry, opts ...Option) (*Runtime, error) {
	cfg.defaults()

	if registry == nil {
		return nil, fmt.Errorf("core: nil backend registry")
	}

	r := &Runtime{
		log:      log.WithField("component", "core"),
		cfg:      cfg,
		clock:    clock.Monotonic(),
		registry: registry,
		tasks:    make(map[uint32]*Task),
		arena:    make(map[uint64]*Event),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.maxSampleRate.Store(cfg.MaxSampleRate)
	r.maxPerTick.Store(cfg.MaxSampleRate / cfg.TicksPerSecond)
	r.initSampleGuard()

	r.cpus = make([]*vcpu, cfg.CPUs)
	for i := range r.cpus {
		r.cpus[i] = newVCPU(r, i)
	}

	return r, nil
}

// Start seals the registry and spins up the virtual CPUs.
func (r *Runtime) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("core: runtime already started")
	}

	r.registry.seal()

	for _, c := range r.cpus {
		r.wg.Add(1)

		go c.run()
	}

	r.log.WithFields(logrus.Fields{
		"cpus":            len(r.cpus),
		"tick_interval":   r.cfg.TickInterval,
		"max_sample_rate": r.maxSampleRate.Load(),
	}).Info("Runtime started")

	return nil
}

// Stop halts the virtual CPUs. Open handles stay readable; they
// return their last settled values.
func (r *Runtime) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}

	close(r.done)
	r.wg.Wait()

	r.log.Info("Runtime stopped")

	return nil
}

// NumCPU returns the number of virtual CPUs.
func (r *Runtime) NumCPU() int { return len(r.cpus) }

// Clock returns the runtime's monotonic clock.
func (r *Runtime) Clock() clock.Clock { return r.clock }

// Stats snapshots the runtime-wide counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		OpenEvents:        r.stats.openEvents.Load(),
		Placements:        r.stats.placements.Load(),
		PlacementFailures: r.stats.placementFailures.Load(),
		Rotations:         r.stats.rotations.Load(),
		Throttles:         r.stats.throttles.Load(),
		Unthrottles:       r.stats.unthrottles.Load(),
		RemoteCalls:       r.stats.remoteCalls.Load(),
		RemoteRetries:     r.stats.remoteRetries.Load(),
		ContextSwaps:      r.stats.contextSwaps.Load(),
		SampleRecords:     r.stats.sampleRecords.Load(),
		SidebandRecords:   r.stats.sidebandRecords.Load(),
		RateReductions:    r.stats.rateReductions.Load(),
	}
}

// MaxSampleRate returns the current global sampling-rate ceiling.
func (r *Runtime) MaxSampleRate() uint64 { return r.maxSampleRate.Load() }

// lookupEvent resolves an arena handle.
func (r *Runtime) lookupEvent(id uint64) *Event {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()

	return r.arena[id]
}

func (r *Runtime) addToArena(ev *Event) {
	r.arenaMu.Lock()
	r.arena[ev.id] = ev
	r.arenaMu.Unlock()

	r.stats.openEvents.Add(1)
}

func (r *Runtime) removeFromArena(ev *Event) {
	r.arenaMu.Lock()
	delete(r.arena, ev.id)
	r.arenaMu.Unlock()

	r.stats.openEvents.Add(-1)
}

// eachEvent visits every live event. Used for side-band fan-out.
func (r *Runtime) eachEvent(fn func(*Event)) {
	r.arenaMu.RLock()
	events := make([]*Event, 0, len(r.arena))

	for _, ev := range r.arena {
		events = append(events, ev)
	}
	r.arenaMu.RUnlock()

	for _, ev := range events {
		fn(ev)
	}
}

// Task is one schedulable entity known to the runtime, registered by
// the host's process registry.
type Task struct {
	pid    uint32
	name   string
	parent *Task

	// ctx is the task's event context, nil until the first attach,
	// tombstoned during teardown.
	ctx atomic.Pointer[Context]

	// cpu the task currently runs on, -1 when descheduled.
	cpu atomic.Int64

	exited atomic.Bool
}

// taskTombstone marks a context being torn down; attaching to it
// reports the target as gone.
var taskTombstone = &Context{}

// PID returns the task id.
func (t *Task) PID() uint32 { return t.pid }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// RegisterTask adds a task to the registry. pid must be unused.
func (r *Runtime) RegisterTask(pid uint32, name string, parent *Task) (*Task, error) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()

	if _, dup := r.tasks[pid]; dup {
		return nil, fmt.Errorf("core: task %d already registered", pid)
	}

	t := &Task{pid: pid, name: name, parent: parent}
	t.cpu.Store(-1)
	r.tasks[pid] = t

	return t, nil
}

// LookupTask resolves a pid, or nil.
func (r *Runtime) LookupTask(pid uint32) *Task {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()

	return r.tasks[pid]
}

func (r *Runtime) unregisterTask(t *Task) {
	r.tasksMu.Lock()
	delete(r.tasks, t.pid)
	r.tasksMu.Unlock()
}

// taskContext returns the task's context, lazily allocating it. A
// tombstoned task reports ErrNoSuchTarget.
func (r *Runtime) taskContext(t *Task) (*Context, error) {
	for {
		ctx := t.ctx.Load()
		if ctx == taskTombstone {
			return nil, fmt.Errorf("%w: task %d exiting", ErrNoSuchTarget, t.pid)
		}

		if ctx != nil {
			return ctx, nil
		}

		fresh := newContext(TaskScope, t, -1, r.nextCtxID.Add(1))
		if t.ctx.CompareAndSwap(nil, fresh) {
			return fresh, nil
		}
	}
}

// cpuContext returns the per-CPU context for cpu.
func (r *Runtime) cpuContext(cpuID int) (*Context, error) {
	if cpuID < 0 || cpuID >= len(r.cpus) {
		return nil, fmt.Errorf("%w: cpu %d", ErrNoSuchTarget, cpuID)
	}

	return r.cpus[cpuID].ctx, nil
}

// now reads the runtime clock.
func (r *Runtime) now() uint64 { return r.clock.Now() }

// sideband fans rec out to every live event that asked for this class
// of side-band record and can observe the subject task.
func (r *Runtime) sideband(task *Task, want func(*Options) bool, rec record.Record) {
	r.eachEvent(func(ev *Event) {
		if !want(&ev.attr.Options) {
			return
		}

		if ev.task != nil && task != nil && ev.task != task {
			return
		}

		// Emit under the owning context lock: SetOutput swaps the
		// buffer pointer under that same lock.
		err := r.eventFunction(ev, func(*vcpu, *Context) {
			ev.emit(rec)
		})
		if err != nil {
			return
		}

		r.stats.sidebandRecords.Add(1)
	})
}

// NotifyComm reports a task name change from the process registry.
func (r *Runtime) NotifyComm(t *Task, name string, exec bool) {
	r.tasksMu.Lock()
	t.name = name
	r.tasksMu.Unlock()

	r.sideband(t, func(o *Options) bool { return o.Comm }, &record.Comm{
		Pid:  t.pid,
		Tid:  t.pid,
		Exec: exec,
		Comm: name,
	})
}

// NotifyMmap reports a new executable mapping from the host's
// memory-mapping change notifier.
func (r *Runtime) NotifyMmap(t *Task, addr, length, pgoff uint64, filename string) {
	r.sideband(t, func(o *Options) bool { return o.Mmap }, &record.Mmap{
		Pid:      t.pid,
		Tid:      t.pid,
		Addr:     addr,
		Len:      length,
		PgOff:    pgoff,
		Filename: filename,
	})
}

// NotifyKsymbol reports dynamic symbol registration.
func (r *Runtime) NotifyKsymbol(addr uint64, length uint32, symbolType uint16, unregister bool, name string) {
	var flags uint16
	if unregister {
		flags = 1
	}

	r.sideband(nil, func(o *Options) bool { return o.Mmap }, &record.Ksymbol{
		Addr:       addr,
		Len:        length,
		SymbolType: symbolType,
		Flags:      flags,
		Name:       name,
	})
}

// NotifyProgram reports load or unload of an instrumented program.
func (r *Runtime) NotifyProgram(op uint16, id uint32, tag [8]byte) {
	r.sideband(nil, func(o *Options) bool { return o.Mmap }, &record.Program{
		Op:  op,
		ID:  id,
		Tag: tag,
	})
}

// NotifyTextPoke reports a live code modification.
func (r *Runtime) NotifyTextPoke(addr uint64, oldBytes, newBytes []byte) {
	body := make([]byte, 0, len(oldBytes)+len(newBytes))
	body = append(body, oldBytes...)
	body = append(body, newBytes...)

	r.sideband(nil, func(o *Options) bool { return o.Mmap }, &record.TextPoke{
		Addr:   addr,
		OldLen: uint16(len(oldBytes)),
		NewLen: uint16(len(newBytes)),
		Bytes:  body,
	})
}

// NotifyCgroup associates a scope id with a path for decoders.
func (r *Runtime) NotifyCgroup(id uint64, path string) {
	r.sideband(nil, func(o *Options) bool { return o.Comm }, &record.Cgroup{
		ID:   id,
		Path: path,
	})
}
