package core

import (
	"fmt"
	"sync"
)

// Capability flags advertised by a backend. A group's capability mask
// is the intersection of its members'.
type Capability uint32

const (
	// CapSoftware marks a backend whose events can always be placed:
	// they consume no exclusive slot and never conflict.
	CapSoftware Capability = 1 << iota

	// CapExclusive marks a backend that admits at most one active
	// placement at a time.
	CapExclusive

	// CapSampling marks a backend able to drive overflow samples.
	CapSampling

	// CapAux marks a backend able to stream into an auxiliary ring.
	CapAux
)

// capAll is the identity for capability intersection.
const capAll = ^Capability(0)

// Backend is a pluggable measurement driver. Add reserves resources
// and may fail; Start/Stop toggle counting on an added event; Read
// refreshes the event's count. All calls arrive with the owning
// context's lock held, on the goroutine of the CPU named by the
// event's placement.
type Backend interface {
	// Name identifies the backend in descriptors and the registry.
	Name() string

	// Capabilities returns the backend's capability flags.
	Capabilities() Capability

	// Supports vets a descriptor at open time. Returning an error
	// (wrapping ErrNotSupported) rejects the open before anything
	// is scheduled.
	Supports(attr *Attr) error

	// Add places the event on the backend for the given cpu,
	// returning ErrResourceExhausted or ErrBusy when no slot fits.
	Add(ev *Event, cpu int) error

	// Del releases the event's slot.
	Del(ev *Event, cpu int)

	// Start begins counting. The event is already added.
	Start(ev *Event)

	// Stop halts counting and folds the final delta into the count.
	Stop(ev *Event)

	// Read refreshes the event's count from the hardware.
	Read(ev *Event)
}

// TxnBackend is implemented by backends that can vet a whole group
// placement atomically. Between Begin and Commit the scheduler issues
// the group's Adds; Commit answers whether the set fits as a whole,
// and Cancel unwinds the attempt.
type TxnBackend interface {
	Backend

	BeginTxn(cpu int)
	CommitTxn(cpu int) error
	CancelTxn(cpu int)
}

// beginTxn starts a group transaction if the backend supports it.
func beginTxn(b Backend, cpu int) {
	if t, ok := b.(TxnBackend); ok {
		t.BeginTxn(cpu)
	}
}

func commitTxn(b Backend, cpu int) error {
	if t, ok := b.(TxnBackend); ok {
		return t.CommitTxn(cpu)
	}

	return nil
}

func cancelTxn(b Backend, cpu int) {
	if t, ok := b.(TxnBackend); ok {
		t.CancelTxn(cpu)
	}
}

// Registry resolves descriptor backend names to drivers. Backends
// register once at runtime construction; the registry is immutable
// afterwards, so lookups need no lock.
type Registry struct {
	mu       sync.Mutex
	sealed   bool
	byName   map[string]uint32
	backends []Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]uint32)}
}

// Register adds a backend. Registering after the runtime started, or
// under a duplicate name, is a programming error.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("core: registry sealed, cannot register %q", b.Name())
	}

	if _, dup := r.byName[b.Name()]; dup {
		return fmt.Errorf("core: backend %q already registered", b.Name())
	}

	r.byName[b.Name()] = uint32(len(r.backends))
	r.backends = append(r.backends, b)

	return nil
}

// seal freezes the registry; called when the runtime starts.
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// lookup resolves a backend name to the driver and its tree id.
func (r *Registry) lookup(name string) (Backend, uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: no backend %q", ErrNotSupported, name)
	}

	return r.backends[id], id, nil
}

// each calls fn for every registered backend.
func (r *Registry) each(fn func(Backend)) {
	r.mu.Lock()
	backends := r.backends
	r.mu.Unlock()

	for _, b := range backends {
		fn(b)
	}
}
