package core

import (
	"fmt"

	"github.com/ethpandaops/perfoor/internal/record"
)

// Options are the boolean knobs of an event descriptor.
type Options struct {
	// Disabled creates the event in the OFF state; it starts
	// counting only on an explicit Enable.
	Disabled bool `yaml:"disabled"`

	// Inherit clones the event into children on fork; child values
	// fold back into this event on exit.
	Inherit bool `yaml:"inherit"`

	// Pinned demands a slot whenever the context runs; a pinned
	// group that cannot be placed goes to ERROR instead of waiting.
	Pinned bool `yaml:"pinned"`

	// Exclusive demands the whole backend while the group runs.
	Exclusive bool `yaml:"exclusive"`

	// Freq interprets SampleFreq instead of SamplePeriod, with the
	// period recomputed adaptively each tick.
	Freq bool `yaml:"freq"`

	// Sigtrap requests synchronous per-sample notification of the
	// target. Such events are pinned to their task and disable the
	// context-swap fast path.
	Sigtrap bool `yaml:"sigtrap"`

	// WriteBackward writes this event's records newest-first.
	WriteBackward bool `yaml:"write_backward"`

	// Comm, Mmap, Task and ContextSwitch request the corresponding
	// side-band records on this event's buffer.
	Comm          bool `yaml:"comm"`
	Mmap          bool `yaml:"mmap"`
	Task          bool `yaml:"task"`
	ContextSwitch bool `yaml:"context_switch"`
}

// Attr describes a single monitoring request: which backend measures
// what, how samples are paced, and which payload fields each sample
// carries.
type Attr struct {
	// Backend names the measurement driver in the registry.
	Backend string `yaml:"backend"`

	// Config is the backend-specific counter selector.
	Config uint64 `yaml:"config"`

	// SamplePeriod triggers a sample every N counter increments.
	// Zero means a pure counting event.
	SamplePeriod uint64 `yaml:"sample_period"`

	// SampleFreq is the target samples/second when Options.Freq is
	// set.
	SampleFreq uint64 `yaml:"sample_freq"`

	// SampleFormat selects the fields carried by sample records.
	SampleFormat record.SampleFormat `yaml:"sample_format"`

	// ReadFormat selects the layout returned by reads.
	ReadFormat record.ReadFormat `yaml:"read_format"`

	// WakeupEvents is how many records accumulate before the
	// observer is woken. Zero wakes on every record.
	WakeupEvents uint32 `yaml:"wakeup_events"`

	// ScopeID buckets events in the group trees; events of one
	// scope schedule together. Zero is the global scope.
	ScopeID uint64 `yaml:"scope_id"`

	// MaxStack bounds the callchain depth in samples.
	MaxStack uint16 `yaml:"max_stack"`

	// BranchDepth bounds the branch-stack length in samples.
	BranchDepth uint16 `yaml:"branch_depth"`

	// RegCount is the number of registers captured per sample.
	RegCount uint16 `yaml:"reg_count"`

	// StackBytes is the user-stack dump size per sample.
	StackBytes uint32 `yaml:"stack_bytes"`

	// AuxBytes is the aux payload size copied into each sample.
	AuxBytes uint32 `yaml:"aux_bytes"`

	Options Options `yaml:"options"`
}

// maxRecordBytes is the hard cap imposed by the 16-bit size field of
// the record header.
const maxRecordBytes = 0xffff

// sampleSizeBound returns the worst-case encoded size of one sample
// under this descriptor, including the record header.
func (a *Attr) sampleSizeBound() int {
	s := record.Sample{
		Format:    a.SampleFormat,
		Callchain: make([]uint64, a.MaxStack),
		Branches:  make([]record.Branch, a.BranchDepth),
		Regs:      make([]uint64, a.RegCount),
		StackData: make([]byte, a.StackBytes),
		Aux:       make([]byte, a.AuxBytes),
		Read: record.ReadContent{
			Format: a.ReadFormat,
			// A group read can carry every member; bound it by the
			// ceiling enforced at group attach.
			Values: make([]record.ReadValue, maxGroupSize),
		},
	}

	return record.EncodedSize(&s)
}

// validate rejects malformed or self-contradictory descriptors. It
// runs before any backend is consulted.
func (a *Attr) validate(maxSampleRate uint64) error {
	if a.Backend == "" {
		return fmt.Errorf("%w: backend not named", ErrInvalidDescriptor)
	}

	if !record.ValidSampleFormat(a.SampleFormat) {
		return fmt.Errorf("%w: unknown sample format bits %#x",
			ErrInvalidDescriptor, uint64(a.SampleFormat))
	}

	if !record.ValidReadFormat(a.ReadFormat) {
		return fmt.Errorf("%w: unknown read format bits %#x",
			ErrInvalidDescriptor, uint64(a.ReadFormat))
	}

	if a.Options.Freq {
		if a.SamplePeriod != 0 {
			return fmt.Errorf("%w: both sample_period and freq requested",
				ErrInvalidDescriptor)
		}

		if a.SampleFreq == 0 {
			return fmt.Errorf("%w: freq requested with sample_freq 0",
				ErrInvalidDescriptor)
		}

		if a.SampleFreq > maxSampleRate {
			return fmt.Errorf("%w: sample_freq %d above ceiling %d",
				ErrInvalidDescriptor, a.SampleFreq, maxSampleRate)
		}
	} else if a.SampleFreq != 0 {
		return fmt.Errorf("%w: sample_freq set without the freq option",
			ErrInvalidDescriptor)
	}

	if a.Options.WriteBackward && a.WakeupEvents != 0 {
		return fmt.Errorf("%w: wakeup counting on a backward stream",
			ErrInvalidDescriptor)
	}

	if a.isSampling() || a.SampleFormat != 0 {
		if n := a.sampleSizeBound(); n > maxRecordBytes {
			return fmt.Errorf("%w: sample payload bound %d exceeds record budget %d",
				ErrInvalidDescriptor, n, maxRecordBytes)
		}
	}

	return nil
}

// isSampling reports whether the event generates overflow samples.
func (a *Attr) isSampling() bool {
	return a.SamplePeriod != 0 || a.Options.Freq
}

// Target names what an event measures: one task, optionally bound to
// a CPU, or a whole CPU.
type Target struct {
	// Task is the monitored task, or nil for cpu scope.
	Task *Task

	// CPU restricts measurement to one CPU. -1 means any CPU for
	// task scope; required to be valid for cpu scope.
	CPU int
}

// AnyCPU leaves a task-scope event unrestricted by CPU.
const AnyCPU = -1
