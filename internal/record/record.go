// Package record defines the self-describing record stream written to
// delivery buffers: a fixed header {type, misc, size} followed by a
// type-specific payload whose dynamic fields are 8-byte aligned. The
// declared header size always equals the emitted byte count; decoders
// rely on that to walk the stream without out-of-band framing.
package record

import "fmt"

// Type identifies the kind of a record.
type Type uint32

// Record types carried by the delivery buffer.
const (
	TypeMmap          Type = 1
	TypeLost          Type = 2
	TypeComm          Type = 3
	TypeExit          Type = 4
	TypeThrottle      Type = 5
	TypeUnthrottle    Type = 6
	TypeFork          Type = 7
	TypeRead          Type = 8
	TypeSample        Type = 9
	TypeMmap2         Type = 10
	TypeAux           Type = 11
	TypeItraceStart   Type = 12
	TypeLostSamples   Type = 13
	TypeSwitch        Type = 14
	TypeSwitchCPUWide Type = 15
	TypeKsymbol       Type = 17
	TypeProgram       Type = 18
	TypeCgroup        Type = 19
	TypeTextPoke      Type = 20

	maxType = TypeTextPoke
)

// String returns the record type name.
func (t Type) String() string {
	switch t {
	case TypeMmap:
		return "mmap"
	case TypeLost:
		return "lost"
	case TypeComm:
		return "comm"
	case TypeExit:
		return "exit"
	case TypeThrottle:
		return "throttle"
	case TypeUnthrottle:
		return "unthrottle"
	case TypeFork:
		return "fork"
	case TypeRead:
		return "read"
	case TypeSample:
		return "sample"
	case TypeMmap2:
		return "mmap2"
	case TypeAux:
		return "aux"
	case TypeItraceStart:
		return "itrace_start"
	case TypeLostSamples:
		return "lost_samples"
	case TypeSwitch:
		return "switch"
	case TypeSwitchCPUWide:
		return "switch_cpu_wide"
	case TypeKsymbol:
		return "ksymbol"
	case TypeProgram:
		return "program"
	case TypeCgroup:
		return "cgroup"
	case TypeTextPoke:
		return "text_poke"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Misc flag bits carried in the record header.
const (
	MiscKernel    uint16 = 1 << 0
	MiscUser      uint16 = 1 << 1
	MiscMmapData  uint16 = 1 << 13
	MiscCommExec  uint16 = 1 << 13
	MiscSwitchOut uint16 = 1 << 13
)

// HeaderSize is the fixed size of every record header.
const HeaderSize = 8

// Header is the fixed prefix of every record. Size includes the
// header itself.
type Header struct {
	Type Type
	Misc uint16
	Size uint16
}

// SampleFormat selects which fields a sample record carries. The bits
// are negotiated per event at open time; both producer and consumer
// derive the sample layout from them.
type SampleFormat uint64

// Sample format bits, in encoding order.
const (
	SampleIP SampleFormat = 1 << iota
	SampleTid
	SampleTime
	SampleAddr
	SampleRead
	SampleCallchain
	SampleID
	SampleCPU
	SamplePeriod
	SampleStreamID
	SampleRaw
	SampleBranchStack
	SampleRegs
	SampleStack
	SamplePhysAddr
	SampleAux
	SampleIdentifier

	sampleFormatMax
)

// ValidSampleFormat reports whether only known bits are set.
func ValidSampleFormat(f SampleFormat) bool {
	return f&^(sampleFormatMax-1) == 0
}

// ReadFormat selects the layout of counter values in read and sample
// records.
type ReadFormat uint64

// Read format bits.
const (
	ReadTimeEnabled ReadFormat = 1 << iota
	ReadTimeRunning
	ReadID
	ReadGroup

	readFormatMax
)

// ValidReadFormat reports whether only known bits are set.
func ValidReadFormat(f ReadFormat) bool {
	return f&^(readFormatMax-1) == 0
}

// Record is implemented by every record kind.
type Record interface {
	// Kind returns the record type written to the header.
	Kind() Type
	// MiscFlags returns the header misc bits.
	MiscFlags() uint16

	payloadSize() int
	encodePayload(e *encoder)
}

// ReadValue is one counter value in a read or sample-read block.
type ReadValue struct {
	Value uint64
	ID    uint64
}

// ReadContent is the counter block of a read record or of a sample
// with SampleRead set. For group reads Values holds the leader first,
// then siblings in group order; for single reads it holds one entry.
type ReadContent struct {
	Format      ReadFormat
	TimeEnabled uint64
	TimeRunning uint64
	Values      []ReadValue
}

// Branch is one taken-branch entry of a sample branch stack.
type Branch struct {
	From  uint64
	To    uint64
	Flags uint64
}

// Sample is a single measurement sample. Which fields are encoded is
// governed by Format; unset fields are ignored.
type Sample struct {
	Format SampleFormat
	Misc   uint16

	Identifier uint64
	IP         uint64
	Pid        uint32
	Tid        uint32
	Time       uint64
	Addr       uint64
	ID         uint64
	StreamID   uint64
	CPU        uint32
	Period     uint64
	Read       ReadContent
	Callchain  []uint64
	Raw        []byte
	Branches   []Branch
	Regs       []uint64
	StackData  []byte
	PhysAddr   uint64
	Aux        []byte
}

func (*Sample) Kind() Type          { return TypeSample }
func (s *Sample) MiscFlags() uint16 { return s.Misc }

// Mmap describes a new executable memory mapping in the target.
type Mmap struct {
	Pid      uint32
	Tid      uint32
	Addr     uint64
	Len      uint64
	PgOff    uint64
	Filename string
}

func (*Mmap) Kind() Type        { return TypeMmap }
func (*Mmap) MiscFlags() uint16 { return 0 }

// Mmap2 is Mmap with device, inode and protection detail.
type Mmap2 struct {
	Pid           uint32
	Tid           uint32
	Addr          uint64
	Len           uint64
	PgOff         uint64
	Maj           uint32
	Min           uint32
	Ino           uint64
	InoGeneration uint64
	Prot          uint32
	Flags         uint32
	Filename      string
}

func (*Mmap2) Kind() Type        { return TypeMmap2 }
func (*Mmap2) MiscFlags() uint16 { return 0 }

// Comm reports a target name change.
type Comm struct {
	Pid  uint32
	Tid  uint32
	Exec bool
	Comm string
}

func (*Comm) Kind() Type { return TypeComm }

func (c *Comm) MiscFlags() uint16 {
	if c.Exec {
		return MiscCommExec
	}

	return 0
}

// Task carries the shared payload of exit and fork records.
type Task struct {
	Pid  uint32
	Ppid uint32
	Tid  uint32
	Ptid uint32
	Time uint64
}

// Exit reports target exit.
type Exit struct{ Task }

func (*Exit) Kind() Type        { return TypeExit }
func (*Exit) MiscFlags() uint16 { return 0 }

// Fork reports target fork.
type Fork struct{ Task }

func (*Fork) Kind() Type        { return TypeFork }
func (*Fork) MiscFlags() uint16 { return 0 }

// Throttle marks the start of an interrupt-rate throttling window for
// one event. Exactly one Throttle and one Unthrottle bound a window.
type Throttle struct {
	Time     uint64
	ID       uint64
	StreamID uint64
}

func (*Throttle) Kind() Type        { return TypeThrottle }
func (*Throttle) MiscFlags() uint16 { return 0 }

// Unthrottle marks the end of a throttling window.
type Unthrottle struct {
	Time     uint64
	ID       uint64
	StreamID uint64
}

func (*Unthrottle) Kind() Type        { return TypeUnthrottle }
func (*Unthrottle) MiscFlags() uint16 { return 0 }

// Lost reports records dropped on one event's stream.
type Lost struct {
	ID   uint64
	Lost uint64
}

func (*Lost) Kind() Type        { return TypeLost }
func (*Lost) MiscFlags() uint16 { return 0 }

// LostSamples reports samples dropped before reaching the buffer.
type LostSamples struct {
	Lost uint64
}

func (*LostSamples) Kind() Type        { return TypeLostSamples }
func (*LostSamples) MiscFlags() uint16 { return 0 }

// Aux reports that new data landed in the auxiliary ring.
type Aux struct {
	Offset uint64
	Size   uint64
	Flags  uint64
}

func (*Aux) Kind() Type        { return TypeAux }
func (*Aux) MiscFlags() uint16 { return 0 }

// ItraceStart marks the start of an instruction-trace stream for a
// target.
type ItraceStart struct {
	Pid uint32
	Tid uint32
}

func (*ItraceStart) Kind() Type        { return TypeItraceStart }
func (*ItraceStart) MiscFlags() uint16 { return 0 }

// Switch reports a context switch into or out of the monitored task.
type Switch struct {
	Out bool
}

func (*Switch) Kind() Type { return TypeSwitch }

func (s *Switch) MiscFlags() uint16 {
	if s.Out {
		return MiscSwitchOut
	}

	return 0
}

// SwitchCPUWide is Switch for cpu-scope events, naming the other task.
type SwitchCPUWide struct {
	Out     bool
	NextPid uint32
	NextTid uint32
}

func (*SwitchCPUWide) Kind() Type { return TypeSwitchCPUWide }

func (s *SwitchCPUWide) MiscFlags() uint16 {
	if s.Out {
		return MiscSwitchOut
	}

	return 0
}

// Ksymbol reports registration or unregistration of a dynamic symbol.
type Ksymbol struct {
	Addr       uint64
	Len        uint32
	SymbolType uint16
	Flags      uint16
	Name       string
}

func (*Ksymbol) Kind() Type        { return TypeKsymbol }
func (*Ksymbol) MiscFlags() uint16 { return 0 }

// Program operations.
const (
	ProgramLoad   uint16 = 1
	ProgramUnload uint16 = 2
)

// Program reports load or unload of an instrumented program.
type Program struct {
	Op    uint16
	Flags uint16
	ID    uint32
	Tag   [8]byte
}

func (*Program) Kind() Type        { return TypeProgram }
func (*Program) MiscFlags() uint16 { return 0 }

// Cgroup associates a cgroup id with its path.
type Cgroup struct {
	ID   uint64
	Path string
}

func (*Cgroup) Kind() Type        { return TypeCgroup }
func (*Cgroup) MiscFlags() uint16 { return 0 }

// TextPoke reports a live code modification. Bytes holds the old
// bytes followed by the new bytes.
type TextPoke struct {
	Addr   uint64
	OldLen uint16
	NewLen uint16
	Bytes  []byte
}

func (*TextPoke) Kind() Type        { return TypeTextPoke }
func (*TextPoke) MiscFlags() uint16 { return 0 }

// Read is a counter snapshot pushed into the stream, e.g. on target
// exit when the owner requested it.
type Read struct {
	Pid    uint32
	Tid    uint32
	Values ReadContent
}

func (*Read) Kind() Type        { return TypeRead }
func (*Read) MiscFlags() uint16 { return 0 }
