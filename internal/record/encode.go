package record

import (
	"encoding/binary"
	"fmt"
)

// align8 rounds n up to the next multiple of 8.
func align8(n int) int {
	return (n + 7) &^ 7
}

// stringSize returns the encoded size of a string field: the bytes
// plus a NUL terminator, padded to 8-byte alignment.
func stringSize(s string) int {
	return align8(len(s) + 1)
}

// bytesSize returns the encoded size of a length-prefixed byte field:
// a u64 length followed by the bytes padded to 8-byte alignment.
func bytesSize(b []byte) int {
	return 8 + align8(len(b))
}

func (rc *ReadContent) size() int {
	n := 0

	if rc.Format&ReadGroup != 0 {
		n += 8 // nr
		if rc.Format&ReadTimeEnabled != 0 {
			n += 8
		}

		if rc.Format&ReadTimeRunning != 0 {
			n += 8
		}

		per := 8
		if rc.Format&ReadID != 0 {
			per += 8
		}

		return n + len(rc.Values)*per
	}

	n += 8 // value
	if rc.Format&ReadTimeEnabled != 0 {
		n += 8
	}

	if rc.Format&ReadTimeRunning != 0 {
		n += 8
	}

	if rc.Format&ReadID != 0 {
		n += 8
	}

	return n
}

func (s *Sample) payloadSize() int {
	f := s.Format
	n := 0

	if f&SampleIdentifier != 0 {
		n += 8
	}

	if f&SampleIP != 0 {
		n += 8
	}

	if f&SampleTid != 0 {
		n += 8
	}

	if f&SampleTime != 0 {
		n += 8
	}

	if f&SampleAddr != 0 {
		n += 8
	}

	if f&SampleID != 0 {
		n += 8
	}

	if f&SampleStreamID != 0 {
		n += 8
	}

	if f&SampleCPU != 0 {
		n += 8
	}

	if f&SamplePeriod != 0 {
		n += 8
	}

	if f&SampleRead != 0 {
		n += s.Read.size()
	}

	if f&SampleCallchain != 0 {
		n += 8 + len(s.Callchain)*8
	}

	if f&SampleRaw != 0 {
		n += bytesSize(s.Raw)
	}

	if f&SampleBranchStack != 0 {
		n += 8 + len(s.Branches)*24
	}

	if f&SampleRegs != 0 {
		n += 8 + len(s.Regs)*8
	}

	if f&SampleStack != 0 {
		n += bytesSize(s.StackData)
	}

	if f&SamplePhysAddr != 0 {
		n += 8
	}

	if f&SampleAux != 0 {
		n += bytesSize(s.Aux)
	}

	return n
}

func (m *Mmap) payloadSize() int  { return 32 + stringSize(m.Filename) }
func (m *Mmap2) payloadSize() int { return 64 + stringSize(m.Filename) }
func (c *Comm) payloadSize() int  { return 8 + stringSize(c.Comm) }
func (*Exit) payloadSize() int    { return 24 }
func (*Fork) payloadSize() int    { return 24 }

func (*Throttle) payloadSize() int   { return 24 }
func (*Unthrottle) payloadSize() int { return 24 }

func (*Lost) payloadSize() int        { return 16 }
func (*LostSamples) payloadSize() int { return 8 }
func (*Aux) payloadSize() int         { return 24 }
func (*ItraceStart) payloadSize() int { return 8 }

func (*Switch) payloadSize() int        { return 0 }
func (*SwitchCPUWide) payloadSize() int { return 8 }

func (k *Ksymbol) payloadSize() int { return 16 + stringSize(k.Name) }
func (*Program) payloadSize() int   { return 16 }
func (c *Cgroup) payloadSize() int  { return 8 + stringSize(c.Path) }

func (t *TextPoke) payloadSize() int { return 16 + align8(len(t.Bytes)) }

func (r *Read) payloadSize() int { return 8 + r.Values.size() }

// EncodedSize returns the full on-wire size of r, header included.
// It is always a multiple of 8 and always equals what Marshal and
// AppendTo emit.
func EncodedSize(r Record) int {
	return align8(HeaderSize + r.payloadSize())
}

type encoder struct {
	buf []byte
	off int
}

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[e.off:], v)
	e.off += 2
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
}

// str writes a NUL-terminated string padded to 8 bytes.
func (e *encoder) str(s string) {
	n := copy(e.buf[e.off:], s)
	end := e.off + align8(len(s)+1)

	for i := e.off + n; i < end; i++ {
		e.buf[i] = 0
	}

	e.off = end
}

// bytes writes a u64 length followed by the bytes padded to 8.
func (e *encoder) bytes(b []byte) {
	e.u64(uint64(len(b)))
	e.raw(b)
}

// raw writes bytes padded to 8-byte alignment, without a length.
func (e *encoder) raw(b []byte) {
	n := copy(e.buf[e.off:], b)
	end := e.off + align8(len(b))

	for i := e.off + n; i < end; i++ {
		e.buf[i] = 0
	}

	e.off = end
}

func (rc *ReadContent) encode(e *encoder) {
	if rc.Format&ReadGroup != 0 {
		e.u64(uint64(len(rc.Values)))

		if rc.Format&ReadTimeEnabled != 0 {
			e.u64(rc.TimeEnabled)
		}

		if rc.Format&ReadTimeRunning != 0 {
			e.u64(rc.TimeRunning)
		}

		for _, v := range rc.Values {
			e.u64(v.Value)

			if rc.Format&ReadID != 0 {
				e.u64(v.ID)
			}
		}

		return
	}

	var v ReadValue
	if len(rc.Values) > 0 {
		v = rc.Values[0]
	}

	e.u64(v.Value)

	if rc.Format&ReadTimeEnabled != 0 {
		e.u64(rc.TimeEnabled)
	}

	if rc.Format&ReadTimeRunning != 0 {
		e.u64(rc.TimeRunning)
	}

	if rc.Format&ReadID != 0 {
		e.u64(v.ID)
	}
}

func (s *Sample) encodePayload(e *encoder) {
	f := s.Format

	if f&SampleIdentifier != 0 {
		e.u64(s.Identifier)
	}

	if f&SampleIP != 0 {
		e.u64(s.IP)
	}

	if f&SampleTid != 0 {
		e.u32(s.Pid)
		e.u32(s.Tid)
	}

	if f&SampleTime != 0 {
		e.u64(s.Time)
	}

	if f&SampleAddr != 0 {
		e.u64(s.Addr)
	}

	if f&SampleID != 0 {
		e.u64(s.ID)
	}

	if f&SampleStreamID != 0 {
		e.u64(s.StreamID)
	}

	if f&SampleCPU != 0 {
		e.u32(s.CPU)
		e.u32(0)
	}

	if f&SamplePeriod != 0 {
		e.u64(s.Period)
	}

	if f&SampleRead != 0 {
		s.Read.encode(e)
	}

	if f&SampleCallchain != 0 {
		e.u64(uint64(len(s.Callchain)))

		for _, ip := range s.Callchain {
			e.u64(ip)
		}
	}

	if f&SampleRaw != 0 {
		e.bytes(s.Raw)
	}

	if f&SampleBranchStack != 0 {
		e.u64(uint64(len(s.Branches)))

		for _, b := range s.Branches {
			e.u64(b.From)
			e.u64(b.To)
			e.u64(b.Flags)
		}
	}

	if f&SampleRegs != 0 {
		e.u64(uint64(len(s.Regs)))

		for _, r := range s.Regs {
			e.u64(r)
		}
	}

	if f&SampleStack != 0 {
		e.bytes(s.StackData)
	}

	if f&SamplePhysAddr != 0 {
		e.u64(s.PhysAddr)
	}

	if f&SampleAux != 0 {
		e.bytes(s.Aux)
	}
}

func (m *Mmap) encodePayload(e *encoder) {
	e.u32(m.Pid)
	e.u32(m.Tid)
	e.u64(m.Addr)
	e.u64(m.Len)
	e.u64(m.PgOff)
	e.str(m.Filename)
}

func (m *Mmap2) encodePayload(e *encoder) {
	e.u32(m.Pid)
	e.u32(m.Tid)
	e.u64(m.Addr)
	e.u64(m.Len)
	e.u64(m.PgOff)
	e.u32(m.Maj)
	e.u32(m.Min)
	e.u64(m.Ino)
	e.u64(m.InoGeneration)
	e.u32(m.Prot)
	e.u32(m.Flags)
	e.str(m.Filename)
}

func (c *Comm) encodePayload(e *encoder) {
	e.u32(c.Pid)
	e.u32(c.Tid)
	e.str(c.Comm)
}

func (t *Task) encodeTask(e *encoder) {
	e.u32(t.Pid)
	e.u32(t.Ppid)
	e.u32(t.Tid)
	e.u32(t.Ptid)
	e.u64(t.Time)
}

func (x *Exit) encodePayload(e *encoder) { x.encodeTask(e) }
func (f *Fork) encodePayload(e *encoder) { f.encodeTask(e) }

func (t *Throttle) encodePayload(e *encoder) {
	e.u64(t.Time)
	e.u64(t.ID)
	e.u64(t.StreamID)
}

func (u *Unthrottle) encodePayload(e *encoder) {
	e.u64(u.Time)
	e.u64(u.ID)
	e.u64(u.StreamID)
}

func (l *Lost) encodePayload(e *encoder) {
	e.u64(l.ID)
	e.u64(l.Lost)
}

func (l *LostSamples) encodePayload(e *encoder) {
	e.u64(l.Lost)
}

func (a *Aux) encodePayload(e *encoder) {
	e.u64(a.Offset)
	e.u64(a.Size)
	e.u64(a.Flags)
}

func (i *ItraceStart) encodePayload(e *encoder) {
	e.u32(i.Pid)
	e.u32(i.Tid)
}

func (*Switch) encodePayload(*encoder) {}

func (s *SwitchCPUWide) encodePayload(e *encoder) {
	e.u32(s.NextPid)
	e.u32(s.NextTid)
}

func (k *Ksymbol) encodePayload(e *encoder) {
	e.u64(k.Addr)
	e.u32(k.Len)
	e.u16(k.SymbolType)
	e.u16(k.Flags)
	e.str(k.Name)
}

func (p *Program) encodePayload(e *encoder) {
	e.u16(p.Op)
	e.u16(p.Flags)
	e.u32(p.ID)
	e.raw(p.Tag[:])
}

func (c *Cgroup) encodePayload(e *encoder) {
	e.u64(c.ID)
	e.str(c.Path)
}

func (t *TextPoke) encodePayload(e *encoder) {
	e.u64(t.Addr)
	e.u16(t.OldLen)
	e.u16(t.NewLen)
	e.u32(0)
	e.raw(t.Bytes)
}

func (r *Read) encodePayload(e *encoder) {
	e.u32(r.Pid)
	e.u32(r.Tid)
	r.Values.encode(e)
}

// AppendTo encodes r into buf, which must be exactly EncodedSize(r)
// bytes. It returns an error if the encoded payload does not match
// the declared size; that mismatch would corrupt the stream for every
// later record, so it is checked on every write.
func AppendTo(r Record, buf []byte) error {
	size := EncodedSize(r)
	if len(buf) != size {
		return fmt.Errorf("record: buffer is %d bytes, need %d", len(buf), size)
	}

	if size > 0xffff {
		return fmt.Errorf("record: %s record of %d bytes exceeds the 64KiB size field", r.Kind(), size)
	}

	e := &encoder{buf: buf}
	e.u32(uint32(r.Kind()))
	e.u16(r.MiscFlags())
	e.u16(uint16(size))

	r.encodePayload(e)

	// Pad to the declared size.
	for e.off < size {
		e.buf[e.off] = 0
		e.off++
	}

	if e.off != size {
		return fmt.Errorf("record: %s encoded %d bytes, declared %d", r.Kind(), e.off, size)
	}

	return nil
}

// Marshal encodes r into a fresh buffer.
func Marshal(r Record) ([]byte, error) {
	buf := make([]byte, EncodedSize(r))
	if err := AppendTo(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}
