package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Decoder parses records from an encoded stream. Sample and read
// layouts depend on the formats negotiated at open time, so the
// decoder must be configured with the same bits the producer used.
type Decoder struct {
	SampleFormat SampleFormat
	ReadFormat   ReadFormat
}

type parser struct {
	buf []byte
	off int
	err error
}

func (p *parser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
}

func (p *parser) need(n int) bool {
	if p.err != nil {
		return false
	}

	if p.off+n > len(p.buf) {
		p.fail("record: truncated at offset %d, need %d bytes", p.off, n)
		return false
	}

	return true
}

func (p *parser) u16() uint16 {
	if !p.need(2) {
		return 0
	}

	v := binary.LittleEndian.Uint16(p.buf[p.off:])
	p.off += 2

	return v
}

func (p *parser) u32() uint32 {
	if !p.need(4) {
		return 0
	}

	v := binary.LittleEndian.Uint32(p.buf[p.off:])
	p.off += 4

	return v
}

func (p *parser) u64() uint64 {
	if !p.need(8) {
		return 0
	}

	v := binary.LittleEndian.Uint64(p.buf[p.off:])
	p.off += 8

	return v
}

// str consumes all remaining aligned string bytes up to the first NUL.
func (p *parser) str() string {
	if p.err != nil {
		return ""
	}

	rest := p.buf[p.off:]

	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		p.fail("record: unterminated string at offset %d", p.off)
		return ""
	}

	p.off += align8(i + 1)

	return string(rest[:i])
}

func (p *parser) bytes() []byte {
	n := p.u64()
	if n > uint64(len(p.buf)) {
		p.fail("record: byte field of %d exceeds record", n)
		return nil
	}

	if !p.need(align8(int(n))) {
		return nil
	}

	b := make([]byte, n)
	copy(b, p.buf[p.off:])
	p.off += align8(int(n))

	return b
}

func (d *Decoder) readContent(p *parser) ReadContent {
	rc := ReadContent{Format: d.ReadFormat}

	if d.ReadFormat&ReadGroup != 0 {
		nr := p.u64()
		if nr > uint64(len(p.buf)) {
			p.fail("record: group read of %d values exceeds record", nr)
			return rc
		}

		if d.ReadFormat&ReadTimeEnabled != 0 {
			rc.TimeEnabled = p.u64()
		}

		if d.ReadFormat&ReadTimeRunning != 0 {
			rc.TimeRunning = p.u64()
		}

		rc.Values = make([]ReadValue, 0, nr)
		for range nr {
			v := ReadValue{Value: p.u64()}

			if d.ReadFormat&ReadID != 0 {
				v.ID = p.u64()
			}

			rc.Values = append(rc.Values, v)
		}

		return rc
	}

	v := ReadValue{Value: p.u64()}

	if d.ReadFormat&ReadTimeEnabled != 0 {
		rc.TimeEnabled = p.u64()
	}

	if d.ReadFormat&ReadTimeRunning != 0 {
		rc.TimeRunning = p.u64()
	}

	if d.ReadFormat&ReadID != 0 {
		v.ID = p.u64()
	}

	rc.Values = []ReadValue{v}

	return rc
}

func (d *Decoder) sample(p *parser, misc uint16) *Sample {
	f := d.SampleFormat
	s := &Sample{Format: f, Misc: misc}

	if f&SampleIdentifier != 0 {
		s.Identifier = p.u64()
	}

	if f&SampleIP != 0 {
		s.IP = p.u64()
	}

	if f&SampleTid != 0 {
		s.Pid = p.u32()
		s.Tid = p.u32()
	}

	if f&SampleTime != 0 {
		s.Time = p.u64()
	}

	if f&SampleAddr != 0 {
		s.Addr = p.u64()
	}

	if f&SampleID != 0 {
		s.ID = p.u64()
	}

	if f&SampleStreamID != 0 {
		s.StreamID = p.u64()
	}

	if f&SampleCPU != 0 {
		s.CPU = p.u32()
		p.u32()
	}

	if f&SamplePeriod != 0 {
		s.Period = p.u64()
	}

	if f&SampleRead != 0 {
		s.Read = d.readContent(p)
	}

	if f&SampleCallchain != 0 {
		nr := p.u64()
		if nr > uint64(len(p.buf)) {
			p.fail("record: callchain of %d exceeds record", nr)
			return s
		}

		s.Callchain = make([]uint64, 0, nr)
		for range nr {
			s.Callchain = append(s.Callchain, p.u64())
		}
	}

	if f&SampleRaw != 0 {
		s.Raw = p.bytes()
	}

	if f&SampleBranchStack != 0 {
		nr := p.u64()
		if nr > uint64(len(p.buf)) {
			p.fail("record: branch stack of %d exceeds record", nr)
			return s
		}

		s.Branches = make([]Branch, 0, nr)
		for range nr {
			s.Branches = append(s.Branches, Branch{
				From:  p.u64(),
				To:    p.u64(),
				Flags: p.u64(),
			})
		}
	}

	if f&SampleRegs != 0 {
		nr := p.u64()
		if nr > uint64(len(p.buf)) {
			p.fail("record: register block of %d exceeds record", nr)
			return s
		}

		s.Regs = make([]uint64, 0, nr)
		for range nr {
			s.Regs = append(s.Regs, p.u64())
		}
	}

	if f&SampleStack != 0 {
		s.StackData = p.bytes()
	}

	if f&SamplePhysAddr != 0 {
		s.PhysAddr = p.u64()
	}

	if f&SampleAux != 0 {
		s.Aux = p.bytes()
	}

	return s
}

// Parse decodes the first record in buf. It returns the record and
// the number of bytes consumed, which is always the declared header
// size.
func (d *Decoder) Parse(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, fmt.Errorf("record: %d bytes is shorter than a header", len(buf))
	}

	hdr := Header{
		Type: Type(binary.LittleEndian.Uint32(buf)),
		Misc: binary.LittleEndian.Uint16(buf[4:]),
		Size: binary.LittleEndian.Uint16(buf[6:]),
	}

	if hdr.Size < HeaderSize || int(hdr.Size) > len(buf) {
		return nil, 0, fmt.Errorf("record: declared size %d out of range", hdr.Size)
	}

	p := &parser{buf: buf[:hdr.Size], off: HeaderSize}

	var rec Record

	switch hdr.Type {
	case TypeSample:
		rec = d.sample(p, hdr.Misc)
	case TypeMmap:
		rec = &Mmap{
			Pid:      p.u32(),
			Tid:      p.u32(),
			Addr:     p.u64(),
			Len:      p.u64(),
			PgOff:    p.u64(),
			Filename: p.str(),
		}
	case TypeMmap2:
		rec = &Mmap2{
			Pid:           p.u32(),
			Tid:           p.u32(),
			Addr:          p.u64(),
			Len:           p.u64(),
			PgOff:         p.u64(),
			Maj:           p.u32(),
			Min:           p.u32(),
			Ino:           p.u64(),
			InoGeneration: p.u64(),
			Prot:          p.u32(),
			Flags:         p.u32(),
			Filename:      p.str(),
		}
	case TypeComm:
		rec = &Comm{
			Pid:  p.u32(),
			Tid:  p.u32(),
			Exec: hdr.Misc&MiscCommExec != 0,
			Comm: p.str(),
		}
	case TypeExit:
		rec = &Exit{Task: d.task(p)}
	case TypeFork:
		rec = &Fork{Task: d.task(p)}
	case TypeThrottle:
		rec = &Throttle{Time: p.u64(), ID: p.u64(), StreamID: p.u64()}
	case TypeUnthrottle:
		rec = &Unthrottle{Time: p.u64(), ID: p.u64(), StreamID: p.u64()}
	case TypeLost:
		rec = &Lost{ID: p.u64(), Lost: p.u64()}
	case TypeLostSamples:
		rec = &LostSamples{Lost: p.u64()}
	case TypeAux:
		rec = &Aux{Offset: p.u64(), Size: p.u64(), Flags: p.u64()}
	case TypeItraceStart:
		rec = &ItraceStart{Pid: p.u32(), Tid: p.u32()}
	case TypeSwitch:
		rec = &Switch{Out: hdr.Misc&MiscSwitchOut != 0}
	case TypeSwitchCPUWide:
		rec = &SwitchCPUWide{
			Out:     hdr.Misc&MiscSwitchOut != 0,
			NextPid: p.u32(),
			NextTid: p.u32(),
		}
	case TypeKsymbol:
		rec = &Ksymbol{
			Addr:       p.u64(),
			Len:        p.u32(),
			SymbolType: p.u16(),
			Flags:      p.u16(),
			Name:       p.str(),
		}
	case TypeProgram:
		pr := &Program{
			Op:    p.u16(),
			Flags: p.u16(),
			ID:    p.u32(),
		}
		if p.need(8) {
			copy(pr.Tag[:], p.buf[p.off:])
			p.off += 8
		}

		rec = pr
	case TypeCgroup:
		rec = &Cgroup{ID: p.u64(), Path: p.str()}
	case TypeTextPoke:
		tp := &TextPoke{
			Addr:   p.u64(),
			OldLen: p.u16(),
			NewLen: p.u16(),
		}
		p.u32()

		n := int(tp.OldLen) + int(tp.NewLen)
		if p.need(align8(n)) {
			tp.Bytes = make([]byte, n)
			copy(tp.Bytes, p.buf[p.off:])
			p.off += align8(n)
		}

		rec = tp
	case TypeRead:
		rec = &Read{
			Pid:    p.u32(),
			Tid:    p.u32(),
			Values: d.readContent(p),
		}
	default:
		return nil, 0, fmt.Errorf("record: unknown type %d", hdr.Type)
	}

	if p.err != nil {
		return nil, 0, p.err
	}

	return rec, int(hdr.Size), nil
}

func (d *Decoder) task(p *parser) Task {
	return Task{
		Pid:  p.u32(),
		Ppid: p.u32(),
		Tid:  p.u32(),
		Ptid: p.u32(),
		Time: p.u64(),
	}
}
