package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodedSize_AlwaysAligned(t *testing.T) {
	records := []Record{
		&Comm{Pid: 1, Tid: 1, Comm: "geth"},
		&Comm{Pid: 1, Tid: 1, Comm: "a-longer-process-name"},
		&Mmap{Pid: 1, Tid: 2, Addr: 0x1000, Len: 0x2000, Filename: "/lib/x.so"},
		&Throttle{Time: 5, ID: 9, StreamID: 9},
		&Switch{Out: true},
		&TextPoke{Addr: 0xdead, OldLen: 3, NewLen: 5, Bytes: make([]byte, 8)},
	}

	for _, r := range records {
		size := EncodedSize(r)
		assert.Zero(t, size%8, "%s size %d not 8-byte aligned", r.Kind(), size)

		buf, err := Marshal(r)
		require.NoError(t, err)
		assert.Len(t, buf, size, "%s declared vs emitted size", r.Kind())
	}
}

func TestSample_RoundTrip(t *testing.T) {
	format := SampleIP | SampleTid | SampleTime | SampleAddr |
		SampleID | SampleStreamID | SampleCPU | SamplePeriod |
		SampleCallchain | SampleRaw | SamplePhysAddr

	in := &Sample{
		Format:    format,
		IP:        0xffffffff81000000,
		Pid:       1234,
		Tid:       1235,
		Time:      987654321,
		Addr:      0x7f0000001000,
		ID:        42,
		StreamID:  42,
		CPU:       3,
		Period:    4096,
		Callchain: []uint64{0x400123, 0x400456, 0x400789},
		Raw:       []byte{1, 2, 3, 4, 5},
		PhysAddr:  0x1234000,
	}

	buf, err := Marshal(in)
	require.NoError(t, err)

	d := &Decoder{SampleFormat: format}

	out, n, err := d.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	got, ok := out.(*Sample)
	require.True(t, ok)

	assert.Equal(t, in.IP, got.IP)
	assert.Equal(t, in.Pid, got.Pid)
	assert.Equal(t, in.Tid, got.Tid)
	assert.Equal(t, in.Time, got.Time)
	assert.Equal(t, in.Addr, got.Addr)
	assert.Equal(t, in.CPU, got.CPU)
	assert.Equal(t, in.Period, got.Period)
	assert.Equal(t, in.Callchain, got.Callchain)
	assert.Equal(t, in.Raw, got.Raw)
	assert.Equal(t, in.PhysAddr, got.PhysAddr)
}

func TestSample_GroupRead(t *testing.T) {
	rf := ReadGroup | ReadTimeEnabled | ReadTimeRunning | ReadID

	in := &Sample{
		Format: SampleRead | SampleTime,
		Time:   111,
		Read: ReadContent{
			Format:      rf,
			TimeEnabled: 1000,
			TimeRunning: 500,
			Values: []ReadValue{
				{Value: 77, ID: 1},
				{Value: 33, ID: 2},
			},
		},
	}

	buf, err := Marshal(in)
	require.NoError(t, err)

	d := &Decoder{SampleFormat: in.Format, ReadFormat: rf}

	out, _, err := d.Parse(buf)
	require.NoError(t, err)

	got := out.(*Sample)
	assert.Equal(t, uint64(1000), got.Read.TimeEnabled)
	assert.Equal(t, uint64(500), got.Read.TimeRunning)
	require.Len(t, got.Read.Values, 2)
	assert.Equal(t, uint64(77), got.Read.Values[0].Value)
	assert.Equal(t, uint64(2), got.Read.Values[1].ID)
}

func TestThrottleUnthrottle_RoundTrip(t *testing.T) {
	var d Decoder

	buf, err := Marshal(&Throttle{Time: 123, ID: 7, StreamID: 7})
	require.NoError(t, err)

	out, _, err := d.Parse(buf)
	require.NoError(t, err)

	th := out.(*Throttle)
	assert.Equal(t, uint64(123), th.Time)
	assert.Equal(t, uint64(7), th.ID)

	buf, err = Marshal(&Unthrottle{Time: 456, ID: 7, StreamID: 7})
	require.NoError(t, err)

	out, _, err = d.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(456), out.(*Unthrottle).Time)
}

func TestComm_ExecFlagViaMisc(t *testing.T) {
	var d Decoder

	buf, err := Marshal(&Comm{Pid: 9, Tid: 9, Exec: true, Comm: "reth"})
	require.NoError(t, err)

	out, _, err := d.Parse(buf)
	require.NoError(t, err)

	c := out.(*Comm)
	assert.True(t, c.Exec)
	assert.Equal(t, "reth", c.Comm)
}

func TestSwitch_DirectionViaMisc(t *testing.T) {
	var d Decoder

	for _, dir := range []bool{true, false} {
		buf, err := Marshal(&Switch{Out: dir})
		require.NoError(t, err)

		out, _, err := d.Parse(buf)
		require.NoError(t, err)
		assert.Equal(t, dir, out.(*Switch).Out)
	}
}

func TestParse_Truncated(t *testing.T) {
	var d Decoder

	buf, err := Marshal(&Mmap2{Pid: 1, Filename: "/bin/x"})
	require.NoError(t, err)

	_, _, err = d.Parse(buf[:4])
	assert.Error(t, err)

	// Header claims more bytes than the buffer holds.
	short := make([]byte, len(buf)-8)
	copy(short, buf)

	_, _, err = d.Parse(short)
	assert.Error(t, err)
}

func TestParse_UnknownType(t *testing.T) {
	var d Decoder

	buf := make([]byte, 16)
	buf[0] = 0xff // type
	buf[6] = 16   // size

	_, _, err := d.Parse(buf)
	assert.Error(t, err)
}

func TestParse_ConsumesDeclaredSize(t *testing.T) {
	var d Decoder

	a, err := Marshal(&Comm{Pid: 1, Tid: 1, Comm: "x"})
	require.NoError(t, err)

	b, err := Marshal(&Fork{Task{Pid: 2, Ppid: 1, Tid: 2, Ptid: 1, Time: 99}})
	require.NoError(t, err)

	stream := append(a, b...)

	_, n, err := d.Parse(stream)
	require.NoError(t, err)
	assert.Equal(t, len(a), n)

	out, n2, err := d.Parse(stream[n:])
	require.NoError(t, err)
	assert.Equal(t, len(b), n2)
	assert.Equal(t, uint32(2), out.(*Fork).Pid)
}
