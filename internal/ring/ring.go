// Package ring implements the shared delivery buffer carrying the
// record stream from the measurement runtime to its observers: a
// power-of-two ring with reserve/copy/publish writes, an optional
// auxiliary high-bandwidth sub-ring, and a header page readable
// without synchronization through an odd/even sequence counter.
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethpandaops/perfoor/internal/record"
)

// Order is the per-buffer record write direction. All events
// redirected into one buffer must agree on it.
type Order int

const (
	// Forward appends records oldest-first; full buffers drop new
	// records and count them as lost.
	Forward Order = iota
	// Backward overwrites oldest-first so the buffer always holds
	// the newest records; readers walk newest-first.
	Backward
)

func (o Order) String() string {
	if o == Backward {
		return "backward"
	}

	return "forward"
}

// buffer ids only order association locks, so a plain counter is
// enough.
var nextBufferID atomic.Uint64

// Buffer is a reference-counted delivery buffer. Writers reserve
// space, copy the full record, then publish; a partially written
// record is never visible to the reader side.
type Buffer struct {
	id    uint64
	order Order
	data  []byte
	mask  uint64

	// head is the producer reserve index; published trails it and
	// only advances once every byte up to it is copied in. Both only
	// ever grow, for Backward they count bytes written.
	head      atomic.Uint64
	published atomic.Uint64
	tail      atomic.Uint64

	lost   atomic.Uint64
	wakeup atomic.Uint64

	meta Meta
	aux  *AuxBuffer

	refs atomic.Int64

	// assoc guards event redirect association; the runtime takes the
	// locks of both buffers involved in a redirect in id order.
	assoc sync.Mutex
}

// New allocates a Buffer of the given size, which must be a non-zero
// power of two.
func New(size int, order Order) (*Buffer, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring: size %d is not a power of two", size)
	}

	b := &Buffer{
		id:    nextBufferID.Add(1),
		order: order,
		data:  make([]byte, size),
		mask:  uint64(size - 1),
	}
	b.refs.Store(1)
	b.meta.init()

	return b, nil
}

// ID returns the buffer's process-unique id.
func (b *Buffer) ID() uint64 { return b.id }

// Order returns the buffer's write direction.
func (b *Buffer) Order() Order { return b.order }

// Size returns the data capacity in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Meta returns the buffer's shared header page.
func (b *Buffer) Meta() *Meta { return &b.meta }

// Get takes an additional reference.
func (b *Buffer) Get() *Buffer {
	b.refs.Add(1)
	return b
}

// Put drops one reference and reports whether the buffer is gone.
func (b *Buffer) Put() bool {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("ring: refcount underflow")
	}

	return n == 0
}

// LockAssociation locks redirect association for this buffer.
func (b *Buffer) LockAssociation() { b.assoc.Lock() }

// UnlockAssociation releases the association lock.
func (b *Buffer) UnlockAssociation() { b.assoc.Unlock() }

// LockPair locks the association locks of a and z in id order, so two
// redirects touching the same pair cannot deadlock. Either may be nil.
func LockPair(a, z *Buffer) {
	switch {
	case a == nil:
		z.LockAssociation()
	case z == nil || a == z:
		a.LockAssociation()
	case a.id < z.id:
		a.LockAssociation()
		z.LockAssociation()
	default:
		z.LockAssociation()
		a.LockAssociation()
	}
}

// UnlockPair undoes LockPair.
func UnlockPair(a, z *Buffer) {
	switch {
	case a == nil:
		z.UnlockAssociation()
	case z == nil || a == z:
		a.UnlockAssociation()
	default:
		a.UnlockAssociation()
		z.UnlockAssociation()
	}
}

// Lost returns the number of records dropped for lack of space.
func (b *Buffer) Lost() uint64 { return b.lost.Load() }

// TakeLost returns and clears the lost-record count.
func (b *Buffer) TakeLost() uint64 { return b.lost.Swap(0) }

// Write encodes rec into the buffer. On a full Forward buffer the
// record is dropped and counted; Backward buffers never drop.
func (b *Buffer) Write(rec record.Record) error {
	size := record.EncodedSize(rec)
	if size > len(b.data) || size > 0xffff {
		b.lost.Add(1)
		return fmt.Errorf("ring: %s record of %d bytes exceeds buffer size %d",
			rec.Kind(), size, len(b.data))
	}

	// Reserve: advance head by CAS so concurrent writers get
	// disjoint regions.
	var start uint64

	for {
		start = b.head.Load()
		if b.order == Forward {
			used := start - b.tail.Load()
			if used+uint64(size) > uint64(len(b.data)) {
				b.lost.Add(1)
				return ErrFull
			}
		}

		if b.head.CompareAndSwap(start, start+uint64(size)) {
			break
		}
	}

	// Copy the full record into the reserved region.
	var off uint64
	if b.order == Forward {
		off = start & b.mask
	} else {
		// Backward records grow downward from the top of the ring:
		// the record that reserved [start, start+size) lands so that
		// the newest record sits lowest.
		off = (^(start + uint64(size)) + 1) & b.mask
	}

	// Oversize was rejected above, so the copy cannot fail and the
	// reservation is always published.
	err := b.copyRecord(rec, off, size)

	// Publish: wait for earlier reservations to complete so the
	// consumer-visible index never exposes a gap.
	b.publish(start, uint64(size))

	return err
}

func (b *Buffer) copyRecord(rec record.Record, off uint64, size int) error {
	end := off + uint64(size)
	if end <= uint64(len(b.data)) {
		return record.AppendTo(rec, b.data[off:end])
	}

	// Wrapped: encode into scratch, then split-copy.
	scratch := make([]byte, size)
	if err := record.AppendTo(rec, scratch); err != nil {
		return err
	}

	n := copy(b.data[off:], scratch)
	copy(b.data, scratch[n:])

	return nil
}

func (b *Buffer) publish(start, size uint64) {
	// In-order publication: spin until every earlier reservation has
	// published. Writers are interrupt-context-short so the window
	// is a few copies at most.
	for !b.published.CompareAndSwap(start, start+size) {
	}

	b.meta.publishHead(start + size)
}

// ErrFull is returned by Write when a Forward buffer has no room.
var ErrFull = fmt.Errorf("ring: buffer full")

// Reader consumes records from a Forward buffer. Only one Reader may
// be advancing a buffer at a time.
type Reader struct {
	buf *Buffer
	dec *record.Decoder
}

// NewReader creates a Reader over buf decoding with dec.
func NewReader(buf *Buffer, dec *record.Decoder) (*Reader, error) {
	if buf.order != Forward {
		return nil, fmt.Errorf("ring: reader requires a forward buffer, have %s", buf.order)
	}

	return &Reader{buf: buf, dec: dec}, nil
}

// Next returns the next published record, or nil when the buffer is
// drained.
func (r *Reader) Next() (record.Record, error) {
	b := r.buf

	tail := b.tail.Load()
	if tail == b.published.Load() {
		return nil, nil
	}

	off := tail & b.mask
	avail := b.published.Load() - tail

	// The decoder needs the record contiguous; wrapped regions are
	// reassembled into scratch.
	view := b.contiguous(off, avail)

	rec, n, err := r.dec.Parse(view)
	if err != nil {
		return nil, err
	}

	b.tail.Store(tail + uint64(n))
	b.meta.publishTail(tail + uint64(n))

	return rec, nil
}

// Drain parses every published record, advancing the tail.
func (r *Reader) Drain() ([]record.Record, error) {
	var out []record.Record

	for {
		rec, err := r.Next()
		if err != nil {
			return out, err
		}

		if rec == nil {
			return out, nil
		}

		out = append(out, rec)
	}
}

// contiguous returns up to n bytes starting at off, copying into a
// scratch slice when the region wraps.
func (b *Buffer) contiguous(off, n uint64) []byte {
	if n > uint64(len(b.data)) {
		n = uint64(len(b.data))
	}

	if off+n <= uint64(len(b.data)) {
		return b.data[off : off+n]
	}

	scratch := make([]byte, n)
	m := copy(scratch, b.data[off:])
	copy(scratch[m:], b.data)

	return scratch
}

// Snapshot returns the records currently held by a Backward buffer,
// newest first. The producer should be quiescent (events paused or
// disabled) while snapshotting.
func (b *Buffer) Snapshot(dec *record.Decoder) ([]record.Record, error) {
	if b.order != Backward {
		return nil, fmt.Errorf("ring: snapshot requires a backward buffer")
	}

	written := b.published.Load()
	if written == 0 {
		return nil, nil
	}

	limit := written
	if limit > uint64(len(b.data)) {
		limit = uint64(len(b.data))
	}

	start := (^written + 1) & b.mask
	view := b.contiguous(start, limit)

	var out []record.Record

	for off := 0; off < len(view); {
		rec, n, err := dec.Parse(view[off:])
		if err != nil {
			// The oldest record may have been partially overwritten;
			// stop at the first undecodable position.
			return out, nil
		}

		out = append(out, rec)
		off += n
	}

	return out, nil
}
