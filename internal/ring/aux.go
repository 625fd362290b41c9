package ring

import (
	"fmt"
	"sync/atomic"
)

// AuxBuffer is the optional high-bandwidth sub-ring attached to a
// Buffer. Raw trace bytes stream into it directly; the main ring
// carries Aux records pointing at the written region.
type AuxBuffer struct {
	data []byte
	mask uint64
	head atomic.Uint64

	// paused gates writers. writer is the single-writer guard: a
	// nested interrupt re-entering Pause/Resume while a write is in
	// flight must not deadlock on itself, so the flag is owned by at
	// most one writer at a time.
	paused atomic.Bool
	writer atomic.Bool

	lost atomic.Uint64
}

// NewAux allocates an auxiliary ring of the given power-of-two size.
func NewAux(size int) (*AuxBuffer, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring: aux size %d is not a power of two", size)
	}

	return &AuxBuffer{
		data: make([]byte, size),
		mask: uint64(size - 1),
	}, nil
}

// SetAux attaches an auxiliary ring to the buffer. It can be attached
// once, before any event starts streaming into it.
func (b *Buffer) SetAux(aux *AuxBuffer) error {
	if b.aux != nil {
		return fmt.Errorf("ring: buffer %d already has an aux ring", b.id)
	}

	b.aux = aux

	return nil
}

// Aux returns the attached auxiliary ring, or nil.
func (b *Buffer) Aux() *AuxBuffer { return b.aux }

// Size returns the aux data capacity in bytes.
func (a *AuxBuffer) Size() int { return len(a.data) }

// Head returns the total number of bytes ever written.
func (a *AuxBuffer) Head() uint64 { return a.head.Load() }

// Lost returns the number of aux bytes dropped while paused.
func (a *AuxBuffer) Lost() uint64 { return a.lost.Load() }

// Pause stops aux writes. Safe to call from the overflow path.
func (a *AuxBuffer) Pause() { a.paused.Store(true) }

// Resume re-enables aux writes.
func (a *AuxBuffer) Resume() { a.paused.Store(false) }

// Paused reports whether the ring is paused.
func (a *AuxBuffer) Paused() bool { return a.paused.Load() }

// Write streams raw bytes into the aux ring, overwriting the oldest
// data, and returns the starting offset of the written region. A
// paused ring and a ring already being written (a nested interrupt
// hitting its own half-finished write) both count the bytes as lost.
func (a *AuxBuffer) Write(p []byte) (offset uint64, n int, err error) {
	if a.paused.Load() {
		a.lost.Add(uint64(len(p)))
		return 0, 0, ErrPaused
	}

	// Single-writer guard against self-recursion.
	if !a.writer.CompareAndSwap(false, true) {
		a.lost.Add(uint64(len(p)))
		return 0, 0, ErrBusyWriter
	}
	defer a.writer.Store(false)

	if len(p) > len(a.data) {
		p = p[len(p)-len(a.data):]
	}

	start := a.head.Load()
	off := start & a.mask

	m := copy(a.data[off:], p)
	copy(a.data, p[m:])

	a.head.Store(start + uint64(len(p)))

	return start, len(p), nil
}

// Bytes copies out the size bytes ending at offset+size. Used by
// consumers following Aux records.
func (a *AuxBuffer) Bytes(offset, size uint64) ([]byte, error) {
	if size > uint64(len(a.data)) {
		return nil, fmt.Errorf("ring: aux read of %d exceeds capacity %d", size, len(a.data))
	}

	head := a.head.Load()
	if offset+size > head || head-offset > uint64(len(a.data)) {
		return nil, fmt.Errorf("ring: aux region [%d,%d) no longer available", offset, offset+size)
	}

	out := make([]byte, size)
	off := offset & a.mask

	m := copy(out, a.data[off:])
	copy(out[m:], a.data)

	return out[:size], nil
}

// ErrPaused is returned by Write while the aux ring is paused.
var ErrPaused = fmt.Errorf("ring: aux ring paused")

// ErrBusyWriter is returned when a write re-enters an in-flight write.
var ErrBusyWriter = fmt.Errorf("ring: aux ring busy")
