package ring

import "sync/atomic"

// MetaSnapshot is one consistent reading of the shared header page.
// Observers use it to read an event's index, count offset and time
// accounting without calling into the runtime.
type MetaSnapshot struct {
	Version     uint32
	Index       uint32
	Offset      int64
	TimeEnabled uint64
	TimeRunning uint64
	DataHead    uint64
	DataTail    uint64
}

// Meta is the buffer's shared header page. Writers hold the runtime
// side; readers may be on any goroutine. Consistency is guarded by a
// two-phase sequence counter: odd while a write is in flight, even
// when the page is stable.
type Meta struct {
	seq atomic.Uint32

	version     atomic.Uint32
	index       atomic.Uint32
	offset      atomic.Int64
	timeEnabled atomic.Uint64
	timeRunning atomic.Uint64
	dataHead    atomic.Uint64
	dataTail    atomic.Uint64
}

const metaVersion = 1

func (m *Meta) init() {
	m.version.Store(metaVersion)
}

// Update publishes a new index/offset/time reading under the sequence
// counter.
func (m *Meta) Update(index uint32, offset int64, enabled, running uint64) {
	m.seq.Add(1) // odd: write in flight

	m.index.Store(index)
	m.offset.Store(offset)
	m.timeEnabled.Store(enabled)
	m.timeRunning.Store(running)

	m.seq.Add(1) // even: stable
}

func (m *Meta) publishHead(head uint64) {
	m.dataHead.Store(head)
}

func (m *Meta) publishTail(tail uint64) {
	m.dataTail.Store(tail)
}

// Read returns a consistent snapshot, retrying while a writer is in
// the middle of an update.
func (m *Meta) Read() MetaSnapshot {
	for {
		seq := m.seq.Load()
		if seq&1 != 0 {
			continue
		}

		snap := MetaSnapshot{
			Version:     m.version.Load(),
			Index:       m.index.Load(),
			Offset:      m.offset.Load(),
			TimeEnabled: m.timeEnabled.Load(),
			TimeRunning: m.timeRunning.Load(),
			DataHead:    m.dataHead.Load(),
			DataTail:    m.dataTail.Load(),
		}

		if m.seq.Load() == seq {
			return snap
		}
	}
}
