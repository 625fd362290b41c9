package sink

import (
	"context"
	"time"

	"github.com/ethpandaops/perfoor/internal/record"
)

// Config holds configuration for all sinks.
type Config struct {
	Archive  ArchiveConfig  `yaml:"archive"`
	Counters CountersConfig `yaml:"counters"`
}

// RecordBatch is one drain of an event ring buffer.
type RecordBatch struct {
	// EventName is the configured name of the event the buffer
	// belongs to.
	EventName string
	// EventID is the runtime event id.
	EventID uint64
	// CPU is the virtual CPU the event is bound to, or -1 for
	// task-scoped events.
	CPU int
	// Lost counts records dropped by the ring buffer since the
	// previous drain.
	Lost uint64
	// Records holds the drained records in publication order.
	Records []record.Record
}

// CounterSnapshot is one periodic read of an open counter.
type CounterSnapshot struct {
	Time        time.Time
	EventName   string
	EventID     uint64
	Backend     string
	Scope       string // "cpu" or "task"
	CPU         int
	PID         uint32
	Value       uint64
	TimeEnabled uint64
	TimeRunning uint64
}

// Sink defines the interface for monitoring data consumers.
type Sink interface {
	// Name returns the sink's name for logging.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop shuts down the sink.
	Stop() error
	// HandleRecords consumes one ring-buffer drain.
	HandleRecords(batch RecordBatch)
	// HandleSnapshot consumes one periodic counter read.
	HandleSnapshot(snap CounterSnapshot)
}
