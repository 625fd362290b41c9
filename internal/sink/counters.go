package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/export"
	httpexport "github.com/ethpandaops/perfoor/internal/export/http"
	"github.com/ethpandaops/perfoor/internal/migrate"
)

// CountersConfig configures the counter snapshot sink.
type CountersConfig struct {
	Enabled bool `yaml:"enabled"`

	// ClickHouse configures snapshot storage. Leave the endpoint
	// empty to disable ClickHouse export.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`

	// HTTP configures optional NDJSON export of snapshots.
	HTTP httpexport.Config `yaml:"http"`
}

// CountersSink batches periodic counter snapshots into ClickHouse
// and, optionally, an HTTP endpoint.
type CountersSink struct {
	log    logrus.FieldLogger
	cfg    CountersConfig
	writer *export.ClickHouseWriter
	health *export.HealthMetrics

	// httpProcessor is nil unless HTTP export is enabled.
	httpProcessor *processor.BatchItemProcessor[CounterSnapshotJSON]

	mu     sync.Mutex
	batch  []CounterSnapshot
	cancel context.CancelFunc
	done   chan struct{}
	snapCh chan CounterSnapshot
}

var _ Sink = (*CountersSink)(nil)

// NewCountersSink creates a new counter snapshot sink.
func NewCountersSink(
	log logrus.FieldLogger,
	cfg CountersConfig,
	health *export.HealthMetrics,
) (*CountersSink, error) {
	sink := &CountersSink{
		log:    log.WithField("sink", "counters"),
		cfg:    cfg,
		health: health,
		batch:  make([]CounterSnapshot, 0, cfg.ClickHouse.BatchSize),
		done:   make(chan struct{}),
		snapCh: make(chan CounterSnapshot, 8192),
	}

	if cfg.ClickHouse.Endpoint != "" {
		sink.writer = export.NewClickHouseWriter(log, cfg.ClickHouse)
	}

	if cfg.HTTP.Enabled {
		proc, err := httpexport.NewProcessor[CounterSnapshotJSON](
			log,
			cfg.HTTP,
			"counters_http",
		)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP processor: %w", err)
		}

		sink.httpProcessor = proc
	}

	if sink.writer == nil && sink.httpProcessor == nil {
		return nil, fmt.Errorf(
			"counters sink needs a clickhouse endpoint or http export",
		)
	}

	return sink, nil
}

func (s *CountersSink) Name() string { return "counters" }

func (s *CountersSink) Start(ctx context.Context) error {
	if s.writer != nil {
		if s.cfg.ClickHouse.Migrate {
			mig := migrate.New(s.log, s.cfg.ClickHouse.DSN())
			if err := mig.Up(ctx); err != nil {
				return fmt.Errorf("migrating snapshot schema: %w", err)
			}
		}

		if err := s.writer.Start(ctx); err != nil {
			return err
		}

		if s.health != nil {
			s.health.ClickHouseConnected.WithLabelValues("counters").Set(1)
		}
	}

	if s.health != nil {
		s.health.SinkChannelCapacity.WithLabelValues("counters").
			Set(float64(cap(s.snapCh)))
	}

	ctx, s.cancel = context.WithCancel(ctx)

	if s.httpProcessor != nil {
		s.httpProcessor.Start(ctx)
		s.log.Info("HTTP export started")
	}

	go s.runLoop(ctx)

	s.log.Info("Counters sink started")

	return nil
}

func (s *CountersSink) Stop() error {
	if s.cancel == nil {
		return s.stopWriter()
	}

	s.cancel()
	<-s.done

	// Flush remaining snapshots.
	s.mu.Lock()
	remaining := s.batch
	s.batch = nil
	s.mu.Unlock()

	if len(remaining) > 0 {
		if err := s.flush(context.Background(), remaining); err != nil {
			s.log.WithError(err).Error("Final flush failed")
			s.reportExportError()
		}
	}

	if s.httpProcessor != nil {
		if err := s.httpProcessor.Shutdown(context.Background()); err != nil {
			s.log.WithError(err).Error("HTTP processor shutdown failed")
		}
	}

	return s.stopWriter()
}

func (s *CountersSink) stopWriter() error {
	if s.writer == nil {
		return nil
	}

	return s.writer.Stop()
}

// HandleRecords is a no-op: ring-buffer records belong to the
// archive sink.
func (s *CountersSink) HandleRecords(RecordBatch) {}

func (s *CountersSink) HandleSnapshot(snap CounterSnapshot) {
	select {
	case s.snapCh <- snap:
		if s.health != nil {
			s.health.SinkItemsProcessed.WithLabelValues("counters").Inc()
		}
	default:
		s.log.Warn("Counters sink channel full, dropping snapshot")

		if s.health != nil {
			s.health.SinkDrops.WithLabelValues("counters").Inc()
		}
	}
}

func (s *CountersSink) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.snapCh:
			s.addSnapshot(ctx, snap)
		case <-ticker.C:
			if s.health != nil {
				s.health.SinkChannelLength.WithLabelValues("counters").
					Set(float64(len(s.snapCh)))
			}

			s.tickFlush(ctx)
		}
	}
}

func (s *CountersSink) flushInterval() time.Duration {
	if s.writer != nil {
		return s.writer.Config().FlushInterval
	}

	return time.Second
}

func (s *CountersSink) batchSize() int {
	if s.writer != nil {
		return s.writer.Config().BatchSize
	}

	return 1024
}

func (s *CountersSink) addSnapshot(ctx context.Context, snap CounterSnapshot) {
	s.mu.Lock()
	s.batch = append(s.batch, snap)
	shouldFlush := len(s.batch) >= s.batchSize()

	var toFlush []CounterSnapshot

	if shouldFlush {
		toFlush = s.batch
		s.batch = s.batch[:0]
	}

	s.mu.Unlock()

	if shouldFlush {
		if err := s.flush(ctx, toFlush); err != nil {
			s.log.WithError(err).Error("Batch flush failed")
			s.reportExportError()
		}
	}
}

func (s *CountersSink) tickFlush(ctx context.Context) {
	s.mu.Lock()

	if len(s.batch) == 0 {
		s.mu.Unlock()

		return
	}

	toFlush := s.batch
	s.batch = s.batch[:0]
	s.mu.Unlock()

	if err := s.flush(ctx, toFlush); err != nil {
		s.log.WithError(err).Error("Periodic flush failed")
		s.reportExportError()
	}
}

func (s *CountersSink) flush(ctx context.Context, snaps []CounterSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	if s.httpProcessor != nil {
		s.exportHTTP(ctx, snaps)
	}

	if s.writer == nil {
		return nil
	}

	start := time.Now()

	conn := s.writer.Conn()
	cfg := s.writer.Config()
	table := fmt.Sprintf("%s.%s", cfg.Database, cfg.Table)

	batch, err := conn.PrepareBatch(
		ctx,
		fmt.Sprintf(
			"INSERT INTO %s (timestamp_ns, agent, hostname, event_name, event_id, backend, scope, cpu, pid, value, time_enabled_ns, time_running_ns)",
			table,
		),
	)
	if err != nil {
		s.recordBatchError("prepare")

		return fmt.Errorf("preparing batch: %w", err)
	}

	for _, snap := range snaps {
		if err := batch.Append(
			uint64(snap.Time.UnixNano()),
			cfg.MetaAgentName,
			cfg.MetaHostname,
			snap.EventName,
			snap.EventID,
			snap.Backend,
			snap.Scope,
			int16(snap.CPU),
			snap.PID,
			snap.Value,
			snap.TimeEnabled,
			snap.TimeRunning,
		); err != nil {
			s.recordBatchError("append")

			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		s.recordBatchError("send")

		return fmt.Errorf("sending batch of %d rows: %w", len(snaps), err)
	}

	if s.health != nil {
		duration := time.Since(start)
		s.health.SinkFlushDuration.WithLabelValues("counters").Observe(duration.Seconds())
		s.health.SinkBatchSize.WithLabelValues("counters").Observe(float64(len(snaps)))
		s.health.ClickHouseBatchDuration.WithLabelValues("send").Observe(duration.Seconds())
	}

	s.log.WithField("rows", len(snaps)).
		Debug("Flushed counter snapshots")

	return nil
}

// exportHTTP hands snapshots to the batch processor.
func (s *CountersSink) exportHTTP(ctx context.Context, snaps []CounterSnapshot) {
	items := make([]*CounterSnapshotJSON, 0, len(snaps))

	for _, snap := range snaps {
		item := toCounterSnapshotJSON(
			snap, s.cfg.HTTP.MetaAgentName, s.cfg.HTTP.MetaHostname,
		)
		items = append(items, &item)
	}

	if err := s.httpProcessor.Write(ctx, items); err != nil {
		s.log.WithError(err).Debug("HTTP export failed (queue may be full)")
	}
}

func (s *CountersSink) reportExportError() {
	if s.health == nil {
		return
	}

	s.health.ExportErrors.Inc()
}

// recordBatchError records a batch error with categorized error type.
func (s *CountersSink) recordBatchError(errorType string) {
	if s.health == nil {
		return
	}

	s.health.ExportBatchErrors.WithLabelValues("counters", errorType).Inc()
}

// CounterSnapshotJSON is the JSON schema for HTTP export of counter
// snapshots.
type CounterSnapshotJSON struct {
	TimestampNs   uint64 `json:"timestamp_ns"`
	EventName     string `json:"event_name"`
	EventID       uint64 `json:"event_id"`
	Backend       string `json:"backend"`
	Scope         string `json:"scope"`
	CPU           int    `json:"cpu"`
	PID           uint32 `json:"pid,omitempty"`
	Value         uint64 `json:"value"`
	TimeEnabledNs uint64 `json:"time_enabled_ns"`
	TimeRunningNs uint64 `json:"time_running_ns"`
	MetaAgentName string `json:"meta_agent_name,omitempty"`
	MetaHostname  string `json:"meta_hostname,omitempty"`
}

func toCounterSnapshotJSON(
	snap CounterSnapshot,
	metaAgentName, metaHostname string,
) CounterSnapshotJSON {
	return CounterSnapshotJSON{
		TimestampNs:   uint64(snap.Time.UnixNano()),
		EventName:     snap.EventName,
		EventID:       snap.EventID,
		Backend:       snap.Backend,
		Scope:         snap.Scope,
		CPU:           snap.CPU,
		PID:           snap.PID,
		Value:         snap.Value,
		TimeEnabledNs: snap.TimeEnabled,
		TimeRunningNs: snap.TimeRunning,
		MetaAgentName: metaAgentName,
		MetaHostname:  metaHostname,
	}
}
