package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/export"
	httpexport "github.com/ethpandaops/perfoor/internal/export/http"
	"github.com/ethpandaops/perfoor/internal/record"
)

// archiveMagic is the first token of an archive file header line.
const archiveMagic = "perfoor-archive/1"

// ArchiveConfig configures the archive sink.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the archive file to append to. Optional when HTTP
	// export is enabled.
	Path string `yaml:"path"`

	// Compression selects the segment compression algorithm.
	// Valid values: none, gzip, zstd, zlib, snappy. Defaults to zstd.
	Compression string `yaml:"compression"`

	// SegmentBytes is the uncompressed segment size that triggers a
	// flush. Defaults to 256KiB.
	SegmentBytes int `yaml:"segment_bytes"`

	// FlushInterval bounds how long records sit unflushed.
	// Defaults to 5s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// HTTP configures optional JSON export of decoded records.
	HTTP httpexport.Config `yaml:"http"`
}

func (c *ArchiveConfig) applyDefaults() {
	if c.Compression == "" {
		c.Compression = httpexport.CompressionZstd
	}

	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 256 * 1024
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// ArchiveSink appends every drained record to a compressed
// length-prefixed segment stream on disk. Each frame carries the
// owning event id and CPU so the stream can be demultiplexed offline.
type ArchiveSink struct {
	log        logrus.FieldLogger
	cfg        ArchiveConfig
	health     *export.HealthMetrics
	compressor *httpexport.Compressor

	file    *os.File
	pending bytes.Buffer
	frames  int

	// httpProcessor is nil unless HTTP export is enabled.
	httpProcessor *processor.BatchItemProcessor[RecordJSON]

	batchCh chan RecordBatch
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Sink = (*ArchiveSink)(nil)

// NewArchiveSink creates a new archive sink.
func NewArchiveSink(
	log logrus.FieldLogger,
	cfg ArchiveConfig,
	health *export.HealthMetrics,
) (*ArchiveSink, error) {
	cfg.applyDefaults()

	if cfg.Path == "" && !cfg.HTTP.Enabled {
		return nil, fmt.Errorf("archive sink needs a path or http export")
	}

	compressor, err := httpexport.NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	sink := &ArchiveSink{
		log:        log.WithField("sink", "archive"),
		cfg:        cfg,
		health:     health,
		compressor: compressor,
		batchCh:    make(chan RecordBatch, 1024),
		done:       make(chan struct{}),
	}

	if cfg.HTTP.Enabled {
		proc, err := httpexport.NewProcessor[RecordJSON](
			log,
			cfg.HTTP,
			"archive_http",
		)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP processor: %w", err)
		}

		sink.httpProcessor = proc
	}

	return sink, nil
}

func (s *ArchiveSink) Name() string { return "archive" }

func (s *ArchiveSink) Start(ctx context.Context) error {
	if s.cfg.Path != "" {
		if err := s.openFile(); err != nil {
			return err
		}
	}

	if s.health != nil {
		s.health.SinkChannelCapacity.WithLabelValues("archive").
			Set(float64(cap(s.batchCh)))
	}

	ctx, s.cancel = context.WithCancel(ctx)

	if s.httpProcessor != nil {
		s.httpProcessor.Start(ctx)
		s.log.Info("HTTP export started")
	}

	go s.runLoop(ctx)

	s.log.WithFields(logrus.Fields{
		"path":        s.cfg.Path,
		"compression": s.cfg.Compression,
	}).Info("Archive sink started")

	return nil
}

func (s *ArchiveSink) openFile() error {
	f, err := os.OpenFile(
		s.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
	)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", s.cfg.Path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return fmt.Errorf("stat archive: %w", err)
	}

	// New file gets a header naming the compression so readers do
	// not depend on configuration.
	if info.Size() == 0 {
		header := fmt.Sprintf("%s %s\n", archiveMagic, s.cfg.Compression)
		if _, err := f.WriteString(header); err != nil {
			f.Close()

			return fmt.Errorf("writing archive header: %w", err)
		}
	}

	s.file = f

	return nil
}

func (s *ArchiveSink) Stop() error {
	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done

	// Drain whatever arrived before the loop exited, then flush.
	for {
		select {
		case batch := <-s.batchCh:
			s.appendBatch(context.Background(), batch)
		default:
			s.flushSegment()

			if s.httpProcessor != nil {
				if err := s.httpProcessor.Shutdown(context.Background()); err != nil {
					s.log.WithError(err).Error("HTTP processor shutdown failed")
				}
			}

			var err error
			if s.file != nil {
				err = s.file.Close()
			}

			s.compressor.Close()

			return err
		}
	}
}

func (s *ArchiveSink) HandleRecords(batch RecordBatch) {
	if len(batch.Records) == 0 && batch.Lost == 0 {
		return
	}

	select {
	case s.batchCh <- batch:
		if s.health != nil {
			s.health.SinkItemsProcessed.WithLabelValues("archive").
				Add(float64(len(batch.Records)))
		}
	default:
		s.log.Warn("Archive sink channel full, dropping batch")

		if s.health != nil {
			s.health.SinkDrops.WithLabelValues("archive").Inc()
		}
	}
}

// HandleSnapshot is a no-op: counter snapshots are tabular and belong
// to the counters sink.
func (s *ArchiveSink) HandleSnapshot(CounterSnapshot) {}

func (s *ArchiveSink) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-s.batchCh:
			s.appendBatch(ctx, batch)

			if s.pending.Len() >= s.cfg.SegmentBytes {
				s.flushSegment()
			}
		case <-ticker.C:
			if s.health != nil {
				s.health.SinkChannelLength.WithLabelValues("archive").
					Set(float64(len(s.batchCh)))
			}

			s.flushSegment()
		}
	}
}

// appendBatch frames every record of the batch into the pending
// segment. A lost count is framed as a synthetic lost-samples record
// so gaps survive archiving.
func (s *ArchiveSink) appendBatch(ctx context.Context, batch RecordBatch) {
	if s.file != nil {
		if batch.Lost > 0 {
			s.appendFrame(batch, &record.LostSamples{Lost: batch.Lost})
		}

		for _, rec := range batch.Records {
			s.appendFrame(batch, rec)
		}
	}

	if s.httpProcessor != nil {
		s.exportHTTP(ctx, batch)
	}
}

// exportHTTP hands the batch to the batch processor as decoded JSON.
func (s *ArchiveSink) exportHTTP(ctx context.Context, batch RecordBatch) {
	items := make([]*RecordJSON, 0, len(batch.Records))

	for _, rec := range batch.Records {
		items = append(items, &RecordJSON{
			EventName:  batch.EventName,
			EventID:    batch.EventID,
			CPU:        batch.CPU,
			RecordType: rec.Kind().String(),
			Record:     rec,
		})
	}

	if err := s.httpProcessor.Write(ctx, items); err != nil {
		s.log.WithError(err).Debug("HTTP export failed (queue may be full)")
	}
}

func (s *ArchiveSink) appendFrame(batch RecordBatch, rec record.Record) {
	payload, err := record.Marshal(rec)
	if err != nil {
		s.log.WithError(err).
			WithField("record_type", rec.Kind().String()).
			Warn("Failed to marshal record, skipping")

		return
	}

	var hdr [16]byte

	binary.LittleEndian.PutUint64(hdr[0:8], batch.EventID)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(int32(batch.CPU)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))

	s.pending.Write(hdr[:])
	s.pending.Write(payload)
	s.frames++
}

func (s *ArchiveSink) flushSegment() {
	if s.file == nil || s.pending.Len() == 0 {
		return
	}

	start := time.Now()
	raw := s.pending.Bytes()

	compressed, err := s.compressor.Compress(raw)
	if err != nil {
		s.log.WithError(err).Error("Segment compression failed")
		s.reportExportError()
		s.pending.Reset()
		s.frames = 0

		return
	}

	var hdr [8]byte

	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(compressed)))

	if _, err := s.file.Write(hdr[:]); err == nil {
		_, err = s.file.Write(compressed)
	}

	if err != nil {
		s.log.WithError(err).Error("Segment write failed")
		s.reportExportError()
	} else if s.health != nil {
		s.health.SinkFlushDuration.WithLabelValues("archive").
			Observe(time.Since(start).Seconds())
		s.health.SinkBatchSize.WithLabelValues("archive").
			Observe(float64(s.frames))
	}

	s.log.WithFields(logrus.Fields{
		"frames":     s.frames,
		"raw":        len(raw),
		"compressed": len(compressed),
	}).Debug("Flushed archive segment")

	s.pending.Reset()
	s.frames = 0
}

func (s *ArchiveSink) reportExportError() {
	if s.health == nil {
		return
	}

	s.health.ExportErrors.Inc()
}

// RecordJSON is the JSON schema for HTTP export of decoded records.
// Record marshals as the concrete record struct.
type RecordJSON struct {
	EventName  string        `json:"event_name"`
	EventID    uint64        `json:"event_id"`
	CPU        int           `json:"cpu"`
	RecordType string        `json:"record_type"`
	Record     record.Record `json:"record"`
}

// ArchivedFrame is one record recovered from an archive file.
type ArchivedFrame struct {
	EventID uint64
	CPU     int
	Payload []byte
}

// ReadArchive decodes a complete archive file, returning the
// compression algorithm from the header and every frame in write
// order. Payloads are still encoded records; decoding them needs the
// sample and read formats of the originating event.
func ReadArchive(path string) (string, []ArchivedFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	header, err := br.ReadString('\n')
	if err != nil {
		return "", nil, fmt.Errorf("reading archive header: %w", err)
	}

	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != archiveMagic {
		return "", nil, fmt.Errorf("not an archive file: %q", strings.TrimSpace(header))
	}

	algorithm := parts[1]

	var frames []ArchivedFrame

	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return algorithm, frames, nil
			}

			return "", nil, fmt.Errorf("reading segment header: %w", err)
		}

		rawLen := binary.LittleEndian.Uint32(hdr[0:4])
		compLen := binary.LittleEndian.Uint32(hdr[4:8])

		compressed := make([]byte, compLen)
		if _, err := io.ReadFull(br, compressed); err != nil {
			return "", nil, fmt.Errorf("reading segment body: %w", err)
		}

		raw, err := decompressSegment(algorithm, compressed)
		if err != nil {
			return "", nil, fmt.Errorf("decompressing segment: %w", err)
		}

		if len(raw) != int(rawLen) {
			return "", nil, fmt.Errorf(
				"segment length mismatch: header %d, decoded %d",
				rawLen, len(raw),
			)
		}

		for off := 0; off < len(raw); {
			if len(raw)-off < 16 {
				return "", nil, fmt.Errorf("truncated frame header at %d", off)
			}

			eventID := binary.LittleEndian.Uint64(raw[off : off+8])
			cpu := int32(binary.LittleEndian.Uint32(raw[off+8 : off+12]))
			size := int(binary.LittleEndian.Uint32(raw[off+12 : off+16]))
			off += 16

			if len(raw)-off < size {
				return "", nil, fmt.Errorf("truncated frame payload at %d", off)
			}

			frames = append(frames, ArchivedFrame{
				EventID: eventID,
				CPU:     int(cpu),
				Payload: raw[off : off+size],
			})
			off += size
		}
	}
}

func decompressSegment(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case httpexport.CompressionNone:
		return data, nil
	case httpexport.CompressionGzip:
		return httpexport.DecompressGzip(data)
	case httpexport.CompressionZstd:
		return httpexport.DecompressZstd(data)
	case httpexport.CompressionZlib:
		return httpexport.DecompressZlib(data)
	case httpexport.CompressionSnappy:
		return httpexport.DecompressSnappy(data)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}
