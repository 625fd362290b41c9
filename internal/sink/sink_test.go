package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpexport "github.com/ethpandaops/perfoor/internal/export/http"
	"github.com/ethpandaops/perfoor/internal/record"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func startArchive(t *testing.T, cfg ArchiveConfig) *ArchiveSink {
	t.Helper()

	s, err := NewArchiveSink(testLog(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	return s
}

func TestArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.pfa")

	s := startArchive(t, ArchiveConfig{
		Enabled:     true,
		Path:        path,
		Compression: httpexport.CompressionZstd,
	})

	s.HandleRecords(RecordBatch{
		EventName: "cycles",
		EventID:   7,
		CPU:       0,
		Records: []record.Record{
			&record.Comm{Pid: 100, Tid: 100, Comm: "worker"},
			&record.Fork{Task: record.Task{Pid: 101, Ppid: 100, Time: 42}},
		},
	})
	s.HandleRecords(RecordBatch{
		EventName: "faults",
		EventID:   9,
		CPU:       -1,
		Lost:      3,
		Records: []record.Record{
			&record.Comm{Pid: 101, Tid: 101, Comm: "child"},
		},
	})

	require.NoError(t, s.Stop())

	algorithm, frames, err := ReadArchive(path)
	require.NoError(t, err)
	assert.Equal(t, httpexport.CompressionZstd, algorithm)
	require.Len(t, frames, 4)

	assert.Equal(t, uint64(7), frames[0].EventID)
	assert.Equal(t, 0, frames[0].CPU)

	// The lost count is framed ahead of the batch it preceded.
	assert.Equal(t, uint64(9), frames[2].EventID)
	assert.Equal(t, -1, frames[2].CPU)

	dec := &record.Decoder{}

	rec, _, err := dec.Parse(frames[0].Payload)
	require.NoError(t, err)
	comm, ok := rec.(*record.Comm)
	require.True(t, ok)
	assert.Equal(t, "worker", comm.Comm)
	assert.Equal(t, uint32(100), comm.Pid)

	rec, _, err = dec.Parse(frames[2].Payload)
	require.NoError(t, err)
	lost, ok := rec.(*record.LostSamples)
	require.True(t, ok)
	assert.Equal(t, uint64(3), lost.Lost)

	rec, _, err = dec.Parse(frames[3].Payload)
	require.NoError(t, err)
	assert.Equal(t, record.TypeComm, rec.Kind())
}

func TestArchiveAppendsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.pfa")

	cfg := ArchiveConfig{Enabled: true, Path: path, Compression: httpexport.CompressionGzip}

	s := startArchive(t, cfg)
	s.HandleRecords(RecordBatch{
		EventID: 1,
		Records: []record.Record{&record.Comm{Pid: 1, Tid: 1, Comm: "a"}},
	})
	require.NoError(t, s.Stop())

	s = startArchive(t, cfg)
	s.HandleRecords(RecordBatch{
		EventID: 2,
		Records: []record.Record{&record.Comm{Pid: 2, Tid: 2, Comm: "b"}},
	})
	require.NoError(t, s.Stop())

	algorithm, frames, err := ReadArchive(path)
	require.NoError(t, err)
	assert.Equal(t, httpexport.CompressionGzip, algorithm)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].EventID)
	assert.Equal(t, uint64(2), frames[1].EventID)
}

func TestArchiveConfigDefaults(t *testing.T) {
	s, err := NewArchiveSink(testLog(), ArchiveConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "x.pfa"),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, httpexport.CompressionZstd, s.cfg.Compression)
	assert.Equal(t, 256*1024, s.cfg.SegmentBytes)
	assert.Equal(t, 5*time.Second, s.cfg.FlushInterval)
}

func TestArchiveRequiresDestination(t *testing.T) {
	_, err := NewArchiveSink(testLog(), ArchiveConfig{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestArchiveSinkHTTPExport(t *testing.T) {
	var (
		mu   sync.Mutex
		body strings.Builder
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)

		mu.Lock()
		body.Write(data)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// HTTP-only mode: no archive file on disk.
	s, err := NewArchiveSink(testLog(), ArchiveConfig{
		Enabled: true,
		HTTP: httpexport.Config{
			Enabled:      true,
			Address:      server.URL,
			Compression:  httpexport.CompressionNone,
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.HandleRecords(RecordBatch{
		EventName: "cycles",
		EventID:   7,
		CPU:       1,
		Records: []record.Record{
			&record.Comm{Pid: 100, Tid: 100, Comm: "worker"},
		},
	})

	require.NoError(t, s.Stop())

	mu.Lock()
	got := body.String()
	mu.Unlock()

	assert.Contains(t, got, `"event_name":"cycles"`)
	assert.Contains(t, got, `"record_type":"comm"`)
	assert.Contains(t, got, `"worker"`)
}

func TestReadArchiveRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-archive")
	require.NoError(t, writeFile(path, "something else\nentirely"))

	_, _, err := ReadArchive(path)
	assert.ErrorContains(t, err, "not an archive file")
}

func TestCountersSinkRequiresDestination(t *testing.T) {
	_, err := NewCountersSink(testLog(), CountersConfig{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestCountersSinkHTTPExport(t *testing.T) {
	var (
		mu   sync.Mutex
		body strings.Builder
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)

		mu.Lock()
		body.Write(data)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewCountersSink(testLog(), CountersConfig{
		Enabled: true,
		HTTP: httpexport.Config{
			Enabled:       true,
			Address:       server.URL,
			Compression:   httpexport.CompressionNone,
			BatchTimeout:  50 * time.Millisecond,
			MetaAgentName: "test-agent",
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.HandleSnapshot(CounterSnapshot{
		Time:        time.Unix(0, 1234),
		EventName:   "cycles",
		EventID:     7,
		Backend:     "software",
		Scope:       "cpu",
		CPU:         0,
		Value:       99,
		TimeEnabled: 1000,
		TimeRunning: 500,
	})

	// Stop flushes the pending batch into the processor and the
	// processor shutdown drains its queue.
	require.NoError(t, s.Stop())

	mu.Lock()
	got := body.String()
	mu.Unlock()

	assert.Contains(t, got, `"event_name":"cycles"`)
	assert.Contains(t, got, `"value":99`)
	assert.Contains(t, got, `"meta_agent_name":"test-agent"`)
}

func TestCounterSnapshotJSONConversion(t *testing.T) {
	snap := CounterSnapshot{
		Time:        time.Unix(1, 500),
		EventName:   "faults",
		EventID:     3,
		Backend:     "slotted",
		Scope:       "task",
		CPU:         -1,
		PID:         42,
		Value:       10,
		TimeEnabled: 2000,
		TimeRunning: 1000,
	}

	j := toCounterSnapshotJSON(snap, "agent-1", "host-1")

	assert.Equal(t, uint64(1000000500), j.TimestampNs)
	assert.Equal(t, "faults", j.EventName)
	assert.Equal(t, -1, j.CPU)
	assert.Equal(t, uint32(42), j.PID)
	assert.Equal(t, uint64(2000), j.TimeEnabledNs)
	assert.Equal(t, "agent-1", j.MetaAgentName)
	assert.Equal(t, "host-1", j.MetaHostname)
}
