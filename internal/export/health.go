package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfoor/internal/core"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for agent health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// === Runtime (mirrored from periodic stats snapshots) ===
	OpenEvents        prometheus.Gauge
	MaxSampleRate     prometheus.Gauge
	Placements        prometheus.Counter
	PlacementFailures prometheus.Counter
	Rotations         prometheus.Counter
	Throttles         prometheus.Counter
	Unthrottles       prometheus.Counter
	RemoteCalls       prometheus.Counter
	RemoteRetries     prometheus.Counter
	ContextSwaps      prometheus.Counter
	SampleRecords     prometheus.Counter
	SidebandRecords   prometheus.Counter
	RateReductions    prometheus.Counter

	// === Record delivery ===
	RecordsDrained *prometheus.CounterVec // event
	RecordsByType  *prometheus.CounterVec // record_type
	RecordsLost    *prometheus.CounterVec // event
	DrainDuration  prometheus.Histogram

	// === Workload driver ===
	TasksTracked     prometheus.Gauge
	WorkloadSwitches prometheus.Counter
	WorkloadForks    prometheus.Counter
	WorkloadExits    prometheus.Counter

	// === Sink layer ===
	SinkChannelLength   *prometheus.GaugeVec     // sink
	SinkChannelCapacity *prometheus.GaugeVec     // sink
	SinkFlushDuration   *prometheus.HistogramVec // sink
	SinkBatchSize       *prometheus.HistogramVec // sink
	SinkItemsProcessed  *prometheus.CounterVec   // sink
	SinkDrops           *prometheus.CounterVec   // sink

	// === Export layer ===
	ExportErrors            prometheus.Counter
	ExportBatchErrors       *prometheus.CounterVec   // sink, error_type
	ClickHouseConnected     *prometheus.GaugeVec     // sink
	ClickHouseBatchDuration *prometheus.HistogramVec // operation

	// statsMu guards last, the previous runtime snapshot used for
	// counter deltas.
	statsMu sync.Mutex
	last    core.Stats

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		// === Runtime ===
		OpenEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perfoor",
			Name:      "open_events",
			Help:      "Number of currently open monitoring events.",
		}),
		MaxSampleRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perfoor",
			Name:      "max_sample_rate",
			Help:      "Current sample-rate ceiling in samples per second.",
		}),
		Placements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "placements_total",
			Help:      "Total successful event placements onto backends.",
		}),
		PlacementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "placement_failures_total",
			Help:      "Total failed event placements.",
		}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "rotations_total",
			Help:      "Total flexible-group multiplexing rotations.",
		}),
		Throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "throttles_total",
			Help:      "Total sampling throttle transitions.",
		}),
		Unthrottles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "unthrottles_total",
			Help:      "Total sampling unthrottle transitions.",
		}),
		RemoteCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "remote_calls_total",
			Help:      "Total cross-CPU event function invocations.",
		}),
		RemoteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "remote_retries_total",
			Help:      "Total cross-CPU invocations retried after revalidation failure.",
		}),
		ContextSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "context_swaps_total",
			Help:      "Total equivalent-context swap optimizations taken.",
		}),
		SampleRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "sample_records_total",
			Help:      "Total sample records written to ring buffers.",
		}),
		SidebandRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "sideband_records_total",
			Help:      "Total sideband records written to ring buffers.",
		}),
		RateReductions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "rate_reductions_total",
			Help:      "Total automatic sample-rate ceiling reductions.",
		}),

		// === Record delivery ===
		RecordsDrained: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfoor",
				Name:      "records_drained_total",
				Help:      "Total records drained from ring buffers by event.",
			},
			[]string{"event"},
		),
		RecordsByType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfoor",
				Name:      "records_by_type_total",
				Help:      "Total drained records by record type.",
			},
			[]string{"record_type"},
		),
		RecordsLost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfoor",
				Name:      "records_lost_total",
				Help:      "Total records lost to full ring buffers by event.",
			},
			[]string{"event"},
		),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "perfoor",
			Name:      "drain_duration_seconds",
			Help:      "Time to drain all event ring buffers once.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005}, // 10us-5ms
		}),

		// === Workload driver ===
		TasksTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perfoor",
			Name:      "tasks_tracked",
			Help:      "Number of registered workload tasks.",
		}),
		WorkloadSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "workload_switches_total",
			Help:      "Total task switches driven by the workload scheduler.",
		}),
		WorkloadForks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "workload_forks_total",
			Help:      "Total task forks driven by the workload scheduler.",
		}),
		WorkloadExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "workload_exits_total",
			Help:      "Total task exits driven by the workload scheduler.",
		}),

		// === Sink layer ===
		SinkChannelLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "perfoor",
				Name:      "sink_channel_length",
				Help:      "Current number of items in sink channel.",
			},
			[]string{"sink"},
		),
		SinkChannelCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "perfoor",
				Name:      "sink_channel_capacity",
				Help:      "Capacity of sink item channel.",
			},
			[]string{"sink"},
		),
		SinkFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perfoor",
				Name:      "sink_flush_duration_seconds",
				Help:      "Time to flush a batch by sink.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
			},
			[]string{"sink"},
		),
		SinkBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perfoor",
				Name:      "sink_batch_size",
				Help:      "Number of items per batch flush by sink.",
				Buckets:   []float64{100, 500, 1000, 5000, 10000, 25000, 50000},
			},
			[]string{"sink"},
		),
		SinkItemsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfoor",
				Name:      "sink_items_processed_total",
				Help:      "Total items accepted by sink.",
			},
			[]string{"sink"},
		),
		SinkDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfoor",
				Name:      "sink_drops_total",
				Help:      "Total items dropped by sink due to backpressure.",
			},
			[]string{"sink"},
		),

		// === Export layer ===
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perfoor",
			Name:      "export_errors_total",
			Help:      "Total export errors across all sinks.",
		}),
		ExportBatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfoor",
				Name:      "export_batch_errors_total",
				Help:      "Total export batch errors by sink and error type.",
			},
			[]string{"sink", "error_type"},
		),
		ClickHouseConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "perfoor",
				Name:      "clickhouse_connected",
				Help:      "Whether ClickHouse connection is established (1=yes, 0=no).",
			},
			[]string{"sink"},
		),
		ClickHouseBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perfoor",
				Name:      "clickhouse_batch_duration_seconds",
				Help:      "Time to write a batch to ClickHouse by operation.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5}, // 1ms-500ms
			},
			[]string{"operation"},
		),
	}

	reg.MustRegister(
		h.OpenEvents,
		h.MaxSampleRate,
		h.Placements,
		h.PlacementFailures,
		h.Rotations,
		h.Throttles,
		h.Unthrottles,
		h.RemoteCalls,
		h.RemoteRetries,
		h.ContextSwaps,
		h.SampleRecords,
		h.SidebandRecords,
		h.RateReductions,
	)

	reg.MustRegister(
		h.RecordsDrained,
		h.RecordsByType,
		h.RecordsLost,
		h.DrainDuration,
		h.TasksTracked,
		h.WorkloadSwitches,
		h.WorkloadForks,
		h.WorkloadExits,
	)

	reg.MustRegister(
		h.SinkChannelLength,
		h.SinkChannelCapacity,
		h.SinkFlushDuration,
		h.SinkBatchSize,
		h.SinkItemsProcessed,
		h.SinkDrops,
		h.ExportErrors,
		h.ExportBatchErrors,
		h.ClickHouseConnected,
		h.ClickHouseBatchDuration,
	)

	return h
}

// ObserveRuntime maps a runtime stats snapshot onto the Prometheus
// metrics. Counters receive the delta against the previous snapshot,
// so snapshots should arrive from a single poller.
func (h *HealthMetrics) ObserveRuntime(s core.Stats) {
	h.statsMu.Lock()
	prev := h.last
	h.last = s
	h.statsMu.Unlock()

	h.OpenEvents.Set(float64(s.OpenEvents))

	h.Placements.Add(float64(s.Placements - prev.Placements))
	h.PlacementFailures.Add(float64(s.PlacementFailures - prev.PlacementFailures))
	h.Rotations.Add(float64(s.Rotations - prev.Rotations))
	h.Throttles.Add(float64(s.Throttles - prev.Throttles))
	h.Unthrottles.Add(float64(s.Unthrottles - prev.Unthrottles))
	h.RemoteCalls.Add(float64(s.RemoteCalls - prev.RemoteCalls))
	h.RemoteRetries.Add(float64(s.RemoteRetries - prev.RemoteRetries))
	h.ContextSwaps.Add(float64(s.ContextSwaps - prev.ContextSwaps))
	h.SampleRecords.Add(float64(s.SampleRecords - prev.SampleRecords))
	h.SidebandRecords.Add(float64(s.SidebandRecords - prev.SidebandRecords))
	h.RateReductions.Add(float64(s.RateReductions - prev.RateReductions))
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
