package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var phases = []string{
	"DiscoveringTables",
	"AssigningSnapshotSplits",
	"WaitingForSnapshotCompletion",
	"AssigningStreamSplit",
	"StreamingInProgress",
}

type PrometheusMetrics struct {
	chunksRead          *prometheus.CounterVec
	chunkFailures       *prometheus.CounterVec
	chunkDuration       prometheus.Histogram
	rowsEmitted         *prometheus.CounterVec
	changesApplied      prometheus.Counter
	streamEventsSkipped prometheus.Counter
	sinkWriteDuration   *prometheus.HistogramVec
	splits              *prometheus.GaugeVec
	phase               *prometheus.GaugeVec
	activeWorkers       prometheus.Gauge
	workersLost         prometheus.Counter
	replicationLag      prometheus.Gauge
	connectionStatus    *prometheus.GaugeVec
	lastEventTime       prometheus.Gauge
	checkpointsCreated  prometheus.Counter
	checkpointAge       prometheus.Gauge
	lastEventTimestamp  time.Time
	mu                  sync.RWMutex
}

// NewPrometheusMetrics registers the collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		chunksRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_bridge_chunks_read_total",
			Help: "Total number of chunks read and reconciled",
		}, []string{"table"}),
		chunkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_bridge_chunk_failures_total",
			Help: "Total number of failed chunk reads",
		}, []string{"retryable"}),
		chunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapshot_bridge_chunk_duration_seconds",
			Help:    "Duration of a chunk read including reconciliation",
			Buckets: prometheus.DefBuckets,
		}),
		rowsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_bridge_rows_emitted_total",
			Help: "Total number of row events written to the sink",
		}, []string{"source"}),
		changesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_bridge_changes_applied_total",
			Help: "Total number of stream changes folded into chunk reads",
		}),
		streamEventsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_bridge_stream_events_skipped_total",
			Help: "Total number of stream events already covered by a finished chunk",
		}),
		sinkWriteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapshot_bridge_sink_write_duration_seconds",
			Help:    "Duration of sink writes in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		splits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapshot_bridge_splits",
			Help: "Number of snapshot splits by state",
		}, []string{"state"}),
		phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapshot_bridge_phase",
			Help: "Current assigner phase (1 = active)",
		}, []string{"phase"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_bridge_active_workers",
			Help: "Number of workers with a recent heartbeat",
		}),
		workersLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_bridge_workers_lost_total",
			Help: "Total number of workers declared lost",
		}),
		replicationLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_bridge_replication_lag_seconds",
			Help: "Age of the last streamed change in seconds",
		}),
		connectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapshot_bridge_connection_status",
			Help: "Connection status (1 = connected, 0 = disconnected)",
		}, []string{"database_type"}),
		lastEventTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_bridge_last_event_timestamp",
			Help: "Timestamp of the last processed event",
		}),
		checkpointsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_bridge_checkpoints_created_total",
			Help: "Total number of checkpoints created",
		}),
		checkpointAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_bridge_checkpoint_age_seconds",
			Help: "Age of the last checkpoint in seconds",
		}),
	}
}

func (m *PrometheusMetrics) IncChunksRead(table string) {
	m.chunksRead.WithLabelValues(table).Inc()
}

func (m *PrometheusMetrics) IncChunkFailures(retryable bool) {
	m.chunkFailures.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (m *PrometheusMetrics) ObserveChunkDuration(duration time.Duration) {
	m.chunkDuration.Observe(duration.Seconds())
}

func (m *PrometheusMetrics) AddRowsEmitted(source string, count int) {
	m.rowsEmitted.WithLabelValues(source).Add(float64(count))
}

func (m *PrometheusMetrics) AddChangesApplied(count int) {
	m.changesApplied.Add(float64(count))
}

func (m *PrometheusMetrics) AddStreamEventsSkipped(count int) {
	m.streamEventsSkipped.Add(float64(count))
}

func (m *PrometheusMetrics) ObserveSinkWrite(sink string, duration time.Duration) {
	m.sinkWriteDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) SetSplitCounts(remaining, assigned, finished int) {
	m.splits.WithLabelValues("remaining").Set(float64(remaining))
	m.splits.WithLabelValues("assigned").Set(float64(assigned))
	m.splits.WithLabelValues("finished").Set(float64(finished))
}

func (m *PrometheusMetrics) SetPhase(phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1.0
		}
		m.phase.WithLabelValues(p).Set(v)
	}
}

func (m *PrometheusMetrics) SetActiveWorkers(count int) {
	m.activeWorkers.Set(float64(count))
}

func (m *PrometheusMetrics) IncWorkersLost() {
	m.workersLost.Inc()
}

func (m *PrometheusMetrics) SetReplicationLag(lag time.Duration) {
	m.replicationLag.Set(lag.Seconds())
}

func (m *PrometheusMetrics) SetConnectionStatus(dbType string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	m.connectionStatus.WithLabelValues(dbType).Set(status)
}

func (m *PrometheusMetrics) SetLastEventTime(timestamp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEventTimestamp = timestamp
	m.lastEventTime.Set(float64(timestamp.Unix()))
}

func (m *PrometheusMetrics) GetLastEventTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastEventTimestamp
}

func (m *PrometheusMetrics) IncCheckpointsCreated() {
	m.checkpointsCreated.Inc()
}

func (m *PrometheusMetrics) SetCheckpointAge(age time.Duration) {
	m.checkpointAge.Set(age.Seconds())
}
