package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
)

type Metrics interface {
	IncChunksRead(table string)
	IncChunkFailures(retryable bool)
	ObserveChunkDuration(duration time.Duration)
	AddRowsEmitted(source string, count int)
	AddChangesApplied(count int)
	AddStreamEventsSkipped(count int)
	ObserveSinkWrite(sink string, duration time.Duration)
	SetSplitCounts(remaining, assigned, finished int)
	SetPhase(phase string)
	SetActiveWorkers(count int)
	IncWorkersLost()
	SetReplicationLag(lag time.Duration)
	SetConnectionStatus(dbType string, connected bool)
	SetLastEventTime(timestamp time.Time)
	GetLastEventTime() time.Time
	IncCheckpointsCreated()
	SetCheckpointAge(age time.Duration)
}

const (
	SourceSnapshot = "snapshot"
	SourceStream   = "stream"
)

// HealthFunc reports the current health of the process.
type HealthFunc func() common.HealthStatus

type Manager struct {
	cfg     *config.MonitoringConfig
	logger  *zap.Logger
	metrics Metrics
	server  *http.Server

	mu     sync.RWMutex
	health HealthFunc
}

func NewManager(cfg *config.MonitoringConfig, logger *zap.Logger) *Manager {
	var metrics Metrics

	if cfg.Enabled {
		metrics = NewPrometheusMetrics(prometheus.DefaultRegisterer)
	} else {
		metrics = &NoopMetrics{}
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

func (m *Manager) SetHealthFunc(fn HealthFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = fn
}

// Handler returns the mux serving the metrics and health endpoints.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(m.cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(m.cfg.HealthPath, m.healthHandler)
	return mux
}

func (m *Manager) Start() error {
	if !m.cfg.Enabled {
		m.logger.Info("Metrics disabled")
		return nil
	}

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.cfg.Port),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server",
			zap.Int("port", m.cfg.Port),
			zap.String("metrics_path", m.cfg.MetricsPath),
			zap.String("health_path", m.cfg.HealthPath))

		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

func (m *Manager) Stop() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("Failed to shutdown metrics server", zap.Error(err))
		return err
	}

	m.logger.Info("Metrics server stopped")
	return nil
}

func (m *Manager) GetMetrics() Metrics {
	return m.metrics
}

func (m *Manager) healthHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	fn := m.health
	m.mu.RUnlock()

	status := common.HealthStatus{Status: "ok"}
	if fn != nil {
		status = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		m.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

type NoopMetrics struct{}

func (n *NoopMetrics) IncChunksRead(table string)                           {}
func (n *NoopMetrics) IncChunkFailures(retryable bool)                      {}
func (n *NoopMetrics) ObserveChunkDuration(duration time.Duration)          {}
func (n *NoopMetrics) AddRowsEmitted(source string, count int)              {}
func (n *NoopMetrics) AddChangesApplied(count int)                          {}
func (n *NoopMetrics) AddStreamEventsSkipped(count int)                     {}
func (n *NoopMetrics) ObserveSinkWrite(sink string, duration time.Duration) {}
func (n *NoopMetrics) SetSplitCounts(remaining, assigned, finished int)     {}
func (n *NoopMetrics) SetPhase(phase string)                                {}
func (n *NoopMetrics) SetActiveWorkers(count int)                           {}
func (n *NoopMetrics) IncWorkersLost()                                      {}
func (n *NoopMetrics) SetReplicationLag(lag time.Duration)                  {}
func (n *NoopMetrics) SetConnectionStatus(dbType string, connected bool)    {}
func (n *NoopMetrics) SetLastEventTime(timestamp time.Time)                 {}
func (n *NoopMetrics) GetLastEventTime() time.Time                          { return time.Time{} }
func (n *NoopMetrics) IncCheckpointsCreated()                               {}
func (n *NoopMetrics) SetCheckpointAge(age time.Duration)                   {}
