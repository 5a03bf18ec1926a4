package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/clickhouse"
	"github.com/philippevezina/snapshot-bridge/internal/config"
)

// Manager saves and loads the checkpoints of one job.
type Manager struct {
	storage  Storage
	logger   *zap.Logger
	jobID    string
	config   config.StateConfig
	mu       sync.RWMutex
	lastSave time.Time
	now      func() time.Time
}

// NewStorage builds the backend named by cfg.Type. clickhouseClient is only
// used by the clickhouse backend and may be nil otherwise.
func NewStorage(cfg config.StateConfig, clickhouseClient *clickhouse.Client, logger *zap.Logger) (Storage, error) {
	switch cfg.Type {
	case config.StateMemory:
		return NewMemoryStorage(), nil
	case config.StateSQLite:
		return NewSQLiteStorage(cfg.SQLite.Path, logger)
	case config.StateMinIO:
		return NewMinIOStorage(cfg.MinIO, logger)
	case config.StateClickHouse:
		if clickhouseClient == nil {
			return nil, fmt.Errorf("clickhouse state storage requires a ClickHouse connection")
		}
		return NewClickHouseStorage(clickhouseClient, logger, ClickHouseConfig{
			Database:        cfg.ClickHouse.Database,
			Table:           cfg.ClickHouse.Table,
			RetentionPeriod: cfg.RetentionPeriod,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported state storage type: %s", cfg.Type)
	}
}

func NewManager(storage Storage, jobID string, cfg config.StateConfig, logger *zap.Logger) *Manager {
	return &Manager{
		storage: storage,
		logger:  logger,
		jobID:   jobID,
		config:  cfg,
		now:     time.Now,
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize state storage: %w", err)
	}
	return nil
}

func (m *Manager) Close() error {
	return m.storage.Close()
}

func (m *Manager) JobID() string {
	return m.jobID
}

// Save stores data as the job's newest checkpoint and prunes those past the
// retention period.
func (m *Manager) Save(ctx context.Context, kind string, data []byte) (*Checkpoint, error) {
	now := m.now().UTC()
	checkpoint := &Checkpoint{
		ID:        uuid.New().String(),
		JobID:     m.jobID,
		Kind:      kind,
		Data:      data,
		CreatedAt: now,
	}

	if err := m.storage.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	m.mu.Lock()
	m.lastSave = now
	m.mu.Unlock()

	if m.config.RetentionPeriod > 0 {
		if err := m.storage.Prune(ctx, m.jobID, now.Add(-m.config.RetentionPeriod)); err != nil {
			m.logger.Warn("Failed to prune old checkpoints", zap.Error(err))
		}
	}

	m.logger.Info("Checkpoint created",
		zap.String("checkpoint_id", checkpoint.ID),
		zap.String("job_id", m.jobID),
		zap.String("kind", kind),
		zap.Int("bytes", len(data)))

	return checkpoint, nil
}

// Latest returns the newest checkpoint of the job, or nil when there is none.
func (m *Manager) Latest(ctx context.Context) (*Checkpoint, error) {
	checkpoint, err := m.storage.GetLatestCheckpoint(ctx, m.jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	if checkpoint == nil {
		m.logger.Info("No previous checkpoint found, starting fresh", zap.String("job_id", m.jobID))
		return nil, nil
	}
	m.logger.Info("Found checkpoint",
		zap.String("checkpoint_id", checkpoint.ID),
		zap.String("kind", checkpoint.Kind),
		zap.Time("created_at", checkpoint.CreatedAt))
	return checkpoint, nil
}

func (m *Manager) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	return m.storage.ListCheckpoints(ctx, m.jobID, limit)
}

// LastSaveTime is the zero time until the first Save.
func (m *Manager) LastSaveTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSave
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.storage.HealthCheck(ctx)
}
