package state

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/clickhouse"
	"github.com/philippevezina/snapshot-bridge/internal/security"
)

type ClickHouseConfig struct {
	Database        string
	Table           string
	RetentionPeriod time.Duration
}

// ClickHouseStorage keeps checkpoints in a ReplacingMergeTree table. Blobs are
// stored base64 encoded in a String column.
type ClickHouseStorage struct {
	client *clickhouse.Client
	logger *zap.Logger
	config ClickHouseConfig
}

func NewClickHouseStorage(client *clickhouse.Client, logger *zap.Logger, config ClickHouseConfig) *ClickHouseStorage {
	if config.Database == "" {
		config.Database = "default"
	}
	if config.Table == "" {
		config.Table = "snapshot_bridge_checkpoints"
	}
	return &ClickHouseStorage{
		client: client,
		logger: logger,
		config: config,
	}
}

func (s *ClickHouseStorage) Initialize(ctx context.Context) error {
	table, err := s.fullTableName()
	if err != nil {
		return fmt.Errorf("invalid checkpoint table in config: %w", err)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id String,
			job_id String,
			kind LowCardinality(String),
			data String,
			created_at DateTime64(9)
		) ENGINE = ReplacingMergeTree(created_at)
		ORDER BY (job_id, created_at, id)
		TTL toDateTime(created_at) + toIntervalSecond(%d) DELETE
	`, table, int64(s.config.RetentionPeriod.Seconds()))

	if err := s.client.ExecuteQuery(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}

	s.logger.Info("ClickHouse state storage initialized",
		zap.String("database", s.config.Database),
		zap.String("table", s.config.Table))
	return nil
}

func (s *ClickHouseStorage) Close() error {
	return nil
}

func (s *ClickHouseStorage) fullTableName() (string, error) {
	return security.QualifiedTable(s.config.Database, s.config.Table)
}

func (s *ClickHouseStorage) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	table, err := s.fullTableName()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, job_id, kind, data, created_at) VALUES (?, ?, ?, ?, ?)`, table)
	err = s.client.ExecuteQuery(ctx, query,
		checkpoint.ID,
		checkpoint.JobID,
		checkpoint.Kind,
		base64.StdEncoding.EncodeToString(checkpoint.Data),
		checkpoint.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved",
		zap.String("id", checkpoint.ID),
		zap.String("job_id", checkpoint.JobID),
		zap.Int("bytes", len(checkpoint.Data)))
	return nil
}

func (s *ClickHouseStorage) GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	list, err := s.ListCheckpoints(ctx, jobID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *ClickHouseStorage) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	table, err := s.fullTableName()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, job_id, kind, data, created_at
		FROM %s FINAL
		WHERE job_id = ?
		ORDER BY created_at DESC
		LIMIT %d
	`, table, limit)

	rows, err := s.client.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// Prune is a lightweight delete. The table TTL removes old rows too.
func (s *ClickHouseStorage) Prune(ctx context.Context, jobID string, before time.Time) error {
	latest, err := s.GetLatestCheckpoint(ctx, jobID)
	if err != nil || latest == nil {
		return err
	}
	table, err := s.fullTableName()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE job_id = ? AND created_at < ? AND id != ?`, table)
	if err := s.client.ExecuteQuery(ctx, query, jobID, before, latest.ID); err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return nil
}

func (s *ClickHouseStorage) HealthCheck(ctx context.Context) error {
	table, err := s.fullTableName()
	if err != nil {
		return err
	}
	var count uint64
	if err := s.client.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s", table)).Scan(&count); err != nil {
		return fmt.Errorf("checkpoint table health check failed: %w", err)
	}
	return nil
}

func (s *ClickHouseStorage) scanCheckpoint(rows *sql.Rows) (*Checkpoint, error) {
	var (
		cp      Checkpoint
		encoded string
	)
	if err := rows.Scan(&cp.ID, &cp.JobID, &cp.Kind, &encoded, &cp.CreatedAt); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s has malformed data: %w", cp.ID, err)
	}
	cp.Data = data
	return &cp, nil
}
