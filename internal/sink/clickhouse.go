package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/clickhouse"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/security"
)

type ClickHouseConfig struct {
	Database  string
	Table     string
	BatchSize int
	JobID     string
}

var changeLogColumns = []string{
	"job_id", "source_database", "source_table", "op", "row_key",
	"before", "after", "is_snapshot", "position_file", "position_offset",
	"event_time", "_version",
}

// ClickHouseSink appends events to a change-log table. Replays of the same
// event collapse in the ReplacingMergeTree because the sort key includes the
// position and the key.
type ClickHouseSink struct {
	client *clickhouse.Client
	cfg    ClickHouseConfig
	logger *zap.Logger
}

func NewClickHouseSink(client *clickhouse.Client, cfg ClickHouseConfig, logger *zap.Logger) *ClickHouseSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &ClickHouseSink{
		client: client,
		cfg:    cfg,
		logger: common.LoggerWithComponent(logger, "clickhouse_sink"),
	}
}

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	target, err := security.QualifiedTable(s.cfg.Database, s.cfg.Table)
	if err != nil {
		return fmt.Errorf("invalid sink table in config: %w", err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			job_id String,
			source_database LowCardinality(String),
			source_table LowCardinality(String),
			op LowCardinality(String),
			row_key String,
			before String,
			after String,
			is_snapshot UInt8,
			position_file String,
			position_offset UInt64,
			event_time DateTime64(3),
			_version UInt64
		) ENGINE = ReplacingMergeTree(_version)
		ORDER BY (job_id, source_database, source_table, row_key, position_file, position_offset, is_snapshot)
	`, target)
	if err := s.client.ExecuteQuery(ctx, query); err != nil {
		return fmt.Errorf("failed to create change-log table: %w", err)
	}
	s.logger.Info("Change-log table ready", zap.String("table", target))
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []common.RowEvent) error {
	for start := 0; start < len(events); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(events) {
			end = len(events)
		}
		rows, err := s.rows(events[start:end])
		if err != nil {
			return common.NewTerminalError("failed to encode change-log rows: %w", err)
		}
		if err := s.client.InsertRows(ctx, s.cfg.Database, s.cfg.Table, changeLogColumns, rows); err != nil {
			return err
		}
	}
	return nil
}

func (s *ClickHouseSink) rows(events []common.RowEvent) ([][]interface{}, error) {
	rows := make([][]interface{}, len(events))
	for i, e := range events {
		before, err := encodeRow(e.Before)
		if err != nil {
			return nil, err
		}
		after, err := encodeRow(e.After)
		if err != nil {
			return nil, err
		}
		rows[i] = []interface{}{
			s.cfg.JobID,
			e.Table.Database,
			e.Table.Name,
			string(e.Op),
			e.Key.String(),
			before,
			after,
			e.Snapshot,
			e.Position.File,
			e.Position.Offset,
			e.Timestamp,
			uint64(e.Timestamp.UnixNano()),
		}
	}
	return rows, nil
}

func encodeRow(row common.Row) (string, error) {
	if row == nil {
		return "", nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *ClickHouseSink) Close() error {
	return nil
}
