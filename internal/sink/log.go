package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

// LogSink writes every event to the logger at info level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: common.LoggerWithComponent(logger, "sink")}
}

func (s *LogSink) Write(ctx context.Context, events []common.RowEvent) error {
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Info("Row event",
			zap.String("op", string(e.Op)),
			zap.String("table", e.Table.String()),
			zap.String("key", e.Key.String()),
			zap.Any("before", e.Before),
			zap.Any("after", e.After),
			zap.String("position", e.Position.String()),
			zap.Bool("snapshot", e.Snapshot))
	}
	return nil
}

func (s *LogSink) Close() error {
	_ = s.logger.Sync()
	return nil
}
