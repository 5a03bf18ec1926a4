package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStorage keeps checkpoints in a local SQLite file.
type SQLiteStorage struct {
	db      *sql.DB
	logger  *zap.Logger
	writeMu sync.Mutex
}

func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLiteStorage, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	return &SQLiteStorage{db: db, logger: logger}, nil
}

func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_job_created ON checkpoints(job_id, created_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	s.logger.Info("SQLite state storage initialized")
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	return s.retryOnBusy(func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (id, job_id, kind, data, created_at) VALUES (?, ?, ?, ?, ?)`,
			checkpoint.ID, checkpoint.JobID, checkpoint.Kind, checkpoint.Data, checkpoint.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStorage) GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, job_id, kind, data, created_at FROM checkpoints
	WHERE job_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, jobID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStorage) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, job_id, kind, data, created_at FROM checkpoints
	WHERE job_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Prune(ctx context.Context, jobID string, before time.Time) error {
	return s.retryOnBusy(func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE job_id = ? AND created_at < ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE job_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
		)`, jobID, before.UnixNano(), jobID)
		if err != nil {
			return fmt.Errorf("failed to prune checkpoints: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStorage) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) retryOnBusy(operation func() error) error {
	const maxRetries = 5
	delay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = operation(); err == nil || !isBusyError(err) {
			return err
		}
		s.logger.Debug("SQLite busy, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func isBusyError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		createdAt int64
	)
	if err := row.Scan(&cp.ID, &cp.JobID, &cp.Kind, &cp.Data, &createdAt); err != nil {
		return nil, err
	}
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	return &cp, nil
}
