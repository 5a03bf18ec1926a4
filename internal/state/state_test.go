package state

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/clickhouse"
	"github.com/philippevezina/snapshot-bridge/internal/config"
)

func checkpointAt(id, job string, created time.Time, data string) *Checkpoint {
	return &Checkpoint{ID: id, JobID: job, Kind: "pending-splits", Data: []byte(data), CreatedAt: created}
}

// exerciseStorage runs the behaviour every backend must share.
func exerciseStorage(t *testing.T, s Storage) {
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	latest, err := s.GetLatestCheckpoint(ctx, "job-a")
	require.NoError(t, err)
	assert.Nil(t, latest)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("c1", "job-a", base, "one")))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("c2", "job-a", base.Add(time.Hour), "two")))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("c3", "job-b", base.Add(2*time.Hour), "other")))

	latest, err = s.GetLatestCheckpoint(ctx, "job-a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "c2", latest.ID)
	assert.Equal(t, []byte("two"), latest.Data)
	assert.Equal(t, "pending-splits", latest.Kind)
	assert.True(t, latest.CreatedAt.Equal(base.Add(time.Hour)))

	list, err := s.ListCheckpoints(ctx, "job-a", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ID)
	assert.Equal(t, "c1", list[1].ID)

	require.NoError(t, s.Prune(ctx, "job-a", base.Add(24*time.Hour)))
	list, err = s.ListCheckpoints(ctx, "job-a", 10)
	require.NoError(t, err)
	require.Len(t, list, 1, "the latest checkpoint survives pruning")
	assert.Equal(t, "c2", list[0].ID)

	other, err := s.GetLatestCheckpoint(ctx, "job-b")
	require.NoError(t, err)
	assert.Equal(t, "c3", other.ID)

	assert.NoError(t, s.HealthCheck(ctx))
	assert.NoError(t, s.Close())
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemoryStorage())
}

func TestSQLiteStorage(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "state.db"), zap.NewNop())
	require.NoError(t, err)
	exerciseStorage(t, s)
}

func TestClickHouseStorage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	client := clickhouse.NewClientWithDB(db, &config.ClickHouseConfig{Database: "analytics"}, zap.NewNop())
	s := NewClickHouseStorage(client, zap.NewNop(), ClickHouseConfig{Database: "analytics", RetentionPeriod: time.Hour})
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `analytics`.`snapshot_bridge_checkpoints`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Initialize(ctx))

	mock.ExpectExec("INSERT INTO `analytics`.`snapshot_bridge_checkpoints`").
		WithArgs("c1", "job", "pending-splits", base64.StdEncoding.EncodeToString([]byte{0x53, 0x00}), created).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		ID: "c1", JobID: "job", Kind: "pending-splits", Data: []byte{0x53, 0x00}, CreatedAt: created,
	}))

	mock.ExpectQuery("SELECT id, job_id, kind, data, created_at").
		WithArgs("job").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "kind", "data", "created_at"}).
			AddRow("c1", "job", "pending-splits", base64.StdEncoding.EncodeToString([]byte{0x53, 0x00}), created))
	latest, err := s.GetLatestCheckpoint(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x53, 0x00}, latest.Data)

	mock.ExpectQuery("SELECT id, job_id, kind, data, created_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "kind", "data", "created_at"}))
	latest, err = s.GetLatestCheckpoint(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, latest)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMinIOObjectKeys(t *testing.T) {
	s := &MinIOStorage{prefix: "checkpoints"}
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cp := checkpointAt("6f1c2c1e-8a43-4d3c-9d7e-0a1b2c3d4e5f", "job", created, "x")

	key := s.objectKey(cp)
	assert.Equal(t, "checkpoints/job/", key[:len("checkpoints/job/")])

	ts, id, err := parseObjectKey(key)
	require.NoError(t, err)
	assert.True(t, ts.Equal(created))
	assert.Equal(t, cp.ID, id)

	older := s.objectKey(checkpointAt("a", "job", created.Add(-time.Hour), "x"))
	newer := s.objectKey(checkpointAt("b", "job", created.Add(time.Hour), "x"))
	assert.Less(t, older, key)
	assert.Less(t, key, newer)

	candidates := pruneCandidates([]string{newer, key, older}, created.Add(30*time.Minute))
	assert.Equal(t, []string{key, older}, candidates)
	assert.Empty(t, pruneCandidates([]string{older}, created), "the newest key is never pruned")
}

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "minio:9000", want: "minio:9000"},
		{in: "https://minio.example.com:9000", want: "minio.example.com:9000"},
		{in: "http://minio:9000/", want: "minio:9000"},
		{in: "http://minio:9000/bucket", wantErr: true},
		{in: "minio/bucket", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cleanEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestManager(t *testing.T) {
	storage := NewMemoryStorage()
	m := NewManager(storage, "job", config.StateConfig{RetentionPeriod: time.Hour}, zap.NewNop())
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Initialize(ctx))
	latest, err := m.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.True(t, m.LastSaveTime().IsZero())

	first, err := m.Save(ctx, "pending-splits", []byte("one"))
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	second, err := m.Save(ctx, "pending-splits", []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, now, m.LastSaveTime())

	latest, err = m.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), latest.Data)

	list, err := m.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1, "checkpoints past retention are pruned")
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(config.StateConfig{Type: config.StateMemory}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	_, err = NewStorage(config.StateConfig{Type: config.StateClickHouse}, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewStorage(config.StateConfig{Type: "file"}, nil, zap.NewNop())
	assert.Error(t, err)
}
