package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
mysql:
  host: db.internal
  username: replicator
  password: secret
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.MySQL.Host)
	assert.Equal(t, 3306, cfg.MySQL.Port)
	assert.Equal(t, StartupInitial, cfg.Source.StartupMode)
	assert.Equal(t, 8096, cfg.Chunk.Size)
	assert.Equal(t, 1000.0, cfg.Chunk.EvenDistributionUpper)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.LivenessTimeout)
	assert.Equal(t, 3, cfg.Coordinator.MaxSplitAttempts)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, StateSQLite, cfg.State.Type)
	assert.Equal(t, SinkLog, cfg.Sink.Type)
	assert.Equal(t, "snapshot_bridge_checkpoints", cfg.State.ClickHouse.Table)
}

func TestParse_TableFilterAndStartup(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + `
source:
  job_id: orders-job
  startup_mode: specific
  startup_file: mysql-bin.000042
  startup_offset: 1337
  table_filter:
    database_pattern: "shop_.*"
    table_pattern: "orders|customers"
    exclude_tables: [shop_eu.customers]
`))
	require.NoError(t, err)

	assert.Equal(t, "orders-job", cfg.Source.JobID)
	assert.Equal(t, StartupSpecific, cfg.Source.StartupMode)
	assert.Equal(t, "mysql-bin.000042", cfg.Source.StartupFile)
	assert.Equal(t, uint64(1337), cfg.Source.StartupOffset)
	assert.Equal(t, "shop_.*", cfg.Source.TableFilter.DatabasePattern)
	assert.Equal(t, []string{"shop_eu.customers"}, cfg.Source.TableFilter.ExcludeTables)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		extra       string
		errContains string
	}{
		{
			name:        "unknown startup mode",
			extra:       "source:\n  startup_mode: timestamp\n",
			errContains: "source.startup_mode",
		},
		{
			name:        "specific offset without file",
			extra:       "source:\n  startup_mode: specific\n",
			errContains: "source.startup_file",
		},
		{
			name:        "clickhouse state without addresses",
			extra:       "state:\n  type: clickhouse\n",
			errContains: "clickhouse.addresses",
		},
		{
			name:        "minio state without bucket",
			extra:       "state:\n  type: minio\n  minio:\n    endpoint: localhost:9000\n",
			errContains: "state.minio.bucket",
		},
		{
			name:        "heartbeat slower than liveness timeout",
			extra:       "worker:\n  heartbeat_interval: 1m\n",
			errContains: "worker.heartbeat_interval",
		},
		{
			name:        "zero split attempts",
			extra:       "coordinator:\n  max_split_attempts: 0\n",
			errContains: "coordinator.max_split_attempts",
		},
		{
			name:        "unknown sink",
			extra:       "sink:\n  type: kafka\n",
			errContains: "sink.type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(minimalConfig + tt.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestParse_MissingMySQLUser(t *testing.T) {
	_, err := Parse([]byte("mysql:\n  host: db\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql.username is required")
}
