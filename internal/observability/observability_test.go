package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/philippevezina/snapshot-bridge/internal/config"
)

func TestErrorContext_Tags(t *testing.T) {
	errCtx := NewErrorContext("worker", "snapshot_split").
		WithTable("shop.orders").
		WithSplit("shop.orders:3").
		WithPosition("mysql-bin.000004:1200").
		WithExtra("attempt", 2)

	assert.Equal(t, map[string]string{
		"component": "worker",
		"operation": "snapshot_split",
		"table":     "shop.orders",
		"split":     "shop.orders:3",
	}, errCtx.Tags())
	assert.Equal(t, 2, errCtx.Extra["attempt"])

	assert.Equal(t, map[string]string{"component": "coordinator"}, NewErrorContext("coordinator", "").Tags())
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ObservabilityConfig
		wantErr string
	}{
		{name: "disabled", cfg: config.ObservabilityConfig{}},
		{
			name: "noop providers",
			cfg: config.ObservabilityConfig{
				ErrorReporting: config.ErrorReportingConfig{Enabled: true, Provider: "noop"},
				LogExporting:   config.LogExportingConfig{Enabled: true, Provider: "noop"},
			},
		},
		{
			name:    "sentry without dsn",
			cfg:     config.ObservabilityConfig{ErrorReporting: config.ErrorReportingConfig{Enabled: true, Provider: "sentry"}},
			wantErr: "sentry DSN is required",
		},
		{
			name:    "unknown exporter",
			cfg:     config.ObservabilityConfig{LogExporting: config.LogExportingConfig{Enabled: true, Provider: "datadog"}},
			wantErr: "unknown log exporting provider",
		},
		{
			name:    "new relic without license",
			cfg:     config.ObservabilityConfig{LogExporting: config.LogExportingConfig{Enabled: true, Provider: "newrelic"}},
			wantErr: "license key is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(&tt.cfg, zap.NewNop())
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, m.ErrorReporter().CaptureError(context.Background(), errors.New("boom"), nil))
			assert.NoError(t, m.Stop())
		})
	}
}

func TestManager_WrapCoreWithoutExporter(t *testing.T) {
	m, err := NewManager(&config.ObservabilityConfig{}, zap.NewNop())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(m.WrapCore(core))
	logger.Info("checkpoint saved")
	assert.Equal(t, 1, logs.Len())
}

func TestSeverity_String(t *testing.T) {
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "fatal", SeverityFatal.String())
	assert.Equal(t, "unknown", Severity(42).String())
}
