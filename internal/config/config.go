package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// MySQL SSL modes
const (
	SSLModeDisabled       = "disabled"
	SSLModePreferred      = "preferred"
	SSLModeRequired       = "required"
	SSLModeVerifyCA       = "verify_ca"
	SSLModeVerifyIdentity = "verify_identity"
)

// Startup modes. Only StartupInitial takes a snapshot; the others stream from
// a position chosen at job start.
const (
	StartupInitial  = "initial"
	StartupLatest   = "latest"
	StartupEarliest = "earliest"
	StartupSpecific = "specific"
)

// State storage backends
const (
	StateMemory     = "memory"
	StateClickHouse = "clickhouse"
	StateSQLite     = "sqlite"
	StateMinIO      = "minio"
)

// Sink types
const (
	SinkLog        = "log"
	SinkClickHouse = "clickhouse"
)

type Config struct {
	MySQL         MySQLConfig         `mapstructure:"mysql"`
	Source        SourceConfig        `mapstructure:"source"`
	Chunk         ChunkConfig         `mapstructure:"chunk"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Reconciler    ReconcilerConfig    `mapstructure:"reconciler"`
	Stream        StreamConfig        `mapstructure:"stream"`
	TableStream   TableStreamConfig   `mapstructure:"table_stream"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	State         StateConfig         `mapstructure:"state"`
	Sink          SinkConfig          `mapstructure:"sink"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type MySQLConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	ServerID        uint32        `mapstructure:"server_id"`
	Flavor          string        `mapstructure:"flavor"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	SSLCert         string        `mapstructure:"ssl_cert"`
	SSLKey          string        `mapstructure:"ssl_key"`
	SSLCa           string        `mapstructure:"ssl_ca"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
}

type SourceConfig struct {
	JobID         string            `mapstructure:"job_id"`
	StartupMode   string            `mapstructure:"startup_mode"`
	StartupFile   string            `mapstructure:"startup_file"`
	StartupOffset uint64            `mapstructure:"startup_offset"`
	TableFilter   TableFilterConfig `mapstructure:"table_filter"`
}

type TableFilterConfig struct {
	DatabasePattern string   `mapstructure:"database_pattern"`
	TablePattern    string   `mapstructure:"table_pattern"`
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
	IncludeTables   []string `mapstructure:"include_tables"`
	ExcludeTables   []string `mapstructure:"exclude_tables"`
}

type ChunkConfig struct {
	Size                  int     `mapstructure:"size"`
	SampleEvery           int     `mapstructure:"sample_every"`
	EvenDistributionUpper float64 `mapstructure:"even_distribution_upper"`
	EvenDistributionLower float64 `mapstructure:"even_distribution_lower"`
}

type CoordinatorConfig struct {
	ListenAddress      string        `mapstructure:"listen_address"`
	Address            string        `mapstructure:"address"`
	LivenessTimeout    time.Duration `mapstructure:"liveness_timeout"`
	LivenessInterval   time.Duration `mapstructure:"liveness_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	MaxSplitAttempts   int           `mapstructure:"max_split_attempts"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

type WorkerConfig struct {
	Count             int           `mapstructure:"count"`
	IDPrefix          string        `mapstructure:"id_prefix"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type ReconcilerConfig struct {
	StreamWaitTimeout time.Duration `mapstructure:"stream_wait_timeout"`
}

type StreamConfig struct {
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	ProgressEvents   int           `mapstructure:"progress_events"`
}

type TableStreamConfig struct {
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
	Snapshot bool   `mapstructure:"snapshot"`
}

type ClickHouseConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Database     string        `mapstructure:"database"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	EnableSSL    bool          `mapstructure:"enable_ssl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

type StateConfig struct {
	Type            string                `mapstructure:"type"`
	ClickHouse      StateClickHouseConfig `mapstructure:"clickhouse"`
	SQLite          StateSQLiteConfig     `mapstructure:"sqlite"`
	MinIO           StateMinIOConfig      `mapstructure:"minio"`
	RetentionPeriod time.Duration         `mapstructure:"retention_period"`
}

type StateClickHouseConfig struct {
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

type StateSQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type StateMinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type SinkConfig struct {
	Type          string               `mapstructure:"type"`
	BatchSize     int                  `mapstructure:"batch_size"`
	FlushInterval time.Duration        `mapstructure:"flush_interval"`
	MaxRetries    int                  `mapstructure:"max_retries"`
	RetryDelay    time.Duration        `mapstructure:"retry_delay"`
	ClickHouse    SinkClickHouseConfig `mapstructure:"clickhouse"`
}

type SinkClickHouseConfig struct {
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	LocalTime  bool   `mapstructure:"local_time"`
}

type ObservabilityConfig struct {
	ErrorReporting ErrorReportingConfig `mapstructure:"error_reporting"`
	LogExporting   LogExportingConfig   `mapstructure:"log_exporting"`
}

type ErrorReportingConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Provider string       `mapstructure:"provider"` // sentry, noop
	Sentry   SentryConfig `mapstructure:"sentry"`
}

type SentryConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Environment  string        `mapstructure:"environment"`
	Release      string        `mapstructure:"release"`
	SampleRate   float64       `mapstructure:"sample_rate"`
	Debug        bool          `mapstructure:"debug"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

type LogExportingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Provider string         `mapstructure:"provider"` // newrelic, noop
	NewRelic NewRelicConfig `mapstructure:"newrelic"`
}

type NewRelicConfig struct {
	LicenseKey    string        `mapstructure:"license_key"`
	AppName       string        `mapstructure:"app_name"`
	LogForwarding bool          `mapstructure:"log_forwarding"`
	MinLogLevel   string        `mapstructure:"min_log_level"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse reads a YAML document after environment substitution.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	expanded, err := newEnvExpander(os.LookupEnv).expand(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.server_id", 1001)
	v.SetDefault("mysql.flavor", "mysql")
	v.SetDefault("mysql.ssl_mode", SSLModePreferred)
	v.SetDefault("mysql.max_open_conns", 8)
	v.SetDefault("mysql.heartbeat_period", "1s")
	v.SetDefault("mysql.read_timeout", "30s")

	v.SetDefault("source.startup_mode", StartupInitial)

	v.SetDefault("chunk.size", 8096)
	v.SetDefault("chunk.sample_every", 0)
	v.SetDefault("chunk.even_distribution_upper", 1000.0)
	v.SetDefault("chunk.even_distribution_lower", 0.05)

	v.SetDefault("coordinator.listen_address", ":9090")
	v.SetDefault("coordinator.address", "http://localhost:9090")
	v.SetDefault("coordinator.liveness_timeout", "30s")
	v.SetDefault("coordinator.liveness_interval", "5s")
	v.SetDefault("coordinator.checkpoint_interval", "30s")
	v.SetDefault("coordinator.max_split_attempts", 3)
	v.SetDefault("coordinator.request_timeout", "10s")

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.id_prefix", "worker")
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.heartbeat_interval", "5s")

	v.SetDefault("reconciler.stream_wait_timeout", "10s")

	v.SetDefault("stream.progress_interval", "5s")
	v.SetDefault("stream.progress_events", 1000)

	v.SetDefault("table_stream.snapshot", true)

	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.enable_ssl", false)
	v.SetDefault("clickhouse.dial_timeout", "10s")
	v.SetDefault("clickhouse.max_open_conns", 10)
	v.SetDefault("clickhouse.max_idle_conns", 5)
	v.SetDefault("clickhouse.max_lifetime", "1h")

	v.SetDefault("state.type", StateSQLite)
	v.SetDefault("state.clickhouse.database", "default")
	v.SetDefault("state.clickhouse.table", "snapshot_bridge_checkpoints")
	v.SetDefault("state.sqlite.path", "snapshot-bridge.db")
	v.SetDefault("state.minio.prefix", "checkpoints")
	v.SetDefault("state.retention_period", "168h")

	v.SetDefault("sink.type", SinkLog)
	v.SetDefault("sink.batch_size", 500)
	v.SetDefault("sink.flush_interval", "2s")
	v.SetDefault("sink.max_retries", 3)
	v.SetDefault("sink.retry_delay", "1s")
	v.SetDefault("sink.clickhouse.database", "default")
	v.SetDefault("sink.clickhouse.table", "snapshot_bridge_changes")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.port", 8080)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.local_time", true)

	v.SetDefault("observability.error_reporting.enabled", false)
	v.SetDefault("observability.error_reporting.provider", "sentry")
	v.SetDefault("observability.error_reporting.sentry.sample_rate", 1.0)
	v.SetDefault("observability.error_reporting.sentry.flush_timeout", "5s")

	v.SetDefault("observability.log_exporting.enabled", false)
	v.SetDefault("observability.log_exporting.provider", "newrelic")
	v.SetDefault("observability.log_exporting.newrelic.log_forwarding", true)
	v.SetDefault("observability.log_exporting.newrelic.min_log_level", "info")
	v.SetDefault("observability.log_exporting.newrelic.flush_timeout", "5s")
}

func validate(cfg *Config) error {
	if err := validateMySQL(&cfg.MySQL); err != nil {
		return err
	}
	if err := validateSource(&cfg.Source); err != nil {
		return err
	}

	if err := validateRange(cfg.Chunk.Size, 1, 10000000, "chunk.size"); err != nil {
		return err
	}
	if cfg.Chunk.SampleEvery < 0 {
		return fmt.Errorf("chunk.sample_every must be non-negative, got %d", cfg.Chunk.SampleEvery)
	}
	if cfg.Chunk.EvenDistributionLower <= 0 || cfg.Chunk.EvenDistributionLower > cfg.Chunk.EvenDistributionUpper {
		return fmt.Errorf("chunk.even_distribution_lower must be positive and not exceed chunk.even_distribution_upper")
	}

	if err := validateDurationMinimum(cfg.Coordinator.LivenessTimeout, time.Second, "coordinator.liveness_timeout"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.Coordinator.LivenessInterval, "coordinator.liveness_interval"); err != nil {
		return err
	}
	if err := validateDurationMinimum(cfg.Coordinator.CheckpointInterval, time.Second, "coordinator.checkpoint_interval"); err != nil {
		return err
	}
	if err := validateRange(cfg.Coordinator.MaxSplitAttempts, 1, 100, "coordinator.max_split_attempts"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.Coordinator.RequestTimeout, "coordinator.request_timeout"); err != nil {
		return err
	}

	if err := validateRange(cfg.Worker.Count, 1, 256, "worker.count"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.Worker.PollInterval, "worker.poll_interval"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.Worker.HeartbeatInterval, "worker.heartbeat_interval"); err != nil {
		return err
	}
	if cfg.Worker.HeartbeatInterval >= cfg.Coordinator.LivenessTimeout {
		return fmt.Errorf("worker.heartbeat_interval (%v) must be shorter than coordinator.liveness_timeout (%v)",
			cfg.Worker.HeartbeatInterval, cfg.Coordinator.LivenessTimeout)
	}

	if err := validatePositiveDuration(cfg.Reconciler.StreamWaitTimeout, "reconciler.stream_wait_timeout"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.Stream.ProgressInterval, "stream.progress_interval"); err != nil {
		return err
	}
	if err := validateRange(cfg.Stream.ProgressEvents, 1, 10000000, "stream.progress_events"); err != nil {
		return err
	}

	if err := validateState(cfg); err != nil {
		return err
	}
	if err := validateSink(cfg); err != nil {
		return err
	}

	if cfg.Monitoring.Enabled {
		if err := validatePort(cfg.Monitoring.Port, "monitoring.port"); err != nil {
			return err
		}
	}

	if err := validateRange(cfg.Logging.MaxSize, 1, 1000, "logging.max_size"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxBackups, 0, 100, "logging.max_backups"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxAge, 0, 365, "logging.max_age"); err != nil {
		return err
	}

	return nil
}

func validateMySQL(cfg *MySQLConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("mysql.host is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("mysql.username is required")
	}
	if err := validatePort(cfg.Port, "mysql.port"); err != nil {
		return err
	}
	if cfg.ServerID == 0 {
		return fmt.Errorf("mysql.server_id must be non-zero")
	}
	if err := validateRange(cfg.MaxOpenConns, 1, 1000, "mysql.max_open_conns"); err != nil {
		return err
	}

	validSSLModes := map[string]bool{
		SSLModeDisabled:       true,
		SSLModePreferred:      true,
		SSLModeRequired:       true,
		SSLModeVerifyCA:       true,
		SSLModeVerifyIdentity: true,
	}
	if !validSSLModes[cfg.SSLMode] {
		return fmt.Errorf("mysql.ssl_mode must be one of: disabled, preferred, required, verify_ca, verify_identity")
	}
	if (cfg.SSLCert == "") != (cfg.SSLKey == "") {
		return fmt.Errorf("mysql.ssl_cert and mysql.ssl_key must be specified together")
	}
	if (cfg.SSLMode == SSLModeVerifyCA || cfg.SSLMode == SSLModeVerifyIdentity) && cfg.SSLCa == "" {
		return fmt.Errorf("mysql.ssl_ca is required when ssl_mode is %s", cfg.SSLMode)
	}
	return nil
}

func validateSource(cfg *SourceConfig) error {
	switch cfg.StartupMode {
	case StartupInitial, StartupLatest, StartupEarliest:
	case StartupSpecific:
		if cfg.StartupFile == "" {
			return fmt.Errorf("source.startup_file is required when startup_mode is %s", StartupSpecific)
		}
	default:
		return fmt.Errorf("source.startup_mode must be one of: initial, latest, earliest, specific")
	}
	return nil
}

func validateState(cfg *Config) error {
	switch cfg.State.Type {
	case StateMemory:
	case StateClickHouse:
		if err := validateClickHouse(&cfg.ClickHouse); err != nil {
			return err
		}
		if cfg.State.ClickHouse.Table == "" {
			return fmt.Errorf("state.clickhouse.table is required")
		}
	case StateSQLite:
		if cfg.State.SQLite.Path == "" {
			return fmt.Errorf("state.sqlite.path is required")
		}
	case StateMinIO:
		if cfg.State.MinIO.Endpoint == "" || cfg.State.MinIO.Bucket == "" {
			return fmt.Errorf("state.minio.endpoint and state.minio.bucket are required")
		}
	default:
		return fmt.Errorf("state.type must be one of: memory, clickhouse, sqlite, minio")
	}
	return validateDurationMinimum(cfg.State.RetentionPeriod, time.Hour, "state.retention_period")
}

func validateSink(cfg *Config) error {
	switch cfg.Sink.Type {
	case SinkLog:
	case SinkClickHouse:
		if err := validateClickHouse(&cfg.ClickHouse); err != nil {
			return err
		}
		if cfg.Sink.ClickHouse.Table == "" {
			return fmt.Errorf("sink.clickhouse.table is required")
		}
	default:
		return fmt.Errorf("sink.type must be one of: log, clickhouse")
	}
	if cfg.Sink.BatchSize <= 0 {
		return fmt.Errorf("sink.batch_size must be positive")
	}
	if cfg.Sink.MaxRetries < 0 {
		return fmt.Errorf("sink.max_retries must be non-negative, got %d", cfg.Sink.MaxRetries)
	}
	if err := validatePositiveDuration(cfg.Sink.FlushInterval, "sink.flush_interval"); err != nil {
		return err
	}
	return validatePositiveDuration(cfg.Sink.RetryDelay, "sink.retry_delay")
}

func validateClickHouse(cfg *ClickHouseConfig) error {
	if len(cfg.Addresses) == 0 {
		return fmt.Errorf("clickhouse.addresses is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("clickhouse.username is required")
	}
	if err := validateRange(cfg.MaxOpenConns, 1, 1000, "clickhouse.max_open_conns"); err != nil {
		return err
	}
	if err := validateRange(cfg.MaxIdleConns, 0, cfg.MaxOpenConns, "clickhouse.max_idle_conns"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.DialTimeout, "clickhouse.dial_timeout"); err != nil {
		return err
	}
	return validatePositiveDuration(cfg.MaxLifetime, "clickhouse.max_lifetime")
}

// validatePort checks if a port number is in the valid range (1-65535)
func validatePort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// validatePositiveDuration checks if a duration is positive
func validatePositiveDuration(d time.Duration, name string) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return nil
}

// validateDurationMinimum checks if a duration meets a minimum threshold
func validateDurationMinimum(d time.Duration, minimum time.Duration, name string) error {
	if d < minimum {
		return fmt.Errorf("%s must be at least %v, got %v", name, minimum, d)
	}
	return nil
}

// validateRange checks if an integer is within a specified range
func validateRange(value int, min int, max int, name string) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}
	return nil
}
