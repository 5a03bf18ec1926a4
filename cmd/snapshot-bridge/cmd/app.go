package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/clickhouse"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
	"github.com/philippevezina/snapshot-bridge/internal/coordinator"
	"github.com/philippevezina/snapshot-bridge/internal/metrics"
	"github.com/philippevezina/snapshot-bridge/internal/mysql"
	"github.com/philippevezina/snapshot-bridge/internal/mysql/connector"
	"github.com/philippevezina/snapshot-bridge/internal/observability"
	"github.com/philippevezina/snapshot-bridge/internal/sink"
	"github.com/philippevezina/snapshot-bridge/internal/state"
)

const connectionCheckInterval = 10 * time.Second

// application holds the components shared by the commands. Each command
// opens only what it uses; close releases whatever was opened.
type application struct {
	cfg           *config.Config
	logger        *zap.Logger
	observability *observability.Manager
	metrics       *metrics.Manager
	filter        *common.TableFilter

	connector  *connector.Connector
	db         *sql.DB
	source     *mysql.Source
	clickhouse *clickhouse.Client
	storage    state.Storage
	sink       sink.Sink
}

func newApplication() (*application, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if jobID != "" {
		cfg.Source.JobID = jobID
	}

	// The core is built first so log forwarding can wrap it once the
	// observability manager exists.
	loggerCore, err := common.NewLoggerCore(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger core: %w", err)
	}
	initialLogger := loggerCore.BuildLogger(loggerCore.Core)

	obs, err := observability.NewManager(&cfg.Observability, common.LoggerWithComponent(initialLogger, "observability"))
	if err != nil {
		return nil, fmt.Errorf("failed to create observability manager: %w", err)
	}
	logger := loggerCore.BuildLogger(obs.WrapCore(loggerCore.Core))

	filter, err := common.NewTableFilter(cfg.Source.TableFilter)
	if err != nil {
		_ = obs.Stop()
		return nil, fmt.Errorf("invalid table filter: %w", err)
	}

	return &application{
		cfg:           cfg,
		logger:        logger,
		observability: obs,
		metrics:       metrics.NewManager(&cfg.Monitoring, common.LoggerWithComponent(logger, "metrics")),
		filter:        filter,
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ensureJobID generates a job ID when none is configured. A generated ID
// cannot be resumed after a restart.
func (a *application) ensureJobID() {
	if a.cfg.Source.JobID != "" {
		return
	}
	a.cfg.Source.JobID = uuid.NewString()
	a.logger.Warn("No source.job_id configured, generated one for this run",
		zap.String("job_id", a.cfg.Source.JobID))
}

func (a *application) clickhouseClient() (*clickhouse.Client, error) {
	if a.clickhouse != nil {
		return a.clickhouse, nil
	}
	client, err := clickhouse.NewClient(&a.cfg.ClickHouse, common.LoggerWithComponent(a.logger, "clickhouse"))
	if err != nil {
		return nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	a.clickhouse = client
	return client, nil
}

func (a *application) openSource(ctx context.Context) error {
	a.connector = connector.New(&a.cfg.MySQL, a.logger)
	db, err := a.connector.OpenDB(ctx)
	if err != nil {
		return err
	}
	a.db = db
	stream := mysql.NewChangeStream(a.connector, a.cfg.MySQL.ServerID, a.logger)
	a.source = mysql.NewSource(db, stream, a.filter, a.logger)
	return nil
}

// openCheckpoints returns a checkpoint manager for job, initializing the
// storage backend on first use.
func (a *application) openCheckpoints(ctx context.Context, job string) (*state.Manager, error) {
	logger := common.LoggerWithComponent(a.logger, "state")
	if a.storage == nil {
		var ch *clickhouse.Client
		if a.cfg.State.Type == config.StateClickHouse {
			client, err := a.clickhouseClient()
			if err != nil {
				return nil, err
			}
			ch = client
		}
		storage, err := state.NewStorage(a.cfg.State, ch, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create state storage: %w", err)
		}
		a.storage = storage
	}

	m := state.NewManager(a.storage, job, a.cfg.State, logger)
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *application) openSink(ctx context.Context) (sink.Sink, error) {
	var ch *clickhouse.Client
	if a.cfg.Sink.Type == config.SinkClickHouse {
		client, err := a.clickhouseClient()
		if err != nil {
			return nil, err
		}
		ch = client
	}
	out, err := sink.Open(ctx, a.cfg.Sink, a.cfg.Source.JobID, ch, a.metrics.GetMetrics(), common.LoggerWithComponent(a.logger, "sink"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}
	a.sink = out
	return out, nil
}

// startCoordinator builds the coordinator for the configured job and
// restores or starts its assignment state.
func (a *application) startCoordinator(ctx context.Context) (*coordinator.Coordinator, error) {
	checkpoints, err := a.openCheckpoints(ctx, a.cfg.Source.JobID)
	if err != nil {
		return nil, err
	}
	splitter := chunk.NewSplitter(chunk.Config{
		ChunkSize:             a.cfg.Chunk.Size,
		SampleEvery:           a.cfg.Chunk.SampleEvery,
		EvenDistributionUpper: a.cfg.Chunk.EvenDistributionUpper,
		EvenDistributionLower: a.cfg.Chunk.EvenDistributionLower,
	}, a.source, a.logger)

	coord := coordinator.New(coordinator.ConfigFrom(a.cfg), a.source, splitter, a.filter, checkpoints,
		a.metrics.GetMetrics(), a.observability.ErrorReporter(), a.logger)
	if err := coord.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start coordinator: %w", err)
	}
	a.metrics.SetHealthFunc(coord.Health)
	return coord, nil
}

// watchSource updates the MySQL connection gauge until ctx ends.
func (a *application) watchSource(ctx context.Context) {
	ticker := time.NewTicker(connectionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := a.source.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("MySQL ping failed", zap.Error(err))
			}
			a.metrics.GetMetrics().SetConnectionStatus("mysql", err == nil)
		}
	}
}

// close releases everything that was opened, observability last so that
// shutdown errors are still reported.
func (a *application) close() error {
	var errs []error

	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink close error: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("MySQL close error: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state storage close error: %w", err))
		}
	}
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ClickHouse client close error: %w", err))
		}
	}
	if err := a.metrics.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("metrics manager stop error: %w", err))
	}
	if err := a.observability.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("observability manager stop error: %w", err))
	}
	_ = a.logger.Sync()

	return errors.Join(errs...)
}

// shutdownError drops the cancellation error of a signal-initiated stop.
func shutdownError(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
