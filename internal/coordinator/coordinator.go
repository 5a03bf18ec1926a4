package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/assigner"
	"github.com/philippevezina/snapshot-bridge/internal/checkpoint"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
	"github.com/philippevezina/snapshot-bridge/internal/metrics"
	"github.com/philippevezina/snapshot-bridge/internal/observability"
	"github.com/philippevezina/snapshot-bridge/internal/registry"
	"github.com/philippevezina/snapshot-bridge/internal/split"
	"github.com/philippevezina/snapshot-bridge/internal/state"
)

// ErrJobFailed marks RPC errors caused by a failed job. Workers stop when
// they see it.
var ErrJobFailed = errors.New("job failed")

// Assignment is the answer to a split request. Available is false when the
// worker should poll again later.
type Assignment struct {
	Available bool         `json:"available"`
	Split     *split.Split `json:"split,omitempty"`
}

// Source is what the coordinator needs from the upstream database to start
// a job.
type Source interface {
	registry.TableSource
	CurrentPosition(ctx context.Context) (common.Position, error)
	EarliestPosition(ctx context.Context) (common.Position, error)
}

// Checkpoints stores and loads the job's checkpoints.
type Checkpoints interface {
	Save(ctx context.Context, kind string, data []byte) (*state.Checkpoint, error)
	Latest(ctx context.Context) (*state.Checkpoint, error)
}

type Config struct {
	LivenessTimeout    time.Duration
	LivenessInterval   time.Duration
	CheckpointInterval time.Duration
	MaxSplitAttempts   int
	StartupMode        string
	StartupPosition    common.Position
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		LivenessTimeout:    cfg.Coordinator.LivenessTimeout,
		LivenessInterval:   cfg.Coordinator.LivenessInterval,
		CheckpointInterval: cfg.Coordinator.CheckpointInterval,
		MaxSplitAttempts:   cfg.Coordinator.MaxSplitAttempts,
		StartupMode:        cfg.Source.StartupMode,
		StartupPosition:    common.Position{File: cfg.Source.StartupFile, Offset: cfg.Source.StartupOffset},
	}
}

// Coordinator owns the split assigner and serves the worker RPCs. Every
// mutation of assignment state happens under one mutex.
type Coordinator struct {
	cfg         Config
	source      Source
	splitter    registry.ChunkSplitter
	filter      *common.TableFilter
	checkpoints Checkpoints
	metrics     metrics.Metrics
	reporter    observability.ErrorReporter
	logger      *zap.Logger
	liveness    *LivenessTracker

	mu       sync.Mutex
	registry *registry.Registry
	assigner *assigner.Assigner
	reported bool

	// checkpointMu serializes checkpoints so notifications arrive in order.
	checkpointMu   sync.Mutex
	checkpointNow  chan struct{}
	lastCheckpoint time.Time
	started        time.Time
	now            func() time.Time
}

func New(cfg Config, source Source, splitter registry.ChunkSplitter, filter *common.TableFilter,
	checkpoints Checkpoints, m metrics.Metrics, reporter observability.ErrorReporter, logger *zap.Logger) *Coordinator {
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 30 * time.Second
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = cfg.LivenessTimeout / 3
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}
	if cfg.StartupMode == "" {
		cfg.StartupMode = config.StartupInitial
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	if reporter == nil {
		reporter = observability.NewNoopErrorReporter()
	}
	return &Coordinator{
		cfg:           cfg,
		source:        source,
		splitter:      splitter,
		filter:        filter,
		checkpoints:   checkpoints,
		metrics:       m,
		reporter:      reporter,
		logger:        common.LoggerWithComponent(logger, "coordinator"),
		liveness:      NewLivenessTracker(cfg.LivenessTimeout, nil),
		checkpointNow: make(chan struct{}, 1),
		now:           time.Now,
	}
}

// Start restores the job from its latest checkpoint, or builds a fresh
// assigner from the startup mode.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = c.now()
	c.registry = registry.New(c.splitter, c.logger)
	acfg := assigner.Config{MaxSplitAttempts: c.cfg.MaxSplitAttempts}

	latest, err := c.checkpoints.Latest(ctx)
	if err != nil {
		return err
	}
	if latest != nil {
		st, err := decodeCheckpoint(latest)
		if err != nil {
			return err
		}
		a, err := assigner.Restore(st, c.registry, acfg, c.logger)
		if err != nil {
			return fmt.Errorf("failed to restore checkpoint %s: %w", latest.ID, err)
		}
		remaining, finished := st.Counts()
		c.logger.Info("Restored job from checkpoint",
			zap.String("checkpoint_id", latest.ID),
			zap.String("phase", st.Phase.String()),
			zap.Int("remaining_splits", remaining),
			zap.Int("finished_splits", finished))
		c.assigner = a
	} else if c.assigner, err = c.fresh(ctx, acfg); err != nil {
		return err
	}

	if err := c.assigner.Discover(ctx, c.source, c.filter); err != nil {
		return fmt.Errorf("failed to discover tables: %w", err)
	}
	c.afterMutationLocked()
	return nil
}

func decodeCheckpoint(cp *state.Checkpoint) (assigner.State, error) {
	if cp.Kind != checkpoint.KindPendingSplits.String() {
		return assigner.State{}, fmt.Errorf("checkpoint %s has kind %s, expected %s", cp.ID, cp.Kind, checkpoint.KindPendingSplits)
	}
	st, err := checkpoint.DecodePendingSplits(cp.Data)
	if err != nil {
		return assigner.State{}, fmt.Errorf("failed to decode checkpoint %s: %w", cp.ID, err)
	}
	return st, nil
}

func (c *Coordinator) fresh(ctx context.Context, acfg assigner.Config) (*assigner.Assigner, error) {
	var (
		start common.Position
		err   error
	)
	switch c.cfg.StartupMode {
	case config.StartupInitial:
		return assigner.NewHybrid(c.registry, acfg, c.logger), nil
	case config.StartupLatest:
		start, err = c.source.CurrentPosition(ctx)
	case config.StartupEarliest:
		start, err = c.source.EarliestPosition(ctx)
	case config.StartupSpecific:
		start = c.cfg.StartupPosition
	default:
		return nil, fmt.Errorf("unsupported startup mode: %s", c.cfg.StartupMode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s start position: %w", c.cfg.StartupMode, err)
	}

	c.logger.Info("Starting stream-only job",
		zap.String("startup_mode", c.cfg.StartupMode),
		zap.String("start", start.String()))
	return assigner.NewStreamOnly(c.registry, start, acfg, c.logger), nil
}

// Run sweeps lost workers and takes periodic checkpoints until ctx ends. A
// final checkpoint is attempted on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	sweep := time.NewTicker(c.cfg.LivenessInterval)
	defer sweep.Stop()
	ticker := time.NewTicker(c.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.Checkpoint(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("Failed to save final checkpoint", zap.Error(err))
			}
			return ctx.Err()
		case <-sweep.C:
			c.SweepLostWorkers()
		case <-ticker.C:
			if err := c.Checkpoint(ctx); err != nil {
				c.logger.Error("Failed to save checkpoint", zap.Error(err))
			}
		case <-c.checkpointNow:
			c.logger.Info("All snapshot splits finished, checkpointing brackets")
			if err := c.Checkpoint(ctx); err != nil {
				c.logger.Error("Failed to save checkpoint", zap.Error(err))
			}
		}
		if err := c.Err(); err != nil {
			return err
		}
	}
}

// Checkpoint stores the pending-splits state and then tells the assigner
// it is durable.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()

	c.mu.Lock()
	if c.assigner == nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator has not been started")
	}
	st := c.assigner.State()
	c.mu.Unlock()

	blob, err := checkpoint.EncodePendingSplits(st)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if _, err := c.checkpoints.Save(ctx, checkpoint.KindPendingSplits.String(), blob); err != nil {
		c.reportError(ctx, err, "checkpoint_save", "")
		return err
	}

	c.mu.Lock()
	c.lastCheckpoint = c.now()
	c.assigner.NotifyCheckpointComplete(st.Phase)
	c.afterMutationLocked()
	c.mu.Unlock()

	c.metrics.IncCheckpointsCreated()
	c.metrics.SetCheckpointAge(0)
	return nil
}

// SweepLostWorkers revokes the splits of workers that missed the liveness
// timeout.
func (c *Coordinator) SweepLostWorkers() []string {
	lost := c.liveness.Expire()
	if len(lost) == 0 {
		c.mu.Lock()
		c.afterMutationLocked()
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, worker := range lost {
		revoked := c.assigner.WorkerLost(worker)
		c.metrics.IncWorkersLost()
		c.logger.Warn("Worker lost",
			zap.String("worker", worker),
			zap.Strings("revoked", revoked))
	}
	c.afterMutationLocked()
	return lost
}

func (c *Coordinator) touch(worker string) {
	if c.liveness.Touch(worker) {
		c.logger.Info("Worker registered", zap.String("worker", worker))
	}
}

func (c *Coordinator) RequestSplit(ctx context.Context, worker string) (Assignment, error) {
	c.touch(worker)
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok, err := c.assigner.Next(worker)
	c.afterMutationLocked()
	if err != nil {
		return Assignment{}, c.classifyLocked(err)
	}
	if !ok {
		return Assignment{}, nil
	}
	c.logger.Debug("Assigned split", zap.String("worker", worker), zap.String("split", s.ID))
	return Assignment{Available: true, Split: &s}, nil
}

func (c *Coordinator) ReportSplitFinished(ctx context.Context, worker, splitID string, bracket split.Bracket) error {
	c.touch(worker)
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.assigner.SplitFinished(worker, splitID, bracket)
	c.afterMutationLocked()
	return c.classifyLocked(err)
}

func (c *Coordinator) ReportStreamProgress(ctx context.Context, worker string, pos common.Position) error {
	c.touch(worker)
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.assigner.StreamProgress(worker, pos)
	c.afterMutationLocked()
	return c.classifyLocked(err)
}

// ReportSplitFailed hands a failed split back. A non-retryable failure
// fails the job.
func (c *Coordinator) ReportSplitFailed(ctx context.Context, worker, splitID string, retryable bool, message string) error {
	c.touch(worker)
	cause := common.NewTerminalError("%s", message)
	if retryable {
		cause = common.NewRetryableError("%s", message)
	}
	c.metrics.IncChunkFailures(retryable)

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.assigner.SplitFailed(worker, splitID, cause)
	c.afterMutationLocked()
	return c.classifyLocked(err)
}

func (c *Coordinator) Heartbeat(ctx context.Context, worker string) error {
	c.touch(worker)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifyLocked(c.assigner.Err())
}

func (c *Coordinator) classifyLocked(err error) error {
	if err == nil || c.assigner.Err() == nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrJobFailed, err)
}

// afterMutationLocked publishes metrics and schedules the checkpoint that
// unlocks the stream split.
func (c *Coordinator) afterMutationLocked() {
	phase := c.assigner.Phase()
	remaining, assigned, finished := c.assigner.Counts()
	c.metrics.SetPhase(phase.String())
	c.metrics.SetSplitCounts(remaining, assigned, finished)
	c.metrics.SetActiveWorkers(c.liveness.Active())
	if !c.lastCheckpoint.IsZero() {
		c.metrics.SetCheckpointAge(c.now().Sub(c.lastCheckpoint))
	}

	if err := c.assigner.Err(); err != nil && !c.reported {
		c.reported = true
		c.logger.Error("Job failed", zap.Error(err))
		c.reportError(context.Background(), err, "assignment", "")
	}

	if phase == assigner.PhaseWaitingForSnapshotCompletion {
		select {
		case c.checkpointNow <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) reportError(ctx context.Context, err error, operation, splitID string) {
	if errors.Is(err, context.Canceled) {
		return
	}
	errCtx := observability.NewErrorContext("coordinator", operation).WithSplit(splitID)
	if reportErr := c.reporter.CaptureError(ctx, err, errCtx); reportErr != nil {
		c.logger.Warn("Failed to report error", zap.Error(reportErr))
	}
}

// Err returns the error that failed the job, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assigner == nil {
		return nil
	}
	return c.assigner.Err()
}

func (c *Coordinator) Phase() assigner.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assigner == nil {
		return 0
	}
	return c.assigner.Phase()
}

// Tables returns the tables of the job, in discovery order.
func (c *Coordinator) Tables() []common.Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry == nil {
		return nil
	}
	return c.registry.Tables()
}

func (c *Coordinator) Health() common.HealthStatus {
	status := common.HealthStatus{
		Status:         "ok",
		Phase:          c.Phase().String(),
		SourceHealthy:  true,
		StorageHealthy: true,
		Uptime:         c.now().Sub(c.started),
		Version:        common.GetVersion(),
	}
	if err := c.Err(); err != nil {
		status.Status = "failed"
		status.LastError = err.Error()
	}
	return status
}
