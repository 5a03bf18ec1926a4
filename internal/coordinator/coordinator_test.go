package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/assigner"
	"github.com/philippevezina/snapshot-bridge/internal/checkpoint"
	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
	"github.com/philippevezina/snapshot-bridge/internal/split"
	"github.com/philippevezina/snapshot-bridge/internal/sourcetest"
	"github.com/philippevezina/snapshot-bridge/internal/state"
)

var orders = common.Table{
	ID:         common.TableID{Database: "shop", Name: "orders"},
	Columns:    []common.Column{{Name: "id", Type: "bigint"}, {Name: "v", Type: "varchar(16)"}},
	KeyColumns: []string{"id"},
}

func at(offset uint64) common.Position {
	return common.Position{File: sourcetest.LogFile, Offset: offset}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	src     *sourcetest.Source
	storage state.Storage
	clock   *fakeClock
}

func newFixture(rows int) *fixture {
	src := sourcetest.New()
	var data []common.Row
	for i := 1; i <= rows; i++ {
		data = append(data, common.Row{"id": int64(i), "v": "x"})
	}
	src.AddTable(orders, data...)
	return &fixture{
		src:     src,
		storage: state.NewMemoryStorage(),
		clock:   &fakeClock{now: time.Unix(1_700_000_000, 0)},
	}
}

func (f *fixture) coordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	splitter := chunk.NewSplitter(chunk.Config{ChunkSize: 2, EvenDistributionUpper: 1000, EvenDistributionLower: 0.05}, f.src, zap.NewNop())
	checkpoints := state.NewManager(f.storage, "job-1", config.StateConfig{}, zap.NewNop())
	c := New(cfg, f.src, splitter, nil, checkpoints, nil, nil, zap.NewNop())
	c.liveness = NewLivenessTracker(c.cfg.LivenessTimeout, f.clock.Now)
	c.now = f.clock.Now
	require.NoError(t, c.Start(context.Background()))
	return c
}

// drainSnapshot hands out and finishes every snapshot split. Brackets are
// (10*i, 10*i+5) for the i-th split handed out.
func drainSnapshot(t *testing.T, c *Coordinator, worker string) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 1; c.Phase() == assigner.PhaseAssigningSnapshotSplits; i++ {
		a, err := c.RequestSplit(ctx, worker)
		require.NoError(t, err)
		require.True(t, a.Available)
		require.Equal(t, split.KindSnapshot, a.Split.Kind)
		ids = append(ids, a.Split.ID)
		bracket := split.Bracket{Low: at(uint64(10 * i)), High: at(uint64(10*i + 5))}
		require.NoError(t, c.ReportSplitFinished(ctx, worker, a.Split.ID, bracket))
	}
	return ids
}

func TestCoordinator_HybridLifecycle(t *testing.T) {
	f := newFixture(6)
	c := f.coordinator(t, Config{})
	ctx := context.Background()
	assert.Equal(t, assigner.PhaseAssigningSnapshotSplits, c.Phase())

	ids := drainSnapshot(t, c, "w1")
	require.Greater(t, len(ids), 1)
	assert.Equal(t, assigner.PhaseWaitingForSnapshotCompletion, c.Phase())

	select {
	case <-c.checkpointNow:
	default:
		t.Fatal("entering WaitingForSnapshotCompletion schedules a checkpoint")
	}

	require.NoError(t, c.Checkpoint(ctx))
	assert.Equal(t, assigner.PhaseAssigningStreamSplit, c.Phase())

	a, err := c.RequestSplit(ctx, "w2")
	require.NoError(t, err)
	require.True(t, a.Available)
	assert.Equal(t, split.KindStream, a.Split.Kind)
	assert.Equal(t, at(10), a.Split.Stream.Start, "stream starts at the smallest low watermark")
	assert.Len(t, a.Split.Stream.Finished, len(ids))

	require.NoError(t, c.ReportStreamProgress(ctx, "w2", at(100)))
	assert.Error(t, c.ReportStreamProgress(ctx, "w1", at(110)), "only the owner reports progress")
	require.NoError(t, c.Checkpoint(ctx))

	restored := f.coordinator(t, Config{})
	assert.Equal(t, assigner.PhaseAssigningStreamSplit, restored.Phase())
	a, err = restored.RequestSplit(ctx, "w3")
	require.NoError(t, err)
	require.True(t, a.Available)
	assert.Equal(t, at(100), a.Split.Stream.Start)
}

func TestCoordinator_RestoresRemainingSplits(t *testing.T) {
	f := newFixture(6)
	c := f.coordinator(t, Config{})
	ctx := context.Background()

	a, err := c.RequestSplit(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, c.ReportSplitFinished(ctx, "w1", a.Split.ID, split.Bracket{Low: at(10), High: at(20)}))
	held, err := c.RequestSplit(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, c.Checkpoint(ctx))

	restored := f.coordinator(t, Config{})
	assert.Equal(t, assigner.PhaseAssigningSnapshotSplits, restored.Phase())
	next, err := restored.RequestSplit(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, held.Split.ID, next.Split.ID, "an assigned split is remaining after restore")
}

func TestCoordinator_WorkerLost(t *testing.T) {
	f := newFixture(6)
	c := f.coordinator(t, Config{LivenessTimeout: 10 * time.Second})
	ctx := context.Background()

	a, err := c.RequestSplit(ctx, "w1")
	require.NoError(t, err)
	require.True(t, a.Available)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, c.Heartbeat(ctx, "w2"))
	f.clock.Advance(6 * time.Second)

	assert.Equal(t, []string{"w1"}, c.SweepLostWorkers())
	_, assigned, _ := c.assigner.Counts()
	assert.Zero(t, assigned)

	b, err := c.RequestSplit(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, a.Split.ID, b.Split.ID)

	// The late report of the revoked worker is still accepted.
	require.NoError(t, c.ReportSplitFinished(ctx, "w1", a.Split.ID, split.Bracket{Low: at(10), High: at(12)}))
}

func TestCoordinator_SplitFailures(t *testing.T) {
	t.Run("retryable failures are retried until the budget", func(t *testing.T) {
		f := newFixture(2)
		c := f.coordinator(t, Config{MaxSplitAttempts: 2})
		ctx := context.Background()

		a, err := c.RequestSplit(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, c.ReportSplitFailed(ctx, "w1", a.Split.ID, true, "lock wait timeout"))

		again, err := c.RequestSplit(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, a.Split.ID, again.Split.ID)

		err = c.ReportSplitFailed(ctx, "w1", a.Split.ID, true, "lock wait timeout")
		assert.ErrorIs(t, err, ErrJobFailed)
		assert.ErrorContains(t, err, "after 2 attempts")
	})

	t.Run("terminal failure fails the job", func(t *testing.T) {
		f := newFixture(2)
		c := f.coordinator(t, Config{})
		ctx := context.Background()

		a, err := c.RequestSplit(ctx, "w1")
		require.NoError(t, err)
		assert.ErrorIs(t, c.ReportSplitFailed(ctx, "w1", a.Split.ID, false, "table dropped"), ErrJobFailed)

		_, err = c.RequestSplit(ctx, "w2")
		assert.ErrorIs(t, err, ErrJobFailed)
		assert.ErrorIs(t, c.Heartbeat(ctx, "w2"), ErrJobFailed)

		health := c.Health()
		assert.Equal(t, "failed", health.Status)
		assert.Contains(t, health.LastError, "table dropped")
	})
}

func TestCoordinator_StartupModes(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected common.Position
	}{
		{name: "latest", cfg: Config{StartupMode: config.StartupLatest}, expected: at(24)},
		{name: "earliest", cfg: Config{StartupMode: config.StartupEarliest}, expected: at(4)},
		{name: "specific", cfg: Config{StartupMode: config.StartupSpecific, StartupPosition: at(14)}, expected: at(14)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(1)
			f.src.Upsert(orders.ID, common.Row{"id": int64(2), "v": "y"})
			f.src.Upsert(orders.ID, common.Row{"id": int64(3), "v": "z"})

			c := f.coordinator(t, tt.cfg)
			assert.Equal(t, assigner.PhaseAssigningStreamSplit, c.Phase())
			a, err := c.RequestSplit(context.Background(), "w1")
			require.NoError(t, err)
			require.True(t, a.Available)
			assert.Equal(t, tt.expected, a.Split.Stream.Start)
			assert.Empty(t, a.Split.Stream.Finished)
		})
	}
}

func TestCoordinator_StartErrors(t *testing.T) {
	t.Run("unknown startup mode", func(t *testing.T) {
		f := newFixture(1)
		checkpoints := state.NewManager(f.storage, "job-1", config.StateConfig{}, zap.NewNop())
		c := New(Config{StartupMode: "timestamp"}, f.src, nil, nil, checkpoints, nil, nil, zap.NewNop())
		assert.ErrorContains(t, c.Start(context.Background()), "unsupported startup mode")
	})

	t.Run("checkpoint of another kind", func(t *testing.T) {
		f := newFixture(1)
		checkpoints := state.NewManager(f.storage, "job-1", config.StateConfig{}, zap.NewNop())
		blob := checkpoint.EncodeTableStream(checkpoint.TableStreamState{Table: orders.ID})
		_, err := checkpoints.Save(context.Background(), checkpoint.KindTableStream.String(), blob)
		require.NoError(t, err)

		c := New(Config{}, f.src, nil, nil, checkpoints, nil, nil, zap.NewNop())
		assert.ErrorContains(t, c.Start(context.Background()), "expected pending-splits")
	})

	t.Run("discovery failure", func(t *testing.T) {
		f := newFixture(1)
		f.src.DiscoverErr = assert.AnError
		checkpoints := state.NewManager(f.storage, "job-1", config.StateConfig{}, zap.NewNop())
		c := New(Config{}, f.src, nil, nil, checkpoints, nil, nil, zap.NewNop())
		assert.ErrorIs(t, c.Start(context.Background()), common.ErrDiscoveryFailure)
	})
}

func TestCoordinator_RunCheckpointsOnSnapshotCompletion(t *testing.T) {
	f := newFixture(2)
	c := f.coordinator(t, Config{CheckpointInterval: time.Hour, LivenessInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	drainSnapshot(t, c, "w1")
	require.Eventually(t, func() bool { return c.Phase() == assigner.PhaseAssigningStreamSplit }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	latest, err := f.storage.GetLatestCheckpoint(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	st, err := checkpoint.DecodePendingSplits(latest.Data)
	require.NoError(t, err)
	assert.Equal(t, assigner.PhaseAssigningStreamSplit, st.Phase)
}

func TestLivenessTracker(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := NewLivenessTracker(time.Minute, clock.Now)

	assert.True(t, l.Touch("b"))
	assert.False(t, l.Touch("b"))
	assert.True(t, l.Touch("a"))
	assert.Equal(t, 2, l.Active())

	clock.Advance(time.Minute)
	assert.Empty(t, l.Expire(), "exactly at the timeout is still alive")

	clock.Advance(time.Second)
	assert.Equal(t, []string{"a", "b"}, l.Expire())
	assert.Zero(t, l.Active())
	assert.True(t, l.Touch("a"), "an expired worker registers again")

	l.Forget("a")
	assert.Zero(t, l.Active())
}
