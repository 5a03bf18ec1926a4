package assigner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/registry"
	"github.com/philippevezina/snapshot-bridge/internal/split"
)

type tables []common.Table

func (t tables) DiscoverTables(context.Context) ([]common.Table, error) {
	return t, nil
}

// evenSplitter cuts every table into n chunks at multiples of 100.
type evenSplitter struct{ n int }

func (s evenSplitter) GenerateSplits(_ context.Context, table common.Table) ([]chunk.Chunk, error) {
	out := make([]chunk.Chunk, 0, s.n)
	low := chunk.Open()
	for i := 0; i < s.n; i++ {
		high := chunk.Open()
		if i < s.n-1 {
			high = chunk.At(common.IntValue(int64((i + 1) * 100)))
		}
		out = append(out, chunk.NewChunk(table.ID, i, low, high))
		low = high
	}
	return out, nil
}

func pos(offset uint64) common.Position {
	return common.Position{File: "binlog.000001", Offset: offset}
}

func newDiscovered(t *testing.T, perTable int, names ...string) *Assigner {
	t.Helper()
	src := make(tables, 0, len(names))
	for _, n := range names {
		src = append(src, common.Table{ID: common.TableID{Database: "shop", Name: n}, KeyColumns: []string{"id"}})
	}
	a := NewHybrid(registry.New(evenSplitter{n: perTable}, zap.NewNop()), Config{MaxSplitAttempts: 3}, zap.NewNop())
	require.NoError(t, a.Discover(context.Background(), src, nil))
	return a
}

func TestHybrid_FullLifecycle(t *testing.T) {
	a := newDiscovered(t, 2, "orders")
	assert.Equal(t, PhaseAssigningSnapshotSplits, a.Phase())

	s1, ok, err := a.Next("w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shop.orders:0", s1.ID)
	assert.Equal(t, split.KindSnapshot, s1.Kind)

	s2, ok, err := a.Next("w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shop.orders:1", s2.ID)

	_, ok, err = a.Next("w3")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.SplitFinished("w1", s1.ID, split.Bracket{Low: pos(10), High: pos(20)}))
	require.NoError(t, a.SplitFinished("w2", s2.ID, split.Bracket{Low: pos(5), High: pos(30)}))
	assert.Equal(t, PhaseWaitingForSnapshotCompletion, a.Phase())

	_, ok, err = a.Next("w1")
	require.NoError(t, err)
	assert.False(t, ok, "no stream split before the checkpoint completes")

	a.NotifyCheckpointComplete(PhaseAssigningSnapshotSplits)
	assert.Equal(t, PhaseWaitingForSnapshotCompletion, a.Phase(), "stale checkpoint must not advance")

	a.NotifyCheckpointComplete(PhaseWaitingForSnapshotCompletion)
	assert.Equal(t, PhaseAssigningStreamSplit, a.Phase())

	ss, ok, err := a.Next("w3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, split.StreamSplitID, ss.ID)
	assert.Equal(t, pos(5), ss.Stream.Start)
	assert.Equal(t, []common.TableID{{Database: "shop", Name: "orders"}}, ss.Stream.Tables)
	require.Len(t, ss.Stream.Finished, 2)
	assert.Equal(t, pos(20), ss.Stream.Finished[0].High)
	assert.Equal(t, pos(30), ss.Stream.Finished[1].High)
	assert.Equal(t, PhaseStreamingInProgress, a.Phase())
}

func TestStreamStartIsMinimumLowWatermark(t *testing.T) {
	a := newDiscovered(t, 3, "orders")
	brackets := []split.Bracket{
		{Low: pos(10), High: pos(20)},
		{Low: pos(5), High: pos(30)},
		{Low: pos(12), High: pos(18)},
	}
	for i, b := range brackets {
		s, ok, err := a.Next("w")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, a.SplitFinished("w", s.ID, b), "split %d", i)
	}
	a.NotifyCheckpointComplete(PhaseWaitingForSnapshotCompletion)

	start, ok := a.StreamStart()
	require.True(t, ok)
	assert.Equal(t, pos(5), start)
}

func TestSplitFinished_DuplicateAndLateReports(t *testing.T) {
	a := newDiscovered(t, 2, "orders")
	s, _, err := a.Next("w1")
	require.NoError(t, err)

	a.WorkerLost("w1")
	_, assigned, _ := a.Counts()
	assert.Equal(t, 0, assigned)

	b := split.Bracket{Low: pos(1), High: pos(2)}
	require.NoError(t, a.SplitFinished("w1", s.ID, b), "late report from revoked worker is accepted")
	require.NoError(t, a.SplitFinished("w1", s.ID, b), "duplicate report is idempotent")

	remaining, _, finished := a.Counts()
	assert.Equal(t, 1, remaining)
	assert.Equal(t, 1, finished)

	next, ok, err := a.Next("w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shop.orders:1", next.ID)

	assert.Error(t, a.SplitFinished("w2", next.ID, split.Bracket{Low: pos(9), High: pos(3)}))
	assert.Error(t, a.SplitFinished("w2", "shop.orders:7", b))
}

func TestSplitFailed_RetriesThenFails(t *testing.T) {
	a := newDiscovered(t, 2, "orders")
	cause := common.NewRetryableError("connection reset")

	for attempt := 1; attempt < 3; attempt++ {
		s, ok, err := a.Next("w1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "shop.orders:0", s.ID, "failed split is retried first")
		require.NoError(t, a.SplitFailed("w1", s.ID, cause))
	}

	s, _, err := a.Next("w1")
	require.NoError(t, err)
	err = a.SplitFailed("w1", s.ID, cause)
	require.Error(t, err)
	assert.Equal(t, err, a.Err())

	_, _, err = a.Next("w2")
	assert.Error(t, err)
}

func TestSplitFailed_TerminalErrorFailsJob(t *testing.T) {
	a := newDiscovered(t, 1, "orders")
	s, _, err := a.Next("w1")
	require.NoError(t, err)

	err = a.SplitFailed("w1", s.ID, fmt.Errorf("chunk %s: %w", s.ID, common.ErrReconciliationGap))
	require.Error(t, err)
	assert.True(t, errors.Is(a.Err(), common.ErrReconciliationGap))
}

func TestNext_WorkerHoldingSplitGivesItBack(t *testing.T) {
	a := newDiscovered(t, 2, "orders")
	first, _, err := a.Next("w1")
	require.NoError(t, err)

	again, ok, err := a.Next("w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, again.ID)

	_, assigned, _ := a.Counts()
	assert.Equal(t, 1, assigned)
}

func TestStreamSplit_ProgressAndReassignment(t *testing.T) {
	a := NewStreamOnly(registry.New(evenSplitter{n: 1}, zap.NewNop()), pos(100), Config{}, zap.NewNop())
	assert.Equal(t, PhaseAssigningStreamSplit, a.Phase())

	s, ok, err := a.Next("w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(100), s.Stream.Start)
	assert.Empty(t, s.Stream.Finished)
	assert.Empty(t, s.Stream.Tables)

	require.NoError(t, a.StreamProgress("w1", pos(150)))
	require.NoError(t, a.StreamProgress("w1", pos(120)), "backwards progress is ignored")
	assert.Error(t, a.StreamProgress("w2", pos(200)))

	revoked := a.WorkerLost("w1")
	assert.Equal(t, []string{split.StreamSplitID}, revoked)
	assert.Equal(t, PhaseAssigningStreamSplit, a.Phase())

	s, ok, err = a.Next("w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(150), s.Stream.Start)

	st := a.State()
	require.NotNil(t, st.Stream)
	assert.Equal(t, pos(100), st.Stream.Start)
	assert.Equal(t, pos(150), st.Stream.Progress)
}

func TestState_AssignedProjectsAsRemaining(t *testing.T) {
	a := newDiscovered(t, 3, "orders")
	s, _, err := a.Next("w1")
	require.NoError(t, err)
	require.NoError(t, a.SplitFinished("w1", s.ID, split.Bracket{Low: pos(1), High: pos(4)}))
	_, _, err = a.Next("w1")
	require.NoError(t, err)

	st := a.State()
	assert.Equal(t, PhaseAssigningSnapshotSplits, st.Phase)
	require.Len(t, st.Splits, 3)
	assert.Equal(t, SplitFinished, st.Splits[0].State)
	assert.Equal(t, SplitRemaining, st.Splits[1].State)
	assert.Equal(t, SplitRemaining, st.Splits[2].State)
	remaining, finished := st.Counts()
	assert.Equal(t, 2, remaining)
	assert.Equal(t, 1, finished)
}

func TestRestore(t *testing.T) {
	a := newDiscovered(t, 2, "orders", "customers")
	s, _, err := a.Next("w1")
	require.NoError(t, err)
	require.NoError(t, a.SplitFinished("w1", s.ID, split.Bracket{Low: pos(3), High: pos(7)}))
	_, _, err = a.Next("w2")
	require.NoError(t, err)

	restored, err := Restore(a.State(), registry.New(evenSplitter{n: 2}, zap.NewNop()), Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, VariantHybrid, restored.Variant())
	assert.Equal(t, PhaseAssigningSnapshotSplits, restored.Phase())

	remaining, assigned, finished := restored.Counts()
	assert.Equal(t, 3, remaining)
	assert.Equal(t, 0, assigned)
	assert.Equal(t, 1, finished)

	next, ok, err := restored.Next("w9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shop.customers:1", next.ID)
}

func TestRestore_AllFinishedWaitsForCheckpoint(t *testing.T) {
	a := newDiscovered(t, 1, "orders")
	s, _, err := a.Next("w1")
	require.NoError(t, err)
	require.NoError(t, a.SplitFinished("w1", s.ID, split.Bracket{Low: pos(3), High: pos(7)}))

	st := a.State()
	st.Phase = PhaseAssigningSnapshotSplits
	restored, err := Restore(st, registry.New(evenSplitter{n: 1}, zap.NewNop()), Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, PhaseWaitingForSnapshotCompletion, restored.Phase())
}

func TestRestore_StreamPhase(t *testing.T) {
	a := newDiscovered(t, 1, "orders")
	s, _, err := a.Next("w1")
	require.NoError(t, err)
	require.NoError(t, a.SplitFinished("w1", s.ID, split.Bracket{Low: pos(3), High: pos(7)}))
	a.NotifyCheckpointComplete(PhaseWaitingForSnapshotCompletion)
	_, _, err = a.Next("w1")
	require.NoError(t, err)
	require.NoError(t, a.StreamProgress("w1", pos(42)))

	restored, err := Restore(a.State(), registry.New(evenSplitter{n: 1}, zap.NewNop()), Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, VariantStreamOnly, restored.Variant())
	assert.Equal(t, PhaseAssigningStreamSplit, restored.Phase())

	ss, ok, err := restored.Next("w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(42), ss.Stream.Start)
	assert.Equal(t, []common.TableID{{Database: "shop", Name: "orders"}}, ss.Stream.Tables, "restored jobs keep their tables")
	require.Len(t, ss.Stream.Finished, 1)
	assert.Equal(t, pos(7), ss.Stream.Finished[0].High)
}

func TestRestore_Rejects(t *testing.T) {
	reg := registry.New(evenSplitter{n: 1}, zap.NewNop())

	_, err := Restore(State{Phase: Phase(42)}, reg, Config{}, zap.NewNop())
	assert.True(t, errors.Is(err, common.ErrUnsupportedCheckpointVersion))

	_, err = Restore(State{Phase: PhaseStreamingInProgress}, reg, Config{}, zap.NewNop())
	assert.Error(t, err, "stream phase without a stream record")
}

// TestRandomOperations drives the assigner through random request, finish,
// fail and loss sequences and checks that every split is in exactly one
// state and the phase only moves forward.
func TestRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	workers := []string{"w1", "w2", "w3"}

	for round := 0; round < 50; round++ {
		a := newDiscovered(t, 1+rng.Intn(5), "orders", "customers")
		held := map[string]string{}
		var offset uint64
		lastPhase := a.Phase()

		for step := 0; step < 200 && a.Phase() != PhaseStreamingInProgress; step++ {
			w := workers[rng.Intn(len(workers))]
			switch rng.Intn(5) {
			case 0, 1:
				s, ok, err := a.Next(w)
				require.NoError(t, err)
				delete(held, w)
				if ok {
					held[w] = s.ID
				}
			case 2:
				if id, ok := held[w]; ok && id != split.StreamSplitID {
					offset++
					low := offset
					offset += uint64(rng.Intn(3))
					require.NoError(t, a.SplitFinished(w, id, split.Bracket{Low: pos(low), High: pos(offset)}))
					delete(held, w)
				}
			case 3:
				a.WorkerLost(w)
				delete(held, w)
			case 4:
				a.NotifyCheckpointComplete(a.Phase())
			}

			remaining, assigned, finished := a.Counts()
			total := len(a.order)
			require.Equal(t, total, remaining+assigned+finished, "round %d step %d", round, step)
			require.Equal(t, remaining, len(a.remaining))
			require.GreaterOrEqual(t, a.Phase(), lastPhase, "phase moved backwards")
			if a.Phase() >= PhaseWaitingForSnapshotCompletion {
				require.Equal(t, total, finished)
			}
			lastPhase = a.Phase()
			if lastPhase == PhaseAssigningStreamSplit || lastPhase == PhaseStreamingInProgress {
				lastPhase = PhaseAssigningStreamSplit
			}
		}
	}
}
