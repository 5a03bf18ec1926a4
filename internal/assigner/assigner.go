package assigner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/registry"
	"github.com/philippevezina/snapshot-bridge/internal/split"
)

type Variant string

const (
	VariantHybrid     Variant = "hybrid"
	VariantStreamOnly Variant = "stream-only"
)

type Config struct {
	// MaxSplitAttempts bounds how often a failing split is handed out again
	// before the job fails.
	MaxSplitAttempts int
}

type splitEntry struct {
	chunk    chunk.Chunk
	state    SplitState
	worker   string
	bracket  *split.Bracket
	attempts int
}

type streamEntry struct {
	start    common.Position
	progress common.Position
	worker   string
	attempts int
}

func (s *streamEntry) resumePosition() common.Position {
	if s.progress.IsZero() {
		return s.start
	}
	return s.progress
}

// Assigner is the split assignment state machine. It is not safe for
// concurrent use: the coordinator serializes every call.
type Assigner struct {
	variant   Variant
	phase     Phase
	cfg       Config
	registry  *registry.Registry
	order     []string
	splits    map[string]*splitEntry
	remaining []string
	stream    *streamEntry
	fatal     error
	logger    *zap.Logger
}

func newAssigner(variant Variant, phase Phase, reg *registry.Registry, cfg Config, logger *zap.Logger) *Assigner {
	if cfg.MaxSplitAttempts <= 0 {
		cfg.MaxSplitAttempts = 3
	}
	return &Assigner{
		variant:  variant,
		phase:    phase,
		cfg:      cfg,
		registry: reg,
		splits:   make(map[string]*splitEntry),
		logger:   logger.With(zap.String("variant", string(variant))),
	}
}

// NewHybrid starts a job that snapshots every table before streaming.
func NewHybrid(reg *registry.Registry, cfg Config, logger *zap.Logger) *Assigner {
	return newAssigner(VariantHybrid, PhaseDiscoveringTables, reg, cfg, logger)
}

// NewStreamOnly starts a job that streams from start without a snapshot.
func NewStreamOnly(reg *registry.Registry, start common.Position, cfg Config, logger *zap.Logger) *Assigner {
	a := newAssigner(VariantStreamOnly, PhaseAssigningStreamSplit, reg, cfg, logger)
	a.stream = &streamEntry{start: start}
	return a
}

// Restore rebuilds an assigner from checkpointed state. States from the
// snapshot phases restore a hybrid assigner, states from the stream phases a
// stream-only assigner resuming at the last recorded stream position.
func Restore(state State, reg *registry.Registry, cfg Config, logger *zap.Logger) (*Assigner, error) {
	switch state.Phase {
	case PhaseDiscoveringTables:
		return NewHybrid(reg, cfg, logger), nil
	case PhaseAssigningSnapshotSplits, PhaseWaitingForSnapshotCompletion:
		a := newAssigner(VariantHybrid, PhaseAssigningSnapshotSplits, reg, cfg, logger)
		if err := a.restoreSplits(state); err != nil {
			return nil, err
		}
		a.maybeFinishSnapshot()
		return a, nil
	case PhaseAssigningStreamSplit, PhaseStreamingInProgress:
		if state.Stream == nil {
			return nil, fmt.Errorf("checkpoint in phase %s has no stream position", state.Phase)
		}
		a := newAssigner(VariantStreamOnly, PhaseAssigningStreamSplit, reg, cfg, logger)
		if err := a.restoreSplits(state); err != nil {
			return nil, err
		}
		for _, id := range a.order {
			if a.splits[id].state != SplitFinished {
				return nil, fmt.Errorf("checkpoint in phase %s has unfinished split %s", state.Phase, id)
			}
		}
		a.stream = &streamEntry{start: state.Stream.Start, progress: state.Stream.Progress}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: unknown assigner phase %d", common.ErrUnsupportedCheckpointVersion, state.Phase)
	}
}

func (a *Assigner) restoreSplits(state State) error {
	byTable := make(map[common.TableID][]chunk.Chunk)
	for _, rec := range state.Splits {
		byTable[rec.Chunk.Table] = append(byTable[rec.Chunk.Table], rec.Chunk)
	}
	for _, t := range state.Tables {
		if err := a.registry.AddTable(t, byTable[t.ID]); err != nil {
			return fmt.Errorf("failed to restore table %s: %w", t.ID, err)
		}
	}

	for _, rec := range state.Splits {
		if _, ok := a.registry.Chunk(rec.Chunk.ID); !ok {
			return fmt.Errorf("split %s references an unknown table", rec.Chunk.ID)
		}
		if _, dup := a.splits[rec.Chunk.ID]; dup {
			return fmt.Errorf("duplicate split %s in checkpoint", rec.Chunk.ID)
		}

		entry := &splitEntry{chunk: rec.Chunk, attempts: rec.Attempts}
		switch rec.State {
		case SplitFinished:
			if rec.Bracket == nil {
				return fmt.Errorf("finished split %s has no bracket", rec.Chunk.ID)
			}
			b := *rec.Bracket
			entry.state, entry.bracket = SplitFinished, &b
			_ = a.registry.SetStatus(rec.Chunk.ID, registry.ChunkRead)
		default:
			entry.state = SplitRemaining
			a.remaining = append(a.remaining, rec.Chunk.ID)
		}
		a.splits[rec.Chunk.ID] = entry
		a.order = append(a.order, rec.Chunk.ID)
	}
	return nil
}

// Discover enumerates tables and materializes one remaining snapshot split
// per chunk.
func (a *Assigner) Discover(ctx context.Context, source registry.TableSource, filter *common.TableFilter) error {
	if a.phase != PhaseDiscoveringTables {
		return nil
	}
	if err := a.registry.Discover(ctx, source, filter); err != nil {
		return err
	}

	for _, c := range a.registry.AllChunks() {
		a.splits[c.ID] = &splitEntry{chunk: c, state: SplitRemaining}
		a.order = append(a.order, c.ID)
		a.remaining = append(a.remaining, c.ID)
	}
	a.transition(PhaseAssigningSnapshotSplits)
	return nil
}

// Next hands the next split to worker. The second return is false when no
// split is currently available. A worker holds at most one split, so a
// request from a worker that still holds one gives that split up first.
func (a *Assigner) Next(worker string) (split.Split, bool, error) {
	if a.fatal != nil {
		return split.Split{}, false, a.fatal
	}
	a.releaseHeld(worker)

	switch a.phase {
	case PhaseDiscoveringTables:
		return split.Split{}, false, fmt.Errorf("tables have not been discovered yet")
	case PhaseAssigningSnapshotSplits:
		if len(a.remaining) == 0 {
			return split.Split{}, false, nil
		}
		id := a.remaining[0]
		a.remaining = a.remaining[1:]
		entry := a.splits[id]
		entry.state, entry.worker = SplitAssigned, worker
		_ = a.registry.SetStatus(id, registry.ChunkReading)
		return split.NewSnapshotSplit(entry.chunk), true, nil
	case PhaseAssigningStreamSplit:
		a.stream.worker = worker
		s := split.NewStreamSplit(a.stream.resumePosition(), a.tableIDs(), a.finishedInfos())
		a.transition(PhaseStreamingInProgress)
		a.logger.Info("Assigned stream split",
			zap.String("worker", worker),
			zap.String("start", s.Stream.Start.String()))
		return s, true, nil
	default:
		return split.Split{}, false, nil
	}
}

// tableIDs lists the tables of the job. Stream-only jobs that never
// discovered tables have none.
func (a *Assigner) tableIDs() []common.TableID {
	tables := a.registry.Tables()
	if len(tables) == 0 {
		return nil
	}
	ids := make([]common.TableID, len(tables))
	for i, t := range tables {
		ids[i] = t.ID
	}
	return ids
}

func (a *Assigner) releaseHeld(worker string) {
	for _, id := range a.order {
		if e := a.splits[id]; e.state == SplitAssigned && e.worker == worker {
			a.logger.Warn("Worker requested a new split while holding one, returning it",
				zap.String("worker", worker), zap.String("split", id))
			a.revert(e)
		}
	}
	if a.stream != nil && a.phase == PhaseStreamingInProgress && a.stream.worker == worker {
		a.stream.worker = ""
		a.transition(PhaseAssigningStreamSplit)
	}
}

func (a *Assigner) revert(e *splitEntry) {
	e.state, e.worker = SplitRemaining, ""
	a.remaining = append([]string{e.chunk.ID}, a.remaining...)
	_ = a.registry.SetStatus(e.chunk.ID, registry.ChunkPending)
}

// SplitFinished records the bracket of a finished snapshot split. A late
// report for a split that was revoked is still accepted: the read it
// describes is complete and consistent.
func (a *Assigner) SplitFinished(worker, splitID string, bracket split.Bracket) error {
	if a.fatal != nil {
		return a.fatal
	}
	if err := bracket.Validate(); err != nil {
		return fmt.Errorf("split %s: %w", splitID, err)
	}

	e, ok := a.splits[splitID]
	if !ok {
		return fmt.Errorf("unknown split %s", splitID)
	}
	switch e.state {
	case SplitFinished:
		a.logger.Debug("Ignoring duplicate completion", zap.String("split", splitID), zap.String("worker", worker))
		return nil
	case SplitRemaining:
		a.dropRemaining(splitID)
	case SplitAssigned:
		if e.worker != worker {
			a.logger.Warn("Split finished by a worker it was revoked from",
				zap.String("split", splitID),
				zap.String("worker", worker),
				zap.String("assigned_to", e.worker))
		}
	}

	e.state, e.worker, e.bracket = SplitFinished, "", &bracket
	_ = a.registry.SetStatus(splitID, registry.ChunkRead)
	a.maybeFinishSnapshot()
	return nil
}

func (a *Assigner) dropRemaining(id string) {
	for i, r := range a.remaining {
		if r == id {
			a.remaining = append(a.remaining[:i], a.remaining[i+1:]...)
			return
		}
	}
}

func (a *Assigner) maybeFinishSnapshot() {
	if a.phase != PhaseAssigningSnapshotSplits {
		return
	}
	for _, id := range a.order {
		if a.splits[id].state != SplitFinished {
			return
		}
	}
	a.transition(PhaseWaitingForSnapshotCompletion)
}

// SplitFailed returns a failed split to the front of remaining so the next
// request retries it. Terminal failures, and failures beyond the attempt
// budget, fail the job.
func (a *Assigner) SplitFailed(worker, splitID string, cause error) error {
	if a.fatal != nil {
		return a.fatal
	}

	if splitID == split.StreamSplitID {
		if a.stream == nil || a.stream.worker != worker {
			return nil
		}
		a.stream.attempts++
		if err := a.checkAttempts(splitID, a.stream.attempts, cause); err != nil {
			return err
		}
		a.stream.worker = ""
		a.transition(PhaseAssigningStreamSplit)
		return nil
	}

	e, ok := a.splits[splitID]
	if !ok {
		return fmt.Errorf("unknown split %s", splitID)
	}
	if e.state != SplitAssigned || e.worker != worker {
		return nil
	}
	e.attempts++
	if err := a.checkAttempts(splitID, e.attempts, cause); err != nil {
		return err
	}
	a.revert(e)
	return nil
}

func (a *Assigner) checkAttempts(splitID string, attempts int, cause error) error {
	switch {
	case !common.IsRetryable(cause):
		a.fatal = fmt.Errorf("split %s failed: %w", splitID, cause)
	case attempts >= a.cfg.MaxSplitAttempts:
		a.fatal = fmt.Errorf("split %s failed after %d attempts: %w", splitID, attempts, cause)
	default:
		a.logger.Warn("Split failed, will retry",
			zap.String("split", splitID),
			zap.Int("attempt", attempts),
			zap.Error(cause))
		return nil
	}
	a.logger.Error("Split failed permanently", zap.String("split", splitID), zap.Error(a.fatal))
	return a.fatal
}

// StreamProgress records the position up to which the stream split has been
// processed. Progress never moves backwards.
func (a *Assigner) StreamProgress(worker string, pos common.Position) error {
	if a.fatal != nil {
		return a.fatal
	}
	if a.stream == nil || a.phase != PhaseStreamingInProgress {
		return fmt.Errorf("no stream split in progress")
	}
	if a.stream.worker != worker {
		return fmt.Errorf("stream split is not assigned to worker %s", worker)
	}
	if pos.Less(a.stream.progress) {
		return nil
	}
	a.stream.progress = pos
	a.stream.attempts = 0
	return nil
}

// WorkerLost revokes everything held by worker and returns the revoked
// split IDs. Snapshot splits go back to remaining; the stream split is
// reassigned from its last recorded progress.
func (a *Assigner) WorkerLost(worker string) []string {
	var revoked []string
	for _, id := range a.order {
		if e := a.splits[id]; e.state == SplitAssigned && e.worker == worker {
			a.revert(e)
			revoked = append(revoked, id)
		}
	}
	if a.stream != nil && a.phase == PhaseStreamingInProgress && a.stream.worker == worker {
		a.stream.worker = ""
		a.transition(PhaseAssigningStreamSplit)
		revoked = append(revoked, split.StreamSplitID)
	}
	if len(revoked) > 0 {
		a.logger.Warn("Revoked splits of lost worker",
			zap.String("worker", worker),
			zap.Strings("splits", revoked),
			zap.Error(common.ErrWorkerLost))
	}
	return revoked
}

// NotifyCheckpointComplete is called after a checkpoint has been stored
// durably. A checkpoint taken while waiting for snapshot completion makes
// every bracket durable, so the stream split can be created.
func (a *Assigner) NotifyCheckpointComplete(checkpointed Phase) {
	if a.phase != PhaseWaitingForSnapshotCompletion || checkpointed != PhaseWaitingForSnapshotCompletion {
		return
	}

	lows := make([]common.Position, 0, len(a.order))
	for _, id := range a.order {
		lows = append(lows, a.splits[id].bracket.Low)
	}
	a.stream = &streamEntry{start: common.MinPosition(lows...)}
	a.transition(PhaseAssigningStreamSplit)
}

func (a *Assigner) finishedInfos() []split.FinishedInfo {
	infos := make([]split.FinishedInfo, 0, len(a.order))
	for _, id := range a.order {
		if e := a.splits[id]; e.state == SplitFinished {
			infos = append(infos, split.FinishedInfo{Chunk: e.chunk, High: e.bracket.High})
		}
	}
	return infos
}

func (a *Assigner) transition(to Phase) {
	if a.phase == to {
		return
	}
	a.logger.Info("Assigner phase transition",
		zap.String("from", a.phase.String()),
		zap.String("to", to.String()))
	a.phase = to
}

// Phase returns the current assignment phase.
func (a *Assigner) Phase() Phase { return a.phase }

// Variant reports whether the job is hybrid or stream only.
func (a *Assigner) Variant() Variant { return a.variant }

// Err returns the error that failed the job, or nil while it is healthy.
func (a *Assigner) Err() error { return a.fatal }

// StreamStart returns the position the stream split starts or resumes from.
func (a *Assigner) StreamStart() (common.Position, bool) {
	if a.stream == nil {
		return common.Position{}, false
	}
	return a.stream.resumePosition(), true
}

// Counts returns the number of remaining, assigned and finished snapshot
// splits.
func (a *Assigner) Counts() (remaining, assigned, finished int) {
	for _, id := range a.order {
		switch a.splits[id].state {
		case SplitRemaining:
			remaining++
		case SplitAssigned:
			assigned++
		case SplitFinished:
			finished++
		}
	}
	return remaining, assigned, finished
}

// State returns the checkpointable projection.
func (a *Assigner) State() State {
	st := State{
		Phase:  a.phase,
		Tables: a.registry.Tables(),
		Splits: make([]SplitRecord, 0, len(a.order)),
	}
	for _, id := range a.order {
		e := a.splits[id]
		rec := SplitRecord{Chunk: e.chunk, State: SplitRemaining, Attempts: e.attempts}
		if e.state == SplitFinished {
			b := *e.bracket
			rec.State, rec.Bracket = SplitFinished, &b
		}
		st.Splits = append(st.Splits, rec)
	}
	if a.stream != nil {
		st.Stream = &StreamRecord{Start: a.stream.start, Progress: a.stream.progress}
	}
	return st
}
