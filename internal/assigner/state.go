package assigner

import (
	"fmt"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/split"
)

type Phase uint8

const (
	PhaseDiscoveringTables Phase = iota + 1
	PhaseAssigningSnapshotSplits
	PhaseWaitingForSnapshotCompletion
	PhaseAssigningStreamSplit
	PhaseStreamingInProgress
)

var phaseNames = map[Phase]string{
	PhaseDiscoveringTables:            "DiscoveringTables",
	PhaseAssigningSnapshotSplits:      "AssigningSnapshotSplits",
	PhaseWaitingForSnapshotCompletion: "WaitingForSnapshotCompletion",
	PhaseAssigningStreamSplit:         "AssigningStreamSplit",
	PhaseStreamingInProgress:          "StreamingInProgress",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// InStreamPhase reports whether snapshot assignment is over.
func (p Phase) InStreamPhase() bool {
	return p == PhaseAssigningStreamSplit || p == PhaseStreamingInProgress
}

type SplitState uint8

const (
	SplitRemaining SplitState = iota + 1
	SplitAssigned
	SplitFinished
)

func (s SplitState) String() string {
	switch s {
	case SplitRemaining:
		return "remaining"
	case SplitAssigned:
		return "assigned"
	case SplitFinished:
		return "finished"
	}
	return fmt.Sprintf("SplitState(%d)", uint8(s))
}

// SplitRecord is the checkpointed form of one snapshot split.
type SplitRecord struct {
	Chunk    chunk.Chunk
	State    SplitState
	Bracket  *split.Bracket
	Attempts int
}

type StreamRecord struct {
	Start    common.Position
	Progress common.Position
}

// State is the checkpointable projection of assignment progress. Assigned
// splits appear as remaining: no in-flight assignment survives a restart.
type State struct {
	Phase  Phase
	Tables []common.Table
	Splits []SplitRecord
	Stream *StreamRecord
}

// Counts returns the number of remaining and finished splits.
func (s State) Counts() (remaining, finished int) {
	for _, r := range s.Splits {
		if r.State == SplitFinished {
			finished++
		} else {
			remaining++
		}
	}
	return remaining, finished
}
