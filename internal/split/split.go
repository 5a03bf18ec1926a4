package split

import (
	"fmt"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
)

type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindStream   Kind = "stream"
)

// StreamSplitID identifies the single stream split of a job.
const StreamSplitID = "stream-split"

// Bracket is the change stream interval a chunk read was reconciled over.
type Bracket struct {
	Low  common.Position `json:"low"`
	High common.Position `json:"high"`
}

func (b Bracket) Validate() error {
	if b.High.Less(b.Low) {
		return fmt.Errorf("high watermark %s precedes low watermark %s", b.High, b.Low)
	}
	return nil
}

type SnapshotSplit struct {
	Chunk   chunk.Chunk `json:"chunk"`
	Bracket *Bracket    `json:"bracket,omitempty"`
}

// FinishedInfo tells the stream reader up to which position a chunk already
// reflects every change to its key range.
type FinishedInfo struct {
	Chunk chunk.Chunk     `json:"chunk"`
	High  common.Position `json:"high"`
}

// StreamSplit tails the change log from Start. Tables, when set, are the
// tables of the job; records of any other table are not part of the split.
type StreamSplit struct {
	Start    common.Position  `json:"start"`
	Tables   []common.TableID `json:"tables,omitempty"`
	Finished []FinishedInfo   `json:"finished,omitempty"`
}

// Split is a tagged union: exactly one of Snapshot or Stream is set,
// according to Kind.
type Split struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Snapshot *SnapshotSplit `json:"snapshot,omitempty"`
	Stream   *StreamSplit   `json:"stream,omitempty"`
}

func NewSnapshotSplit(c chunk.Chunk) Split {
	return Split{
		ID:       c.ID,
		Kind:     KindSnapshot,
		Snapshot: &SnapshotSplit{Chunk: c},
	}
}

func NewStreamSplit(start common.Position, tables []common.TableID, finished []FinishedInfo) Split {
	return Split{
		ID:     StreamSplitID,
		Kind:   KindStream,
		Stream: &StreamSplit{Start: start, Tables: tables, Finished: finished},
	}
}

func (s Split) Validate() error {
	switch s.Kind {
	case KindSnapshot:
		if s.Snapshot == nil || s.Stream != nil {
			return fmt.Errorf("snapshot split %s has inconsistent payload", s.ID)
		}
	case KindStream:
		if s.Stream == nil || s.Snapshot != nil {
			return fmt.Errorf("stream split %s has inconsistent payload", s.ID)
		}
	default:
		return fmt.Errorf("split %s has unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

func (s Split) String() string {
	switch s.Kind {
	case KindSnapshot:
		return "snapshot:" + s.Snapshot.Chunk.String()
	case KindStream:
		return fmt.Sprintf("stream:%s@%s", s.ID, s.Stream.Start)
	}
	return s.ID
}
