package state

import (
	"context"
	"time"
)

// Checkpoint is one saved snapshot of job state. Data is an opaque
// checkpoint codec blob.
type Checkpoint struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

type Storage interface {
	Initialize(ctx context.Context) error
	Close() error
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error
	// GetLatestCheckpoint returns nil without error when the job has no
	// checkpoint.
	GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error)
	// Prune removes checkpoints created before the cutoff. The latest
	// checkpoint of the job is always kept.
	Prune(ctx context.Context, jobID string, before time.Time) error
	HealthCheck(ctx context.Context) error
}
