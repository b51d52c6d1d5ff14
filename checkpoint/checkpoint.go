// Package checkpoint provides durable workflow snapshots. Checkpoints are
// append-only: a record is never mutated after creation, and "latest" means
// the highest-timestamped checkpoint for a workflow. Stores must be
// idempotent under replayed saves so a crash between "checkpoint written"
// and "run state updated" cannot corrupt recovery.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a durable, immutable snapshot of workflow progress.
type Checkpoint struct {
	ID             string         `json:"id" gorm:"primaryKey;column:id"`
	WorkflowID     string         `json:"workflow_id" gorm:"index;column:workflow_id"`
	RunID          string         `json:"run_id" gorm:"column:run_id"`
	Timestamp      time.Time      `json:"timestamp" gorm:"index;column:timestamp"`
	CompletedSteps []string       `json:"completed_steps" gorm:"serializer:json;column:completed_steps"`
	CurrentStep    string         `json:"current_step" gorm:"column:current_step"`
	State          map[string]any `json:"state" gorm:"serializer:json;column:state"`
	Metadata       map[string]any `json:"metadata,omitempty" gorm:"serializer:json;column:metadata"`
}

// TableName implements the gorm table-naming convention.
func (Checkpoint) TableName() string { return "checkpoints" }

// NewCheckpoint creates an identified, timestamped checkpoint.
func NewCheckpoint(workflowID, runID, currentStep string, completed []string, state map[string]any) *Checkpoint {
	cp := &Checkpoint{
		ID:             "ckpt_" + uuid.NewString(),
		WorkflowID:     workflowID,
		RunID:          runID,
		Timestamp:      time.Now(),
		CompletedSteps: append([]string(nil), completed...),
		CurrentStep:    currentStep,
		State:          make(map[string]any, len(state)),
	}
	for k, v := range state {
		cp.State[k] = v
	}
	return cp
}

// ErrNotFound is returned when no checkpoint matches a lookup.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists and retrieves checkpoints. Implementations must provide
// read-your-writes consistency for the same workflow ID within one process.
type Store interface {
	// Save persists the checkpoint and returns its ID. Saving the same
	// checkpoint twice is a no-op, not an error.
	Save(ctx context.Context, cp *Checkpoint) (string, error)
	// Load fetches a checkpoint by ID, or ErrNotFound.
	Load(ctx context.Context, id string) (*Checkpoint, error)
	// LoadLatest fetches the highest-timestamped checkpoint for a workflow,
	// or ErrNotFound when the workflow has none.
	LoadLatest(ctx context.Context, workflowID string) (*Checkpoint, error)
	// List returns all checkpoints for a workflow ordered oldest first.
	List(ctx context.Context, workflowID string) ([]*Checkpoint, error)
	// Delete removes a checkpoint by ID. Deleting a missing ID is a no-op.
	Delete(ctx context.Context, id string) error
}
