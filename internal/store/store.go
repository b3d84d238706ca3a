// Package store persists the engine's durable state: the checkpoint
// write-ahead log keyed by query hash, the canonical finding set with
// provider attributions, and run-level progress. SQLite and Postgres
// backends implement the same contracts.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scout/internal/model"
)

// ErrAlreadyFinalized is returned by Complete when another finalization
// already won for the same hash. At most one concurrent finalizer succeeds.
var ErrAlreadyFinalized = eris.New("checkpoint already finalized")

// CheckpointProgress summarizes checkpoint states for status reporting.
type CheckpointProgress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CheckpointStore is the write-ahead log of query executions. Begin is
// idempotent for an in-flight hash; Complete finalizes exactly once.
type CheckpointStore interface {
	// Begin records intent-to-execute. If a checkpoint for the hash
	// already exists it is returned; a previously finalized checkpoint is
	// reset to pending (a non-resume re-execution).
	Begin(ctx context.Context, runID string, plan model.QueryPlan) (*model.CheckpointRecord, error)

	// Complete finalizes the pending checkpoint for hash. Returns
	// ErrAlreadyFinalized if it is no longer pending.
	Complete(ctx context.Context, hash string, status model.CheckpointStatus, newFindings, updatedFindings int) error

	// IsCompleted reports whether the hash has a completed checkpoint.
	IsCompleted(ctx context.Context, hash string) (bool, error)

	// GetCheckpoint returns the checkpoint for hash, or nil.
	GetCheckpoint(ctx context.Context, hash string) (*model.CheckpointRecord, error)

	// ResetFailed flips failed checkpoints back to pending so a resumed
	// run retries them as if new. Returns the number reset.
	ResetFailed(ctx context.Context) (int, error)

	// Progress returns checkpoint counts by status.
	Progress(ctx context.Context) (CheckpointProgress, error)
}

// ResultSink persists findings and provider attributions. Both operations
// are idempotent under identical repeated input.
type ResultSink interface {
	// UpsertFinding inserts the finding or merges it into an existing row
	// with the same identity, filling only null fields. Returns the
	// surrogate id the finding is stored under.
	UpsertFinding(ctx context.Context, f *model.Finding) (string, error)

	// RecordAttribution records that a provider contributed to a finding
	// at a native rank. Duplicate (finding, provider, rank) tuples are
	// no-ops.
	RecordAttribution(ctx context.Context, findingID, providerName string, nativeRank int, raw json.RawMessage) error

	// ListFindings returns persisted findings for seeding cross-run
	// deduplication. A limit of 0 means no limit.
	ListFindings(ctx context.Context, limit int) ([]*model.Finding, error)
}

// RunStore tracks multi-query runs for progress reporting and resume.
type RunStore interface {
	CreateRun(ctx context.Context, kind string) (*model.Run, error)
	FinalizeRun(ctx context.Context, runID string, status model.RunStatus, totalQueries, newFindings, updatedFindings int) error
	ListRuns(ctx context.Context, limit int) ([]*model.Run, error)
}

// Store is the full persistence surface. Both backends implement it.
type Store interface {
	CheckpointStore
	ResultSink
	RunStore

	Migrate(ctx context.Context) error
	Close() error
}
