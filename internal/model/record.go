// Package model defines the core data types shared across the fan-out engine:
// query plans, candidate records, deduplicated findings, and checkpoints.
package model

import (
	"encoding/json"
	"time"
)

// QueryKind classifies what a query plan is looking for. Providers declare
// which kinds they serve, and the plan generator picks a kind per query.
type QueryKind string

const (
	KindAcademic   QueryKind = "academic"
	KindSemantic   QueryKind = "semantic"
	KindWeb        QueryKind = "web"
	KindPatent     QueryKind = "patent"
	KindGovernment QueryKind = "government"
)

// YearRange restricts a query to a publication-year window. Both bounds are
// inclusive.
type YearRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// QueryPlan is one unit of work: a query dispatched to a set of providers.
// Its identity is derived, not stored; see Hash().
type QueryPlan struct {
	Text      string     `json:"text" yaml:"text"`
	Kind      QueryKind  `json:"kind" yaml:"kind"`
	Years     *YearRange `json:"years,omitempty" yaml:"years,omitempty"`
	Providers []string   `json:"providers" yaml:"providers"`
}

// CandidateRecord is one result returned by one provider for one query.
// Immutable once produced by a provider call. Rank is the provider's own
// 0-based position within its result list (0 = most relevant).
type CandidateRecord struct {
	Title       string          `json:"title"`
	Identifier  string          `json:"identifier,omitempty"`
	SecondaryID string          `json:"secondary_id,omitempty"`
	Authors     []string        `json:"authors,omitempty"`
	Year        int             `json:"year,omitempty"` // 0 = unknown
	Provider    string          `json:"provider"`
	Rank        int             `json:"rank"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Attribution records that a provider contributed a candidate to a Finding,
// at what native rank. The full candidate is kept so merged fields can be
// recomputed deterministically from the attribution set.
type Attribution struct {
	Provider   string          `json:"provider"`
	NativeRank int             `json:"native_rank"`
	Record     CandidateRecord `json:"record"`
}

// Finding is the canonical deduplicated entity. A Finding always carries at
// least one attribution. If Identifier is set, it is identical
// (post-normalization) across all attributions.
type Finding struct {
	ID           string        `json:"id"` // surrogate, assigned at creation
	Title        string        `json:"title"`
	Identifier   string        `json:"identifier,omitempty"`
	Year         int           `json:"year,omitempty"`
	Authors      []string      `json:"authors,omitempty"`
	Attributions []Attribution `json:"attributions"`
}

// CheckpointStatus is the lifecycle state of a checkpointed query execution.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
)

// CheckpointRecord is the write-ahead record of one query execution, keyed
// by the plan's deterministic hash. Created pending when execution begins,
// finalized exactly once when the fan-out terminates.
type CheckpointRecord struct {
	Hash            string           `json:"hash"`
	QueryText       string           `json:"query_text"`
	Kind            QueryKind        `json:"kind"`
	Years           *YearRange       `json:"years,omitempty"`
	Providers       []string         `json:"providers"`
	Status          CheckpointStatus `json:"status"`
	NewFindings     int              `json:"new_findings"`
	UpdatedFindings int              `json:"updated_findings"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// RunStatus is the lifecycle state of a multi-query run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
)

// Run groups the checkpoints of one driver invocation for progress
// reporting and resume.
type Run struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Status          RunStatus  `json:"status"`
	TotalQueries    int        `json:"total_queries"`
	NewFindings     int        `json:"new_findings"`
	UpdatedFindings int        `json:"updated_findings"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}
