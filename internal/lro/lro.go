// Package lro implements the long-running-operation protocol: named
// operations submitted to the host, polled until a terminal status,
// cancellable, and listed per scope. State is in-memory only; the
// master owns durable operation history.
package lro

import "time"

// Status of an operation. Terminal statuses never change again.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether a status is final.
func Terminal(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// ScopeType classifies what an operation acts on.
type ScopeType string

const (
	ScopeProject ScopeType = "project"
	ScopeAccount ScopeType = "account"
	ScopeHost    ScopeType = "host"
	ScopeHub     ScopeType = "hub"
)

// Scope pairs a scope type with the scoped entity's id.
type Scope struct {
	Type ScopeType `json:"scope_type"`
	ID   string    `json:"scope_id"`
}

// Summary is the externally visible state of one operation.
type Summary struct {
	OpID            string     `json:"op_id"`
	Kind            string     `json:"kind"`
	ScopeType       ScopeType  `json:"scope_type"`
	ScopeID         string     `json:"scope_id"`
	Status          Status     `json:"status"`
	Error           string     `json:"error,omitempty"`
	Attempt         int        `json:"attempt"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	DismissedAt     *time.Time `json:"dismissed_at,omitempty"`
	Input           any        `json:"input,omitempty"`
	Result          any        `json:"result,omitempty"`
	ProgressSummary string     `json:"progress_summary,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	OwnerType       ScopeType  `json:"owner_type,omitempty"`
	OwnerID         string     `json:"owner_id,omitempty"`
}

// WaitResult is what the polling loop hands back: the last observed
// summary and whether the budget ran out first.
type WaitResult struct {
	Summary  Summary `json:"summary"`
	TimedOut bool    `json:"timedOut"`
}
