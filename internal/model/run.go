// internal/model/run.go
package model

import "time"

type RunStatus string

const (
	RunQueued              RunStatus = "queued"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunCancelled           RunStatus = "cancelled"
)

// Terminal reports whether the run can never change status again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithErrors, RunCancelled:
		return true
	}
	return false
}

// CanTransitionTo enumerates the legal run transitions. Anything not listed
// here is rejected before it reaches storage.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunQueued:
		return next == RunRunning
	case RunRunning:
		switch next {
		case RunCompleted, RunCompletedWithErrors, RunCancelled:
			return true
		}
		return false
	default:
		// completed, completed_with_errors, cancelled: final
		return false
	}
}

type BroadcastRun struct {
	ID              string     `db:"id" json:"id"`
	Message         string     `db:"message" json:"message"`
	Target          TargetSpec `json:"target"`
	Status          RunStatus  `db:"status" json:"status"`
	TotalRecipients int        `db:"total_recipients" json:"total_recipients"`
	PendingCount    int        `db:"pending_count" json:"pending_count"`
	SentCount       int        `db:"sent_count" json:"sent_count"`
	FailedCount     int        `db:"failed_count" json:"failed_count"`
	UnknownCount    int        `db:"unknown_count" json:"unknown_count"`
	LockToken       *string    `db:"lock_token" json:"-"`
	LockExpiresAt   *time.Time `db:"lock_expires_at" json:"-"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
}

// Leased reports whether the run-level aggregation lease is currently held.
func (r *BroadcastRun) Leased(now time.Time) bool {
	return r.LockToken != nil && r.LockExpiresAt != nil && r.LockExpiresAt.After(now)
}
