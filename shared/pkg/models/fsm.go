package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusAssigned:  true, // Queue → Assigned (encoder claims job)
		JobStatusCancelled: true, // Queue → Cancelled (owner cancels)
	},
	JobStatusAssigned: {
		JobStatusDownloading: true,
		JobStatusEncoding:    true,
		JobStatusUploading:   true,
		JobStatusCompleted:   true,
		JobStatusFailed:      true,
		JobStatusQueued:      true, // lease released, retry pending
		JobStatusCancelled:   true,
	},
	JobStatusDownloading: {
		JobStatusEncoding:  true,
		JobStatusUploading: true,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusQueued:    true,
		JobStatusCancelled: true,
	},
	JobStatusEncoding: {
		JobStatusDownloading: true, // stage reports may interleave
		JobStatusUploading:   true,
		JobStatusCompleted:   true,
		JobStatusFailed:      true,
		JobStatusQueued:      true,
		JobStatusCancelled:   true,
	},
	JobStatusUploading: {
		JobStatusEncoding:  true,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusQueued:    true,
		JobStatusCancelled: true,
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if from == to && IsActiveState(from) {
		// progress reports inside the same substate
		return nil
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// IsActiveState returns true if the job is held under a lease
func IsActiveState(state JobStatus) bool {
	switch state {
	case JobStatusAssigned, JobStatusDownloading, JobStatusEncoding, JobStatusUploading:
		return true
	}
	return false
}

// ActiveStates lists the statuses in which a lease is held.
func ActiveStates() []JobStatus {
	return []JobStatus{JobStatusAssigned, JobStatusDownloading, JobStatusEncoding, JobStatusUploading}
}

// NonTerminalStates lists every status that still admits a transition.
func NonTerminalStates() []JobStatus {
	return append([]JobStatus{JobStatusQueued}, ActiveStates()...)
}

// RetryPolicy defines retry behavior for released leases
type RetryPolicy struct {
	DefaultMaxAttempts int           // Used when a submission does not set one
	Base               time.Duration // Delay before the first retry
}

// DefaultRetryPolicy returns default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		DefaultMaxAttempts: 3,
		Base:               30 * time.Second,
	}
}

// Backoff returns the delay before a job that has consumed `attempts` attempts
// becomes eligible again: Base * 2^(attempts-1).
func (rp *RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts <= 1 {
		return rp.Base
	}
	return rp.Base << uint(attempts-1)
}

// NextRetryAt returns the instant the job becomes claimable again.
func (rp *RetryPolicy) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(rp.Backoff(attempts))
}
