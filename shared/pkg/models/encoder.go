package models

import (
	"time"
)

// Reputation bounds for encoders
const (
	MinReputation     = 0
	MaxReputation     = 1000
	InitialReputation = 500

	CompletionReward = 5
	FailurePenalty   = 10
)

// Encoder is a worker identity with aggregate performance statistics.
// Records are created on registration or first successful claim.
type Encoder struct {
	ID              string      `json:"id"`
	Type            EncoderType `json:"type"`
	JobsCompleted   int         `json:"jobs_completed"`
	JobsFailed      int         `json:"jobs_failed"`
	JobsInProgress  int         `json:"jobs_in_progress"`
	SuccessRate     float64     `json:"success_rate"` // percent, 0-100
	ReputationScore int         `json:"reputation_score"`
	TokenHash       string      `json:"-"`
	RegisteredAt    time.Time   `json:"registered_at"`
	LastSeenAt      time.Time   `json:"last_seen_at"`
}

// EncoderOutcome is a lifecycle signal applied to an encoder's statistics
type EncoderOutcome string

const (
	OutcomeClaimed   EncoderOutcome = "claimed"
	OutcomeReleased  EncoderOutcome = "released" // lease lost or retryable failure; not a performance signal
	OutcomeCompleted EncoderOutcome = "completed"
	OutcomeFailed    EncoderOutcome = "failed"
)

// NewEncoder returns an encoder with starting reputation
func NewEncoder(id string, typ EncoderType, now time.Time) *Encoder {
	return &Encoder{
		ID:              id,
		Type:            typ,
		ReputationScore: InitialReputation,
		RegisteredAt:    now,
		LastSeenAt:      now,
	}
}

// Apply folds an outcome into the encoder's counters.
//
// successRate is a running average over finished (completed + failed) jobs.
func (e *Encoder) Apply(outcome EncoderOutcome, now time.Time) {
	e.LastSeenAt = now

	switch outcome {
	case OutcomeClaimed:
		e.JobsInProgress++
	case OutcomeReleased:
		e.decrementInProgress()
	case OutcomeCompleted:
		e.decrementInProgress()
		e.recordFinished(100)
		e.JobsCompleted++
		e.ReputationScore = clampReputation(e.ReputationScore + CompletionReward)
	case OutcomeFailed:
		e.decrementInProgress()
		e.recordFinished(0)
		e.JobsFailed++
		e.ReputationScore = clampReputation(e.ReputationScore - FailurePenalty)
	}
}

func (e *Encoder) recordFinished(sample float64) {
	finished := float64(e.JobsCompleted + e.JobsFailed)
	e.SuccessRate = (e.SuccessRate*finished + sample) / (finished + 1)
}

func (e *Encoder) decrementInProgress() {
	if e.JobsInProgress > 0 {
		e.JobsInProgress--
	}
}

func clampReputation(v int) int {
	if v < MinReputation {
		return MinReputation
	}
	if v > MaxReputation {
		return MaxReputation
	}
	return v
}
