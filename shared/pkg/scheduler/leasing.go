package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/store"
	"github.com/encodefleet/encodefleet/pkg/webhook"
)

// Lease is returned by a successful claim. Signature is what the encoder
// presents on every later mutation of the job.
type Lease struct {
	Job       *models.Job
	LeaseID   string
	Signature string
	ExpiresAt time.Time
}

// Claim result labels
const (
	claimAssigned = "assigned"
	claimEmpty    = "empty"
	claimConflict = "conflict"
)

// errReleaseLost signals that a release guard no longer matched.
var errReleaseLost = errors.New("release lost to a concurrent transition")

// Claim assigns the best eligible job to the encoder. It walks the encoder
// type's mode list in order; within a bucket it picks the highest priority,
// oldest job and attempts a compare-and-swap from queued to assigned. A lost
// swap moves on to the next bucket.
//
// A nil lease with a nil error means no work is available.
func (e *Engine) Claim(ctx context.Context, encoderID string, encoderType models.EncoderType) (*Lease, error) {
	if encoderID == "" {
		return nil, NewValidationError("encoder_id", "required")
	}
	capability, ok := CapabilityFor(encoderType)
	if !ok {
		return nil, NewValidationError("encoder_type", "unknown encoder type "+string(encoderType))
	}

	for _, mode := range capability.Modes {
		now := e.now()
		candidate, err := e.store.NextCandidate(ctx, store.CandidateQuery{
			Mode:      mode,
			ShortOnly: capability.ShortOnly,
			Now:       now,
		})
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			continue
		}
		if !CanAccept(encoderType, candidate) {
			e.logger.Warn("Store returned a job the encoder cannot take", map[string]interface{}{
				"job_id":       candidate.ID,
				"encoder_type": string(encoderType),
				"mode":         string(candidate.EncodingMode),
				"is_short":     candidate.IsShort,
			})
			continue
		}

		leaseID := uuid.NewString()
		expiresAt := now.Add(e.lease)
		won, err := e.store.TransitionJob(ctx, candidate.ID,
			store.Guard{Statuses: []models.JobStatus{models.JobStatusQueued}},
			store.JobPatch{
				Status: ptr(models.JobStatusAssigned),
				Assignment: &store.Assignment{
					EncoderID:   encoderID,
					EncoderType: encoderType,
					LeaseID:     leaseID,
					AssignedAt:  now,
					ExpiresAt:   expiresAt,
				},
				ClearNextRetry: true,
			})
		if err != nil {
			return nil, err
		}
		if !won {
			e.metrics.ClaimAttempt(string(encoderType), claimConflict)
			e.logger.Debug("Claim lost race", map[string]interface{}{
				"job_id":     candidate.ID,
				"encoder_id": encoderID,
				"mode":       string(mode),
			})
			continue
		}

		job := candidate
		job.Status = models.JobStatusAssigned
		job.AssignedEncoderID = encoderID
		job.EncoderType = encoderType
		job.AssignedAt = &now
		job.LeaseID = leaseID
		job.LeaseExpiresAt = &expiresAt
		job.NextRetryAt = nil

		e.recordEvent(ctx, job, models.EventAssigned, models.JobStatusQueued, models.JobStatusAssigned, encoderID,
			map[string]interface{}{
				"encoder_type":     string(encoderType),
				"lease_expires_at": expiresAt,
				"attempts":         job.Attempts,
			})
		e.applyOutcome(ctx, encoderID, encoderType, models.OutcomeClaimed)
		e.metrics.ClaimAttempt(string(encoderType), claimAssigned)

		e.logger.Info("Job assigned", map[string]interface{}{
			"job_id":       job.ID,
			"encoder_id":   encoderID,
			"encoder_type": string(encoderType),
			"mode":         string(job.EncodingMode),
			"priority":     job.Priority,
		})

		return &Lease{
			Job:       job,
			LeaseID:   leaseID,
			Signature: auth.SignLease(job.Secret, job.ID, leaseID),
			ExpiresAt: expiresAt,
		}, nil
	}

	e.metrics.ClaimAttempt(string(encoderType), claimEmpty)
	return nil, nil
}

// RenewLease extends the caller's lease by the lease duration from now.
func (e *Engine) RenewLease(ctx context.Context, jobID, signature string) (time.Time, error) {
	job, err := e.loadHeld(ctx, jobID, signature)
	if err != nil {
		return time.Time{}, err
	}

	expiresAt := e.now().Add(e.lease)
	ok, err := e.store.TransitionJob(ctx, jobID,
		store.Guard{Statuses: models.ActiveStates(), LeaseID: job.LeaseID},
		store.JobPatch{LeaseExpiresAt: &expiresAt})
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, e.lostLease(ctx, jobID)
	}

	e.logger.Debug("Lease renewed", map[string]interface{}{
		"job_id":           jobID,
		"encoder_id":       job.AssignedEncoderID,
		"lease_expires_at": expiresAt,
	})
	return expiresAt, nil
}

// Release gives up the current lease on jobID: the job consumes one attempt
// and is either requeued with backoff or, with attempts exhausted, failed.
func (e *Engine) Release(ctx context.Context, jobID, reason string) (*models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalState(job.Status) {
		return nil, ErrJobTerminal
	}
	if !models.IsActiveState(job.Status) {
		return nil, ErrJobNotActive
	}

	released, err := e.release(ctx, job, reason, nil)
	if errors.Is(err, errReleaseLost) {
		return nil, e.explainLostRelease(ctx, jobID)
	}
	return released, err
}

func (e *Engine) explainLostRelease(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if models.IsTerminalState(job.Status) {
		return ErrJobTerminal
	}
	return ErrJobNotActive
}

// release applies the retry policy to a snapshot of an active job. The write
// is guarded on the snapshot's attempts and lease id, so two releases of the
// same lease (reaper and worker, or two reapers) consume only one attempt.
// expiredBefore additionally requires the lease to have lapsed at write time.
func (e *Engine) release(ctx context.Context, job *models.Job, reason string, expiredBefore *time.Time) (*models.Job, error) {
	now := e.now()
	attempts := job.Attempts + 1
	guard := store.Guard{
		Statuses:           models.ActiveStates(),
		Attempts:           ptr(job.Attempts),
		LeaseID:            job.LeaseID,
		LeaseExpiredBefore: expiredBefore,
	}
	from := job.Status
	encoderID, encoderType := job.AssignedEncoderID, job.EncoderType

	if attempts < job.MaxAttempts {
		nextRetryAt := e.retry.NextRetryAt(now, attempts)
		ok, err := e.store.TransitionJob(ctx, job.ID, guard, store.JobPatch{
			Status:          ptr(models.JobStatusQueued),
			Attempts:        &attempts,
			NextRetryAt:     &nextRetryAt,
			LastError:       &reason,
			ClearAssignment: true,
			ClearStage:      true,
			Progress:        ptr(0),
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errReleaseLost
		}

		released := job.Clone()
		released.Status = models.JobStatusQueued
		released.Attempts = attempts
		released.NextRetryAt = &nextRetryAt
		released.LastError = reason
		released.AssignedEncoderID, released.EncoderType, released.LeaseID = "", "", ""
		released.AssignedAt, released.LeaseExpiresAt = nil, nil
		released.CurrentStage, released.StageProgress, released.Progress = "", 0, 0

		e.recordEvent(ctx, released, models.EventRetried, from, models.JobStatusQueued, encoderID,
			map[string]interface{}{
				"attempts":      attempts,
				"max_attempts":  job.MaxAttempts,
				"next_retry_at": nextRetryAt,
				"reason":        reason,
			})
		e.applyOutcome(ctx, encoderID, encoderType, models.OutcomeReleased)
		e.metrics.LeaseReleased("retried")

		e.logger.Info("Job requeued", map[string]interface{}{
			"job_id":        job.ID,
			"attempts":      attempts,
			"max_attempts":  job.MaxAttempts,
			"next_retry_at": nextRetryAt,
			"reason":        reason,
		})
		return released, nil
	}

	ok, err := e.store.TransitionJob(ctx, job.ID, guard, store.JobPatch{
		Status:         ptr(models.JobStatusFailed),
		Attempts:       &attempts,
		LastError:      &reason,
		ErrorMessage:   &reason,
		CompletedAt:    &now,
		ClearLease:     true,
		ClearNextRetry: true,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errReleaseLost
	}

	failed := job.Clone()
	failed.Status = models.JobStatusFailed
	failed.Attempts = attempts
	failed.LastError = reason
	failed.ErrorMessage = reason
	failed.CompletedAt = &now
	failed.LeaseID, failed.LeaseExpiresAt, failed.NextRetryAt = "", nil, nil

	e.recordEvent(ctx, failed, models.EventFailed, from, models.JobStatusFailed, encoderID,
		map[string]interface{}{
			"attempts":           attempts,
			"maxAttemptsReached": true,
			"reason":             reason,
		})
	e.applyOutcome(ctx, encoderID, encoderType, models.OutcomeReleased)
	e.metrics.LeaseReleased("failed")
	e.metrics.JobFinished(string(models.JobStatusFailed))
	e.notify(failed, webhook.EventFailed, map[string]interface{}{
		"error":                reason,
		"attempts":             attempts,
		"max_attempts_reached": true,
	}, nil)

	e.logger.Warn("Job failed after max attempts", map[string]interface{}{
		"job_id":   job.ID,
		"attempts": attempts,
		"reason":   reason,
	})
	return failed, nil
}
