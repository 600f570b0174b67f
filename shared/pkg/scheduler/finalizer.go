package scheduler

import (
	"context"
	"errors"
	"strings"

	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/store"
	"github.com/encodefleet/encodefleet/pkg/webhook"
)

// Complete finishes a held job with the encoder's result.
func (e *Engine) Complete(ctx context.Context, jobID, signature string, result models.JobResult) (*models.Job, error) {
	if strings.TrimSpace(result.OutputCID) == "" {
		return nil, NewValidationError("output_cid", "required")
	}

	job, err := e.loadHeld(ctx, jobID, signature)
	if err != nil {
		return nil, err
	}

	now := e.now()
	ok, err := e.store.TransitionJob(ctx, jobID,
		store.Guard{Statuses: models.ActiveStates(), LeaseID: job.LeaseID},
		store.JobPatch{
			Status:           ptr(models.JobStatusCompleted),
			Progress:         ptr(100),
			Result:           &result,
			CompletedAt:      &now,
			StartedAtIfUnset: job.AssignedAt,
			ClearStage:       true,
			ClearLease:       true,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.lostLease(ctx, jobID)
	}

	from := job.Status
	done := job.Clone()
	done.Status = models.JobStatusCompleted
	done.Progress = 100
	done.OutputCID, done.ManifestCID, done.Qualities = result.OutputCID, result.ManifestCID, result.Qualities
	done.CompletedAt = &now
	if done.StartedAt == nil {
		done.StartedAt = job.AssignedAt
	}
	done.CurrentStage, done.StageProgress = "", 0
	done.LeaseID, done.LeaseExpiresAt = "", nil

	e.recordEvent(ctx, done, models.EventCompleted, from, models.JobStatusCompleted, job.AssignedEncoderID,
		map[string]interface{}{
			"output_cid":   result.OutputCID,
			"manifest_cid": result.ManifestCID,
			"qualities":    result.Qualities,
		})
	e.applyOutcome(ctx, job.AssignedEncoderID, job.EncoderType, models.OutcomeCompleted)
	e.metrics.JobFinished(string(models.JobStatusCompleted))

	e.notify(done, webhook.EventCompleted, map[string]interface{}{
		"output_cid":   result.OutputCID,
		"manifest_cid": result.ManifestCID,
		"qualities":    result.Qualities,
	}, func() { e.markWebhookDelivered(jobID) })

	e.logger.Info("Job completed", map[string]interface{}{
		"job_id":     jobID,
		"encoder_id": job.AssignedEncoderID,
		"output_cid": result.OutputCID,
	})
	return done, nil
}

// markWebhookDelivered runs from the notifier goroutine after the request
// that completed the job has returned.
func (e *Engine) markWebhookDelivered(jobID string) {
	_, err := e.store.TransitionJob(context.Background(), jobID,
		store.Guard{Statuses: []models.JobStatus{models.JobStatusCompleted}},
		store.JobPatch{WebhookDelivered: ptr(true)})
	if err != nil {
		e.logger.WithError(err).Error("Failed to mark webhook delivered", map[string]interface{}{"job_id": jobID})
	}
}

// Fail reports a worker-side failure. A retryable failure releases the lease
// through the retry policy; otherwise the job fails immediately and the
// encoder takes a reputation penalty.
func (e *Engine) Fail(ctx context.Context, jobID, signature, message string, retryable bool) (*models.Job, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, NewValidationError("error", "required")
	}

	job, err := e.loadHeld(ctx, jobID, signature)
	if err != nil {
		return nil, err
	}

	if retryable {
		released, err := e.release(ctx, job, message, nil)
		if errors.Is(err, errReleaseLost) {
			return nil, e.lostLease(ctx, jobID)
		}
		return released, err
	}

	now := e.now()
	ok, err := e.store.TransitionJob(ctx, jobID,
		store.Guard{Statuses: models.ActiveStates(), LeaseID: job.LeaseID},
		store.JobPatch{
			Status:         ptr(models.JobStatusFailed),
			ErrorMessage:   &message,
			LastError:      &message,
			CompletedAt:    &now,
			ClearLease:     true,
			ClearNextRetry: true,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.lostLease(ctx, jobID)
	}

	from := job.Status
	failed := job.Clone()
	failed.Status = models.JobStatusFailed
	failed.ErrorMessage, failed.LastError = message, message
	failed.CompletedAt = &now
	failed.LeaseID, failed.LeaseExpiresAt, failed.NextRetryAt = "", nil, nil

	e.recordEvent(ctx, failed, models.EventFailed, from, models.JobStatusFailed, job.AssignedEncoderID,
		map[string]interface{}{
			"error":     message,
			"retryable": false,
		})
	e.applyOutcome(ctx, job.AssignedEncoderID, job.EncoderType, models.OutcomeFailed)
	e.metrics.JobFinished(string(models.JobStatusFailed))
	e.notify(failed, webhook.EventFailed, map[string]interface{}{"error": message}, nil)

	e.logger.Warn("Job failed", map[string]interface{}{
		"job_id":     jobID,
		"encoder_id": job.AssignedEncoderID,
		"error":      message,
	})
	return failed, nil
}

// Cancel stops a job on behalf of its owner. A worker holding the lease is
// not interrupted; it learns of the cancellation when its next report is
// rejected. Encoder reputation is untouched.
func (e *Engine) Cancel(ctx context.Context, jobID, requestor, reason string) (*models.Job, error) {
	if requestor == "" {
		return nil, NewValidationError("owner", "required")
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Owner != requestor {
		return nil, ErrNotOwner
	}
	if models.IsTerminalState(job.Status) {
		return nil, ErrJobTerminal
	}
	if reason == "" {
		reason = "cancelled by owner"
	}

	now := e.now()
	ok, err := e.store.TransitionJob(ctx, jobID,
		store.Guard{Statuses: models.NonTerminalStates(), Owner: requestor},
		store.JobPatch{
			Status:         ptr(models.JobStatusCancelled),
			LastError:      &reason,
			CompletedAt:    &now,
			ClearLease:     true,
			ClearNextRetry: true,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobTerminal
	}

	from := job.Status
	cancelled := job.Clone()
	cancelled.Status = models.JobStatusCancelled
	cancelled.LastError = reason
	cancelled.CompletedAt = &now
	cancelled.LeaseID, cancelled.LeaseExpiresAt, cancelled.NextRetryAt = "", nil, nil

	e.recordEvent(ctx, cancelled, models.EventCancelled, from, models.JobStatusCancelled, job.AssignedEncoderID,
		map[string]interface{}{
			"reason":    reason,
			"requestor": requestor,
		})
	if models.IsActiveState(from) {
		e.applyOutcome(ctx, job.AssignedEncoderID, job.EncoderType, models.OutcomeReleased)
	}
	e.metrics.JobFinished(string(models.JobStatusCancelled))
	e.notify(cancelled, webhook.EventCancelled, map[string]interface{}{"reason": reason}, nil)

	e.logger.Info("Job cancelled", map[string]interface{}{
		"job_id":      jobID,
		"from_status": string(from),
		"reason":      reason,
	})
	return cancelled, nil
}
