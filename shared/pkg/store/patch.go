package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/encodefleet/encodefleet/pkg/models"
)

// dialect captures the differences between the SQL backends that share
// the guarded-update builder.
type dialect struct {
	placeholder func(n int) string
	timeValue   func(t time.Time) interface{}
	greatest    string
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeValue:   func(t time.Time) interface{} { return t.UTC().UnixNano() },
	greatest:    "MAX",
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeValue:   func(t time.Time) interface{} { return t.UTC() },
	greatest:    "GREATEST",
}

// updateBuilder accumulates SET and WHERE clauses with positional arguments.
type updateBuilder struct {
	d     dialect
	sets  []string
	where []string
	args  []interface{}
}

func (b *updateBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *updateBuilder) set(column string, v interface{}) {
	b.sets = append(b.sets, fmt.Sprintf("%s = %s", column, b.arg(v)))
}

func (b *updateBuilder) setRaw(clause string) {
	b.sets = append(b.sets, clause)
}

// buildTransition renders a single conditional UPDATE for TransitionJob.
func buildTransition(d dialect, id string, guard Guard, patch JobPatch) (string, []interface{}, error) {
	if len(guard.Statuses) == 0 {
		return "", nil, ErrEmptyGuard
	}

	b := &updateBuilder{d: d}

	if patch.Status != nil {
		b.set("status", string(*patch.Status))
	}
	if patch.Attempts != nil {
		b.set("attempts", *patch.Attempts)
	}
	if patch.NextRetryAt != nil {
		b.set("next_retry_at", d.timeValue(*patch.NextRetryAt))
	} else if patch.ClearNextRetry {
		b.setRaw("next_retry_at = NULL")
	}
	if patch.LastError != nil {
		b.set("last_error", *patch.LastError)
	}
	if patch.ErrorMessage != nil {
		b.set("error_message", *patch.ErrorMessage)
	}

	switch {
	case patch.Assignment != nil:
		a := patch.Assignment
		b.set("assigned_encoder_id", a.EncoderID)
		b.set("encoder_type", string(a.EncoderType))
		b.set("assigned_at", d.timeValue(a.AssignedAt))
		b.set("lease_id", a.LeaseID)
		b.set("lease_expires_at", d.timeValue(a.ExpiresAt))
	case patch.ClearAssignment:
		b.setRaw("assigned_encoder_id = ''")
		b.setRaw("encoder_type = ''")
		b.setRaw("assigned_at = NULL")
		b.setRaw("lease_id = ''")
		b.setRaw("lease_expires_at = NULL")
	case patch.ClearLease:
		b.setRaw("lease_id = ''")
		b.setRaw("lease_expires_at = NULL")
	case patch.LeaseExpiresAt != nil:
		b.set("lease_expires_at", d.timeValue(*patch.LeaseExpiresAt))
	}

	if patch.ClearStage {
		b.setRaw("current_stage = ''")
		b.setRaw("stage_progress = 0")
	} else {
		if patch.CurrentStage != nil {
			b.set("current_stage", *patch.CurrentStage)
		}
		if patch.StageProgress != nil {
			b.set("stage_progress", *patch.StageProgress)
		}
	}

	if patch.Progress != nil {
		b.set("progress", *patch.Progress)
	} else if patch.ProgressAtLeast != nil {
		b.setRaw(fmt.Sprintf("progress = %s(progress, %s)", d.greatest, b.arg(*patch.ProgressAtLeast)))
	}

	if patch.StartedAtIfUnset != nil {
		b.setRaw(fmt.Sprintf("started_at = COALESCE(started_at, %s)", b.arg(d.timeValue(*patch.StartedAtIfUnset))))
	}
	if patch.CompletedAt != nil {
		b.set("completed_at", d.timeValue(*patch.CompletedAt))
	}
	if patch.Result != nil {
		qualities, err := json.Marshal(patch.Result.Qualities)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal qualities: %w", err)
		}
		b.set("output_cid", patch.Result.OutputCID)
		b.set("manifest_cid", patch.Result.ManifestCID)
		b.set("qualities", string(qualities))
	}
	if patch.WebhookDelivered != nil {
		b.set("webhook_delivered", *patch.WebhookDelivered)
	}

	if len(b.sets) == 0 {
		return "", nil, fmt.Errorf("empty patch for job %s", id)
	}

	b.where = append(b.where, fmt.Sprintf("id = %s", b.arg(id)))

	statuses := make([]string, len(guard.Statuses))
	for i, s := range guard.Statuses {
		statuses[i] = b.arg(string(s))
	}
	b.where = append(b.where, fmt.Sprintf("status IN (%s)", strings.Join(statuses, ", ")))

	if guard.LeaseID != "" {
		b.where = append(b.where, fmt.Sprintf("lease_id = %s", b.arg(guard.LeaseID)))
	}
	if guard.Owner != "" {
		b.where = append(b.where, fmt.Sprintf("owner = %s", b.arg(guard.Owner)))
	}
	if guard.Attempts != nil {
		b.where = append(b.where, fmt.Sprintf("attempts = %s", b.arg(*guard.Attempts)))
	}
	if guard.LeaseExpiredBefore != nil {
		b.where = append(b.where, fmt.Sprintf("lease_expires_at IS NOT NULL AND lease_expires_at < %s",
			b.arg(d.timeValue(*guard.LeaseExpiredBefore))))
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE %s",
		strings.Join(b.sets, ", "), strings.Join(b.where, " AND "))
	return query, b.args, nil
}

// matches reports whether the in-memory job satisfies the guard.
func (g Guard) matches(job *models.Job) bool {
	found := false
	for _, s := range g.Statuses {
		if job.Status == s {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if g.LeaseID != "" && job.LeaseID != g.LeaseID {
		return false
	}
	if g.Owner != "" && job.Owner != g.Owner {
		return false
	}
	if g.Attempts != nil && job.Attempts != *g.Attempts {
		return false
	}
	if g.LeaseExpiredBefore != nil {
		if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(*g.LeaseExpiredBefore) {
			return false
		}
	}
	return true
}

// apply writes the patch onto an in-memory job with the same semantics as
// the SQL rendering.
func (p JobPatch) apply(job *models.Job) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Attempts != nil {
		job.Attempts = *p.Attempts
	}
	if p.NextRetryAt != nil {
		t := *p.NextRetryAt
		job.NextRetryAt = &t
	} else if p.ClearNextRetry {
		job.NextRetryAt = nil
	}
	if p.LastError != nil {
		job.LastError = *p.LastError
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = *p.ErrorMessage
	}

	switch {
	case p.Assignment != nil:
		a := p.Assignment
		assignedAt, expiresAt := a.AssignedAt, a.ExpiresAt
		job.AssignedEncoderID = a.EncoderID
		job.EncoderType = a.EncoderType
		job.AssignedAt = &assignedAt
		job.LeaseID = a.LeaseID
		job.LeaseExpiresAt = &expiresAt
	case p.ClearAssignment:
		job.AssignedEncoderID = ""
		job.EncoderType = ""
		job.AssignedAt = nil
		job.LeaseID = ""
		job.LeaseExpiresAt = nil
	case p.ClearLease:
		job.LeaseID = ""
		job.LeaseExpiresAt = nil
	case p.LeaseExpiresAt != nil:
		t := *p.LeaseExpiresAt
		job.LeaseExpiresAt = &t
	}

	if p.ClearStage {
		job.CurrentStage = ""
		job.StageProgress = 0
	} else {
		if p.CurrentStage != nil {
			job.CurrentStage = *p.CurrentStage
		}
		if p.StageProgress != nil {
			job.StageProgress = *p.StageProgress
		}
	}

	if p.Progress != nil {
		job.Progress = *p.Progress
	} else if p.ProgressAtLeast != nil && *p.ProgressAtLeast > job.Progress {
		job.Progress = *p.ProgressAtLeast
	}

	if p.StartedAtIfUnset != nil && job.StartedAt == nil {
		t := *p.StartedAtIfUnset
		job.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		job.CompletedAt = &t
	}
	if p.Result != nil {
		job.OutputCID = p.Result.OutputCID
		job.ManifestCID = p.Result.ManifestCID
		job.Qualities = append([]string(nil), p.Result.Qualities...)
	}
	if p.WebhookDelivered != nil {
		job.WebhookDelivered = *p.WebhookDelivered
	}
}
