package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/encodefleet/encodefleet/pkg/models"
)

// TransitionJob applies patch as a single conditional UPDATE. It returns
// false when the guard no longer holds (or the job does not exist).
func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, guard Guard, patch JobPatch) (bool, error) {
	query, args, err := buildTransition(sqliteDialect, id, guard, patch)
	if err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows == 1, nil
}

// ExpiredLeases lists active jobs whose lease ended before now, oldest expiry first
func (s *SQLiteStore) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN (?, ?, ?, ?)
		  AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC`
	args := []interface{}{}
	for _, st := range models.ActiveStates() {
		args = append(args, string(st))
	}
	args = append(args, toNanos(now))
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired leases: %w", err)
	}
	defer rows.Close()
	return scanSQLiteJobs(rows)
}

// GetEncoder retrieves an encoder by ID
func (s *SQLiteStore) GetEncoder(ctx context.Context, id string) (*models.Encoder, error) {
	e, err := scanSQLiteEncoder(s.db.QueryRowContext(ctx, `
		SELECT id, type, jobs_completed, jobs_failed, jobs_in_progress, success_rate,
		       reputation_score, token_hash, registered_at, last_seen_at
		FROM encoders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrEncoderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get encoder: %w", err)
	}
	return e, nil
}

// RegisterEncoder creates an encoder or replaces its type and token hash,
// keeping accumulated statistics.
func (s *SQLiteStore) RegisterEncoder(ctx context.Context, encoder *models.Encoder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encoders (id, type, jobs_completed, jobs_failed, jobs_in_progress, success_rate,
		                      reputation_score, token_hash, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			token_hash = excluded.token_hash,
			last_seen_at = excluded.last_seen_at`,
		encoder.ID, string(encoder.Type), encoder.JobsCompleted, encoder.JobsFailed, encoder.JobsInProgress,
		encoder.SuccessRate, encoder.ReputationScore, encoder.TokenHash,
		toNanos(encoder.RegisteredAt), toNanos(encoder.LastSeenAt))
	if err != nil {
		return fmt.Errorf("failed to register encoder: %w", err)
	}
	return nil
}

// ApplyEncoderOutcome folds an outcome into an encoder's stats inside one
// write transaction, creating the encoder on first sight.
func (s *SQLiteStore) ApplyEncoderOutcome(ctx context.Context, id string, typ models.EncoderType, outcome models.EncoderOutcome, now time.Time) (*models.Encoder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := scanSQLiteEncoder(tx.QueryRowContext(ctx, `
		SELECT id, type, jobs_completed, jobs_failed, jobs_in_progress, success_rate,
		       reputation_score, token_hash, registered_at, last_seen_at
		FROM encoders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		e = models.NewEncoder(id, typ, now)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load encoder: %w", err)
	}

	e.Apply(outcome, now)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO encoders (id, type, jobs_completed, jobs_failed, jobs_in_progress, success_rate,
		                      reputation_score, token_hash, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			jobs_completed = excluded.jobs_completed,
			jobs_failed = excluded.jobs_failed,
			jobs_in_progress = excluded.jobs_in_progress,
			success_rate = excluded.success_rate,
			reputation_score = excluded.reputation_score,
			last_seen_at = excluded.last_seen_at`,
		e.ID, string(e.Type), e.JobsCompleted, e.JobsFailed, e.JobsInProgress, e.SuccessRate,
		e.ReputationScore, e.TokenHash, toNanos(e.RegisteredAt), toNanos(e.LastSeenAt))
	if err != nil {
		return nil, fmt.Errorf("failed to save encoder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit encoder update: %w", err)
	}
	return e, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var mode, status, encoderType, qualities string
	var assignedAt, leaseExpiresAt, nextRetryAt, startedAt, completedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&job.ID, &job.Owner, &job.Permlink, &job.InputCID, &job.InputSize, &job.IsShort,
		&mode, &job.Priority,
		&status, &job.Progress, &job.CurrentStage, &job.StageProgress,
		&job.AssignedEncoderID, &encoderType, &assignedAt, &job.LeaseID, &leaseExpiresAt,
		&job.Attempts, &job.MaxAttempts, &nextRetryAt, &job.LastError, &job.ErrorMessage,
		&job.WebhookURL, &job.Secret, &job.WebhookDelivered,
		&job.OutputCID, &job.ManifestCID, &qualities,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.EncodingMode = models.EncodingMode(mode)
	job.Status = models.JobStatus(status)
	job.EncoderType = models.EncoderType(encoderType)
	job.AssignedAt = fromNullNanos(assignedAt)
	job.LeaseExpiresAt = fromNullNanos(leaseExpiresAt)
	job.NextRetryAt = fromNullNanos(nextRetryAt)
	job.CreatedAt = fromNanos(createdAt)
	job.StartedAt = fromNullNanos(startedAt)
	job.CompletedAt = fromNullNanos(completedAt)
	if err := unmarshalQualities(qualities, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanSQLiteJobs(rows *sql.Rows) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanSQLiteEncoder(row rowScanner) (*models.Encoder, error) {
	var e models.Encoder
	var typ string
	var registeredAt, lastSeenAt int64
	if err := row.Scan(&e.ID, &typ, &e.JobsCompleted, &e.JobsFailed, &e.JobsInProgress, &e.SuccessRate,
		&e.ReputationScore, &e.TokenHash, &registeredAt, &lastSeenAt); err != nil {
		return nil, err
	}
	e.Type = models.EncoderType(typ)
	e.RegisteredAt = fromNanos(registeredAt)
	e.LastSeenAt = fromNanos(lastSeenAt)
	return &e, nil
}

func unmarshalQualities(raw string, job *models.Job) error {
	if raw == "" {
		return nil
	}
	var q []string
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return fmt.Errorf("failed to unmarshal qualities: %w", err)
	}
	if len(q) > 0 {
		job.Qualities = q
	}
	return nil
}
