package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/encodefleet/encodefleet/pkg/models"
)

// TransitionJob applies patch as a single conditional UPDATE. Under READ
// COMMITTED a concurrent writer that commits first makes the WHERE clause
// re-evaluate against the new row, so only one claimer can match.
func (s *PostgreSQLStore) TransitionJob(ctx context.Context, id string, guard Guard, patch JobPatch) (bool, error) {
	query, args, err := buildTransition(postgresDialect, id, guard, patch)
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
func (s *PostgreSQLStore) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	active := models.ActiveStates()
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ($1, $2, $3, $4)
		  AND lease_expires_at IS NOT NULL AND lease_expires_at < $5
		ORDER BY lease_expires_at ASC`
	args := []interface{}{string(active[0]), string(active[1]), string(active[2]), string(active[3]), now.UTC()}
	if limit > 0 {
		query += ` LIMIT $6`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired leases: %w", err)
	}
	defer rows.Close()
	return scanPostgresJobs(rows)
}

// GetEncoder retrieves an encoder by ID
func (s *PostgreSQLStore) GetEncoder(ctx context.Context, id string) (*models.Encoder, error) {
	e, err := scanPostgresEncoder(s.db.QueryRowContext(ctx, `
		SELECT id, type, jobs_completed, jobs_failed, jobs_in_progress, success_rate,
		       reputation_score, token_hash, registered_at, last_seen_at
		FROM encoders WHERE id = $1`, id))
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
func (s *PostgreSQLStore) RegisterEncoder(ctx context.Context, encoder *models.Encoder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encoders (id, type, jobs_completed, jobs_failed, jobs_in_progress, success_rate,
		                      reputation_score, token_hash, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			token_hash = EXCLUDED.token_hash,
			last_seen_at = EXCLUDED.last_seen_at`,
		encoder.ID, string(encoder.Type), encoder.JobsCompleted, encoder.JobsFailed, encoder.JobsInProgress,
		encoder.SuccessRate, encoder.ReputationScore, encoder.TokenHash,
		encoder.RegisteredAt.UTC(), encoder.LastSeenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to register encoder: %w", err)
	}
	return nil
}

// ApplyEncoderOutcome folds an outcome into an encoder's stats under a row
// lock, creating the encoder on first sight.
func (s *PostgreSQLStore) ApplyEncoderOutcome(ctx context.Context, id string, typ models.EncoderType, outcome models.EncoderOutcome, now time.Time) (*models.Encoder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fresh := models.NewEncoder(id, typ, now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO encoders (id, type, reputation_score, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO NOTHING`,
		fresh.ID, string(fresh.Type), fresh.ReputationScore, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure encoder: %w", err)
	}

	e, err := scanPostgresEncoder(tx.QueryRowContext(ctx, `
		SELECT id, type, jobs_completed, jobs_failed, jobs_in_progress, success_rate,
		       reputation_score, token_hash, registered_at, last_seen_at
		FROM encoders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock encoder: %w", err)
	}

	e.Apply(outcome, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE encoders SET jobs_completed = $1, jobs_failed = $2, jobs_in_progress = $3,
		       success_rate = $4, reputation_score = $5, last_seen_at = $6
		WHERE id = $7`,
		e.JobsCompleted, e.JobsFailed, e.JobsInProgress, e.SuccessRate, e.ReputationScore, now.UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to save encoder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit encoder update: %w", err)
	}
	return e, nil
}

func scanPostgresJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var mode, status, encoderType string
	var qualities []byte
	var assignedAt, leaseExpiresAt, nextRetryAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Owner, &job.Permlink, &job.InputCID, &job.InputSize, &job.IsShort,
		&mode, &job.Priority,
		&status, &job.Progress, &job.CurrentStage, &job.StageProgress,
		&job.AssignedEncoderID, &encoderType, &assignedAt, &job.LeaseID, &leaseExpiresAt,
		&job.Attempts, &job.MaxAttempts, &nextRetryAt, &job.LastError, &job.ErrorMessage,
		&job.WebhookURL, &job.Secret, &job.WebhookDelivered,
		&job.OutputCID, &job.ManifestCID, &qualities,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.EncodingMode = models.EncodingMode(mode)
	job.Status = models.JobStatus(status)
	job.EncoderType = models.EncoderType(encoderType)
	job.AssignedAt = nullTime(assignedAt)
	job.LeaseExpiresAt = nullTime(leaseExpiresAt)
	job.NextRetryAt = nullTime(nextRetryAt)
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)
	if err := unmarshalQualities(string(qualities), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanPostgresJobs(rows *sql.Rows) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanPostgresEncoder(row rowScanner) (*models.Encoder, error) {
	var e models.Encoder
	var typ string
	if err := row.Scan(&e.ID, &typ, &e.JobsCompleted, &e.JobsFailed, &e.JobsInProgress, &e.SuccessRate,
		&e.ReputationScore, &e.TokenHash, &e.RegisteredAt, &e.LastSeenAt); err != nil {
		return nil, err
	}
	e.Type = models.EncoderType(typ)
	return &e, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
