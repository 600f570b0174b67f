package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/encodefleet/encodefleet/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

// jobColumns is the column order shared by every job SELECT and INSERT.
const jobColumns = `id, owner, permlink, input_cid, input_size, is_short, encoding_mode, priority,
	status, progress, current_stage, stage_progress,
	assigned_encoder_id, encoder_type, assigned_at, lease_id, lease_expires_at,
	attempts, max_attempts, next_retry_at, last_error, error_message,
	webhook_url, secret, webhook_delivered,
	output_cid, manifest_cid, qualities,
	created_at, started_at, completed_at`

// SQLiteStore is a SQLite-based implementation of the data store.
// Timestamps are stored as UTC unix nanoseconds so range comparisons in SQL
// are plain integer comparisons.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		permlink TEXT NOT NULL,
		input_cid TEXT NOT NULL,
		input_size INTEGER NOT NULL DEFAULT 0,
		is_short BOOLEAN NOT NULL DEFAULT 0,
		encoding_mode TEXT NOT NULL DEFAULT 'auto',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_stage TEXT NOT NULL DEFAULT '',
		stage_progress INTEGER NOT NULL DEFAULT 0,
		assigned_encoder_id TEXT NOT NULL DEFAULT '',
		encoder_type TEXT NOT NULL DEFAULT '',
		assigned_at INTEGER,
		lease_id TEXT NOT NULL DEFAULT '',
		lease_expires_at INTEGER,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		next_retry_at INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL,
		webhook_delivered BOOLEAN NOT NULL DEFAULT 0,
		output_cid TEXT NOT NULL DEFAULT '',
		manifest_cid TEXT NOT NULL DEFAULT '',
		qualities TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, encoding_mode, priority DESC, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner);

	CREATE TABLE IF NOT EXISTS job_events (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL DEFAULT '',
		encoder_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at);

	CREATE TABLE IF NOT EXISTS encoders (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		jobs_completed INTEGER NOT NULL DEFAULT 0,
		jobs_failed INTEGER NOT NULL DEFAULT 0,
		jobs_in_progress INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		reputation_score INTEGER NOT NULL DEFAULT 500,
		token_hash TEXT NOT NULL DEFAULT '',
		registered_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_preferences (
		owner TEXT PRIMARY KEY,
		encoding_mode TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a new job
func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	qualities, err := json.Marshal(nonNilStrings(job.Qualities))
	if err != nil {
		return fmt.Errorf("failed to marshal qualities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Owner, job.Permlink, job.InputCID, job.InputSize, job.IsShort,
		string(job.EncodingMode), job.Priority,
		string(job.Status), job.Progress, job.CurrentStage, job.StageProgress,
		job.AssignedEncoderID, string(job.EncoderType), nanosPtr(job.AssignedAt), job.LeaseID, nanosPtr(job.LeaseExpiresAt),
		job.Attempts, job.MaxAttempts, nanosPtr(job.NextRetryAt), job.LastError, job.ErrorMessage,
		job.WebhookURL, job.Secret, job.WebhookDelivered,
		job.OutputCID, job.ManifestCID, string(qualities),
		toNanos(job.CreatedAt), nanosPtr(job.StartedAt), nanosPtr(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return scanSQLiteJobs(rows)
}

// NextCandidate returns the best claimable job for one mode bucket, or nil.
func (s *SQLiteStore) NextCandidate(ctx context.Context, q CandidateQuery) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ?
		  AND (encoding_mode = ? OR encoding_mode = ?)
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)`
	args := []interface{}{string(models.JobStatusQueued), string(q.Mode), string(models.EncodingModeAuto), toNanos(q.Now)}
	if q.ShortOnly {
		query += ` AND is_short = 1`
	}
	query += ` ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1`

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select candidate: %w", err)
	}
	return job, nil
}

// CountByStatus returns the number of jobs in each status
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// AverageJobDuration averages completed_at-started_at over the most recently
// completed jobs.
func (s *SQLiteStore) AverageJobDuration(ctx context.Context, sample int) (time.Duration, bool, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(completed_at - started_at) FROM (
			SELECT completed_at, started_at FROM jobs
			WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL
			ORDER BY completed_at DESC LIMIT ?
		)`, string(models.JobStatusCompleted), sample).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("failed to average job duration: %w", err)
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return time.Duration(int64(avg.Float64)), true, nil
}

// AppendEvent records an event
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *models.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, event_type, from_status, to_status, encoder_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.JobID, string(event.Type), string(event.FromStatus), string(event.ToStatus),
		event.EncoderID, string(details), toNanos(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events oldest first
func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, event_type, from_status, to_status, encoder_id, details, created_at
		FROM job_events WHERE job_id = ? ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		var e models.Event
		var typ, from, to, details string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.JobID, &typ, &from, &to, &e.EncoderID, &details, &createdAt); err != nil {
			return nil, err
		}
		e.Type = models.EventType(typ)
		e.FromStatus = models.JobStatus(from)
		e.ToStatus = models.JobStatus(to)
		e.CreatedAt = fromNanos(createdAt)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetUserPreference returns the stored mode, or "" when none is set
func (s *SQLiteStore) GetUserPreference(ctx context.Context, owner string) (models.EncodingMode, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT encoding_mode FROM user_preferences WHERE owner = ?`, owner).Scan(&mode)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get preference: %w", err)
	}
	return models.EncodingMode(mode), nil
}

// SetUserPreference stores an owner's preferred encoding mode
func (s *SQLiteStore) SetUserPreference(ctx context.Context, owner string, mode models.EncodingMode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (owner, encoding_mode, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET encoding_mode = excluded.encoding_mode, updated_at = excluded.updated_at`,
		owner, string(mode), toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set preference: %w", err)
	}
	return nil
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nanosPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
