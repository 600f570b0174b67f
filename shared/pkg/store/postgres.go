package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/encodefleet/encodefleet/pkg/models"
	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store interface using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25) // Default
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5) // Default
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute) // Default
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute) // Default
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		owner TEXT NOT NULL,
		permlink TEXT NOT NULL,
		input_cid TEXT NOT NULL,
		input_size BIGINT NOT NULL DEFAULT 0,
		is_short BOOLEAN NOT NULL DEFAULT false,
		encoding_mode TEXT NOT NULL DEFAULT 'auto',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_stage TEXT NOT NULL DEFAULT '',
		stage_progress INTEGER NOT NULL DEFAULT 0,
		assigned_encoder_id TEXT NOT NULL DEFAULT '',
		encoder_type TEXT NOT NULL DEFAULT '',
		assigned_at TIMESTAMPTZ,
		lease_id TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMPTZ,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		next_retry_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL,
		webhook_delivered BOOLEAN NOT NULL DEFAULT false,
		output_cid TEXT NOT NULL DEFAULT '',
		manifest_cid TEXT NOT NULL DEFAULT '',
		qualities JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, encoding_mode, priority DESC, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner);

	CREATE TABLE IF NOT EXISTS job_events (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		job_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL DEFAULT '',
		encoder_id TEXT NOT NULL DEFAULT '',
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at);

	CREATE TABLE IF NOT EXISTS encoders (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		jobs_completed INTEGER NOT NULL DEFAULT 0,
		jobs_failed INTEGER NOT NULL DEFAULT 0,
		jobs_in_progress INTEGER NOT NULL DEFAULT 0,
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		reputation_score INTEGER NOT NULL DEFAULT 500,
		token_hash TEXT NOT NULL DEFAULT '',
		registered_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_preferences (
		owner TEXT PRIMARY KEY,
		encoding_mode TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a new job
func (s *PostgreSQLStore) CreateJob(ctx context.Context, job *models.Job) error {
	qualities, err := json.Marshal(nonNilStrings(job.Qualities))
	if err != nil {
		return fmt.Errorf("failed to marshal qualities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`,
		job.ID, job.Owner, job.Permlink, job.InputCID, job.InputSize, job.IsShort,
		string(job.EncodingMode), job.Priority,
		string(job.Status), job.Progress, job.CurrentStage, job.StageProgress,
		job.AssignedEncoderID, string(job.EncoderType), utcPtr(job.AssignedAt), job.LeaseID, utcPtr(job.LeaseExpiresAt),
		job.Attempts, job.MaxAttempts, utcPtr(job.NextRetryAt), job.LastError, job.ErrorMessage,
		job.WebhookURL, job.Secret, job.WebhookDelivered,
		job.OutputCID, job.ManifestCID, string(qualities),
		job.CreatedAt.UTC(), utcPtr(job.StartedAt), utcPtr(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *PostgreSQLStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanPostgresJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *PostgreSQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		query += fmt.Sprintf(` AND owner = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return scanPostgresJobs(rows)
}

// NextCandidate returns the best claimable job for one mode bucket, or nil.
func (s *PostgreSQLStore) NextCandidate(ctx context.Context, q CandidateQuery) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = $1
		  AND (encoding_mode = $2 OR encoding_mode = $3)
		  AND (next_retry_at IS NULL OR next_retry_at <= $4)`
	if q.ShortOnly {
		query += ` AND is_short`
	}
	query += ` ORDER BY priority DESC, created_at ASC, seq ASC LIMIT 1`

	job, err := scanPostgresJob(s.db.QueryRowContext(ctx, query,
		string(models.JobStatusQueued), string(q.Mode), string(models.EncodingModeAuto), q.Now.UTC()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select candidate: %w", err)
	}
	return job, nil
}

// CountByStatus returns the number of jobs in each status
func (s *PostgreSQLStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
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
func (s *PostgreSQLStore) AverageJobDuration(ctx context.Context, sample int) (time.Duration, bool, error) {
	var seconds sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at))) FROM (
			SELECT completed_at, started_at FROM jobs
			WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL
			ORDER BY completed_at DESC LIMIT $2
		) recent`, string(models.JobStatusCompleted), sample).Scan(&seconds)
	if err != nil {
		return 0, false, fmt.Errorf("failed to average job duration: %w", err)
	}
	if !seconds.Valid {
		return 0, false, nil
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), true, nil
}

// AppendEvent records an event
func (s *PostgreSQLStore) AppendEvent(ctx context.Context, event *models.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, event_type, from_status, to_status, encoder_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.JobID, string(event.Type), string(event.FromStatus), string(event.ToStatus),
		event.EncoderID, string(details), event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events oldest first
func (s *PostgreSQLStore) ListEvents(ctx context.Context, jobID string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, event_type, from_status, to_status, encoder_id, details, created_at
		FROM job_events WHERE job_id = $1 ORDER BY created_at ASC, seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		var e models.Event
		var typ, from, to string
		var details []byte
		if err := rows.Scan(&e.ID, &e.JobID, &typ, &from, &to, &e.EncoderID, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = models.EventType(typ)
		e.FromStatus = models.JobStatus(from)
		e.ToStatus = models.JobStatus(to)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetUserPreference returns the stored mode, or "" when none is set
func (s *PostgreSQLStore) GetUserPreference(ctx context.Context, owner string) (models.EncodingMode, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT encoding_mode FROM user_preferences WHERE owner = $1`, owner).Scan(&mode)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get preference: %w", err)
	}
	return models.EncodingMode(mode), nil
}

// SetUserPreference stores an owner's preferred encoding mode
func (s *PostgreSQLStore) SetUserPreference(ctx context.Context, owner string, mode models.EncodingMode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (owner, encoding_mode, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (owner) DO UPDATE SET encoding_mode = EXCLUDED.encoding_mode, updated_at = EXCLUDED.updated_at`,
		owner, string(mode), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set preference: %w", err)
	}
	return nil
}

// HealthCheck checks database connectivity
func (s *PostgreSQLStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
