package store

import (
	"context"
	"errors"
	"time"

	"github.com/encodefleet/encodefleet/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrEncoderNotFound     = errors.New("encoder not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrEmptyGuard          = errors.New("guard must name at least one expected status")
)

// Store defines the interface for data persistence.
// Memory, SQLite and PostgreSQL implement this interface.
//
// TransitionJob is the only way job rows change after creation. Each call is a
// single atomic conditional write: it applies the patch only when the guard
// still holds at the moment of the write, and reports whether it did.
type Store interface {
	// Job operations
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	NextCandidate(ctx context.Context, q CandidateQuery) (*models.Job, error)
	TransitionJob(ctx context.Context, id string, guard Guard, patch JobPatch) (bool, error)
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	AverageJobDuration(ctx context.Context, sample int) (time.Duration, bool, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *models.Event) error
	ListEvents(ctx context.Context, jobID string) ([]*models.Event, error)

	// Encoder operations
	GetEncoder(ctx context.Context, id string) (*models.Encoder, error)
	RegisterEncoder(ctx context.Context, encoder *models.Encoder) error
	ApplyEncoderOutcome(ctx context.Context, id string, typ models.EncoderType, outcome models.EncoderOutcome, now time.Time) (*models.Encoder, error)

	// Owner preferences
	GetUserPreference(ctx context.Context, owner string) (models.EncodingMode, error)
	SetUserPreference(ctx context.Context, owner string, mode models.EncodingMode) error

	// Lifecycle
	HealthCheck(ctx context.Context) error
	Close() error
}

// CandidateQuery selects the best claimable job for one mode bucket.
type CandidateQuery struct {
	Mode      models.EncodingMode // matches jobs of this mode and jobs in auto mode
	ShortOnly bool
	Now       time.Time // jobs with next_retry_at after Now are not yet eligible
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Owner  string
	Status models.JobStatus
	Limit  int
}

// Guard is the expected state checked inside the conditional write.
type Guard struct {
	Statuses           []models.JobStatus // required: current status must be one of these
	LeaseID            string             // when set, current lease id must match
	Owner              string             // when set, owner must match
	Attempts           *int               // when set, attempts must match
	LeaseExpiredBefore *time.Time         // when set, lease_expires_at must be earlier
}

// Assignment is the lease written by a successful claim.
type Assignment struct {
	EncoderID   string
	EncoderType models.EncoderType
	LeaseID     string
	AssignedAt  time.Time
	ExpiresAt   time.Time
}

// JobPatch lists the columns a transition writes. Nil fields are left untouched.
type JobPatch struct {
	Status           *models.JobStatus
	Attempts         *int
	NextRetryAt      *time.Time
	ClearNextRetry   bool
	LastError        *string
	ErrorMessage     *string
	Assignment       *Assignment
	LeaseExpiresAt   *time.Time
	ClearAssignment  bool // encoder, type, assigned_at and lease
	ClearLease       bool // lease only; keeps who held it
	CurrentStage     *string
	StageProgress    *int
	ClearStage       bool
	Progress         *int
	ProgressAtLeast  *int // progress = max(progress, value)
	StartedAtIfUnset *time.Time
	CompletedAt      *time.Time
	Result           *models.JobResult
	WebhookDelivered *bool
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "encodefleet.db"
		}
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
