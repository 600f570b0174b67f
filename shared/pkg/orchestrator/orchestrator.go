// Package orchestrator is the public entry point of the engine. It validates
// submissions, resolves encoding modes, estimates queue wait and delegates
// every lease operation to the scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/scheduler"
	"github.com/encodefleet/encodefleet/pkg/store"
	"github.com/encodefleet/encodefleet/pkg/tracing"
)

const (
	// DefaultShortThreshold is the input size below which a job counts as short
	DefaultShortThreshold int64 = 50 * 1024 * 1024

	// MaxAttemptsLimit bounds a submission's max_attempts
	MaxAttemptsLimit = 10

	// DefaultJobDuration is assumed when no completed job history exists
	DefaultJobDuration = 10 * time.Minute

	// DurationSample is how many recent completions feed the wait estimate
	DurationSample = 50

	// DefaultHealthTimeout bounds a worker health probe
	DefaultHealthTimeout = 2 * time.Second
)

// Config holds orchestrator configuration
type Config struct {
	ShortThreshold     int64
	DefaultJobDuration time.Duration
	HealthTimeout      time.Duration
	HTTPClient         *http.Client
	Logger             *logging.Logger
}

// Orchestrator combines submission, lookups and delegation to the engine.
type Orchestrator struct {
	store  store.Store
	engine *scheduler.Engine
	cfg    Config
	client *http.Client
	logger *logging.Logger
}

// New creates an orchestrator over st and engine
func New(st store.Store, engine *scheduler.Engine, cfg Config) *Orchestrator {
	if cfg.ShortThreshold <= 0 {
		cfg.ShortThreshold = DefaultShortThreshold
	}
	if cfg.DefaultJobDuration <= 0 {
		cfg.DefaultJobDuration = DefaultJobDuration
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Orchestrator{
		store:  st,
		engine: engine,
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.WithField("component", "orchestrator"),
	}
}

// Engine returns the scheduler the orchestrator delegates to
func (o *Orchestrator) Engine() *scheduler.Engine {
	return o.engine
}

// Submit validates and enqueues a new job. Nothing is written when validation fails.
func (o *Orchestrator) Submit(ctx context.Context, req models.SubmitRequest) (resp *models.SubmitResponse, err error) {
	ctx, span := tracing.Start(ctx, "orchestrator.submit")
	defer func() { tracing.EndSpan(span, err) }()

	if err := o.validate(&req); err != nil {
		return nil, err
	}

	mode, err := o.resolveMode(ctx, req.Owner, req.Mode)
	if err != nil {
		return nil, err
	}

	isShort := req.InputSize > 0 && req.InputSize < o.cfg.ShortThreshold
	if req.IsShort != nil {
		isShort = *req.IsShort
	}

	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = o.engine.RetryPolicy().DefaultMaxAttempts
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:           uuid.NewString(),
		Owner:        req.Owner,
		Permlink:     req.Permlink,
		InputCID:     req.InputCID,
		InputSize:    req.InputSize,
		IsShort:      isShort,
		EncodingMode: mode,
		Priority:     priority,
		Status:       models.JobStatusQueued,
		MaxAttempts:  maxAttempts,
		WebhookURL:   req.WebhookURL,
		Secret:       secret,
		CreatedAt:    o.engine.Now(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := o.store.AppendEvent(ctx, &models.Event{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Type:      models.EventCreated,
		ToStatus:  models.JobStatusQueued,
		CreatedAt: job.CreatedAt,
		Details: map[string]interface{}{
			"encoding_mode": string(mode),
			"is_short":      isShort,
			"priority":      priority,
			"max_attempts":  maxAttempts,
		},
	}); err != nil {
		o.logger.WithError(err).Error("Failed to append created event", map[string]interface{}{"job_id": job.ID})
	}

	wait, depth, err := o.EstimateWait(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("Failed to estimate queue wait", map[string]interface{}{"job_id": job.ID})
	}

	o.logger.Info("Job submitted", map[string]interface{}{
		"job_id":        job.ID,
		"owner":         job.Owner,
		"encoding_mode": string(mode),
		"is_short":      isShort,
		"priority":      priority,
	})

	return &models.SubmitResponse{
		JobID:         job.ID,
		Status:        job.Status,
		EncodingMode:  mode,
		IsShort:       isShort,
		EstimatedWait: wait,
		QueuePosition: depth,
	}, nil
}

func (o *Orchestrator) validate(req *models.SubmitRequest) error {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Permlink = strings.TrimSpace(req.Permlink)
	req.InputCID = strings.TrimSpace(req.InputCID)

	switch {
	case req.Owner == "":
		return scheduler.NewValidationError("owner", "required")
	case req.Permlink == "":
		return scheduler.NewValidationError("permlink", "required")
	case req.InputCID == "":
		return scheduler.NewValidationError("input_cid", "required")
	case req.InputSize < 0:
		return scheduler.NewValidationError("input_size", "must not be negative")
	case req.Mode != "" && !req.Mode.Valid():
		return scheduler.NewValidationError("encoding_mode", fmt.Sprintf("unknown mode %q", req.Mode))
	case req.MaxAttempts < 0 || req.MaxAttempts > MaxAttemptsLimit:
		return scheduler.NewValidationError("max_attempts", fmt.Sprintf("must be between 1 and %d", MaxAttemptsLimit))
	}

	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return scheduler.NewValidationError("webhook_url", "must be an absolute http or https URL")
		}
	}
	return nil
}

// resolveMode picks the explicit mode, then the owner's stored preference, then auto.
func (o *Orchestrator) resolveMode(ctx context.Context, owner string, explicit models.EncodingMode) (models.EncodingMode, error) {
	if explicit != "" {
		return explicit, nil
	}
	pref, err := o.store.GetUserPreference(ctx, owner)
	if err != nil {
		return "", err
	}
	if pref.Valid() {
		return pref, nil
	}
	return models.EncodingModeAuto, nil
}

// EstimateWait returns queued depth × average recent job duration, and the depth.
func (o *Orchestrator) EstimateWait(ctx context.Context) (time.Duration, int, error) {
	counts, err := o.store.CountByStatus(ctx)
	if err != nil {
		return 0, 0, err
	}
	depth := counts[models.JobStatusQueued]

	avg, ok, err := o.store.AverageJobDuration(ctx, DurationSample)
	if err != nil {
		return 0, depth, err
	}
	if !ok {
		avg = o.cfg.DefaultJobDuration
	}
	return time.Duration(depth) * avg, depth, nil
}

// GetJob returns a job by id
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return o.store.GetJob(ctx, id)
}

// ListJobs returns jobs matching filter
func (o *Orchestrator) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return o.store.ListJobs(ctx, filter)
}

// ListEvents returns the audit trail of a job
func (o *Orchestrator) ListEvents(ctx context.Context, id string) ([]*models.Event, error) {
	if _, err := o.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListEvents(ctx, id)
}

// GetQueueStats counts jobs per status. TotalPending covers every non-terminal job.
func (o *Orchestrator) GetQueueStats(ctx context.Context) (*models.QueueStats, error) {
	counts, err := o.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &models.QueueStats{ByStatus: make(map[models.JobStatus]int, len(models.AllJobStatuses))}
	for _, status := range models.AllJobStatuses {
		n := counts[status]
		stats.ByStatus[status] = n
		if !models.IsTerminalState(status) {
			stats.TotalPending += n
		}
	}
	return stats, nil
}

// SetPreference stores the owner's default encoding mode
func (o *Orchestrator) SetPreference(ctx context.Context, owner string, mode models.EncodingMode) error {
	if strings.TrimSpace(owner) == "" {
		return scheduler.NewValidationError("owner", "required")
	}
	if !mode.Valid() {
		return scheduler.NewValidationError("encoding_mode", fmt.Sprintf("unknown mode %q", mode))
	}
	return o.store.SetUserPreference(ctx, owner, mode)
}

// RegisterEncoder records an encoder and issues a fresh token. Registering an
// existing id rotates its token and keeps its statistics.
func (o *Orchestrator) RegisterEncoder(ctx context.Context, id string, typ models.EncoderType) (string, *models.Encoder, error) {
	if strings.TrimSpace(id) == "" {
		return "", nil, scheduler.NewValidationError("encoder_id", "required")
	}
	if !scheduler.KnownEncoderType(typ) {
		return "", nil, scheduler.NewValidationError("encoder_type", "unknown encoder type "+string(typ))
	}

	token, hash, err := auth.GenerateToken()
	if err != nil {
		return "", nil, err
	}

	enc := models.NewEncoder(id, typ, o.engine.Now())
	enc.TokenHash = hash
	if err := o.store.RegisterEncoder(ctx, enc); err != nil {
		return "", nil, err
	}

	registered, err := o.store.GetEncoder(ctx, id)
	if err != nil {
		return "", nil, err
	}

	o.logger.Info("Encoder registered", map[string]interface{}{
		"encoder_id":   id,
		"encoder_type": string(typ),
	})
	return token, registered, nil
}

// GetEncoder returns an encoder's statistics
func (o *Orchestrator) GetEncoder(ctx context.Context, id string) (*models.Encoder, error) {
	return o.store.GetEncoder(ctx, id)
}

// Claim checks a registered encoder's token, then leases it the best job.
// Encoders that never registered claim without a token.
func (o *Orchestrator) Claim(ctx context.Context, encoderID string, typ models.EncoderType, token string) (*scheduler.Lease, error) {
	enc, err := o.store.GetEncoder(ctx, encoderID)
	switch {
	case errors.Is(err, store.ErrEncoderNotFound):
	case err != nil:
		return nil, err
	case enc.TokenHash != "":
		if err := auth.CompareToken(enc.TokenHash, token); err != nil {
			return nil, err
		}
	}
	return o.engine.Claim(ctx, encoderID, typ)
}

// RenewLease extends a held lease
func (o *Orchestrator) RenewLease(ctx context.Context, jobID, signature string) (time.Time, error) {
	return o.engine.RenewLease(ctx, jobID, signature)
}

// ReportProgress records a stage report from the lease holder
func (o *Orchestrator) ReportProgress(ctx context.Context, jobID, signature, stage string, percent int) (*scheduler.ProgressUpdate, error) {
	return o.engine.ReportProgress(ctx, jobID, signature, stage, percent)
}

// Complete finalizes a held job
func (o *Orchestrator) Complete(ctx context.Context, jobID, signature string, result models.JobResult) (*models.Job, error) {
	return o.engine.Complete(ctx, jobID, signature, result)
}

// Fail reports a worker failure
func (o *Orchestrator) Fail(ctx context.Context, jobID, signature, message string, retryable bool) (*models.Job, error) {
	return o.engine.Fail(ctx, jobID, signature, message, retryable)
}

// Cancel cancels a job on behalf of its owner
func (o *Orchestrator) Cancel(ctx context.Context, jobID, requestor, reason string) (*models.Job, error) {
	return o.engine.Cancel(ctx, jobID, requestor, reason)
}

// HealthCheck pings the store
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	return o.store.HealthCheck(ctx)
}
