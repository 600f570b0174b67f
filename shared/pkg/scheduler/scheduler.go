package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/store"
	"github.com/encodefleet/encodefleet/pkg/webhook"
)

// DefaultLeaseDuration is how long a claim or renewal holds a job
const DefaultLeaseDuration = 5 * time.Minute

// MetricsRecorder receives engine counters. *metrics.Recorder implements it.
type MetricsRecorder interface {
	ClaimAttempt(encoderType, result string)
	LeaseReleased(outcome string)
	JobFinished(status string)
	ReaperSweep(reclaimed int, elapsed time.Duration)
	SetQueueDepth(status string, n int)
}

// Notifier delivers owner webhooks. *webhook.Notifier implements it.
type Notifier interface {
	Notify(note webhook.Notification)
}

// Config holds engine configuration
type Config struct {
	LeaseDuration time.Duration
	RetryPolicy   *models.RetryPolicy
	Now           func() time.Time
	Logger        *logging.Logger
	Metrics       MetricsRecorder
	Notifier      Notifier
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		LeaseDuration: DefaultLeaseDuration,
		RetryPolicy:   models.DefaultRetryPolicy(),
		Now:           time.Now,
	}
}

// Engine owns every job transition after submission: leasing, progress,
// finalization, and release. All writes go through store.TransitionJob, so
// correctness holds across any number of Engine instances sharing a store.
type Engine struct {
	store    store.Store
	lease    time.Duration
	retry    *models.RetryPolicy
	now      func() time.Time
	logger   *logging.Logger
	metrics  MetricsRecorder
	notifier Notifier
}

// New creates an engine. Zero config fields take defaults.
func New(st store.Store, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = def.RetryPolicy
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}

	return &Engine{
		store:    st,
		lease:    cfg.LeaseDuration,
		retry:    cfg.RetryPolicy,
		now:      cfg.Now,
		logger:   cfg.Logger.WithField("component", "scheduler"),
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
	}
}

// Now returns the engine clock's current time
func (e *Engine) Now() time.Time {
	return e.now()
}

// RetryPolicy returns the policy applied on release
func (e *Engine) RetryPolicy() *models.RetryPolicy {
	return e.retry
}

// loadHeld fetches a job and checks the caller's lease signature against the
// lease currently recorded on it.
func (e *Engine) loadHeld(ctx context.Context, jobID, signature string) (*models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalState(job.Status) {
		return nil, ErrJobTerminal
	}
	if !job.HasActiveLease() || !auth.VerifyLease(job.Secret, job.ID, job.LeaseID, signature) {
		return nil, ErrInvalidLease
	}
	return job, nil
}

// lostLease explains why a lease-guarded write matched no row.
func (e *Engine) lostLease(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if models.IsTerminalState(job.Status) {
		return ErrJobTerminal
	}
	return ErrInvalidLease
}

// recordEvent appends to the audit log. The transition it describes has
// already committed, so failures are logged rather than returned.
func (e *Engine) recordEvent(ctx context.Context, job *models.Job, typ models.EventType, from, to models.JobStatus, encoderID string, details map[string]interface{}) {
	event := &models.Event{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Type:       typ,
		FromStatus: from,
		ToStatus:   to,
		EncoderID:  encoderID,
		Details:    details,
		CreatedAt:  e.now(),
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.WithError(err).Error("Failed to append event", map[string]interface{}{
			"job_id": job.ID,
			"event":  string(typ),
		})
	}
}

// applyOutcome updates encoder statistics after a committed transition.
func (e *Engine) applyOutcome(ctx context.Context, encoderID string, typ models.EncoderType, outcome models.EncoderOutcome) {
	if encoderID == "" {
		return
	}
	if _, err := e.store.ApplyEncoderOutcome(ctx, encoderID, typ, outcome, e.now()); err != nil {
		e.logger.WithError(err).Error("Failed to update encoder stats", map[string]interface{}{
			"encoder_id": encoderID,
			"outcome":    string(outcome),
		})
	}
}

func (e *Engine) notify(job *models.Job, event webhook.Event, data map[string]interface{}, onDelivered func()) {
	if job.WebhookURL == "" {
		return
	}
	e.notifier.Notify(webhook.Notification{
		URL:         job.WebhookURL,
		Secret:      job.Secret,
		JobID:       job.ID,
		Event:       event,
		Data:        data,
		OnDelivered: onDelivered,
	})
}

type noopMetrics struct{}

func (noopMetrics) ClaimAttempt(string, string) {}
func (noopMetrics) LeaseReleased(string) {}
func (noopMetrics) JobFinished(string) {}
func (noopMetrics) ReaperSweep(int, time.Duration) {}
func (noopMetrics) SetQueueDepth(string, int) {}

type noopNotifier struct{}

func (noopNotifier) Notify(webhook.Notification) {}

func ptr[T any](v T) *T { return &v }
