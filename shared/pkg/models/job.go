package models

import (
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusAssigned    JobStatus = "assigned"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusEncoding    JobStatus = "encoding"
	JobStatusUploading   JobStatus = "uploading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// AllJobStatuses lists every status in pipeline order.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusAssigned,
	JobStatusDownloading,
	JobStatusEncoding,
	JobStatusUploading,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// EncodingMode selects which population of encoders may pick up a job
type EncodingMode string

const (
	EncodingModeSelf      EncodingMode = "self"      // owner's own desktop agent
	EncodingModeCommunity EncodingMode = "community" // community encoder pool
	EncodingModeAuto      EncodingMode = "auto"      // anyone capable
)

// Valid reports whether m is a known encoding mode
func (m EncodingMode) Valid() bool {
	switch m {
	case EncodingModeSelf, EncodingModeCommunity, EncodingModeAuto:
		return true
	}
	return false
}

// EncoderType identifies the kind of worker holding a lease
type EncoderType string

const (
	EncoderTypeDesktop   EncoderType = "desktop"
	EncoderTypeBrowser   EncoderType = "browser"
	EncoderTypeCommunity EncoderType = "community"
)

// Job is a single encode request and its lease/retry bookkeeping.
//
// LeaseExpiresAt and LeaseID are set only while the job holds an active lease.
// Secret signs lease proofs and webhooks and is never serialized.
type Job struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Permlink  string `json:"permlink"`
	InputCID  string `json:"input_cid"`
	InputSize int64  `json:"input_size,omitempty"`

	IsShort      bool         `json:"is_short"`
	EncodingMode EncodingMode `json:"encoding_mode"`
	Priority     int          `json:"priority"`

	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"`
	CurrentStage  string    `json:"current_stage,omitempty"`
	StageProgress int       `json:"stage_progress,omitempty"`

	AssignedEncoderID string      `json:"assigned_encoder_id,omitempty"`
	EncoderType       EncoderType `json:"encoder_type,omitempty"`
	AssignedAt        *time.Time  `json:"assigned_at,omitempty"`
	LeaseID           string      `json:"-"`
	LeaseExpiresAt    *time.Time  `json:"lease_expires_at,omitempty"`

	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	WebhookURL       string `json:"webhook_url,omitempty"`
	Secret           string `json:"-"`
	WebhookDelivered bool   `json:"webhook_delivered"`

	OutputCID   string   `json:"output_cid,omitempty"`
	ManifestCID string   `json:"manifest_cid,omitempty"`
	Qualities   []string `json:"qualities,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasActiveLease reports whether the job is currently held by an encoder
func (j *Job) HasActiveLease() bool {
	return IsActiveState(j.Status) && j.LeaseExpiresAt != nil
}

// Clone returns a deep copy so callers never share mutable state with a store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.AssignedAt = cloneTime(j.AssignedAt)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	if j.Qualities != nil {
		c.Qualities = append([]string(nil), j.Qualities...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SubmitRequest represents a request to create a new encode job
type SubmitRequest struct {
	Owner       string       `json:"owner"`
	Permlink    string       `json:"permlink"`
	InputCID    string       `json:"input_cid"`
	InputSize   int64        `json:"input_size,omitempty"`
	IsShort     *bool        `json:"is_short,omitempty"`
	Mode        EncodingMode `json:"encoding_mode,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	WebhookURL  string       `json:"webhook_url,omitempty"`
	MaxAttempts int          `json:"max_attempts,omitempty"`
}

// SubmitResponse is returned after a job is accepted
type SubmitResponse struct {
	JobID         string        `json:"job_id"`
	Status        JobStatus     `json:"status"`
	EncodingMode  EncodingMode  `json:"encoding_mode"`
	IsShort       bool          `json:"is_short"`
	EstimatedWait time.Duration `json:"estimated_wait_ns"`
	QueuePosition int           `json:"queue_position"`
}

// JobResult is what an encoder reports on successful completion
type JobResult struct {
	OutputCID   string   `json:"output_cid"`
	ManifestCID string   `json:"manifest_cid,omitempty"`
	Qualities   []string `json:"qualities,omitempty"`
}

// QueueStats is a point-in-time count of jobs per status
type QueueStats struct {
	ByStatus     map[JobStatus]int `json:"by_status"`
	TotalPending int               `json:"total_pending"`
}
