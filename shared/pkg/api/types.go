package api

import (
	"time"

	"github.com/encodefleet/encodefleet/pkg/models"
)

// Header names used by worker calls
const (
	HeaderLeaseSignature = "X-Lease-Signature"
	HeaderEncoderToken   = "X-Encoder-Token"
)

// ClaimRequest asks for the next job an encoder may process
type ClaimRequest struct {
	EncoderID   string             `json:"encoder_id"`
	EncoderType models.EncoderType `json:"encoder_type"`
}

// ClaimResponse carries the lease proof. Job is nil when no work is available.
type ClaimResponse struct {
	Job            *models.Job `json:"job"`
	LeaseID        string      `json:"lease_id,omitempty"`
	Signature      string      `json:"signature,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// RenewResponse reports the new lease expiry
type RenewResponse struct {
	JobID          string    `json:"job_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// ProgressRequest is a worker stage report
type ProgressRequest struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

// FailRequest reports a worker-side failure
type FailRequest struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// CancelRequest is an owner's cancellation
type CancelRequest struct {
	Owner  string `json:"owner"`
	Reason string `json:"reason,omitempty"`
}

// RegisterRequest registers an encoder identity
type RegisterRequest struct {
	EncoderID   string             `json:"encoder_id"`
	EncoderType models.EncoderType `json:"encoder_type"`
}

// RegisterResponse returns the encoder token exactly once
type RegisterResponse struct {
	Encoder *models.Encoder `json:"encoder"`
	Token   string          `json:"token"`
}

// HealthCheckRequest names a worker endpoint to probe
type HealthCheckRequest struct {
	Endpoint string `json:"endpoint"`
}

// PreferenceRequest sets an owner's default encoding mode
type PreferenceRequest struct {
	EncodingMode models.EncodingMode `json:"encoding_mode"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HostSnapshot is a coarse view of the scheduler host
type HostSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string        `json:"status"`
	Store  string        `json:"store"`
	Uptime string        `json:"uptime"`
	Host   *HostSnapshot `json:"host,omitempty"`
}
