package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/encodefleet/encodefleet/pkg/api"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/scheduler"
)

// Encoder is the worker-side view of the API. It carries the encoder's
// identity and, once registered, its token.
type Encoder struct {
	c     *Client
	ID    string
	Type  models.EncoderType
	Token string
}

// Encoder returns a worker handle bound to id and typ
func (c *Client) Encoder(id string, typ models.EncoderType, token string) *Encoder {
	return &Encoder{c: c, ID: id, Type: typ, Token: token}
}

// HeldLease is a claimed job plus the proof needed to act on it
type HeldLease struct {
	Job       *models.Job
	LeaseID   string
	Signature string
	ExpiresAt time.Time
}

// Claim asks for work. A nil lease with a nil error means none is available.
func (e *Encoder) Claim(ctx context.Context) (*HeldLease, error) {
	var resp api.ClaimResponse
	err := e.c.do(ctx, http.MethodPost, "/encoders/claim",
		map[string]string{api.HeaderEncoderToken: e.Token},
		api.ClaimRequest{EncoderID: e.ID, EncoderType: e.Type}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Job == nil {
		return nil, nil
	}
	lease := &HeldLease{Job: resp.Job, LeaseID: resp.LeaseID, Signature: resp.Signature}
	if resp.LeaseExpiresAt != nil {
		lease.ExpiresAt = *resp.LeaseExpiresAt
	}
	return lease, nil
}

func (l *HeldLease) headers() map[string]string {
	return map[string]string{api.HeaderLeaseSignature: l.Signature}
}

func (l *HeldLease) path(action string) string {
	return "/jobs/" + url.PathEscape(l.Job.ID) + "/" + action
}

// Renew extends the lease
func (e *Encoder) Renew(ctx context.Context, l *HeldLease) error {
	var resp api.RenewResponse
	if err := e.c.do(ctx, http.MethodPost, l.path("renew"), l.headers(), nil, &resp); err != nil {
		return err
	}
	l.ExpiresAt = resp.LeaseExpiresAt
	return nil
}

// Progress reports a stage percentage
func (e *Encoder) Progress(ctx context.Context, l *HeldLease, stage string, percent int) (*scheduler.ProgressUpdate, error) {
	var update scheduler.ProgressUpdate
	err := e.c.do(ctx, http.MethodPost, l.path("progress"), l.headers(),
		api.ProgressRequest{Stage: stage, Percent: percent}, &update)
	if err != nil {
		return nil, err
	}
	return &update, nil
}

// Complete reports the encoded output
func (e *Encoder) Complete(ctx context.Context, l *HeldLease, result models.JobResult) (*models.Job, error) {
	var job models.Job
	if err := e.c.do(ctx, http.MethodPost, l.path("complete"), l.headers(), result, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Fail reports a failure
func (e *Encoder) Fail(ctx context.Context, l *HeldLease, message string, retryable bool) (*models.Job, error) {
	var job models.Job
	err := e.c.do(ctx, http.MethodPost, l.path("fail"), l.headers(),
		api.FailRequest{Error: message, Retryable: retryable}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
