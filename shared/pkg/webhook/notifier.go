// Package webhook delivers signed job lifecycle notifications to owners.
//
// Delivery is best-effort and at-most-once: each notification is one POST
// with a bounded timeout, never retried, and failures are only logged and
// counted. Job state never depends on the outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/tracing"
)

// Event names a webhook notification
type Event string

const (
	EventProgress  Event = "progress"
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventCancelled Event = "cancelled"
)

// Header names set on every delivery
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
)

// DefaultTimeout bounds a single delivery attempt
const DefaultTimeout = 5 * time.Second

// Payload is the JSON body POSTed to the owner's webhook URL
type Payload struct {
	Event     Event                  `json:"event"`
	JobID     string                 `json:"job_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Notification is one lifecycle event for one job.
// Secret comes from the persisted job record.
type Notification struct {
	URL    string
	Secret string
	JobID  string
	Event  Event
	Data   map[string]interface{}

	// OnDelivered runs after a 2xx response
	OnDelivered func()
}

// MetricsRecorder receives delivery outcomes
type MetricsRecorder interface {
	WebhookDelivery(event, result string)
}

// Notifier sends notifications asynchronously
type Notifier struct {
	client  *http.Client
	logger  *logging.Logger
	metrics MetricsRecorder
	now     func() time.Time
	wg      sync.WaitGroup
}

// Option configures a Notifier
type Option func(*Notifier)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithTimeout sets the per-delivery timeout
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.client.Timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithMetrics sets the delivery metrics recorder
func WithMetrics(m MetricsRecorder) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithClock overrides the payload timestamp source
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a notifier
func New(opts ...Option) *Notifier {
	n := &Notifier{
		client: &http.Client{Timeout: DefaultTimeout},
		logger: logging.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithField("component", "webhook")
	return n
}

// Notify schedules delivery and returns immediately. Notifications without
// a URL are dropped.
func (n *Notifier) Notify(note Notification) {
	if note.URL == "" {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// Detached from the caller: the triggering request may already be done.
		if err := n.Deliver(context.Background(), note); err != nil {
			n.logger.WithError(err).Warn("Webhook delivery failed", map[string]interface{}{
				"job_id": note.JobID,
				"event":  string(note.Event),
			})
		}
	}()
}

// Wait blocks until every scheduled delivery has finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Deliver performs one synchronous, signed POST.
func (n *Notifier) Deliver(ctx context.Context, note Notification) (err error) {
	ctx, span := tracing.Start(ctx, "webhook.deliver")
	defer func() { tracing.EndSpan(span, err) }()

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		if n.metrics != nil {
			n.metrics.WebhookDelivery(string(note.Event), result)
		}
	}()

	body, err := json.Marshal(Payload{
		Event:     note.Event,
		JobID:     note.JobID,
		Timestamp: n.now().UTC(),
		Data:      note.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, note.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "encodefleet-webhook/1.0")
	req.Header.Set(HeaderEvent, string(note.Event))
	req.Header.Set(HeaderSignature, auth.SignPayload(note.Secret, body))
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Debug("Webhook delivered", map[string]interface{}{
		"job_id": note.JobID,
		"event":  string(note.Event),
	})
	if note.OnDelivered != nil {
		note.OnDelivered()
	}
	return nil
}
