package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/encodefleet/encodefleet/pkg/scheduler"
	"github.com/encodefleet/encodefleet/pkg/tracing"
)

// WorkerHealth is the outcome of probing a worker's /health endpoint
type WorkerHealth struct {
	Endpoint   string        `json:"endpoint"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency_ns"`
	Error      string        `json:"error,omitempty"`
}

// CheckWorkerHealth GETs endpoint/health with a bounded timeout. An
// unreachable worker is reported in the result, not as an error.
func (o *Orchestrator) CheckWorkerHealth(ctx context.Context, endpoint string) (*WorkerHealth, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, scheduler.NewValidationError("endpoint", "must be an absolute http or https URL")
	}
	target := strings.TrimRight(u.String(), "/") + "/health"

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()

	result := &WorkerHealth{Endpoint: endpoint}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build health request: %w", err)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	start := time.Now()
	resp, err := o.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		o.logger.Debug("Worker health probe failed", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		return result, nil
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !result.Healthy {
		result.Error = resp.Status
	}
	return result, nil
}
