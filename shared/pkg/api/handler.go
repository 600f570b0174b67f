package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/metrics"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/orchestrator"
	"github.com/encodefleet/encodefleet/pkg/ratelimit"
	"github.com/encodefleet/encodefleet/pkg/store"
	"github.com/encodefleet/encodefleet/pkg/tracing"
)

const maxBodyBytes = 1 << 20

// Handler serves the owner and worker HTTP API
type Handler struct {
	orch      *orchestrator.Orchestrator
	logger    *logging.Logger
	limiter   *ratelimit.Limiter
	apiKeys   *auth.APIKeyManager
	recorder  *metrics.Recorder
	tracer    *tracing.Provider
	hostStats bool
	startedAt time.Time
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the request logger
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithClaimLimiter throttles claims per encoder id
func WithClaimLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithAPIKeys requires a Bearer API key on every route but /health
func WithAPIKeys(m *auth.APIKeyManager) Option {
	return func(h *Handler) { h.apiKeys = m }
}

// WithMetrics records per-route request metrics
func WithMetrics(r *metrics.Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// WithTracing opens a server span per request
func WithTracing(p *tracing.Provider) Option {
	return func(h *Handler) { h.tracer = p }
}

// WithHostStats adds a cpu/memory snapshot to /health
func WithHostStats(enabled bool) Option {
	return func(h *Handler) { h.hostStats = enabled }
}

// NewHandler creates a new API handler
func NewHandler(orch *orchestrator.Orchestrator, opts ...Option) *Handler {
	h := &Handler{
		orch:      orch,
		logger:    logging.Default(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithField("component", "api")
	return h
}

// Router returns a router with all routes and configured middleware
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	if h.tracer != nil {
		r.Use(tracing.HTTPMiddleware(h.tracer, routeTemplate))
	}
	if h.recorder != nil {
		r.Use(h.recorder.Middleware(routeTemplate))
	}
	if h.apiKeys != nil && h.apiKeys.Enabled() {
		r.Use(h.requireAPIKey)
	}
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Job routes
	r.HandleFunc("/jobs", h.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/events", h.ListEvents).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")

	// Lease holder routes
	r.HandleFunc("/jobs/{id}/renew", h.RenewLease).Methods("POST")
	r.HandleFunc("/jobs/{id}/progress", h.ReportProgress).Methods("POST")
	r.HandleFunc("/jobs/{id}/complete", h.CompleteJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/fail", h.FailJob).Methods("POST")

	// Encoder routes (fixed paths before parameterized ones)
	var claim http.Handler = http.HandlerFunc(h.Claim)
	if h.limiter != nil {
		claim = h.limiter.Middleware(claimKey)(claim)
	}
	r.Handle("/encoders/claim", claim).Methods("POST")
	r.HandleFunc("/encoders/register", h.RegisterEncoder).Methods("POST")
	r.HandleFunc("/encoders/health", h.CheckWorkerHealth).Methods("POST")
	r.HandleFunc("/encoders/{id}", h.GetEncoder).Methods("GET")

	r.HandleFunc("/users/{owner}/preference", h.SetPreference).Methods("PUT")
	r.HandleFunc("/stats", h.QueueStats).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing Authorization header"})
			return
		}
		const prefix = "Bearer "
		if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix ||
			!h.apiKeys.ValidateAPIKey(authHeader[len(prefix):]) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// claimKey buckets claims per encoder id, falling back to the client
// address when the body carries none. The body is restored for Claim.
func claimKey(r *http.Request) string {
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
	if err == nil {
		var req ClaimRequest
		if json.Unmarshal(buf, &req) == nil && req.EncoderID != "" {
			return "encoder:" + req.EncoderID
		}
	}
	return "addr:" + ratelimit.IPKeyFunc(r)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}

// SubmitJob handles job submission
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListJobs lists jobs, optionally filtered by owner and status
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Owner:  q.Get("owner"),
		Status: models.JobStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.orch.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns a job
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListEvents returns a job's audit trail
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	events, err := h.orch.ListEvents(r.Context(), jobID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"events": events,
	})
}

// CancelJob cancels a job on behalf of its owner
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := h.orch.Cancel(r.Context(), mux.Vars(r)["id"], req.Owner, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Claim leases the next eligible job to an encoder
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	lease, err := h.orch.Claim(r.Context(), req.EncoderID, req.EncoderType, r.Header.Get(HeaderEncoderToken))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if lease == nil {
		writeJSON(w, http.StatusOK, ClaimResponse{Message: "no work available"})
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		Job:            lease.Job,
		LeaseID:        lease.LeaseID,
		Signature:      lease.Signature,
		LeaseExpiresAt: &lease.ExpiresAt,
	})
}

// RenewLease extends the caller's lease
func (h *Handler) RenewLease(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	expires, err := h.orch.RenewLease(r.Context(), jobID, r.Header.Get(HeaderLeaseSignature))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, RenewResponse{JobID: jobID, LeaseExpiresAt: expires})
}

// ReportProgress records a stage report
func (h *Handler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if !decode(w, r, &req) {
		return
	}
	update, err := h.orch.ReportProgress(r.Context(), mux.Vars(r)["id"], r.Header.Get(HeaderLeaseSignature), req.Stage, req.Percent)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// CompleteJob finalizes a held job
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var result models.JobResult
	if !decode(w, r, &result) {
		return
	}
	job, err := h.orch.Complete(r.Context(), mux.Vars(r)["id"], r.Header.Get(HeaderLeaseSignature), result)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// FailJob reports a worker failure
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := h.orch.Fail(r.Context(), mux.Vars(r)["id"], r.Header.Get(HeaderLeaseSignature), req.Error, req.Retryable)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RegisterEncoder issues an encoder token
func (h *Handler) RegisterEncoder(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	token, enc, err := h.orch.RegisterEncoder(r.Context(), req.EncoderID, req.EncoderType)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{Encoder: enc, Token: token})
}

// GetEncoder returns encoder statistics
func (h *Handler) GetEncoder(w http.ResponseWriter, r *http.Request) {
	enc, err := h.orch.GetEncoder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, enc)
}

// CheckWorkerHealth probes a worker endpoint
func (h *Handler) CheckWorkerHealth(w http.ResponseWriter, r *http.Request) {
	var req HealthCheckRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.orch.CheckWorkerHealth(r.Context(), req.Endpoint)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SetPreference stores an owner's default encoding mode
func (h *Handler) SetPreference(w http.ResponseWriter, r *http.Request) {
	var req PreferenceRequest
	if !decode(w, r, &req) {
		return
	}
	owner := mux.Vars(r)["owner"]
	if err := h.orch.SetPreference(r.Context(), owner, req.EncodingMode); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":         owner,
		"encoding_mode": string(req.EncodingMode),
	})
}

// QueueStats returns job counts per status
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.GetQueueStats(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
