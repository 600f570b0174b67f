package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodefleet/encodefleet/pkg/api"
	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/metrics"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/orchestrator"
	"github.com/encodefleet/encodefleet/pkg/ratelimit"
	"github.com/encodefleet/encodefleet/pkg/scheduler"
	"github.com/encodefleet/encodefleet/pkg/store"
)

func newRouter(t *testing.T, opts ...api.Option) http.Handler {
	t.Helper()
	st := store.NewMemoryStore()
	engine := scheduler.New(st, scheduler.Config{Logger: logging.Discard()})
	orch := orchestrator.New(st, engine, orchestrator.Config{Logger: logging.Discard()})
	opts = append([]api.Option{api.WithLogger(logging.Discard())}, opts...)
	return api.NewHandler(orch, opts...).Router()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func submit(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := do(t, h, "POST", "/jobs", models.SubmitRequest{
		Owner:     "alice",
		Permlink:  "clip",
		InputCID:  "bafyin",
		InputSize: 1024,
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp models.SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.JobID
}

func claim(t *testing.T, h http.Handler, encoderID string, typ models.EncoderType) api.ClaimResponse {
	t.Helper()
	rr := do(t, h, "POST", "/encoders/claim", api.ClaimRequest{EncoderID: encoderID, EncoderType: typ}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp api.ClaimResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	h := newRouter(t)

	empty := claim(t, h, "desk", models.EncoderTypeDesktop)
	assert.Nil(t, empty.Job)
	assert.Equal(t, "no work available", empty.Message)

	jobID := submit(t, h)
	lease := claim(t, h, "desk", models.EncoderTypeDesktop)
	require.NotNil(t, lease.Job)
	assert.Equal(t, jobID, lease.Job.ID)
	assert.NotEmpty(t, lease.Signature)
	require.NotNil(t, lease.LeaseExpiresAt)

	sig := map[string]string{api.HeaderLeaseSignature: lease.Signature}

	rr := do(t, h, "POST", "/jobs/"+jobID+"/renew", nil, sig)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, "POST", "/jobs/"+jobID+"/progress", api.ProgressRequest{Stage: "encoding_1080p", Percent: 50}, sig)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var update scheduler.ProgressUpdate
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &update))
	assert.Equal(t, 30, update.Progress)
	assert.Equal(t, models.JobStatusEncoding, update.Status)

	rr = do(t, h, "POST", "/jobs/"+jobID+"/progress", api.ProgressRequest{Stage: "nope", Percent: 1}, sig)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, "POST", "/jobs/"+jobID+"/progress", api.ProgressRequest{Stage: "uploading", Percent: 1},
		map[string]string{api.HeaderLeaseSignature: "forged"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, "POST", "/jobs/"+jobID+"/complete", models.JobResult{OutputCID: "bafyout"}, sig)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, "GET", "/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.NotContains(t, rr.Body.String(), "secret")

	rr = do(t, h, "POST", "/jobs/"+jobID+"/fail", api.FailRequest{Error: "late"}, sig)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, "POST", "/jobs/"+jobID+"/cancel", api.CancelRequest{Owner: "alice"}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, "GET", "/jobs/"+jobID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var events struct {
		Events []models.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	types := make([]models.EventType, len(events.Events))
	for i, e := range events.Events {
		types[i] = e.Type
	}
	assert.Equal(t, []models.EventType{models.EventCreated, models.EventAssigned, models.EventProgress, models.EventCompleted}, types)

	rr = do(t, h, "GET", "/encoders/desk", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var enc models.Encoder
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &enc))
	assert.Equal(t, 1, enc.JobsCompleted)
}

func TestErrorMapping(t *testing.T) {
	h := newRouter(t)

	rr := do(t, h, "GET", "/jobs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, "GET", "/encoders/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, "POST", "/jobs", map[string]string{"owner": "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "permlink", body.Field)

	req := httptest.NewRequest("POST", "/jobs", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	jobID := submit(t, h)
	rr = do(t, h, "POST", "/jobs/"+jobID+"/cancel", api.CancelRequest{Owner: "mallory"}, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, "POST", "/encoders/claim", api.ClaimRequest{EncoderID: "x", EncoderType: "toaster"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, "PUT", "/users/alice/preference", api.PreferenceRequest{EncodingMode: "warp"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, "PUT", "/users/alice/preference", api.PreferenceRequest{EncodingMode: models.EncodingModeSelf}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, api.StatusFor(auth.ErrInvalidToken))
	assert.Equal(t, http.StatusConflict, api.StatusFor(scheduler.ErrJobNotActive))
	assert.Equal(t, http.StatusNotFound, api.StatusFor(store.ErrJobNotFound))
	assert.Equal(t, http.StatusInternalServerError, api.StatusFor(assert.AnError))
}

func TestRegisteredEncoderToken(t *testing.T) {
	h := newRouter(t)

	rr := do(t, h, "POST", "/encoders/register", api.RegisterRequest{EncoderID: "web-1", EncoderType: models.EncoderTypeBrowser}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var reg api.RegisterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.Token)
	assert.NotContains(t, rr.Body.String(), "token_hash")

	submit(t, h)
	rr = do(t, h, "POST", "/encoders/claim", api.ClaimRequest{EncoderID: "web-1", EncoderType: models.EncoderTypeBrowser}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, "POST", "/encoders/claim", api.ClaimRequest{EncoderID: "web-1", EncoderType: models.EncoderTypeBrowser},
		map[string]string{api.HeaderEncoderToken: reg.Token})
	require.Equal(t, http.StatusOK, rr.Code)
	var lease api.ClaimResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &lease))
	assert.NotNil(t, lease.Job)
}

func TestAPIKeyRequired(t *testing.T) {
	keys := auth.NewAPIKeyManager()
	keys.AddAPIKey("s3cret", "test")
	h := newRouter(t, api.WithAPIKeys(keys))

	rr := do(t, h, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, "GET", "/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, "GET", "/stats", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, "GET", "/stats", nil, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestClaimRateLimit(t *testing.T) {
	h := newRouter(t, api.WithClaimLimiter(ratelimit.NewLimiter(0.001, 2)))

	for i := 0; i < 2; i++ {
		claim(t, h, "greedy", models.EncoderTypeCommunity)
	}
	rr := do(t, h, "POST", "/encoders/claim", api.ClaimRequest{EncoderID: "greedy", EncoderType: models.EncoderTypeCommunity}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errResp))
	assert.Equal(t, "rate limit exceeded", errResp.Error)

	claim(t, h, "patient", models.EncoderTypeCommunity)
}

func TestClaimRateLimitWithoutEncoderID(t *testing.T) {
	h := newRouter(t, api.WithClaimLimiter(ratelimit.NewLimiter(0.001, 2)))

	// anonymous claims share one bucket per client address
	for i := 0; i < 2; i++ {
		rr := do(t, h, "POST", "/encoders/claim", api.ClaimRequest{EncoderType: models.EncoderTypeCommunity}, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	}
	rr := do(t, h, "POST", "/encoders/claim", api.ClaimRequest{EncoderType: models.EncoderTypeCommunity}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// the peeked body still reaches the handler
	rr = do(t, h, "POST", "/encoders/claim", api.ClaimRequest{EncoderID: "named", EncoderType: models.EncoderTypeCommunity}, nil)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestStatsAndHealth(t *testing.T) {
	rec := metrics.NewRecorder()
	h := newRouter(t, api.WithMetrics(rec), api.WithHostStats(true))

	submit(t, h)
	submit(t, h)

	rr := do(t, h, "GET", "/stats", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats models.QueueStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.ByStatus[models.JobStatusQueued])
	assert.Equal(t, 2, stats.TotalPending)

	rr = do(t, h, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.NotNil(t, health.Host)

	families, err := rec.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "encodefleet_http_requests_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCheckWorkerHealthRoute(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()

	h := newRouter(t)
	rr := do(t, h, "POST", "/encoders/health", api.HealthCheckRequest{Endpoint: worker.URL}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res orchestrator.WorkerHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Healthy)
}
