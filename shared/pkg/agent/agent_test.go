package agent_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodefleet/encodefleet/pkg/agent"
	"github.com/encodefleet/encodefleet/pkg/api"
	"github.com/encodefleet/encodefleet/pkg/client"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/orchestrator"
	"github.com/encodefleet/encodefleet/pkg/scheduler"
	"github.com/encodefleet/encodefleet/pkg/store"
)

type harness struct {
	orch *orchestrator.Orchestrator
	enc  *client.Encoder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	engine := scheduler.New(st, scheduler.Config{Logger: logging.Discard()})
	orch := orchestrator.New(st, engine, orchestrator.Config{Logger: logging.Discard()})
	srv := httptest.NewServer(api.NewHandler(orch, api.WithLogger(logging.Discard())).Router())
	t.Cleanup(srv.Close)

	return &harness{
		orch: orch,
		enc:  client.New(srv.URL).Encoder("pool-1", models.EncoderTypeCommunity, ""),
	}
}

func (h *harness) submit(t *testing.T, permlink string) string {
	t.Helper()
	resp, err := h.orch.Submit(context.Background(), models.SubmitRequest{
		Owner:    "alice",
		Permlink: permlink,
		InputCID: "bafy-" + permlink,
		Mode:     models.EncodingModeCommunity,
	})
	require.NoError(t, err)
	return resp.JobID
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.orch.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) runner(handler agent.Handler) *agent.Runner {
	return agent.New(agent.Config{
		Encoder:       h.enc,
		Handler:       handler,
		PollInterval:  10 * time.Millisecond,
		RenewInterval: 20 * time.Millisecond,
		DrainTimeout:  time.Second,
		Logger:        logging.Discard(),
	})
}

func TestRunOnceCompletes(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "video-1")

	var seen string
	r := h.runner(agent.HandlerFunc(func(ctx context.Context, job *models.Job, report agent.ProgressFunc) (models.JobResult, error) {
		seen = job.InputCID
		report("downloading", 100)
		report("encoding_720p", 50)
		return models.JobResult{OutputCID: "bafy-out", ManifestCID: "bafy-manifest", Qualities: []string{"720p"}}, nil
	}))

	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "bafy-video-1", seen)

	job := h.job(t, id)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "bafy-out", job.OutputCID)
	assert.Equal(t, []string{"720p"}, job.Qualities)
}

func TestRunOnceNoWork(t *testing.T) {
	h := newHarness(t)
	r := h.runner(agent.HandlerFunc(func(context.Context, *models.Job, agent.ProgressFunc) (models.JobResult, error) {
		t.Fatal("handler must not run without a job")
		return models.JobResult{}, nil
	}))

	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result models.JobResult
		status models.JobStatus
	}{
		{"retryable", errors.New("network blip"), models.JobResult{}, models.JobStatusQueued},
		{"permanent", agent.Permanent(errors.New("corrupt input")), models.JobResult{}, models.JobStatusFailed},
		{"missing output", nil, models.JobResult{}, models.JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := h.submit(t, "video-1")

			r := h.runner(agent.HandlerFunc(func(context.Context, *models.Job, agent.ProgressFunc) (models.JobResult, error) {
				return tt.result, tt.err
			}))
			claimed, err := r.RunOnce(context.Background())
			require.NoError(t, err)
			require.True(t, claimed)

			job := h.job(t, id)
			assert.Equal(t, tt.status, job.Status)
			assert.NotEmpty(t, job.LastError)
		})
	}
}

func TestLeaseRenewedDuringLongEncode(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "video-1")

	var expiries []time.Time
	r := h.runner(agent.HandlerFunc(func(ctx context.Context, job *models.Job, report agent.ProgressFunc) (models.JobResult, error) {
		for i := 0; i < 3; i++ {
			time.Sleep(30 * time.Millisecond)
			cur := h.job(t, job.ID)
			if cur.LeaseExpiresAt != nil {
				expiries = append(expiries, *cur.LeaseExpiresAt)
			}
		}
		return models.JobResult{OutputCID: "bafy-out"}, nil
	}))

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, expiries, 3)
	assert.True(t, expiries[2].After(expiries[0]), "lease should have been extended")
	assert.Equal(t, models.JobStatusCompleted, h.job(t, id).Status)
}

func TestCancelledJobAbandonsEncode(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "video-1")

	started := make(chan struct{})
	var interrupted atomic.Bool
	r := h.runner(agent.HandlerFunc(func(ctx context.Context, job *models.Job, report agent.ProgressFunc) (models.JobResult, error) {
		close(started)
		select {
		case <-ctx.Done():
			interrupted.Store(true)
			return models.JobResult{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return models.JobResult{OutputCID: "too-late"}, nil
		}
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.RunOnce(context.Background())
	}()

	<-started
	_, err := h.orch.Cancel(context.Background(), id, "alice", "changed my mind")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not abandon the cancelled job")
	}

	assert.True(t, interrupted.Load())
	job := h.job(t, id)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Empty(t, job.OutputCID)
}

func TestRunProcessesQueueAndStops(t *testing.T) {
	h := newHarness(t)
	ids := []string{h.submit(t, "a"), h.submit(t, "b"), h.submit(t, "c")}

	var handled atomic.Int32
	r := agent.New(agent.Config{
		Encoder:      h.enc,
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		Logger:       logging.Discard(),
		Handler: agent.HandlerFunc(func(ctx context.Context, job *models.Job, report agent.ProgressFunc) (models.JobResult, error) {
			handled.Add(1)
			return models.JobResult{OutputCID: "out-" + job.Permlink}, nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if h.job(t, id).Status != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(3), handled.Load())
	assert.Equal(t, 0, r.Active())
}

func TestDrainTimeoutInterruptsJobs(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "video-1")

	started := make(chan struct{})
	r := agent.New(agent.Config{
		Encoder:      h.enc,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: 50 * time.Millisecond,
		Logger:       logging.Discard(),
		Handler: agent.HandlerFunc(func(ctx context.Context, job *models.Job, report agent.ProgressFunc) (models.JobResult, error) {
			close(started)
			<-ctx.Done()
			return models.JobResult{}, ctx.Err()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the drain timeout")
	}

	// Interrupted work goes back to the queue
	job := h.job(t, id)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	err := agent.Permanent(base)
	assert.True(t, agent.IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, agent.IsPermanent(base))
	assert.Nil(t, agent.Permanent(nil))
}
