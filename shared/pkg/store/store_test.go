package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodefleet/encodefleet/pkg/models"
)

// base is truncated to microseconds so every backend round-trips it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestJob(id string, mode models.EncodingMode, priority int, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:           id,
		Owner:        "alice",
		Permlink:     "my-video",
		InputCID:     "bafy-" + id,
		InputSize:    1024,
		IsShort:      true,
		EncodingMode: mode,
		Priority:     priority,
		Status:       models.JobStatusQueued,
		MaxAttempts:  3,
		Secret:       "secret-" + id,
		CreatedAt:    createdAt,
	}
}

func ptr[T any](v T) *T { return &v }

// runStoreSuite exercises the behavior every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newTestJob("job-1", models.EncodingModeAuto, 2, base)
		job.WebhookURL = "https://example.com/hook"
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Owner)
		assert.Equal(t, models.EncodingModeAuto, got.EncodingMode)
		assert.Equal(t, models.JobStatusQueued, got.Status)
		assert.Equal(t, "secret-job-1", got.Secret)
		assert.True(t, got.IsShort)
		assert.True(t, got.CreatedAt.Equal(base))
		assert.Nil(t, got.LeaseExpiresAt)

		_, err = s.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("CandidateOrdering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, newTestJob("old-low", models.EncodingModeAuto, 0, base)))
		require.NoError(t, s.CreateJob(ctx, newTestJob("new-high", models.EncodingModeAuto, 5, base.Add(time.Minute))))
		require.NoError(t, s.CreateJob(ctx, newTestJob("old-high", models.EncodingModeAuto, 5, base.Add(time.Second))))

		got, err := s.NextCandidate(ctx, CandidateQuery{Mode: models.EncodingModeCommunity, Now: base.Add(time.Hour)})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "old-high", got.ID)
	})

	t.Run("CandidateFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		self := newTestJob("self", models.EncodingModeSelf, 0, base)
		long := newTestJob("long", models.EncodingModeAuto, 0, base)
		long.IsShort = false
		backoff := newTestJob("backoff", models.EncodingModeAuto, 9, base)
		backoff.NextRetryAt = ptr(base.Add(30 * time.Second))
		for _, j := range []*models.Job{self, long, backoff} {
			require.NoError(t, s.CreateJob(ctx, j))
		}

		// community encoders never see self-mode jobs
		got, err := s.NextCandidate(ctx, CandidateQuery{Mode: models.EncodingModeCommunity, ShortOnly: true, Now: base})
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.NextCandidate(ctx, CandidateQuery{Mode: models.EncodingModeSelf, Now: base})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "self", got.ID)

		// backoff elapses
		got, err = s.NextCandidate(ctx, CandidateQuery{Mode: models.EncodingModeAuto, ShortOnly: true, Now: base.Add(30 * time.Second)})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "backoff", got.ID)
	})

	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, newTestJob("contended", models.EncodingModeAuto, 0, base)))

		const claimers = 20
		var wins int32
		var wg sync.WaitGroup
		errs := make(chan error, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				ok, err := s.TransitionJob(ctx, "contended",
					Guard{Statuses: []models.JobStatus{models.JobStatusQueued}},
					JobPatch{
						Status: ptr(models.JobStatusAssigned),
						Assignment: &Assignment{
							EncoderID:   fmt.Sprintf("enc-%d", idx),
							EncoderType: models.EncoderTypeBrowser,
							LeaseID:     fmt.Sprintf("lease-%d", idx),
							AssignedAt:  base,
							ExpiresAt:   base.Add(5 * time.Minute),
						},
					})
				if err != nil {
					errs <- err
					return
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("claim error: %v", err)
		}
		assert.Equal(t, int32(1), wins)

		got, err := s.GetJob(ctx, "contended")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusAssigned, got.Status)
		require.NotNil(t, got.LeaseExpiresAt)
		assert.True(t, got.LeaseExpiresAt.Equal(base.Add(5*time.Minute)))
	})

	t.Run("GuardsAndPatches", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, newTestJob("g", models.EncodingModeAuto, 0, base)))

		active := models.ActiveStates()
		ok, err := s.TransitionJob(ctx, "g", Guard{Statuses: []models.JobStatus{models.JobStatusQueued}}, JobPatch{
			Status: ptr(models.JobStatusAssigned),
			Assignment: &Assignment{EncoderID: "enc", EncoderType: models.EncoderTypeDesktop,
				LeaseID: "lease-a", AssignedAt: base, ExpiresAt: base.Add(time.Minute)},
		})
		require.NoError(t, err)
		require.True(t, ok)

		// wrong lease id
		ok, err = s.TransitionJob(ctx, "g", Guard{Statuses: active, LeaseID: "lease-b"},
			JobPatch{Progress: ptr(50)})
		require.NoError(t, err)
		assert.False(t, ok)

		// wrong attempts
		ok, err = s.TransitionJob(ctx, "g", Guard{Statuses: active, Attempts: ptr(2)},
			JobPatch{Progress: ptr(50)})
		require.NoError(t, err)
		assert.False(t, ok)

		// lease still valid at base
		ok, err = s.TransitionJob(ctx, "g", Guard{Statuses: active, LeaseExpiredBefore: ptr(base)},
			JobPatch{Status: ptr(models.JobStatusQueued), ClearAssignment: true})
		require.NoError(t, err)
		assert.False(t, ok)

		// progress never regresses, started_at is set once
		_, err = s.TransitionJob(ctx, "g", Guard{Statuses: active, LeaseID: "lease-a"}, JobPatch{
			Status: ptr(models.JobStatusEncoding), CurrentStage: ptr("encoding_720p"), StageProgress: ptr(50),
			ProgressAtLeast: ptr(55), StartedAtIfUnset: ptr(base.Add(time.Second)),
		})
		require.NoError(t, err)
		ok, err = s.TransitionJob(ctx, "g", Guard{Statuses: active, LeaseID: "lease-a"}, JobPatch{
			CurrentStage: ptr("downloading"), StageProgress: ptr(100),
			ProgressAtLeast: ptr(10), StartedAtIfUnset: ptr(base.Add(time.Hour)),
		})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetJob(ctx, "g")
		require.NoError(t, err)
		assert.Equal(t, 55, got.Progress)
		assert.Equal(t, "downloading", got.CurrentStage)
		require.NotNil(t, got.StartedAt)
		assert.True(t, got.StartedAt.Equal(base.Add(time.Second)))

		// release clears the assignment
		ok, err = s.TransitionJob(ctx, "g", Guard{Statuses: active, Attempts: ptr(0), LeaseID: "lease-a"}, JobPatch{
			Status: ptr(models.JobStatusQueued), Attempts: ptr(1), NextRetryAt: ptr(base.Add(30 * time.Second)),
			LastError: ptr("Lease expired"), ClearAssignment: true, ClearStage: true, Progress: ptr(0),
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err = s.GetJob(ctx, "g")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Empty(t, got.AssignedEncoderID)
		assert.Empty(t, got.LeaseID)
		assert.Nil(t, got.LeaseExpiresAt)
		assert.Nil(t, got.AssignedAt)
		assert.Empty(t, got.CurrentStage)
		assert.Equal(t, 0, got.Progress)
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, got.NextRetryAt.Equal(base.Add(30*time.Second)))

		_, err = s.TransitionJob(ctx, "g", Guard{}, JobPatch{Progress: ptr(1)})
		assert.ErrorIs(t, err, ErrEmptyGuard)
	})

	t.Run("ExpiredLeasesAndCounts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, expiry := range []time.Duration{-2 * time.Minute, -time.Minute, time.Minute} {
			id := fmt.Sprintf("lease-%d", i)
			require.NoError(t, s.CreateJob(ctx, newTestJob(id, models.EncodingModeAuto, 0, base)))
			_, err := s.TransitionJob(ctx, id, Guard{Statuses: []models.JobStatus{models.JobStatusQueued}}, JobPatch{
				Status: ptr(models.JobStatusAssigned),
				Assignment: &Assignment{EncoderID: "enc", EncoderType: models.EncoderTypeCommunity,
					LeaseID: id, AssignedAt: base.Add(-10 * time.Minute), ExpiresAt: base.Add(expiry)},
			})
			require.NoError(t, err)
		}
		require.NoError(t, s.CreateJob(ctx, newTestJob("waiting", models.EncodingModeAuto, 0, base)))

		expired, err := s.ExpiredLeases(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, "lease-0", expired[0].ID)
		assert.Equal(t, "lease-1", expired[1].ID)

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[models.JobStatusAssigned])
		assert.Equal(t, 1, counts[models.JobStatusQueued])
	})

	t.Run("AverageJobDuration", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, ok, err := s.AverageJobDuration(ctx, 50)
		require.NoError(t, err)
		assert.False(t, ok)

		for i, d := range []time.Duration{2 * time.Minute, 4 * time.Minute} {
			job := newTestJob(fmt.Sprintf("done-%d", i), models.EncodingModeAuto, 0, base)
			job.Status = models.JobStatusCompleted
			job.StartedAt = ptr(base)
			job.CompletedAt = ptr(base.Add(d))
			require.NoError(t, s.CreateJob(ctx, job))
		}

		avg, ok, err := s.AverageJobDuration(ctx, 50)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.InDelta(t, float64(3*time.Minute), float64(avg), float64(time.Millisecond))
	})

	t.Run("EventsEncodersPreferences", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, typ := range []models.EventType{models.EventCreated, models.EventAssigned, models.EventCompleted} {
			require.NoError(t, s.AppendEvent(ctx, &models.Event{
				ID: fmt.Sprintf("ev-%d", i), JobID: "job-e", Type: typ,
				Details:   map[string]interface{}{"n": float64(i)},
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		events, err := s.ListEvents(ctx, "job-e")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, models.EventCompleted, events[2].Type)
		assert.Equal(t, float64(2), events[2].Details["n"])

		_, err = s.GetEncoder(ctx, "enc-x")
		assert.ErrorIs(t, err, ErrEncoderNotFound)

		e, err := s.ApplyEncoderOutcome(ctx, "enc-x", models.EncoderTypeDesktop, models.OutcomeClaimed, base)
		require.NoError(t, err)
		assert.Equal(t, 1, e.JobsInProgress)
		assert.Equal(t, models.InitialReputation, e.ReputationScore)

		require.NoError(t, s.RegisterEncoder(ctx, &models.Encoder{
			ID: "enc-x", Type: models.EncoderTypeDesktop, TokenHash: "hash",
			ReputationScore: models.InitialReputation, RegisteredAt: base, LastSeenAt: base,
		}))

		e, err = s.ApplyEncoderOutcome(ctx, "enc-x", models.EncoderTypeDesktop, models.OutcomeCompleted, base)
		require.NoError(t, err)
		assert.Equal(t, 0, e.JobsInProgress)
		assert.Equal(t, 1, e.JobsCompleted)
		assert.Equal(t, models.InitialReputation+models.CompletionReward, e.ReputationScore)

		stored, err := s.GetEncoder(ctx, "enc-x")
		require.NoError(t, err)
		assert.Equal(t, "hash", stored.TokenHash)
		assert.Equal(t, float64(100), stored.SuccessRate)

		mode, err := s.GetUserPreference(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, mode)
		require.NoError(t, s.SetUserPreference(ctx, "bob", models.EncodingModeSelf))
		require.NoError(t, s.SetUserPreference(ctx, "bob", models.EncodingModeCommunity))
		mode, err = s.GetUserPreference(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, models.EncodingModeCommunity, mode)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "encodefleet.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestPostgreSQLStore runs the suite against a real database.
// Set DATABASE_DSN to run: export DATABASE_DSN="postgresql://..."
func TestPostgreSQLStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgreSQLStore(Config{DSN: dsn})
		require.NoError(t, err)
		for _, table := range []string{"jobs", "job_events", "encoders", "user_preferences"} {
			_, err := s.db.Exec("TRUNCATE " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(Config{Type: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = NewStore(Config{Type: "mongo"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}
