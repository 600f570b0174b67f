package models

import (
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Queued to Assigned", JobStatusQueued, JobStatusAssigned, false},
		{"Queued to Cancelled", JobStatusQueued, JobStatusCancelled, false},
		{"Assigned to Downloading", JobStatusAssigned, JobStatusDownloading, false},
		{"Downloading to Encoding", JobStatusDownloading, JobStatusEncoding, false},
		{"Encoding to Uploading", JobStatusEncoding, JobStatusUploading, false},
		{"Uploading to Completed", JobStatusUploading, JobStatusCompleted, false},
		{"Encoding to Failed", JobStatusEncoding, JobStatusFailed, false},
		{"Assigned to Queued on release", JobStatusAssigned, JobStatusQueued, false},
		{"Uploading to Queued on release", JobStatusUploading, JobStatusQueued, false},
		{"Encoding to Cancelled", JobStatusEncoding, JobStatusCancelled, false},
		{"Encoding stays Encoding", JobStatusEncoding, JobStatusEncoding, false},

		// Invalid transitions
		{"Queued to Completed", JobStatusQueued, JobStatusCompleted, true},
		{"Queued to Encoding", JobStatusQueued, JobStatusEncoding, true},
		{"Queued stays Queued", JobStatusQueued, JobStatusQueued, true},
		{"Completed to Queued", JobStatusCompleted, JobStatusQueued, true},
		{"Failed to Assigned", JobStatusFailed, JobStatusAssigned, true},
		{"Cancelled to Queued", JobStatusCancelled, JobStatusQueued, true},
		{"Cancelled to Cancelled", JobStatusCancelled, JobStatusCancelled, true},
		{"Unknown source", JobStatus("paused"), JobStatusQueued, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    JobStatus
		terminal bool
		active   bool
	}{
		{JobStatusQueued, false, false},
		{JobStatusAssigned, false, true},
		{JobStatusDownloading, false, true},
		{JobStatusEncoding, false, true},
		{JobStatusUploading, false, true},
		{JobStatusCompleted, true, false},
		{JobStatusFailed, true, false},
		{JobStatusCancelled, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.terminal {
				t.Errorf("IsTerminalState(%s) = %v, expected %v", tt.state, got, tt.terminal)
			}
			if got := IsActiveState(tt.state); got != tt.active {
				t.Errorf("IsActiveState(%s) = %v, expected %v", tt.state, got, tt.active)
			}
		})
	}
}

func TestHasActiveLease(t *testing.T) {
	expires := time.Date(2026, 4, 1, 9, 5, 0, 0, time.UTC)
	tests := []struct {
		name    string
		job     Job
		holding bool
	}{
		{"assigned with expiry", Job{Status: JobStatusAssigned, LeaseExpiresAt: &expires}, true},
		{"encoding with expiry", Job{Status: JobStatusEncoding, LeaseExpiresAt: &expires}, true},
		{"active without expiry", Job{Status: JobStatusUploading}, false},
		{"queued", Job{Status: JobStatusQueued}, false},
		{"failed keeps holder but no lease", Job{Status: JobStatusFailed, AssignedEncoderID: "desk"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.HasActiveLease(); got != tt.holding {
				t.Errorf("HasActiveLease() = %v, expected %v", got, tt.holding)
			}
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	rp := DefaultRetryPolicy()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	expected := map[int]time.Duration{
		1: 30 * time.Second,
		2: 60 * time.Second,
		3: 120 * time.Second,
	}

	var prev time.Duration
	for attempts := 1; attempts <= 3; attempts++ {
		got := rp.Backoff(attempts)
		if got != expected[attempts] {
			t.Errorf("Backoff(%d) = %v, expected %v", attempts, got, expected[attempts])
		}
		if got <= prev {
			t.Errorf("Backoff(%d) = %v, not greater than previous %v", attempts, got, prev)
		}
		prev = got

		if next := rp.NextRetryAt(now, attempts); !next.Equal(now.Add(expected[attempts])) {
			t.Errorf("NextRetryAt(%d) = %v, expected %v", attempts, next, now.Add(expected[attempts]))
		}
	}
}

func TestEncoderApply(t *testing.T) {
	now := time.Now()

	t.Run("completion raises reputation and success rate", func(t *testing.T) {
		e := NewEncoder("enc-1", EncoderTypeDesktop, now)
		e.Apply(OutcomeClaimed, now)
		e.Apply(OutcomeCompleted, now)

		if e.JobsCompleted != 1 || e.JobsInProgress != 0 {
			t.Errorf("counters = completed %d, in-progress %d", e.JobsCompleted, e.JobsInProgress)
		}
		if e.SuccessRate != 100 {
			t.Errorf("SuccessRate = %v, expected 100", e.SuccessRate)
		}
		if e.ReputationScore != InitialReputation+CompletionReward {
			t.Errorf("ReputationScore = %d", e.ReputationScore)
		}
	})

	t.Run("running average over finished jobs", func(t *testing.T) {
		e := NewEncoder("enc-2", EncoderTypeCommunity, now)
		e.Apply(OutcomeCompleted, now)
		e.Apply(OutcomeCompleted, now)
		e.Apply(OutcomeCompleted, now)
		e.Apply(OutcomeFailed, now)

		if e.SuccessRate != 75 {
			t.Errorf("SuccessRate = %v, expected 75", e.SuccessRate)
		}
	})

	t.Run("bounds", func(t *testing.T) {
		e := NewEncoder("enc-3", EncoderTypeBrowser, now)
		e.ReputationScore = MaxReputation - 1
		e.Apply(OutcomeCompleted, now)
		if e.ReputationScore != MaxReputation {
			t.Errorf("ReputationScore = %d, expected cap %d", e.ReputationScore, MaxReputation)
		}

		e.ReputationScore = 3
		e.Apply(OutcomeFailed, now)
		if e.ReputationScore != MinReputation {
			t.Errorf("ReputationScore = %d, expected floor %d", e.ReputationScore, MinReputation)
		}
		if e.JobsInProgress != 0 {
			t.Errorf("JobsInProgress = %d, expected floor 0", e.JobsInProgress)
		}
	})

	t.Run("release is not a performance signal", func(t *testing.T) {
		e := NewEncoder("enc-4", EncoderTypeDesktop, now)
		e.Apply(OutcomeClaimed, now)
		e.Apply(OutcomeReleased, now)
		if e.ReputationScore != InitialReputation || e.SuccessRate != 0 || e.JobsInProgress != 0 {
			t.Errorf("unexpected stats after release: %+v", e)
		}
	})
}
