package scheduler

import (
	"context"

	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/store"
	"github.com/encodefleet/encodefleet/pkg/webhook"
)

// Stage is one pipeline phase and the slice of overall progress it covers.
type Stage struct {
	Name   string
	Start  int
	Weight int
	Status models.JobStatus
}

// Stages is the pipeline in order. Weights sum to 100.
var Stages = []Stage{
	{"downloading", 0, 10, models.JobStatusDownloading},
	{"analyzing", 10, 5, models.JobStatusEncoding},
	{"encoding_1080p", 15, 30, models.JobStatusEncoding},
	{"encoding_720p", 45, 20, models.JobStatusEncoding},
	{"encoding_480p", 65, 10, models.JobStatusEncoding},
	{"packaging", 75, 10, models.JobStatusEncoding},
	{"uploading", 85, 15, models.JobStatusUploading},
}

var stagesByName = func() map[string]Stage {
	m := make(map[string]Stage, len(Stages))
	for _, s := range Stages {
		m[s.Name] = s
	}
	return m
}()

// LookupStage returns the table row for a stage name
func LookupStage(name string) (Stage, bool) {
	s, ok := stagesByName[name]
	return s, ok
}

// OverallProgress maps a percent within stage to overall job progress.
func OverallProgress(stage Stage, percent int) int {
	return clamp(stage.Start+clamp(percent, 0, 100)*stage.Weight/100, 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ProgressUpdate is the job's progress after a report
type ProgressUpdate struct {
	JobID         string           `json:"job_id"`
	Status        models.JobStatus `json:"status"`
	Stage         string           `json:"stage"`
	StageProgress int              `json:"stage_progress"`
	Progress      int              `json:"progress"`
}

// ReportProgress records a worker's (stage, percent) report. Overall progress
// is never lowered within a run; the job status follows the stage's substate.
func (e *Engine) ReportProgress(ctx context.Context, jobID, signature, stageName string, percent int) (*ProgressUpdate, error) {
	stage, ok := LookupStage(stageName)
	if !ok {
		return nil, NewValidationError("stage", "unknown stage "+stageName)
	}

	job, err := e.loadHeld(ctx, jobID, signature)
	if err != nil {
		return nil, err
	}

	percent = clamp(percent, 0, 100)
	computed := OverallProgress(stage, percent)
	now := e.now()

	status := job.Status
	if models.ValidateTransition(job.Status, stage.Status) == nil {
		status = stage.Status
	}

	ok, err = e.store.TransitionJob(ctx, jobID,
		store.Guard{Statuses: models.ActiveStates(), LeaseID: job.LeaseID},
		store.JobPatch{
			Status:           &status,
			CurrentStage:     &stage.Name,
			StageProgress:    &percent,
			ProgressAtLeast:  &computed,
			StartedAtIfUnset: &now,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.lostLease(ctx, jobID)
	}

	update := &ProgressUpdate{
		JobID:         jobID,
		Status:        status,
		Stage:         stage.Name,
		StageProgress: percent,
		Progress:      max(job.Progress, computed),
	}

	if status != job.Status {
		e.recordEvent(ctx, job, models.EventProgress, job.Status, status, job.AssignedEncoderID,
			map[string]interface{}{
				"stage":    stage.Name,
				"progress": update.Progress,
			})
	}
	e.notify(job, webhook.EventProgress, map[string]interface{}{
		"status":         string(status),
		"stage":          stage.Name,
		"stage_progress": percent,
		"progress":       update.Progress,
	}, nil)

	return update, nil
}
