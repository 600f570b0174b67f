package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/encodefleet/encodefleet/pkg/models"
)

type memoryJob struct {
	job *models.Job
	seq int64
}

// MemoryStore is an in-memory implementation of the data store.
//
// The jobs mutex is held across the compare and the write of TransitionJob,
// which gives the same check-then-set atomicity the SQL stores get from a
// single conditional UPDATE. It is only suitable for one scheduler process.
type MemoryStore struct {
	jobs    map[string]*memoryJob
	nextSeq int64
	jobsMu  sync.RWMutex

	events   map[string][]*models.Event
	eventsMu sync.RWMutex

	encoders   map[string]*models.Encoder
	encodersMu sync.RWMutex

	preferences map[string]models.EncodingMode
	prefsMu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*memoryJob),
		events:      make(map[string][]*models.Event),
		encoders:    make(map[string]*models.Encoder),
		preferences: make(map[string]models.EncodingMode),
	}
}

// Job operations

// CreateJob inserts a new job
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.nextSeq++
	s.jobs[job.ID] = &memoryJob{job: job.Clone(), seq: s.nextSeq}
	return nil
}

// GetJob retrieves a copy of a job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return mj.job.Clone(), nil
}

// ListJobs returns jobs newest first
func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	matched := make([]*memoryJob, 0)
	for _, mj := range s.jobs {
		if filter.Owner != "" && mj.job.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && mj.job.Status != filter.Status {
			continue
		}
		matched = append(matched, mj)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	jobs := make([]*models.Job, len(matched))
	for i, mj := range matched {
		jobs[i] = mj.job.Clone()
	}
	return jobs, nil
}

// NextCandidate returns the highest priority, oldest eligible queued job, or nil.
func (s *MemoryStore) NextCandidate(ctx context.Context, q CandidateQuery) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var best *memoryJob
	for _, mj := range s.jobs {
		j := mj.job
		if j.Status != models.JobStatusQueued {
			continue
		}
		if j.EncodingMode != q.Mode && j.EncodingMode != models.EncodingModeAuto {
			continue
		}
		if q.ShortOnly && !j.IsShort {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(q.Now) {
			continue
		}
		if best == nil || candidateLess(mj, best) {
			best = mj
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.job.Clone(), nil
}

func candidateLess(a, b *memoryJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

// TransitionJob applies patch when guard holds, under the jobs write lock.
func (s *MemoryStore) TransitionJob(ctx context.Context, id string, guard Guard, patch JobPatch) (bool, error) {
	if len(guard.Statuses) == 0 {
		return false, ErrEmptyGuard
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if !guard.matches(mj.job) {
		return false, nil
	}
	patch.apply(mj.job)
	return true, nil
}

// ExpiredLeases lists active jobs whose lease ended before now
func (s *MemoryStore) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	expired := make([]*models.Job, 0)
	for _, mj := range s.jobs {
		j := mj.job
		if !models.IsActiveState(j.Status) || j.LeaseExpiresAt == nil {
			continue
		}
		if j.LeaseExpiresAt.Before(now) {
			expired = append(expired, j.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[j].LeaseExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// CountByStatus returns the number of jobs in each status
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, mj := range s.jobs {
		counts[mj.job.Status]++
	}
	return counts, nil
}

// AverageJobDuration averages completedAt-startedAt over the most recently
// completed jobs. ok is false when there is no history.
func (s *MemoryStore) AverageJobDuration(ctx context.Context, sample int) (time.Duration, bool, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	done := make([]*models.Job, 0)
	for _, mj := range s.jobs {
		j := mj.job
		if j.Status == models.JobStatusCompleted && j.StartedAt != nil && j.CompletedAt != nil {
			done = append(done, j)
		}
	}
	if len(done) == 0 {
		return 0, false, nil
	}
	sort.Slice(done, func(i, j int) bool { return done[i].CompletedAt.After(*done[j].CompletedAt) })
	if sample > 0 && len(done) > sample {
		done = done[:sample]
	}

	var total time.Duration
	for _, j := range done {
		total += j.CompletedAt.Sub(*j.StartedAt)
	}
	return total / time.Duration(len(done)), true, nil
}

// Event log

// AppendEvent records an event
func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	e := *event
	s.events[event.JobID] = append(s.events[event.JobID], &e)
	return nil
}

// ListEvents returns a job's events oldest first
func (s *MemoryStore) ListEvents(ctx context.Context, jobID string) ([]*models.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	src := s.events[jobID]
	events := make([]*models.Event, len(src))
	for i, e := range src {
		c := *e
		events[i] = &c
	}
	return events, nil
}

// Encoder operations

// GetEncoder retrieves an encoder by ID
func (s *MemoryStore) GetEncoder(ctx context.Context, id string) (*models.Encoder, error) {
	s.encodersMu.RLock()
	defer s.encodersMu.RUnlock()

	e, ok := s.encoders[id]
	if !ok {
		return nil, ErrEncoderNotFound
	}
	c := *e
	return &c, nil
}

// RegisterEncoder creates an encoder or replaces its type and token hash,
// keeping accumulated statistics.
func (s *MemoryStore) RegisterEncoder(ctx context.Context, encoder *models.Encoder) error {
	s.encodersMu.Lock()
	defer s.encodersMu.Unlock()

	if existing, ok := s.encoders[encoder.ID]; ok {
		existing.Type = encoder.Type
		existing.TokenHash = encoder.TokenHash
		existing.LastSeenAt = encoder.LastSeenAt
		return nil
	}
	c := *encoder
	s.encoders[encoder.ID] = &c
	return nil
}

// ApplyEncoderOutcome folds an outcome into an encoder's stats, creating the
// encoder on first sight.
func (s *MemoryStore) ApplyEncoderOutcome(ctx context.Context, id string, typ models.EncoderType, outcome models.EncoderOutcome, now time.Time) (*models.Encoder, error) {
	s.encodersMu.Lock()
	defer s.encodersMu.Unlock()

	e, ok := s.encoders[id]
	if !ok {
		e = models.NewEncoder(id, typ, now)
		s.encoders[id] = e
	}
	e.Apply(outcome, now)
	c := *e
	return &c, nil
}

// Owner preferences

// GetUserPreference returns the stored mode, or "" when none is set
func (s *MemoryStore) GetUserPreference(ctx context.Context, owner string) (models.EncodingMode, error) {
	s.prefsMu.RLock()
	defer s.prefsMu.RUnlock()
	return s.preferences[owner], nil
}

// SetUserPreference stores an owner's preferred encoding mode
func (s *MemoryStore) SetUserPreference(ctx context.Context, owner string, mode models.EncodingMode) error {
	s.prefsMu.Lock()
	defer s.prefsMu.Unlock()
	s.preferences[owner] = mode
	return nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
