package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/tracing"
)

// LeaseExpiredReason is recorded on jobs reclaimed by the reaper
const LeaseExpiredReason = "Lease expired"

// DefaultReaperInterval is the time between sweeps
const DefaultReaperInterval = 60 * time.Second

// SweepLocker lets one of several scheduler instances own a sweep.
// A locker that cannot be reached must report acquired=false with an error;
// the reaper then sweeps anyway, since the guarded writes stay correct.
type SweepLocker interface {
	TryLock(ctx context.Context, ttl time.Duration) (unlock func(), acquired bool, err error)
}

// ReaperConfig holds reaper configuration
type ReaperConfig struct {
	Interval  time.Duration
	BatchSize int // maximum leases reclaimed per sweep; 0 means no limit
	Locker    SweepLocker
}

// Reaper periodically reclaims jobs whose lease lapsed without renewal,
// treating a silent worker exactly like a retryable failure.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	batch    int
	locker   SweepLocker
	logger   *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReaper creates a reaper driving engine
func NewReaper(engine *Engine, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReaperInterval
	}
	return &Reaper{
		engine:   engine,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
		locker:   cfg.Locker,
		logger:   engine.logger.WithField("loop", "reaper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop
func (r *Reaper) Start() {
	r.logger.Info("Starting lease reaper", map[string]interface{}{"interval": r.interval.String()})
	go r.loop()
}

// Stop halts the loop and waits for an in-flight sweep, up to ctx's deadline
func (r *Reaper) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })

	select {
	case <-r.doneCh:
		r.logger.Info("Lease reaper stopped")
		return nil
	case <-ctx.Done():
		return errors.New("timeout waiting for reaper to stop")
	}
}

func (r *Reaper) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.WithError(err).Error("Reaper sweep failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep reclaims every expired lease once and returns how many jobs it
// released. Each release re-checks expiry inside its conditional write, so a
// lease renewed after the scan, or a job finalized meanwhile, is left alone.
func (r *Reaper) Sweep(ctx context.Context) (reclaimed int, err error) {
	ctx, span := tracing.Start(ctx, "reaper.sweep")
	defer func() { tracing.EndSpan(span, err) }()

	if r.locker != nil {
		unlock, acquired, lockErr := r.locker.TryLock(ctx, r.interval)
		switch {
		case lockErr != nil:
			r.logger.WithError(lockErr).Warn("Sweep lock unavailable, sweeping without it")
		case !acquired:
			r.logger.Debug("Another instance holds the sweep lock")
			return 0, nil
		default:
			defer unlock()
		}
	}

	start := time.Now()
	e := r.engine
	now := e.now()

	expired, err := e.store.ExpiredLeases(ctx, now, r.batch)
	if err != nil {
		return 0, err
	}

	for _, job := range expired {
		released, relErr := e.release(ctx, job, LeaseExpiredReason, &now)
		if errors.Is(relErr, errReleaseLost) {
			continue
		}
		if relErr != nil {
			r.logger.WithError(relErr).Error("Failed to reclaim lease", map[string]interface{}{"job_id": job.ID})
			continue
		}
		reclaimed++
		r.logger.Info("Reclaimed expired lease", map[string]interface{}{
			"job_id":     job.ID,
			"encoder_id": job.AssignedEncoderID,
			"status":     string(released.Status),
			"attempts":   released.Attempts,
		})
	}

	r.refreshQueueDepth(ctx)
	e.metrics.ReaperSweep(reclaimed, time.Since(start))
	return reclaimed, nil
}

func (r *Reaper) refreshQueueDepth(ctx context.Context) {
	counts, err := r.engine.store.CountByStatus(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to count jobs")
		return
	}
	for _, status := range models.AllJobStatuses {
		r.engine.metrics.SetQueueDepth(string(status), counts[status])
	}
}
