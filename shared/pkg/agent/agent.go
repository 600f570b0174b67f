// Package agent runs the encoder side of the lease protocol: it claims work,
// keeps each lease renewed while a Handler encodes, and reports the outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodefleet/encodefleet/pkg/client"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/models"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultDrainTimeout = 30 * time.Second
	reportTimeout       = 30 * time.Second
	minRenewInterval    = time.Second
)

// ProgressFunc reports a percentage within a pipeline stage
type ProgressFunc func(stage string, percent int)

// Handler encodes one leased job
type Handler interface {
	Encode(ctx context.Context, job *models.Job, report ProgressFunc) (models.JobResult, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *models.Job, report ProgressFunc) (models.JobResult, error)

func (f HandlerFunc) Encode(ctx context.Context, job *models.Job, report ProgressFunc) (models.JobResult, error) {
	return f(ctx, job, report)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a failure another attempt would repeat. Handler
// errors are otherwise reported as retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config holds runner configuration
type Config struct {
	Encoder      *client.Encoder
	Handler      Handler
	Concurrency  int
	PollInterval time.Duration

	// RenewInterval overrides renewing at a third of the remaining lease
	RenewInterval time.Duration

	// DrainTimeout bounds how long Run waits for active jobs after its
	// context ends; jobs still running are then interrupted.
	DrainTimeout time.Duration

	Logger *logging.Logger
}

// Runner polls for work and processes up to Concurrency jobs at once
type Runner struct {
	enc      *client.Encoder
	handler  Handler
	poll     time.Duration
	renew    time.Duration
	drain    time.Duration
	logger   *logging.Logger
	slots    chan struct{}
	wg       sync.WaitGroup
	active   atomic.Int32
	baseCtx  context.Context
	abortAll context.CancelFunc
}

// New creates a runner
func New(cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	base, abort := context.WithCancel(context.Background())
	return &Runner{
		enc:      cfg.Encoder,
		handler:  cfg.Handler,
		poll:     cfg.PollInterval,
		renew:    cfg.RenewInterval,
		drain:    cfg.DrainTimeout,
		logger:   cfg.Logger.WithFields(map[string]interface{}{"component": "agent", "encoder_id": cfg.Encoder.ID}),
		slots:    make(chan struct{}, cfg.Concurrency),
		baseCtx:  base,
		abortAll: abort,
	}
}

// Active returns the number of jobs being encoded
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Run polls until ctx is done, then waits for active jobs up to the drain
// timeout before interrupting them. Interrupted jobs are reported as
// retryable failures so they return to the queue.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting encoder agent", map[string]interface{}{
		"type":        string(r.enc.Type),
		"concurrency": cap(r.slots),
		"poll":        r.poll.String(),
	})

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		r.fill(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			r.logger.Info("Stopping job polling, waiting for active jobs", map[string]interface{}{"active": r.Active()})
			r.waitDrained()
			return nil
		}
	}
}

// fill claims jobs until every slot is busy or no work is available
func (r *Runner) fill(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case r.slots <- struct{}{}:
		default:
			return
		}

		lease, err := r.enc.Claim(ctx)
		if err != nil || lease == nil {
			<-r.slots
			if err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Claim failed")
			}
			return
		}

		r.wg.Add(1)
		r.active.Add(1)
		go func() {
			defer func() {
				r.active.Add(-1)
				<-r.slots
				r.wg.Done()
			}()
			r.process(lease)
		}()
	}
}

func (r *Runner) waitDrained() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("All jobs finished")
	case <-time.After(r.drain):
		r.logger.Warn("Drain timeout, interrupting active jobs", map[string]interface{}{"active": r.Active()})
		r.abortAll()
		<-done
	}
}

// RunOnce claims at most one job and processes it before returning. It
// reports whether a job was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	lease, err := r.enc.Claim(ctx)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	r.active.Add(1)
	defer r.active.Add(-1)
	r.process(lease)
	return true, nil
}

// leaseLost reports whether a rejected call means the lease is gone for good
// (expired and reclaimed, cancelled, or finished elsewhere).
func leaseLost(err error) bool {
	switch client.StatusCode(err) {
	case http.StatusForbidden, http.StatusNotFound, http.StatusConflict:
		return true
	}
	return false
}

func (r *Runner) process(lease *client.HeldLease) {
	job := lease.Job
	log := r.logger.WithFields(map[string]interface{}{"job_id": job.ID, "attempt": job.Attempts})
	log.Info("Claimed job", map[string]interface{}{
		"permlink":   job.Permlink,
		"input_cid":  job.InputCID,
		"expires_at": lease.ExpiresAt.Format(time.RFC3339),
	})

	jobCtx, cancel := context.WithCancel(r.baseCtx)
	defer cancel()

	var lost atomic.Bool
	markLost := func(err error) {
		if lost.CompareAndSwap(false, true) {
			log.WithError(err).Warn("Lease lost, abandoning job")
			cancel()
		}
	}

	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		r.keepLease(jobCtx, lease, log, markLost)
	}()

	report := func(stage string, percent int) {
		if _, err := r.enc.Progress(jobCtx, lease, stage, percent); err != nil {
			if leaseLost(err) {
				markLost(err)
				return
			}
			if jobCtx.Err() == nil {
				log.WithError(err).Warn("Progress report failed", map[string]interface{}{"stage": stage})
			}
		}
	}

	start := time.Now()
	result, err := r.handler.Encode(jobCtx, job, report)
	cancel()
	<-keeperDone

	if lost.Load() {
		return
	}

	if err == nil && result.OutputCID == "" {
		err = Permanent(errors.New("encoder produced no output CID"))
	}

	ctx, done := context.WithTimeout(context.Background(), reportTimeout)
	defer done()

	if err != nil {
		retryable := !IsPermanent(err)
		if _, ferr := r.enc.Fail(ctx, lease, err.Error(), retryable); ferr != nil {
			log.WithError(ferr).Error("Failed to report failure")
			return
		}
		log.Warn("Job failed", map[string]interface{}{
			"error":     err.Error(),
			"retryable": retryable,
			"elapsed":   time.Since(start).Round(time.Millisecond).String(),
		})
		return
	}

	if _, cerr := r.enc.Complete(ctx, lease, result); cerr != nil {
		log.WithError(cerr).Error("Failed to report completion")
		return
	}
	log.Info("Job completed", map[string]interface{}{
		"output_cid": result.OutputCID,
		"elapsed":    time.Since(start).Round(time.Millisecond).String(),
	})
}

func (r *Runner) renewEvery(lease *client.HeldLease) time.Duration {
	if r.renew > 0 {
		return r.renew
	}
	every := time.Until(lease.ExpiresAt) / 3
	if every < minRenewInterval {
		every = minRenewInterval
	}
	return every
}

// keepLease renews until ctx ends. Transient errors are retried on the next
// tick; a rejection means the scheduler has already taken the job back.
func (r *Runner) keepLease(ctx context.Context, lease *client.HeldLease, log *logging.Logger, markLost func(error)) {
	timer := time.NewTimer(r.renewEvery(lease))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := r.enc.Renew(ctx, lease); err != nil {
			if leaseLost(err) {
				markLost(fmt.Errorf("renew rejected: %w", err))
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Lease renewal failed, will retry")
		} else {
			log.Debug("Lease renewed", map[string]interface{}{"expires_at": lease.ExpiresAt.Format(time.RFC3339)})
		}
		timer.Reset(r.renewEvery(lease))
	}
}
