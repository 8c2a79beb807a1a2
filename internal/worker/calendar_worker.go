package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"agendasync/internal/database"
	"agendasync/internal/domain"
	"agendasync/internal/logging"
	"agendasync/internal/metrics"
	"agendasync/internal/models"
	"agendasync/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	recoveryLockTTL = 30 * time.Second

	// outcomeWriteAttempts bounds retries of a failed outcome write. A job
	// left in processing would hold back its reservation until restart.
	outcomeWriteAttempts = 3
	outcomeRetryDelay    = 250 * time.Millisecond
)

// Config tunes the worker. Zero values fall back to package defaults.
type Config struct {
	PollInterval time.Duration
	MaxIdle      time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	// StaleAfter must exceed the longest gateway call when several processes
	// share the database. Zero means twice the poll interval.
	StaleAfter  time.Duration
	Heartbeat   time.Duration
	StopTimeout time.Duration
}

// Dependencies wires the worker. Signal, Locker, Notifier and Status are optional.
type Dependencies struct {
	Jobs         domain.SyncJobRepository
	Reservations domain.ReservationRepository
	Gateway      domain.CalendarGateway
	Signal       domain.QueueSignal
	Locker       domain.RecoveryLocker
	Notifier     domain.FailureNotifier
	Status       *StatusProjection
}

// CalendarWorker claims calendar sync jobs and applies them through the gateway.
type CalendarWorker struct {
	jobs         domain.SyncJobRepository
	reservations domain.ReservationRepository
	gateway      domain.CalendarGateway
	signal       domain.QueueSignal
	locker       domain.RecoveryLocker
	notifier     domain.FailureNotifier
	status       *StatusProjection

	retry        RetryPolicy
	pollInterval time.Duration
	maxIdle      time.Duration
	staleAfter   time.Duration
	heartbeat    time.Duration
	stopTimeout  time.Duration

	id                string
	logger            zerolog.Logger
	now               func() time.Time
	outcomeRetryDelay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// NewCalendarWorker builds a worker with sane defaults.
func NewCalendarWorker(deps Dependencies, cfg Config, logger *zerolog.Logger) *CalendarWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = models.DefaultPollIntervalSeconds * time.Second
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = models.MaxIdleBackoffSeconds * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = models.DefaultRetryDelaySeconds * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.PollInterval
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = cfg.PollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = models.DefaultStopTimeoutSeconds * time.Second
	}

	status := deps.Status
	if status == nil && deps.Jobs != nil {
		status = NewStatusProjection(deps.Jobs)
	}

	id := workerID()
	base := logging.Component(logger, "calendar-worker")
	return &CalendarWorker{
		jobs:         deps.Jobs,
		reservations: deps.Reservations,
		gateway:      deps.Gateway,
		signal:       deps.Signal,
		locker:       deps.Locker,
		notifier:     deps.Notifier,
		status:       status,
		retry:        RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.RetryDelay},
		pollInterval: cfg.PollInterval,
		maxIdle:      cfg.MaxIdle,
		staleAfter:   cfg.StaleAfter,
		heartbeat:    cfg.Heartbeat,
		stopTimeout:  cfg.StopTimeout,
		id:           id,
		logger:       base.With().Str("worker_id", id).Logger(),
		now:          time.Now,

		outcomeRetryDelay: outcomeRetryDelay,
	}
}

// workerID is <pid>:<host>:calendar-sync-<suffix>.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%d:%s:calendar-sync-%s", os.Getpid(), host, uuid.NewString()[:8])
}

func (w *CalendarWorker) ID() string {
	return w.id
}

func (w *CalendarWorker) Running() bool {
	return w.running.Load()
}

// Start launches the poll loop in its own goroutine. Calling Start on a
// running worker is a no-op.
func (w *CalendarWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)

	go w.run(loopCtx, w.done)
}

// Stop asks the loop to exit and waits up to timeout for the in-flight job.
// It reports whether the loop finished in time.
func (w *CalendarWorker) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()

	if cancel == nil {
		return true
	}
	if timeout <= 0 {
		timeout = w.stopTimeout
	}

	cancel()
	select {
	case <-done:
		w.logger.Info().Msg("calendar worker stopped")
		return true
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("calendar worker did not stop in time")
		return false
	}
}

func (w *CalendarWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer w.running.Store(false)

	w.logger.Info().
		Dur("poll_interval", w.pollInterval).
		Int("max_attempts", w.retry.MaxAttempts).
		Dur("stale_after", w.staleAfter).
		Msg("calendar worker started")

	if _, err := w.RecoverStale(ctx); err != nil {
		w.logger.Error().Err(err).Msg("stale job recovery failed")
	}

	// Jobs run to completion even after Stop; only waiting is interrupted
	jobCtx := context.WithoutCancel(ctx)
	backoff := &IdleBackoff{Base: w.pollInterval, Max: w.maxIdle}

	for ctx.Err() == nil {
		processed, err := w.ProcessOnce(jobCtx)
		if err != nil {
			w.logger.Error().Err(err).Msg("calendar queue iteration failed")
		}
		if processed {
			backoff.Reset()
			continue
		}
		w.idle(ctx, backoff.Next())
	}
}

func (w *CalendarWorker) idle(ctx context.Context, d time.Duration) {
	if w.signal != nil {
		_, err := w.signal.Wait(ctx, d)
		if err == nil || ctx.Err() != nil {
			return
		}
		w.logger.Warn().Err(err).Msg("queue wakeup unavailable, sleeping")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RecoverStale resets jobs left in processing by a crashed worker. It returns
// the number of recovered jobs.
func (w *CalendarWorker) RecoverStale(ctx context.Context) (int, error) {
	recovered, scanned := 0, false
	scan := func(ctx context.Context) error {
		scanned = true
		now := w.now()
		jobs, err := w.jobs.RecoverStaleSyncJobs(ctx, now.Add(-w.staleAfter), now)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			w.logger.Warn().
				Int64("job_id", job.ID).
				Str("reservation_id", job.ReservationID).
				Str("locked_by", deref(job.LockedBy)).
				Msg("stale calendar job returned to pending")
		}
		recovered = len(jobs)
		return nil
	}

	var err error
	if w.locker != nil {
		err = w.locker.WithRecoveryLock(ctx, recoveryLockTTL, scan)
		switch {
		case errors.Is(err, repository.ErrRecoveryLocked):
			w.logger.Info().Msg("stale job recovery running elsewhere, skipped")
			return 0, nil
		case err != nil && !scanned:
			// Lock backend unavailable; the claim condition still protects jobs
			w.logger.Warn().Err(err).Msg("recovery lock unavailable, scanning without it")
			err = scan(ctx)
		}
	} else {
		err = scan(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	metrics.AddRecovered(recovered)
	if recovered > 0 {
		w.refreshStatus(ctx)
	}
	return recovered, nil
}

// ProcessOnce claims and runs at most one job. It reports whether a job was
// found.
func (w *CalendarWorker) ProcessOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextSyncJob(ctx, w.id, w.now())
	switch {
	case errors.Is(err, database.ErrNoJobAvailable):
		return false, nil
	case errors.Is(err, database.ErrJobNotClaimed):
		// Another worker won the race; poll again right away
		return true, nil
	case err != nil:
		return false, fmt.Errorf("claim calendar job: %w", err)
	}
	w.refreshStatus(ctx)

	log := w.logger.With().
		Int64("job_id", job.ID).
		Str("reservation_id", job.ReservationID).
		Str("action", string(job.Action)).
		Int("attempts", job.Attempts).
		Logger()
	log.Info().Msg("calendar job claimed")

	stopHeartbeat := w.startHeartbeat(ctx, job.ID)
	execErr := w.execute(ctx, job)
	stopHeartbeat()

	w.finish(ctx, job, execErr, log)
	w.refreshStatus(ctx)
	return true, nil
}

func (w *CalendarWorker) finish(ctx context.Context, job *models.SyncJob, execErr error, log zerolog.Logger) {
	now := w.now()
	action := string(job.Action)

	if execErr == nil {
		err := w.storeOutcome(ctx, log, func() error { return w.jobs.CompleteSyncJob(ctx, job, w.id, now) })
		if err != nil {
			w.logOutcomeError(log, err, "completed")
			return
		}
		metrics.ObserveJob(action, "completed")
		log.Info().Msg("calendar job completed")
		return
	}

	msg := execErr.Error()
	if isPermanent(execErr) || w.retry.Exhausted(job.Attempts) {
		err := w.storeOutcome(ctx, log, func() error { return w.jobs.FailSyncJob(ctx, job, w.id, msg, now) })
		if err != nil {
			w.logOutcomeError(log, err, "failed")
			return
		}
		metrics.ObserveJob(action, "failed")
		log.Error().Err(execErr).Msg("calendar job failed permanently")
		w.notifyFailure(ctx, job, msg, log)
		return
	}

	next := now.Add(w.retry.NextDelay(job.Attempts))
	err := w.storeOutcome(ctx, log, func() error { return w.jobs.RetrySyncJob(ctx, job, w.id, msg, next, now) })
	if err != nil {
		w.logOutcomeError(log, err, "retry")
		return
	}
	metrics.ObserveJob(action, "retry")
	log.Warn().Err(execErr).Time("available_at", next).Msg("calendar job scheduled for retry")
}

// storeOutcome retries transient store errors. A lost claim is final.
func (w *CalendarWorker) storeOutcome(ctx context.Context, log zerolog.Logger, write func() error) error {
	var err error
	for attempt := 1; attempt <= outcomeWriteAttempts; attempt++ {
		err = write()
		if err == nil || errors.Is(err, database.ErrJobNotClaimed) {
			return err
		}
		if attempt == outcomeWriteAttempts {
			break
		}
		log.Warn().Err(err).Int("write_attempt", attempt).Msg("calendar job outcome not stored, retrying")

		timer := time.NewTimer(w.outcomeRetryDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func (w *CalendarWorker) logOutcomeError(log zerolog.Logger, err error, outcome string) {
	if errors.Is(err, database.ErrJobNotClaimed) {
		log.Warn().Str("outcome", outcome).Msg("calendar job lost its claim before the outcome was stored")
		return
	}
	log.Error().Err(err).Str("outcome", outcome).Msg("failed to store calendar job outcome")
}

func (w *CalendarWorker) notifyFailure(ctx context.Context, job *models.SyncJob, msg string, log zerolog.Logger) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.NotifyJobFailed(ctx, job, msg); err != nil {
		log.Warn().Err(err).Msg("failure notification not sent")
	}
}

// startHeartbeat refreshes heartbeat_at until the returned stop func is called.
func (w *CalendarWorker) startHeartbeat(ctx context.Context, jobID int64) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := w.jobs.HeartbeatSyncJob(hbCtx, jobID, w.id, w.now())
				if errors.Is(err, database.ErrJobNotClaimed) {
					w.logger.Warn().Int64("job_id", jobID).Msg("heartbeat rejected, job no longer held")
					return
				}
				if err != nil && hbCtx.Err() == nil {
					w.logger.Warn().Err(err).Int64("job_id", jobID).Msg("heartbeat failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *CalendarWorker) refreshStatus(ctx context.Context) {
	if w.status == nil {
		return
	}
	if _, err := w.status.Refresh(ctx); err != nil {
		w.logger.Debug().Err(err).Msg("queue gauges not refreshed")
	}
}
