package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agendasync/internal/domain"
	"agendasync/internal/logging"
	"agendasync/internal/metrics"
	"agendasync/internal/models"

	"github.com/rs/zerolog"
)

type jobInserter interface {
	InsertSyncJob(ctx context.Context, job *models.SyncJob, now time.Time) error
}

type syncStamper interface {
	SetReservationSyncState(ctx context.Context, id string, status models.SyncStatus, jobID *int64, lastError *string, now time.Time) error
}

// Enqueuer is the only producer of calendar sync jobs.
type Enqueuer struct {
	jobs         jobInserter
	reservations syncStamper
	signal       domain.QueueSignal
	logger       zerolog.Logger
	now          func() time.Time
}

func NewEnqueuer(jobs jobInserter, reservations syncStamper, signal domain.QueueSignal, logger *zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		jobs:         jobs,
		reservations: reservations,
		signal:       signal,
		logger:       logging.Component(logger, "calendar-enqueue"),
		now:          time.Now,
	}
}

// Enqueue stores a pending job. A zero availableAt means now.
func (e *Enqueuer) Enqueue(
	ctx context.Context,
	reservationID string,
	action models.SyncAction,
	payload models.JobPayload,
	availableAt time.Time,
) (*models.SyncJob, error) {
	if strings.TrimSpace(reservationID) == "" {
		return nil, errors.New("reservation id is required")
	}
	parsed, err := models.ParseSyncAction(string(action))
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = models.JobPayload{}
	}

	now := e.now().UTC()
	job := &models.SyncJob{
		ReservationID: reservationID,
		Action:        parsed,
		Payload:       payload,
		AvailableAt:   availableAt,
	}
	if err := e.jobs.InsertSyncJob(ctx, job, now); err != nil {
		return nil, fmt.Errorf("persist calendar job: %w", err)
	}

	e.logger.Info().
		Int64("job_id", job.ID).
		Str("reservation_id", reservationID).
		Str("action", parsed.String()).
		Time("available_at", job.AvailableAt).
		Msg("calendar job enqueued")

	if e.signal != nil && !job.AvailableAt.After(now) {
		if err := e.signal.Notify(ctx, job.ID); err != nil {
			e.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("calendar wakeup failed")
		}
	}
	return job, nil
}

// TryEnqueue never fails the caller: any error, including a panic in the
// store, is logged and reported as skipped. The booking is already committed
// when it runs, so a cancelled request context does not stop the enqueue.
func (e *Enqueuer) TryEnqueue(
	ctx context.Context,
	reservationID string,
	action models.SyncAction,
	payload models.JobPayload,
) (outcome models.EnqueueOutcome, jobID int64) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("reservation_id", reservationID).Msg("calendar enqueue panicked")
			outcome, jobID = e.skip(ctx, reservationID, fmt.Errorf("enqueue panic: %v", r))
		}
	}()

	job, err := e.Enqueue(ctx, reservationID, action, payload, time.Time{})
	if err != nil {
		e.logger.Warn().Err(err).
			Str("reservation_id", reservationID).
			Str("action", string(action)).
			Msg("calendar job skipped")
		return e.skip(ctx, reservationID, err)
	}

	metrics.ObserveEnqueue(string(models.EnqueueQueued))
	return models.EnqueueQueued, job.ID
}

func (e *Enqueuer) skip(ctx context.Context, reservationID string, cause error) (models.EnqueueOutcome, int64) {
	metrics.ObserveEnqueue(string(models.EnqueueSkipped))

	if e.reservations != nil && reservationID != "" {
		msg := cause.Error()
		func() {
			defer func() { _ = recover() }()
			if err := e.reservations.SetReservationSyncState(ctx, reservationID, models.SyncStatusSkipped, nil, &msg, e.now()); err != nil {
				e.logger.Debug().Err(err).Str("reservation_id", reservationID).Msg("skipped stamp not written")
			}
		}()
	}
	return models.EnqueueSkipped, 0
}
