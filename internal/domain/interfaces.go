package domain

import (
	"context"
	"time"

	"agendasync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type ReservationRepository interface {
	CreateReservation(ctx context.Context, r *models.Reservation, now time.Time) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	UpdateReservationSchedule(ctx context.Context, id string, start, end, now time.Time) error
	CancelReservation(ctx context.Context, id string, now time.Time) error
	SetReservationCalendarEvent(ctx context.Context, id, eventID, calendarID string, now time.Time) error
	ClearReservationCalendarEvent(ctx context.Context, id string, dropCalendar bool, now time.Time) error
	SetReservationSyncState(ctx context.Context, id string, status models.SyncStatus, jobID *int64, lastError *string, now time.Time) error
	GetReservationSyncStatus(ctx context.Context, id string) (*models.ReservationSyncStatus, error)
}

// SyncJobRepository is the storage contract of the calendar sync queue.
type SyncJobRepository interface {
	InsertSyncJob(ctx context.Context, job *models.SyncJob, now time.Time) error
	GetSyncJob(ctx context.Context, id int64) (*models.SyncJob, error)
	ClaimNextSyncJob(ctx context.Context, workerID string, now time.Time) (*models.SyncJob, error)
	HeartbeatSyncJob(ctx context.Context, id int64, workerID string, now time.Time) error
	CompleteSyncJob(ctx context.Context, job *models.SyncJob, workerID string, now time.Time) error
	RetrySyncJob(ctx context.Context, job *models.SyncJob, workerID, errMsg string, nextAt, now time.Time) error
	FailSyncJob(ctx context.Context, job *models.SyncJob, workerID, errMsg string, now time.Time) error
	RecoverStaleSyncJobs(ctx context.Context, staleBefore, now time.Time) ([]*models.SyncJob, error)
	CountSyncJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// CalendarGateway performs the remote calendar calls. Any returned error is
// treated as a failed attempt.
type CalendarGateway interface {
	CreateEvent(ctx context.Context, r *models.Reservation, calendarID string) (string, error)
	UpdateEvent(ctx context.Context, eventID string, start, end time.Time, calendarID string) error
	DeleteEvent(ctx context.Context, eventID, calendarID string) error
}

type SyncEnqueuer interface {
	TryEnqueue(ctx context.Context, reservationID string, action models.SyncAction, payload models.JobPayload) (models.EnqueueOutcome, int64)
}

// QueueSignal wakes an idle worker when new work is enqueued.
type QueueSignal interface {
	Notify(ctx context.Context, jobID int64) error
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// RecoveryLocker serializes startup recovery across processes.
type RecoveryLocker interface {
	WithRecoveryLock(ctx context.Context, ttl time.Duration, fn func(ctx context.Context) error) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload any) error
}

type FailureNotifier interface {
	NotifyJobFailed(ctx context.Context, job *models.SyncJob, errMsg string) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
