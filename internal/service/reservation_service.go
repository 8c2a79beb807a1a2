package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agendasync/internal/domain"
	"agendasync/internal/events"
	"agendasync/internal/logging"
	"agendasync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidReservation   = errors.New("invalid reservation")
	ErrReservationCancelled = errors.New("reservation is cancelled")
)

// Result is a booking write plus what happened to its calendar sync.
type Result struct {
	Reservation *models.Reservation   `json:"reservation"`
	SyncStatus  models.EnqueueOutcome `json:"sync_status"`
	SyncJobID   *int64                `json:"sync_job_id"`
	Message     string                `json:"message"`
}

// ReservationService writes reservations and queues their calendar sync.
// The booking write never fails because of the sync.
type ReservationService struct {
	repo        domain.ReservationRepository
	enqueuer    domain.SyncEnqueuer
	eventBus    domain.EventPublisher
	calendarFor func(professionalID string) string
	logger      zerolog.Logger
	now         func() time.Time
}

func NewReservationService(
	repo domain.ReservationRepository,
	enqueuer domain.SyncEnqueuer,
	eventBus domain.EventPublisher,
	calendarFor func(professionalID string) string,
	logger *zerolog.Logger,
) *ReservationService {
	if calendarFor == nil {
		calendarFor = func(string) string { return "" }
	}
	return &ReservationService{
		repo:        repo,
		enqueuer:    enqueuer,
		eventBus:    eventBus,
		calendarFor: calendarFor,
		logger:      logging.Component(logger, "reservations"),
		now:         time.Now,
	}
}

func (s *ReservationService) Create(ctx context.Context, r *models.Reservation) (*Result, error) {
	if strings.TrimSpace(r.ServiceID) == "" || strings.TrimSpace(r.ProfessionalID) == "" {
		return nil, fmt.Errorf("%w: service_id and professional_id are required", ErrInvalidReservation)
	}
	if err := validateSlot(r.Start, r.End); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CalendarID == nil {
		if cal := s.calendarFor(r.ProfessionalID); cal != "" {
			r.CalendarID = &cal
		}
	}

	if err := s.repo.CreateReservation(ctx, r, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info().Str("reservation_id", r.ID).Str("professional_id", r.ProfessionalID).Msg("reservation created")

	var payload models.JobPayload
	if cal := deref(r.CalendarID); cal != "" {
		payload = models.JobPayload{"calendar_id": cal}
	}
	outcome, jobID := s.enqueuer.TryEnqueue(ctx, r.ID, models.SyncActionCreate, payload)

	res := s.result(ctx, r, outcome, jobID, fmt.Sprintf("Reserva %s creada.", r.ID))
	s.publish(events.EventReservationCreated, res)
	return res, nil
}

func (s *ReservationService) Reschedule(ctx context.Context, id string, start, end time.Time) (*Result, error) {
	if err := validateSlot(start, end); err != nil {
		return nil, err
	}
	prev, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status == models.ReservationStatusCancelled {
		return nil, ErrReservationCancelled
	}

	if err := s.repo.UpdateReservationSchedule(ctx, id, start, end, s.now()); err != nil {
		return nil, err
	}
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}

	calendarID := deref(r.CalendarID)
	if calendarID == "" {
		calendarID = s.calendarFor(r.ProfessionalID)
	}

	var (
		action  = models.SyncActionCreate
		payload models.JobPayload
	)
	switch eventID := deref(r.CalendarEventID); {
	case eventID != "" && calendarID != "":
		action = models.SyncActionUpdate
		payload = models.JobPayload{"calendar_id": calendarID, "event_id": eventID}
	case calendarID != "":
		payload = models.JobPayload{"calendar_id": calendarID}
	}
	outcome, jobID := s.enqueuer.TryEnqueue(ctx, r.ID, action, payload)

	res := s.result(ctx, r, outcome, jobID, fmt.Sprintf("Reserva %s reprogramada.", r.ID))
	s.publish(events.EventReservationRescheduled, res)
	return res, nil
}

func (s *ReservationService) Cancel(ctx context.Context, id string) (*Result, error) {
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == models.ReservationStatusCancelled {
		return nil, ErrReservationCancelled
	}

	if err := s.repo.CancelReservation(ctx, id, s.now()); err != nil {
		return nil, err
	}
	r.Status = models.ReservationStatusCancelled

	// Календарь остается привязанным к отмененной брони
	payload := models.JobPayload{"drop_calendar": false}
	if eventID := deref(r.CalendarEventID); eventID != "" {
		payload["event_id"] = eventID
	}
	if cal := deref(r.CalendarID); cal != "" {
		payload["calendar_id"] = cal
	}
	outcome, jobID := s.enqueuer.TryEnqueue(ctx, id, models.SyncActionDelete, payload)

	res := s.result(ctx, r, outcome, jobID, fmt.Sprintf("Reserva %s cancelada.", id))
	s.publish(events.EventReservationCancelled, res)
	return res, nil
}

func (s *ReservationService) SyncStatus(ctx context.Context, id string) (*models.ReservationSyncStatus, error) {
	return s.repo.GetReservationSyncStatus(ctx, id)
}

// result reloads the row so the caller sees the sync fields stamped by the enqueue.
func (s *ReservationService) result(ctx context.Context, r *models.Reservation, outcome models.EnqueueOutcome, jobID int64, base string) *Result {
	if fresh, err := s.repo.GetReservation(ctx, r.ID); err == nil {
		r = fresh
	} else {
		s.logger.Debug().Err(err).Str("reservation_id", r.ID).Msg("reservation not reloaded")
	}

	res := &Result{Reservation: r, SyncStatus: outcome, Message: base + " " + syncMessage(outcome, jobID)}
	if outcome == models.EnqueueQueued && jobID > 0 {
		res.SyncJobID = &jobID
	}
	return res
}

func (s *ReservationService) publish(eventType string, res *Result) {
	if s.eventBus == nil {
		return
	}
	r := res.Reservation
	payload := events.ReservationEventPayload{
		ReservationID:  r.ID,
		ServiceID:      r.ServiceID,
		ProfessionalID: r.ProfessionalID,
		Start:          r.Start,
		End:            r.End,
		Status:         r.Status,
		SyncOutcome:    string(res.SyncStatus),
	}
	if res.SyncJobID != nil {
		payload.SyncJobID = *res.SyncJobID
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Str("reservation_id", r.ID).Msg("publish event error")
	}
}

func syncMessage(outcome models.EnqueueOutcome, jobID int64) string {
	if outcome == models.EnqueueQueued {
		if jobID > 0 {
			return fmt.Sprintf("Sincronización con Google Calendar encolada (job %d).", jobID)
		}
		return "Sincronización con Google Calendar encolada."
	}
	return "No se pudo encolar la sincronización con Google Calendar; revísalo manualmente."
}

func validateSlot(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidReservation)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidReservation)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
