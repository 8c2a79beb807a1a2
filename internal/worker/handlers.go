package worker

import (
	"context"
	"errors"
	"fmt"

	"agendasync/internal/database"
	"agendasync/internal/models"
)

type createPayload struct {
	CalendarID string `json:"calendar_id"`
}

type updatePayload struct {
	CalendarID string `json:"calendar_id"`
	EventID    string `json:"event_id"`
}

type deletePayload struct {
	CalendarID   string `json:"calendar_id"`
	EventID      string `json:"event_id"`
	DropCalendar *bool  `json:"drop_calendar"`
}

// dropCalendar defaults to true when the key is absent.
func (p deletePayload) dropCalendar() bool {
	return p.DropCalendar == nil || *p.DropCalendar
}

// permanentError fails a job without waiting for the attempt ceiling.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// execute dispatches the job to its action handler.
func (w *CalendarWorker) execute(ctx context.Context, job *models.SyncJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calendar handler panic: %v", r)
		}
	}()

	action, err := models.ParseSyncAction(string(job.Action))
	if err != nil {
		return permanentError{err}
	}

	switch action {
	case models.SyncActionCreate:
		var p createPayload
		if err := job.Payload.Decode(&p); err != nil {
			return permanentError{fmt.Errorf("decode create payload: %w", err)}
		}
		return w.handleCreate(ctx, job.ReservationID, p)
	case models.SyncActionUpdate:
		var p updatePayload
		if err := job.Payload.Decode(&p); err != nil {
			return permanentError{fmt.Errorf("decode update payload: %w", err)}
		}
		return w.handleUpdate(ctx, job.ReservationID, p)
	case models.SyncActionDelete:
		var p deletePayload
		if err := job.Payload.Decode(&p); err != nil {
			return permanentError{fmt.Errorf("decode delete payload: %w", err)}
		}
		return w.handleDelete(ctx, job.ReservationID, p)
	}
	return permanentError{fmt.Errorf("unsupported sync action %q", action)}
}

// loadReservation returns nil without error when the reservation is gone.
func (w *CalendarWorker) loadReservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := w.reservations.GetReservation(ctx, id)
	if errors.Is(err, database.ErrReservationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation %s: %w", id, err)
	}
	return r, nil
}

func (w *CalendarWorker) handleCreate(ctx context.Context, reservationID string, p createPayload) error {
	r, err := w.loadReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r == nil {
		w.logger.Info().Str("reservation_id", reservationID).Msg("reservation gone, nothing to create")
		return nil
	}
	if r.Status == models.ReservationStatusCancelled {
		w.logger.Info().Str("reservation_id", reservationID).Msg("reservation cancelled, nothing to create")
		return nil
	}

	calendarID := firstNonEmpty(p.CalendarID, deref(r.CalendarID))
	if calendarID == "" {
		w.logger.Info().Str("reservation_id", reservationID).Msg("reservation has no calendar, nothing to sync")
		return nil
	}

	// A retried create whose event already exists only moves it
	if eventID := deref(r.CalendarEventID); eventID != "" && deref(r.CalendarID) == calendarID {
		return w.gateway.UpdateEvent(ctx, eventID, r.Start, r.End, calendarID)
	}
	return w.createEvent(ctx, r, calendarID)
}

func (w *CalendarWorker) handleUpdate(ctx context.Context, reservationID string, p updatePayload) error {
	r, err := w.loadReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r == nil {
		w.logger.Info().Str("reservation_id", reservationID).Msg("reservation gone, nothing to update")
		return nil
	}
	if r.Status == models.ReservationStatusCancelled {
		w.logger.Info().Str("reservation_id", reservationID).Msg("reservation cancelled, nothing to update")
		return nil
	}

	calendarID := firstNonEmpty(p.CalendarID, deref(r.CalendarID))
	if calendarID == "" {
		w.logger.Info().Str("reservation_id", reservationID).Msg("reservation has no calendar, nothing to sync")
		return nil
	}

	eventID := firstNonEmpty(deref(r.CalendarEventID), p.EventID)
	if eventID == "" {
		return w.createEvent(ctx, r, calendarID)
	}

	if err := w.gateway.UpdateEvent(ctx, eventID, r.Start, r.End, calendarID); err != nil {
		return err
	}
	err = w.reservations.SetReservationCalendarEvent(ctx, r.ID, eventID, calendarID, w.now())
	if err != nil && !errors.Is(err, database.ErrReservationNotFound) {
		return err
	}
	return nil
}

// handleDelete always succeeds unless the calendar call itself fails.
func (w *CalendarWorker) handleDelete(ctx context.Context, reservationID string, p deletePayload) error {
	calendarID, eventID := p.CalendarID, p.EventID
	if calendarID == "" || eventID == "" {
		r, err := w.loadReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r == nil {
			w.logger.Info().Str("reservation_id", reservationID).Msg("reservation gone, nothing to delete")
			return nil
		}
		calendarID = firstNonEmpty(calendarID, deref(r.CalendarID))
		eventID = firstNonEmpty(eventID, deref(r.CalendarEventID))
	}

	if calendarID != "" && eventID != "" {
		if err := w.gateway.DeleteEvent(ctx, eventID, calendarID); err != nil {
			return err
		}
		w.logger.Info().Str("reservation_id", reservationID).Str("event_id", eventID).Msg("calendar event deleted")
	}

	return w.reservations.ClearReservationCalendarEvent(ctx, reservationID, p.dropCalendar(), w.now())
}

func (w *CalendarWorker) createEvent(ctx context.Context, r *models.Reservation, calendarID string) error {
	eventID, err := w.gateway.CreateEvent(ctx, r, calendarID)
	if err != nil {
		return err
	}

	err = w.reservations.SetReservationCalendarEvent(ctx, r.ID, eventID, calendarID, w.now())
	if errors.Is(err, database.ErrReservationNotFound) {
		// Reservation removed mid-flight; do not leave an orphan event behind
		if delErr := w.gateway.DeleteEvent(ctx, eventID, calendarID); delErr != nil {
			w.logger.Warn().Err(delErr).Str("event_id", eventID).Msg("orphan calendar event not removed")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("store calendar event %s: %w", eventID, err)
	}

	w.logger.Info().Str("reservation_id", r.ID).Str("event_id", eventID).Msg("calendar event created")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
