package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agendasync/internal/models"
)

const reservationColumns = `id, service_id, professional_id, start_at, end_at, status,
            customer_name, customer_email, customer_phone, notes,
            calendar_event_id, calendar_id,
            sync_status, sync_job_id, sync_last_error, sync_updated_at,
            created_at, updated_at`

func (db *DB) CreateReservation(ctx context.Context, r *models.Reservation, now time.Time) error {
	if r.ID == "" {
		return errors.New("reservation id is required")
	}
	if r.Status == "" {
		r.Status = models.ReservationStatusConfirmed
	}
	now = utc(now)

	query := `INSERT INTO reservations (
                id, service_id, professional_id, start_at, end_at, status,
                customer_name, customer_email, customer_phone, notes,
                calendar_id, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		r.ID, r.ServiceID, r.ProfessionalID, utc(r.Start), utc(r.End), r.Status,
		r.CustomerName, r.CustomerEmail, r.CustomerPhone, r.Notes,
		nullableString(r.CalendarID), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (db *DB) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = ?`

	var r models.Reservation
	err := db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.ServiceID, &r.ProfessionalID, &r.Start, &r.End, &r.Status,
		&r.CustomerName, &r.CustomerEmail, &r.CustomerPhone, &r.Notes,
		&r.CalendarEventID, &r.CalendarID,
		&r.SyncStatus, &r.SyncJobID, &r.SyncLastError, &r.SyncUpdatedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &r, nil
}

func (db *DB) UpdateReservationSchedule(ctx context.Context, id string, start, end, now time.Time) error {
	query := `UPDATE reservations SET start_at = ?, end_at = ?, updated_at = ? WHERE id = ?`
	res, err := db.ExecContext(ctx, query, utc(start), utc(end), utc(now), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule reservation: %w", err)
	}
	return requireRow(res, ErrReservationNotFound)
}

func (db *DB) CancelReservation(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?`
	res, err := db.ExecContext(ctx, query, models.ReservationStatusCancelled, utc(now), id)
	if err != nil {
		return fmt.Errorf("failed to cancel reservation: %w", err)
	}
	return requireRow(res, ErrReservationNotFound)
}

// SetReservationCalendarEvent stores the external event created for a reservation.
func (db *DB) SetReservationCalendarEvent(ctx context.Context, id, eventID, calendarID string, now time.Time) error {
	query := `UPDATE reservations SET calendar_event_id = ?, calendar_id = ?, updated_at = ? WHERE id = ?`
	res, err := db.ExecContext(ctx, query, eventID, calendarID, utc(now), id)
	if err != nil {
		return fmt.Errorf("failed to set calendar event: %w", err)
	}
	return requireRow(res, ErrReservationNotFound)
}

// ClearReservationCalendarEvent severs the external event link. A missing
// reservation is not an error.
func (db *DB) ClearReservationCalendarEvent(ctx context.Context, id string, dropCalendar bool, now time.Time) error {
	query := `UPDATE reservations SET calendar_event_id = NULL, updated_at = ? WHERE id = ?`
	if dropCalendar {
		query = `UPDATE reservations SET calendar_event_id = NULL, calendar_id = NULL, updated_at = ? WHERE id = ?`
	}
	if _, err := db.ExecContext(ctx, query, utc(now), id); err != nil {
		return fmt.Errorf("failed to clear calendar event: %w", err)
	}
	return nil
}

// SetReservationSyncState writes the denormalized sync fields. The
// reservation is a weak reference, so a missing row is ignored.
func (db *DB) SetReservationSyncState(ctx context.Context, id string, status models.SyncStatus, jobID *int64, lastError *string, now time.Time) error {
	return setReservationSyncState(ctx, db.DB, id, status, jobID, lastError, now)
}

func setReservationSyncState(ctx context.Context, ex execer, id string, status models.SyncStatus, jobID *int64, lastError *string, now time.Time) error {
	var job any
	if jobID != nil {
		job = *jobID
	}
	query := `UPDATE reservations
              SET sync_status = ?, sync_job_id = COALESCE(?, sync_job_id), sync_last_error = ?, sync_updated_at = ?
              WHERE id = ?`
	if _, err := ex.ExecContext(ctx, query, string(status), job, nullableString(lastError), utc(now), id); err != nil {
		return fmt.Errorf("failed to set reservation sync state: %w", err)
	}
	return nil
}

func (db *DB) GetReservationSyncStatus(ctx context.Context, id string) (*models.ReservationSyncStatus, error) {
	query := `SELECT id, sync_status, sync_job_id, sync_last_error, sync_updated_at FROM reservations WHERE id = ?`

	var s models.ReservationSyncStatus
	err := db.QueryRowContext(ctx, query, id).Scan(
		&s.ReservationID, &s.SyncStatus, &s.SyncJobID, &s.SyncLastError, &s.SyncUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation sync status: %w", err)
	}
	return &s, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
