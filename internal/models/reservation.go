package models

import "time"

// SyncStatus is the denormalized calendar sync state kept on a reservation.
type SyncStatus string

const (
	SyncStatusQueued  SyncStatus = "queued"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
	SyncStatusSkipped SyncStatus = "skipped"
)

type Reservation struct {
	ID              string      `json:"id"`
	ServiceID       string      `json:"service_id"`
	ProfessionalID  string      `json:"professional_id"`
	Start           time.Time   `json:"start"`
	End             time.Time   `json:"end"`
	Status          string      `json:"status"` // confirmed, cancelled
	CustomerName    string      `json:"customer_name"`
	CustomerEmail   string      `json:"customer_email"`
	CustomerPhone   string      `json:"customer_phone"`
	Notes           string      `json:"notes"`
	CalendarEventID *string     `json:"calendar_event_id"`
	CalendarID      *string     `json:"calendar_id"`
	SyncStatus      *SyncStatus `json:"sync_status"`
	SyncJobID       *int64      `json:"sync_job_id"`
	SyncLastError   *string     `json:"sync_last_error"`
	SyncUpdatedAt   *time.Time  `json:"sync_updated_at"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ReservationSyncStatus is the read-only projection of a reservation's sync fields.
type ReservationSyncStatus struct {
	ReservationID string      `json:"reservation_id"`
	SyncStatus    *SyncStatus `json:"sync_status"`
	SyncJobID     *int64      `json:"sync_job_id"`
	SyncLastError *string     `json:"sync_last_error"`
	SyncUpdatedAt *time.Time  `json:"sync_updated_at"`
}
