package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SyncAction is the kind of change a job propagates to the external calendar.
type SyncAction string

const (
	SyncActionCreate SyncAction = "create"
	SyncActionUpdate SyncAction = "update"
	SyncActionDelete SyncAction = "delete"
)

// ParseSyncAction maps a stored action value onto the closed set of actions.
func ParseSyncAction(raw string) (SyncAction, error) {
	switch SyncAction(strings.ToLower(strings.TrimSpace(raw))) {
	case SyncActionCreate:
		return SyncActionCreate, nil
	case SyncActionUpdate:
		return SyncActionUpdate, nil
	case SyncActionDelete:
		return SyncActionDelete, nil
	default:
		return "", fmt.Errorf("unsupported sync action %q", raw)
	}
}

func (a SyncAction) String() string {
	return string(a)
}

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ParseJobStatus validates a status filter coming from the admin API.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch s := JobStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

// Terminal reports whether no further claims are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobPayload is the schema-free context stored with a job as JSON.
type JobPayload map[string]any

// Value implements driver.Valuer.
func (p JobPayload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (p *JobPayload) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = JobPayload{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported job payload type %T", src)
	}
	if len(raw) == 0 {
		*p = JobPayload{}
		return nil
	}
	decoded := JobPayload{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	*p = decoded
	return nil
}

// Decode re-marshals the payload into a typed struct.
func (p JobPayload) Decode(dst any) error {
	raw, err := json.Marshal(map[string]any(p))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// SyncJob is one queued unit of calendar synchronization work.
type SyncJob struct {
	ID            int64      `json:"id"`
	ReservationID string     `json:"reservation_id"`
	Action        SyncAction `json:"action"`
	Status        JobStatus  `json:"status"`
	Payload       JobPayload `json:"payload"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"last_error"`
	AvailableAt   time.Time  `json:"available_at"`
	LockedBy      *string    `json:"locked_by"`
	LockedAt      *time.Time `json:"locked_at"`
	HeartbeatAt   *time.Time `json:"heartbeat_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// EnqueueOutcome reports whether a job was written for a booking change.
type EnqueueOutcome string

const (
	EnqueueQueued  EnqueueOutcome = "queued"
	EnqueueSkipped EnqueueOutcome = "skipped"
)
