package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agendasync/internal/models"

	sq "github.com/Masterminds/squirrel"
)

const syncJobColumns = `id, reservation_id, action, status, payload, attempts, last_error,
            available_at, locked_by, locked_at, heartbeat_at,
            created_at, updated_at, completed_at`

// SyncJobFilter narrows the admin job listing. Zero values mean "any".
type SyncJobFilter struct {
	Status        models.JobStatus
	ReservationID string
	Limit         int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncJob(row rowScanner) (*models.SyncJob, error) {
	var (
		job    models.SyncJob
		action string
		status string
	)
	err := row.Scan(
		&job.ID, &job.ReservationID, &action, &status, &job.Payload, &job.Attempts, &job.LastError,
		&job.AvailableAt, &job.LockedBy, &job.LockedAt, &job.HeartbeatAt,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Action = models.SyncAction(action)
	job.Status = models.JobStatus(status)
	return &job, nil
}

// InsertSyncJob stores a new pending job and stamps its reservation as queued
// in the same transaction.
func (db *DB) InsertSyncJob(ctx context.Context, job *models.SyncJob, now time.Time) error {
	now = utc(now)
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	payload, err := job.Payload.Value()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO calendar_sync_jobs (
                reservation_id, action, status, payload, attempts, available_at, created_at, updated_at
            ) VALUES (?, ?, 'pending', ?, 0, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query,
		job.ReservationID, string(job.Action), payload, utc(job.AvailableAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := setReservationSyncState(ctx, tx, job.ReservationID, models.SyncStatusQueued, &id, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync job: %w", err)
	}

	job.ID = id
	job.Status = models.JobStatusPending
	job.Attempts = 0
	job.AvailableAt = utc(job.AvailableAt)
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Payload == nil {
		job.Payload = models.JobPayload{}
	}
	return nil
}

func (db *DB) GetSyncJob(ctx context.Context, id int64) (*models.SyncJob, error) {
	return getSyncJob(ctx, db.DB, id)
}

func getSyncJob(ctx context.Context, ex execer, id int64) (*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM calendar_sync_jobs WHERE id = ?`
	job, err := scanSyncJob(ex.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

// ClaimNextSyncJob moves the oldest eligible pending job to processing on
// behalf of workerID. A job is held back while an older job of the same
// reservation is still pending or processing.
func (db *DB) ClaimNextSyncJob(ctx context.Context, workerID string, now time.Time) (*models.SyncJob, error) {
	now = utc(now)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	selectQuery := `SELECT j.id FROM calendar_sync_jobs j
        WHERE j.status = 'pending' AND j.available_at <= ?
          AND NOT EXISTS (
            SELECT 1 FROM calendar_sync_jobs o
            WHERE o.reservation_id = j.reservation_id
              AND o.id < j.id
              AND o.status IN ('pending', 'processing')
          )
        ORDER BY j.available_at, j.id
        LIMIT 1`
	var id int64
	err = tx.QueryRowContext(ctx, selectQuery, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select sync job: %w", err)
	}

	// Условие status = 'pending' не дает двум воркерам захватить одну задачу
	updateQuery := `UPDATE calendar_sync_jobs
        SET status = 'processing', attempts = attempts + 1,
            locked_by = ?, locked_at = ?, heartbeat_at = ?, updated_at = ?
        WHERE id = ? AND status = 'pending'`
	res, err := tx.ExecContext(ctx, updateQuery, workerID, now, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}
	if err := requireRow(res, ErrJobNotClaimed); err != nil {
		return nil, err
	}

	job, err := getSyncJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// HeartbeatSyncJob proves the worker is still alive while holding the job.
func (db *DB) HeartbeatSyncJob(ctx context.Context, id int64, workerID string, now time.Time) error {
	now = utc(now)
	query := `UPDATE calendar_sync_jobs SET heartbeat_at = ?, updated_at = ?
              WHERE id = ? AND status = 'processing' AND locked_by = ?`
	res, err := db.ExecContext(ctx, query, now, now, id, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat sync job: %w", err)
	}
	return requireRow(res, ErrJobNotClaimed)
}

// CompleteSyncJob records a successful attempt and marks the reservation synced.
func (db *DB) CompleteSyncJob(ctx context.Context, job *models.SyncJob, workerID string, now time.Time) error {
	now = utc(now)
	set := `status = 'completed', completed_at = ?, last_error = NULL`
	return db.releaseSyncJob(ctx, job, workerID, set, []any{now}, models.SyncStatusSynced, nil, now)
}

// RetrySyncJob returns the job to pending, eligible again at nextAt.
func (db *DB) RetrySyncJob(ctx context.Context, job *models.SyncJob, workerID, errMsg string, nextAt, now time.Time) error {
	now = utc(now)
	set := `status = 'pending', available_at = ?, last_error = ?`
	return db.releaseSyncJob(ctx, job, workerID, set, []any{utc(nextAt), errMsg}, models.SyncStatusQueued, &errMsg, now)
}

// FailSyncJob marks the job as permanently failed.
func (db *DB) FailSyncJob(ctx context.Context, job *models.SyncJob, workerID, errMsg string, now time.Time) error {
	now = utc(now)
	set := `status = 'failed', last_error = ?`
	return db.releaseSyncJob(ctx, job, workerID, set, []any{errMsg}, models.SyncStatusFailed, &errMsg, now)
}

// releaseSyncJob applies an outcome to a job held by workerID, clears the lock
// and projects the outcome onto the reservation in one transaction.
func (db *DB) releaseSyncJob(
	ctx context.Context,
	job *models.SyncJob,
	workerID, set string,
	setArgs []any,
	syncStatus models.SyncStatus,
	lastError *string,
	now time.Time,
) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `UPDATE calendar_sync_jobs SET ` + set + `,
            locked_by = NULL, locked_at = NULL, heartbeat_at = NULL, updated_at = ?
        WHERE id = ? AND status = 'processing' AND locked_by = ?`
	args := append(append([]any{}, setArgs...), now, job.ID, workerID)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync job %d: %w", job.ID, err)
	}
	if err := requireRow(res, ErrJobNotClaimed); err != nil {
		return err
	}

	if err := setReservationSyncState(ctx, tx, job.ReservationID, syncStatus, &job.ID, lastError, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync job outcome: %w", err)
	}
	return nil
}

// RecoverStaleSyncJobs resets processing jobs whose last liveness signal is
// older than staleBefore. It returns the recovered jobs as they were found.
func (db *DB) RecoverStaleSyncJobs(ctx context.Context, staleBefore, now time.Time) ([]*models.SyncJob, error) {
	now = utc(now)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `SELECT ` + syncJobColumns + ` FROM calendar_sync_jobs
        WHERE status = 'processing'
          AND COALESCE(heartbeat_at, locked_at, updated_at, created_at) < ?
        ORDER BY id`
	rows, err := tx.QueryContext(ctx, query, utc(staleBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sync jobs: %w", err)
	}
	var stale []*models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan stale sync job: %w", err)
		}
		stale = append(stale, job)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	reset := `UPDATE calendar_sync_jobs
        SET status = 'pending', locked_by = NULL, locked_at = NULL, heartbeat_at = NULL,
            available_at = ?, updated_at = ?
        WHERE id = ? AND status = 'processing'`
	for _, job := range stale {
		if _, err := tx.ExecContext(ctx, reset, now, now, job.ID); err != nil {
			return nil, fmt.Errorf("failed to reset stale sync job %d: %w", job.ID, err)
		}
		if err := setReservationSyncState(ctx, tx, job.ReservationID, models.SyncStatusQueued, &job.ID, job.LastError, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stale recovery: %w", err)
	}
	return stale, nil
}

// RequeueSyncJob is the operator retry: whatever the current state, the job
// becomes pending again at availableAt. Attempts are kept.
func (db *DB) RequeueSyncJob(ctx context.Context, id int64, availableAt, now time.Time) (*models.SyncJob, error) {
	now = utc(now)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `UPDATE calendar_sync_jobs
        SET status = 'pending', locked_by = NULL, locked_at = NULL, heartbeat_at = NULL,
            available_at = ?, updated_at = ?
        WHERE id = ?`
	res, err := tx.ExecContext(ctx, query, utc(availableAt), now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue sync job: %w", err)
	}
	if err := requireRow(res, ErrJobNotFound); err != nil {
		return nil, err
	}

	job, err := getSyncJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := setReservationSyncState(ctx, tx, job.ReservationID, models.SyncStatusQueued, &job.ID, nil, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit requeue: %w", err)
	}
	return job, nil
}

// CountSyncJobsByStatus groups the whole queue by status.
func (db *DB) CountSyncJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	query, args, err := sq.Select("status", "COUNT(*)").
		From("calendar_sync_jobs").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build count query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var (
			status string
			total  int
		)
		if err := rows.Scan(&status, &total); err != nil {
			return nil, fmt.Errorf("failed to scan sync job count: %w", err)
		}
		counts[models.JobStatus(status)] = total
	}
	return counts, rows.Err()
}

// ListSyncJobs returns jobs newest first.
func (db *DB) ListSyncJobs(ctx context.Context, filter SyncJobFilter) ([]*models.SyncJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	if limit > models.MaxJobListLimit {
		limit = models.MaxJobListLimit
	}

	builder := sq.Select(syncJobColumns).
		From("calendar_sync_jobs").
		OrderBy("id DESC").
		Limit(uint64(limit))
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.ReservationID != "" {
		builder = builder.Where(sq.Eq{"reservation_id": filter.ReservationID})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
