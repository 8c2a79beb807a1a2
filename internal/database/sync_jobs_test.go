package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agendasync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertTestJob(t *testing.T, db *DB, reservationID string, action models.SyncAction, availableAt time.Time) *models.SyncJob {
	t.Helper()
	job := &models.SyncJob{
		ReservationID: reservationID,
		Action:        action,
		Payload:       models.JobPayload{"calendar_id": "salon@example.com"},
		AvailableAt:   availableAt,
	}
	require.NoError(t, db.InsertSyncJob(context.Background(), job, testNow))
	return job
}

func TestInsertSyncJob(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestReservation(t, db, "R1")

	job := insertTestJob(t, db, "R1", models.SyncActionCreate, time.Time{})
	require.NotZero(t, job.ID)

	stored, err := db.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Equal(t, models.SyncActionCreate, stored.Action)
	assert.Equal(t, "salon@example.com", stored.Payload["calendar_id"])
	assert.True(t, stored.AvailableAt.Equal(testNow))
	assert.Nil(t, stored.LockedBy)
	assert.Nil(t, stored.LockedAt)
	assert.Nil(t, stored.HeartbeatAt)

	s, err := db.GetReservationSyncStatus(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusQueued, *s.SyncStatus)
	assert.Equal(t, job.ID, *s.SyncJobID)
}

func TestGetSyncJob_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetSyncJob(context.Background(), 42)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClaimNextSyncJob_Order(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	later := insertTestJob(t, db, "R1", models.SyncActionCreate, testNow.Add(-time.Minute))
	earlier := insertTestJob(t, db, "R2", models.SyncActionCreate, testNow.Add(-time.Hour))
	future := insertTestJob(t, db, "R3", models.SyncActionCreate, testNow.Add(time.Hour))

	job, err := db.ClaimNextSyncJob(ctx, "w1", testNow)
	require.NoError(t, err)
	assert.Equal(t, earlier.ID, job.ID)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, "w1", *job.LockedBy)
	require.NotNil(t, job.LockedAt)
	require.NotNil(t, job.HeartbeatAt)

	job, err = db.ClaimNextSyncJob(ctx, "w1", testNow)
	require.NoError(t, err)
	assert.Equal(t, later.ID, job.ID)

	_, err = db.ClaimNextSyncJob(ctx, "w1", testNow)
	assert.ErrorIs(t, err, ErrNoJobAvailable)

	job, err = db.ClaimNextSyncJob(ctx, "w1", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, future.ID, job.ID)
}

func TestClaimNextSyncJob_Exclusive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		insertTestJob(t, db, fmt.Sprintf("R%d", i), models.SyncActionCreate, testNow)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := db.ClaimNextSyncJob(ctx, workerID, testNow)
				if errors.Is(err, ErrNoJobAvailable) {
					return
				}
				if errors.Is(err, ErrJobNotClaimed) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if prev, ok := claimed[job.ID]; ok {
					t.Errorf("job %d claimed by %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	counts, err := db.CountSyncJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, counts[models.JobStatusProcessing])
}

func TestClaimNextSyncJob_SerializedPerReservation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestReservation(t, db, "R1")

	update := insertTestJob(t, db, "R1", models.SyncActionUpdate, testNow)
	del := insertTestJob(t, db, "R1", models.SyncActionDelete, testNow)

	job, err := db.ClaimNextSyncJob(ctx, "w1", testNow)
	require.NoError(t, err)
	assert.Equal(t, update.ID, job.ID)

	// The delete waits while the update is in flight
	_, err = db.ClaimNextSyncJob(ctx, "w2", testNow)
	assert.ErrorIs(t, err, ErrNoJobAvailable)

	// ...and while the update is waiting for a retry
	require.NoError(t, db.RetrySyncJob(ctx, job, "w1", "timeout", testNow.Add(time.Minute), testNow))
	_, err = db.ClaimNextSyncJob(ctx, "w2", testNow)
	assert.ErrorIs(t, err, ErrNoJobAvailable)

	job, err = db.ClaimNextSyncJob(ctx, "w1", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, update.ID, job.ID)
	require.NoError(t, db.CompleteSyncJob(ctx, job, "w1", testNow.Add(time.Minute)))

	job, err = db.ClaimNextSyncJob(ctx, "w1", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, del.ID, job.ID)
}

func TestHeartbeatSyncJob(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	insertTestJob(t, db, "R1", models.SyncActionCreate, testNow)

	job, err := db.ClaimNextSyncJob(ctx, "w1", testNow)
	require.NoError(t, err)

	beat := testNow.Add(5 * time.Second)
	require.NoError(t, db.HeartbeatSyncJob(ctx, job.ID, "w1", beat))
	stored, err := db.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.HeartbeatAt.Equal(beat))

	assert.ErrorIs(t, db.HeartbeatSyncJob(ctx, job.ID, "w2", beat), ErrJobNotClaimed)
}

func TestSyncJobOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("Complete", func(t *testing.T) {
		db := setupTestDB(t)
		createTestReservation(t, db, "R1")
		insertTestJob(t, db, "R1", models.SyncActionCreate, testNow)
		job, err := db.ClaimNextSyncJob(ctx, "w1", testNow)
		require.NoError(t, err)

		require.NoError(t, db.CompleteSyncJob(ctx, job, "w1", testNow))

		stored, err := db.GetSyncJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, stored.Status)
		require.NotNil(t, stored.CompletedAt)
		assert.Nil(t, stored.LastError)
		assert.Nil(t, stored.LockedBy)
		assert.Nil(t, stored.LockedAt)
		assert.Nil(t, stored.HeartbeatAt)

		s, err := db.GetReservationSyncStatus(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusSynced, *s.SyncStatus)
		assert.Nil(t, s.SyncLastError)

		// A second outcome write is rejected: the job is no longer held
		assert.ErrorIs(t, db.FailSyncJob(ctx, job, "w1", "late", testNow), ErrJobNotClaimed)
	})

	t.Run("Retry", func(t *testing.T) {
		db := setupTestDB(t)
		createTestReservation(t, db, "R1")
		insertTestJob(t, db, "R1", models.SyncActionCreate, testNow)
		job, err := db.ClaimNextSyncJob(ctx, "w1", testNow)
		require.NoError(t, err)

		next := testNow.Add(time.Minute)
		require.NoError(t, db.RetrySyncJob(ctx, job, "w1", "gateway down", next, testNow))

		stored, err := db.GetSyncJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, stored.Status)
		assert.True(t, stored.AvailableAt.Equal(next))
		assert.Equal(t, "gateway down", *stored.LastError)
		assert.Nil(t, stored.LockedBy)
		assert.Equal(t, 1, stored.Attempts)

		s, err := db.GetReservationSyncStatus(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusQueued, *s.SyncStatus)
		assert.Equal(t, "gateway down", *s.SyncLastError)
	})

	t.Run("Fail", func(t *testing.T) {
		db := setupTestDB(t)
		createTestReservation(t, db, "R1")
		insertTestJob(t, db, "R1", models.SyncActionCreate, testNow)
		job, err := db.ClaimNextSyncJob(ctx, "w1", testNow)
		require.NoError(t, err)

		assert.ErrorIs(t, db.FailSyncJob(ctx, job, "other", "boom", testNow), ErrJobNotClaimed)
		require.NoError(t, db.FailSyncJob(ctx, job, "w1", "boom", testNow))

		stored, err := db.GetSyncJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, stored.Status)
		assert.Nil(t, stored.CompletedAt)
		assert.Nil(t, stored.LockedBy)

		s, err := db.GetReservationSyncStatus(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusFailed, *s.SyncStatus)
		assert.Equal(t, "boom", *s.SyncLastError)

		_, err = db.ClaimNextSyncJob(ctx, "w1", testNow.Add(time.Hour))
		assert.ErrorIs(t, err, ErrNoJobAvailable)
	})
}

func TestRecoverStaleSyncJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestReservation(t, db, "R1")
	createTestReservation(t, db, "R2")

	insertTestJob(t, db, "R1", models.SyncActionCreate, testNow)
	insertTestJob(t, db, "R2", models.SyncActionCreate, testNow)

	stale, err := db.ClaimNextSyncJob(ctx, "crashed", testNow)
	require.NoError(t, err)
	fresh, err := db.ClaimNextSyncJob(ctx, "alive", testNow)
	require.NoError(t, err)
	require.NoError(t, db.HeartbeatSyncJob(ctx, fresh.ID, "alive", testNow.Add(time.Minute)))

	now := testNow.Add(70 * time.Second)
	recovered, err := db.RecoverStaleSyncJobs(ctx, now.Add(-30*time.Second), now)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, stale.ID, recovered[0].ID)

	stored, err := db.GetSyncJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Nil(t, stored.LockedBy)
	assert.Nil(t, stored.LockedAt)
	assert.Nil(t, stored.HeartbeatAt)
	assert.False(t, stored.AvailableAt.After(now))
	assert.Equal(t, 1, stored.Attempts)

	s, err := db.GetReservationSyncStatus(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusQueued, *s.SyncStatus)

	stored, err = db.GetSyncJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
}

func TestRequeueSyncJob(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestReservation(t, db, "R1")
	insertTestJob(t, db, "R1", models.SyncActionCreate, testNow)

	job, err := db.ClaimNextSyncJob(ctx, "w1", testNow)
	require.NoError(t, err)
	require.NoError(t, db.FailSyncJob(ctx, job, "w1", "boom", testNow))

	at := testNow.Add(10 * time.Second)
	requeued, err := db.RequeueSyncJob(ctx, job.ID, at, testNow)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, requeued.Status)
	assert.True(t, requeued.AvailableAt.Equal(at))
	assert.Equal(t, 1, requeued.Attempts)

	s, err := db.GetReservationSyncStatus(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusQueued, *s.SyncStatus)
	assert.Equal(t, job.ID, *s.SyncJobID)
	assert.Nil(t, s.SyncLastError)

	_, err = db.RequeueSyncJob(ctx, 999, at, testNow)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListAndCountSyncJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := insertTestJob(t, db, "R1", models.SyncActionCreate, testNow)
	insertTestJob(t, db, "R2", models.SyncActionCreate, testNow)
	last := insertTestJob(t, db, "R1", models.SyncActionDelete, testNow)

	claimed, err := db.ClaimNextSyncJob(ctx, "w1", testNow)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)

	counts, err := db.CountSyncJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.JobStatusPending])
	assert.Equal(t, 1, counts[models.JobStatusProcessing])

	jobs, err := db.ListSyncJobs(ctx, SyncJobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, last.ID, jobs[0].ID)

	jobs, err = db.ListSyncJobs(ctx, SyncJobFilter{ReservationID: "R1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = db.ListSyncJobs(ctx, SyncJobFilter{Status: models.JobStatusProcessing})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.ID, jobs[0].ID)

	jobs, err = db.ListSyncJobs(ctx, SyncJobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
