package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"agendasync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func createTestReservation(t *testing.T, db *DB, id string) *models.Reservation {
	t.Helper()
	calendarID := "salon@example.com"
	r := &models.Reservation{
		ID:             id,
		ServiceID:      "corte",
		ProfessionalID: "ana",
		Start:          testNow.Add(24 * time.Hour),
		End:            testNow.Add(25 * time.Hour),
		CustomerName:   "Cliente",
		CalendarID:     &calendarID,
	}
	require.NoError(t, db.CreateReservation(context.Background(), r, testNow))
	return r
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestNewDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := NewDB(dbPath, nil)
	require.NoError(t, err)
	createTestReservation(t, db, "R1")
	require.NoError(t, db.Close())

	// Schema creation is idempotent and data survives a restart
	db, err = NewDB(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	r, err := db.GetReservation(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "corte", r.ServiceID)
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.PingContext(context.Background()))
}
