package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"agendasync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func setupMockServer(t *testing.T, opts Options) (*http.ServeMux, *CalendarGateway) {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	g, err := newCalendarGateway(context.Background(), opts,
		option.WithEndpoint(server.URL+"/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return mux, g
}

func testReservation() *models.Reservation {
	return &models.Reservation{
		ID:             "R1",
		ServiceID:      "corte",
		ProfessionalID: "ana",
		Start:          time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC),
		CustomerName:   "Lucía",
		CustomerPhone:  "+34600000000",
	}
}

func TestCalendarGateway_CreateEvent(t *testing.T) {
	mux, g := setupMockServer(t, Options{TimeZone: "Europe/Madrid"})

	var got calendar.Event
	mux.HandleFunc("/calendars/cal1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(calendar.Event{Id: "E1"})
	})

	id, err := g.CreateEvent(context.Background(), testReservation(), "cal1")
	require.NoError(t, err)
	assert.Equal(t, "E1", id)

	assert.Equal(t, "Reserva: corte - ana", got.Summary)
	assert.Contains(t, got.Description, "Lucía")
	require.NotNil(t, got.Start)
	assert.Equal(t, "2026-05-04T10:00:00+02:00", got.Start.DateTime)
	assert.Equal(t, "Europe/Madrid", got.Start.TimeZone)
	require.NotNil(t, got.ExtendedProperties)
	assert.Equal(t, "R1", got.ExtendedProperties.Private["reservation_id"])
	assert.Equal(t, "ana", got.ExtendedProperties.Private["professional_id"])
}

func TestCalendarGateway_CreateEventWithoutID(t *testing.T) {
	mux, g := setupMockServer(t, Options{})
	mux.HandleFunc("/calendars/cal1/events", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(calendar.Event{})
	})

	_, err := g.CreateEvent(context.Background(), testReservation(), "cal1")
	assert.Error(t, err)
}

func TestCalendarGateway_UpdateEvent(t *testing.T) {
	mux, g := setupMockServer(t, Options{TimeZone: "UTC"})

	var got calendar.Event
	mux.HandleFunc("/calendars/cal1/events/E1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(calendar.Event{Id: "E1"})
	})

	start := time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)
	require.NoError(t, g.UpdateEvent(context.Background(), "E1", start, start.Add(time.Hour), "cal1"))
	require.NotNil(t, got.Start)
	assert.Equal(t, "2026-05-05T09:00:00Z", got.Start.DateTime)
	assert.Equal(t, "2026-05-05T10:00:00Z", got.End.DateTime)
}

func TestCalendarGateway_DeleteEvent(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "deleted", status: http.StatusNoContent},
		{name: "already gone", status: http.StatusNotFound},
		{name: "deleted earlier", status: http.StatusGone},
		{name: "server error", status: http.StatusForbidden, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, g := setupMockServer(t, Options{})
			mux.HandleFunc("/calendars/cal1/events/E1", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				w.WriteHeader(tt.status)
			})

			err := g.DeleteEvent(context.Background(), "E1", "cal1")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCalendarGateway_RateLimitHonorsContext(t *testing.T) {
	_, g := setupMockServer(t, Options{RequestsPerSecond: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, g.DeleteEvent(ctx, "E1", "cal1"))
}

func TestNewCalendarGateway_Errors(t *testing.T) {
	_, err := NewCalendarGateway(context.Background(), filepath.Join(t.TempDir(), "missing.json"), Options{})
	assert.Error(t, err)

	_, err = newCalendarGateway(context.Background(), Options{TimeZone: "Mars/Olympus"}, option.WithoutAuthentication())
	assert.Error(t, err)
}
