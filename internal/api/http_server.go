package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agendasync/internal/config"
	"agendasync/internal/database"
	"agendasync/internal/domain"
	"agendasync/internal/logging"
	"agendasync/internal/metrics"
	"agendasync/internal/models"
	"agendasync/internal/service"
	"agendasync/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Dependencies wires the HTTP API. Worker and Signal may be nil.
type Dependencies struct {
	DB           *database.DB
	Reservations *service.ReservationService
	Status       *worker.StatusProjection
	Worker       *worker.CalendarWorker
	Signal       domain.QueueSignal
}

// HTTPServer exposes the booking, readiness and calendar job admin endpoints.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Dependencies
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
	now    func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, deps Dependencies, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:    cfg,
		deps:   deps,
		auth:   NewHTTPAuth(cfg),
		logger: logging.Component(logger, "http"),
		now:    time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /ready", srv.handleReady)

	mux.HandleFunc("POST /api/v1/reservations", srv.handleCreateReservation)
	mux.HandleFunc("POST /api/v1/reservations/{id}/reschedule", srv.handleReschedule)
	mux.HandleFunc("POST /api/v1/reservations/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("GET /api/v1/reservations/{id}/sync", srv.handleSyncStatus)

	mux.HandleFunc("GET /admin/calendar-jobs", srv.handleListJobs)
	mux.HandleFunc("GET /admin/calendar-jobs/export", srv.handleExportJobs)
	mux.HandleFunc("POST /admin/calendar-jobs/{id}/retry", srv.handleRetryJob)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"db": "ok", "queue_worker": "ok"}

	if err := s.deps.DB.PingContext(r.Context()); err != nil {
		payload["db"] = "error: " + err.Error()
		s.logger.Error().Err(err).Msg("readiness db check failed")
	}
	if counts, err := s.deps.Status.Refresh(r.Context()); err != nil {
		payload["queue_worker"] = "error: " + err.Error()
		s.logger.Error().Err(err).Msg("readiness queue check failed")
	} else {
		payload["queue_pending"] = counts.Pending
		payload["queue_processing"] = counts.Processing
	}
	payload["worker_running"] = s.deps.Worker != nil && s.deps.Worker.Running()

	ok := payload["db"] == "ok" && payload["queue_worker"] == "ok"
	payload["ok"] = ok

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type createReservationRequest struct {
	ID             string    `json:"id"`
	ServiceID      string    `json:"service_id"`
	ProfessionalID string    `json:"professional_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	CustomerName   string    `json:"customer_name"`
	CustomerEmail  string    `json:"customer_email"`
	CustomerPhone  string    `json:"customer_phone"`
	Notes          string    `json:"notes"`
	CalendarID     string    `json:"calendar_id"`
}

type rescheduleRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type reservationResponse struct {
	OK            bool                  `json:"ok"`
	Message       string                `json:"message"`
	ReservationID string                `json:"reservation_id"`
	SyncStatus    models.EnqueueOutcome `json:"sync_status"`
	SyncJobID     *int64                `json:"sync_job_id"`
	Reservation   *models.Reservation   `json:"reservation"`
}

func (s *HTTPServer) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var body createReservationRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res := &models.Reservation{
		ID:             strings.TrimSpace(body.ID),
		ServiceID:      strings.TrimSpace(body.ServiceID),
		ProfessionalID: strings.TrimSpace(body.ProfessionalID),
		Start:          body.Start,
		End:            body.End,
		CustomerName:   body.CustomerName,
		CustomerEmail:  body.CustomerEmail,
		CustomerPhone:  body.CustomerPhone,
		Notes:          body.Notes,
	}
	if cal := strings.TrimSpace(body.CalendarID); cal != "" {
		res.CalendarID = &cal
	}

	result, err := s.deps.Reservations.Create(r.Context(), res)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(result))
}

func (s *HTTPServer) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var body rescheduleRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.deps.Reservations.Reschedule(r.Context(), r.PathValue("id"), body.Start, body.End)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(result))
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Reservations.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(result))
}

func (s *HTTPServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Reservations.SyncStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func toReservationResponse(res *service.Result) reservationResponse {
	return reservationResponse{
		OK:            true,
		Message:       res.Message,
		ReservationID: res.Reservation.ID,
		SyncStatus:    res.SyncStatus,
		SyncJobID:     res.SyncJobID,
		Reservation:   res.Reservation,
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidReservation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "La reserva no existe")
	case errors.Is(err, service.ErrReservationCancelled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
