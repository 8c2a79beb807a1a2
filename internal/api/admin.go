package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agendasync/internal/database"
	"agendasync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	jobsSheet    = "Calendar jobs"
	summarySheet = "Summary"
	xlsxMIME     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type retryJobRequest struct {
	DelaySeconds *int `json:"delay_seconds"`
}

func parseJobFilter(r *http.Request) (database.SyncJobFilter, error) {
	q := r.URL.Query()
	filter := database.SyncJobFilter{
		ReservationID: strings.TrimSpace(q.Get("reservation_id")),
		Limit:         models.DefaultJobListLimit,
	}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := models.ParseJobStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}

	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > models.MaxJobListLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d", models.MaxJobListLimit)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.deps.DB.ListSyncJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list calendar jobs failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	counts, err := s.deps.Status.Refresh(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("count calendar jobs failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if jobs == nil {
		jobs = []*models.SyncJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"counts": counts.ByStatus,
	})
}

func (s *HTTPServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	var body retryJobRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	delay := 0
	if body.DelaySeconds != nil && *body.DelaySeconds > 0 {
		delay = *body.DelaySeconds
	}

	now := s.now()
	job, err := s.deps.DB.RequeueSyncJob(r.Context(), id, now.Add(time.Duration(delay)*time.Second), now)
	if errors.Is(err, database.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Trabajo no encontrado")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("job_id", id).Msg("requeue calendar job failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info().Int64("job_id", id).Int("delay_seconds", delay).Msg("calendar job requeued by operator")
	if delay == 0 && s.deps.Signal != nil {
		if err := s.deps.Signal.Notify(r.Context(), id); err != nil {
			s.logger.Warn().Err(err).Int64("job_id", id).Msg("calendar wakeup failed")
		}
	}
	if _, err := s.deps.Status.Refresh(r.Context()); err != nil {
		s.logger.Debug().Err(err).Msg("queue gauges not refreshed")
	}

	message := fmt.Sprintf("Trabajo %d reencolado y listo para ejecutar.", id)
	if delay > 0 {
		message = fmt.Sprintf("Trabajo %d reencolado. Disponible en %d segundos.", id, delay)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": message, "job": job})
}

func (s *HTTPServer) handleExportJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.deps.DB.ListSyncJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("export calendar jobs failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	counts, err := s.deps.DB.CountSyncJobsByStatus(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("count calendar jobs failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	f, err := buildJobsWorkbook(jobs, counts, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("build calendar jobs workbook failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	fileName := fmt.Sprintf("calendar_jobs_%s.xlsx", s.now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", xlsxMIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(http.StatusOK)
	if err := f.Write(w); err != nil {
		s.logger.Error().Err(err).Msg("write calendar jobs workbook failed")
	}
}

var jobColumns = []string{
	"ID", "Reservation", "Action", "Status", "Attempts", "Available at",
	"Locked by", "Heartbeat at", "Last error", "Created at", "Updated at", "Completed at",
}

// buildJobsWorkbook renders the job list and the per-status totals.
func buildJobsWorkbook(jobs []*models.SyncJob, counts map[models.JobStatus]int, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(jobsSheet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	failedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})

	for i, title := range jobColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(jobsSheet, cell, title)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(jobColumns))
	_ = f.SetCellStyle(jobsSheet, "A1", lastCol+"1", headerStyle)

	for i, job := range jobs {
		row := i + 2
		values := []any{
			job.ID,
			job.ReservationID,
			string(job.Action),
			string(job.Status),
			job.Attempts,
			formatTime(&job.AvailableAt),
			derefString(job.LockedBy),
			formatTime(job.HeartbeatAt),
			derefString(job.LastError),
			formatTime(&job.CreatedAt),
			formatTime(&job.UpdatedAt),
			formatTime(job.CompletedAt),
		}
		start, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(jobsSheet, start, &values); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if job.Status == models.JobStatusFailed {
			end, _ := excelize.CoordinatesToCellName(len(jobColumns), row)
			_ = f.SetCellStyle(jobsSheet, start, end, failedStyle)
		}
	}

	_ = f.SetColWidth(jobsSheet, "A", "A", 8)
	_ = f.SetColWidth(jobsSheet, "B", "H", 22)
	_ = f.SetColWidth(jobsSheet, "I", "I", 50)
	_ = f.SetColWidth(jobsSheet, "J", lastCol, 22)
	_ = f.SetPanes(jobsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if _, err := f.NewSheet(summarySheet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	_ = f.SetCellValue(summarySheet, "A1", "Generated at")
	_ = f.SetCellValue(summarySheet, "B1", generatedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A2", "Status")
	_ = f.SetCellValue(summarySheet, "B2", "Jobs")
	_ = f.SetCellStyle(summarySheet, "A2", "B2", headerStyle)

	statuses := []models.JobStatus{
		models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed,
	}
	for i, status := range statuses {
		row := i + 3
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), string(status))
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), counts[status])
	}
	_ = f.SetColWidth(summarySheet, "A", "B", 20)

	return f, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
