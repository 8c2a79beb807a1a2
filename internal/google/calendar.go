package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"agendasync/internal/models"

	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type Options struct {
	TimeZone          string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// CalendarGateway creates, moves and removes reservation events in Google Calendar.
type CalendarGateway struct {
	service  *calendar.Service
	timeZone string
	location *time.Location
	limiter  *rate.Limiter
}

func NewCalendarGateway(ctx context.Context, credentialsFile string, opts Options) (*CalendarGateway, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	// Таймаут запроса ограничивает время, которое воркер ждет календарь
	client := config.Client(ctx)
	client.Timeout = opts.Timeout

	return newCalendarGateway(ctx, opts, option.WithHTTPClient(client))
}

func newCalendarGateway(ctx context.Context, opts Options, clientOpts ...option.ClientOption) (*CalendarGateway, error) {
	tz := strings.TrimSpace(opts.TimeZone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar time zone %q: %w", tz, err)
	}

	srv, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Calendar service: %w", err)
	}

	g := &CalendarGateway{service: srv, timeZone: tz, location: loc}
	if opts.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return g, nil
}

func (g *CalendarGateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

func (g *CalendarGateway) eventTime(t time.Time) *calendar.EventDateTime {
	return &calendar.EventDateTime{
		DateTime: t.In(g.location).Format(time.RFC3339),
		TimeZone: g.timeZone,
	}
}

// CreateEvent inserts an event for the reservation and returns its id.
func (g *CalendarGateway) CreateEvent(ctx context.Context, r *models.Reservation, calendarID string) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}

	event := &calendar.Event{
		Summary:     fmt.Sprintf("Reserva: %s - %s", r.ServiceID, r.ProfessionalID),
		Description: eventDescription(r),
		Start:       g.eventTime(r.Start),
		End:         g.eventTime(r.End),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				"reservation_id":  r.ID,
				"professional_id": r.ProfessionalID,
			},
		},
	}

	created, err := g.service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert calendar event: %w", err)
	}
	if created.Id == "" {
		return "", errors.New("calendar returned an event without id")
	}
	return created.Id, nil
}

// UpdateEvent moves an existing event.
func (g *CalendarGateway) UpdateEvent(ctx context.Context, eventID string, start, end time.Time, calendarID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}

	patch := &calendar.Event{Start: g.eventTime(start), End: g.eventTime(end)}
	if _, err := g.service.Events.Patch(calendarID, eventID, patch).Context(ctx).Do(); err != nil {
		return fmt.Errorf("patch calendar event %s: %w", eventID, err)
	}
	return nil
}

// DeleteEvent removes an event. An event that is already gone is not an error.
func (g *CalendarGateway) DeleteEvent(ctx context.Context, eventID, calendarID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}

	err := g.service.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err == nil || isGone(err) {
		return nil
	}
	return fmt.Errorf("delete calendar event %s: %w", eventID, err)
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
}

func eventDescription(r *models.Reservation) string {
	var lines []string
	if r.CustomerName != "" {
		lines = append(lines, "Cliente: "+r.CustomerName)
	}
	if r.CustomerPhone != "" {
		lines = append(lines, "Teléfono: "+r.CustomerPhone)
	}
	if r.CustomerEmail != "" {
		lines = append(lines, "Email: "+r.CustomerEmail)
	}
	if r.Notes != "" {
		lines = append(lines, "Notas: "+r.Notes)
	}
	return strings.Join(lines, "\n")
}
