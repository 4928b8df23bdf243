package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// GoogleSink inserts events into a Google Calendar.
type GoogleSink struct {
	svc        *gcal.Service
	calendarID string
	logger     *slog.Logger
}

// NewGoogleSink connects to the Calendar API for calendarID.
func NewGoogleSink(ctx context.Context, calendarID string, logger *slog.Logger, opts ...option.ClientOption) (*GoogleSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]option.ClientOption{option.WithScopes(gcal.CalendarEventsScope)}, opts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &GoogleSink{
		svc:        svc,
		calendarID: calendarID,
		logger:     logger.With("component", "calendar", "backend", "google"),
	}, nil
}

// CreateEvent inserts the event and returns its ID and web link.
func (g *GoogleSink) CreateEvent(ctx context.Context, ev Event) (Reference, error) {
	if err := ev.Validate(); err != nil {
		return Reference{}, err
	}

	created, err := g.svc.Events.Insert(g.calendarID, googleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return Reference{}, fmt.Errorf("insert event: %w", err)
	}

	g.logger.Info("event created",
		"event_id", created.Id,
		"start", ev.Start.Format(time.RFC3339),
		"summary", ev.Summary,
	)
	return Reference{ID: created.Id, Link: created.HtmlLink}, nil
}

func googleEvent(ev Event) *gcal.Event {
	tz := ev.TimeZone
	if tz == "" {
		tz = ev.Start.Location().String()
	}
	return &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: tz},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: tz},
	}
}
