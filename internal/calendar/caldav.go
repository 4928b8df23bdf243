package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const prodID = "-//nugget//asesor//ES"

// CalDAVSink writes events as iCalendar objects into a CalDAV
// collection (Nextcloud, Radicale, Fastmail and similar).
type CalDAVSink struct {
	client     *caldav.Client
	endpoint   *url.URL
	collection string
	logger     *slog.Logger
	now        func() time.Time
}

// NewCalDAVSink connects to endpoint and writes into collection, the
// path of the calendar collection on that server. Empty username skips
// basic auth.
func NewCalDAVSink(hc *http.Client, endpoint, collection, username, password string, logger *slog.Logger) (*CalDAVSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse caldav url: %w", err)
	}

	var dav webdav.HTTPClient = hc
	if username != "" {
		dav = webdav.HTTPClientWithBasicAuth(hc, username, password)
	}
	client, err := caldav.NewClient(dav, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}

	if !strings.HasSuffix(collection, "/") {
		collection += "/"
	}
	return &CalDAVSink{
		client:     client,
		endpoint:   u,
		collection: collection,
		logger:     logger.With("component", "calendar", "backend", "caldav"),
		now:        time.Now,
	}, nil
}

// CreateEvent stores the event under a fresh UID.
func (c *CalDAVSink) CreateEvent(ctx context.Context, ev Event) (Reference, error) {
	if err := ev.Validate(); err != nil {
		return Reference{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Reference{}, fmt.Errorf("generate event uid: %w", err)
	}
	uid := id.String()
	objPath := path.Join(c.collection, uid+".ics")

	obj, err := c.client.PutCalendarObject(ctx, objPath, buildCalendar(uid, ev, c.now()))
	if err != nil {
		return Reference{}, fmt.Errorf("put calendar object: %w", err)
	}
	if obj != nil && obj.Path != "" {
		objPath = obj.Path
	}

	link := c.endpoint.ResolveReference(&url.URL{Path: objPath}).String()
	c.logger.Info("event created",
		"uid", uid,
		"path", objPath,
		"start", ev.Start.Format(time.RFC3339),
		"summary", ev.Summary,
	)
	return Reference{ID: uid, Link: link}, nil
}

// buildCalendar renders ev as a single-event VCALENDAR. Times are
// written in UTC so no VTIMEZONE component is needed.
func buildCalendar(uid string, ev Event, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	event.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		event.Props.SetText(ical.PropDescription, ev.Description)
	}

	cal.Children = append(cal.Children, event.Component)
	return cal
}
