// Package calendar creates appointment events in the sales calendar.
package calendar

import (
	"context"
	"errors"
	"time"
)

// Event is an appointment to create. Start and End carry the reference
// timezone; TimeZone is its IANA name for backends that want it.
type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
}

// Validate checks that the event can be created.
func (e Event) Validate() error {
	if e.Summary == "" {
		return errors.New("event summary is required")
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return errors.New("event start and end are required")
	}
	if !e.End.After(e.Start) {
		return errors.New("event end must be after start")
	}
	return nil
}

// Reference identifies a created event.
type Reference struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

// Sink creates calendar events.
type Sink interface {
	CreateEvent(ctx context.Context, ev Event) (Reference, error)
}
