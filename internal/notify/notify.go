// Package notify tells the sales team about newly booked appointments.
// Notifications are best effort: a failed email or broker publish is
// logged and never affects the booking itself.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Appointment describes a booked visit.
type Appointment struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ClientName  string    `json:"client_name,omitempty"`
	ClientEmail string    `json:"client_email,omitempty"`
	ClientPhone string    `json:"client_phone,omitempty"`
	EventID     string    `json:"event_id,omitempty"`
	EventLink   string    `json:"event_link,omitempty"`
}

// Notifier delivers an appointment notification.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Appointment) error
}

// Multi fans a notification out to several notifiers at once.
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMulti returns a fan-out over notifiers. Nil entries are dropped.
func NewMulti(logger *slog.Logger, notifiers ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger.With("component", "notify")}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Name implements Notifier.
func (m *Multi) Name() string { return "multi" }

// Len reports how many notifiers are configured.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify runs every notifier concurrently and waits for all of them.
// Each failure is logged; the joined error is returned.
func (m *Multi) Notify(ctx context.Context, a Appointment) error {
	if len(m.notifiers) == 0 {
		return nil
	}
	p := pool.New().WithContext(ctx)
	for _, n := range m.notifiers {
		p.Go(func(ctx context.Context) error {
			start := time.Now()
			if err := n.Notify(ctx, a); err != nil {
				m.logger.Warn("notification failed",
					"notifier", n.Name(),
					"event_id", a.EventID,
					"error", err,
				)
				return fmt.Errorf("%s: %w", n.Name(), err)
			}
			m.logger.Debug("notification sent",
				"notifier", n.Name(),
				"event_id", a.EventID,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return nil
		})
	}
	return p.Wait()
}
