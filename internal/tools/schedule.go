package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/nugget/asesor/internal/calendar"
	"github.com/nugget/asesor/internal/leads"
	"github.com/nugget/asesor/internal/notify"
	"github.com/nugget/asesor/internal/prompts"
)

// ScheduleToolName is the appointment booking tool.
const ScheduleToolName = "agendar_cita"

// DefaultAppointmentMinutes is used when the model omits a duration.
const DefaultAppointmentMinutes = 60

// AppointmentLayout formats appointment times for the client and the
// lead sheet.
const AppointmentLayout = "02/01/2006 15:04"

// ScheduleDeps wires the booking tool to its collaborators. Leads and
// Notifier are optional.
type ScheduleDeps struct {
	Sink     calendar.Sink
	Leads    leads.Recorder
	Notifier notify.Notifier
	Location *time.Location

	// SecondaryTimeout bounds the lead write and notifications that
	// follow a successful booking.
	SecondaryTimeout time.Duration

	Logger *slog.Logger
}

type scheduler struct {
	ScheduleDeps
	logger *slog.Logger
}

// ScheduleTool returns the appointment booking tool.
func ScheduleTool(deps ScheduleDeps) *Tool {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.SecondaryTimeout <= 0 {
		deps.SecondaryTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &scheduler{ScheduleDeps: deps, logger: logger.With("tool", ScheduleToolName)}

	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return &Tool{
		Name:        ScheduleToolName,
		Description: prompts.ScheduleToolDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"resumen":     str("Título de la cita"),
				"descripcion": str("Detalles de la propiedad y del cliente"),
				"fecha":       str("Fecha en formato YYYY-MM-DD"),
				"hora_inicio": str("Hora de inicio en formato HH:MM (24 horas)"),
				"duracion_minutos": map[string]any{
					"type":        "number",
					"minimum":     1,
					"description": "Duración en minutos (por defecto 60)",
				},
				"email_cliente":    str("Correo del cliente"),
				"nombre_cliente":   str("Nombre del cliente"),
				"telefono_cliente": str("Teléfono del cliente"),
			},
			"required": []string{"resumen", "fecha", "hora_inicio"},
		},
		Handler: s.handle,
	}
}

func (s *scheduler) handle(ctx context.Context, args map[string]any) (map[string]any, error) {
	summary := strings.TrimSpace(stringArg(args, "resumen"))
	start, err := parseStart(stringArg(args, "fecha"), stringArg(args, "hora_inicio"), s.Location)
	if err != nil {
		return nil, &ArgumentError{ToolName: ScheduleToolName, Problems: []string{err.Error()}, Hint: prompts.RetryHint}
	}
	minutes, err := minutesArg(args, "duracion_minutos", DefaultAppointmentMinutes)
	if err != nil || minutes <= 0 {
		return nil, &ArgumentError{
			ToolName: ScheduleToolName,
			Problems: []string{fmt.Sprintf("duracion_minutos must be a positive number of minutes, got %v", args["duracion_minutos"])},
		}
	}
	end := start.Add(time.Duration(minutes) * time.Minute)

	email := strings.TrimSpace(stringArg(args, "email_cliente"))
	description := stringArg(args, "descripcion")
	if email != "" {
		description += "\nEmail: " + email
	}

	ev := calendar.Event{
		Summary:     summary,
		Description: description,
		Start:       start,
		End:         end,
		TimeZone:    s.Location.String(),
	}
	ref, err := s.Sink.CreateEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("create calendar event: %w", err)
	}

	inicio := start.Format(AppointmentLayout)
	s.logger.Info("appointment booked", "event_id", ref.ID, "start", inicio, "minutes", minutes)

	name := strings.TrimSpace(stringArg(args, "nombre_cliente"))
	if name == "" {
		name = summary
	}
	phone := strings.TrimSpace(stringArg(args, "telefono_cliente"))
	if phone == "" {
		phone = SenderFromContext(ctx)
	}
	s.followUp(ctx,
		leads.Lead{
			Name:        name,
			Email:       email,
			Phone:       phone,
			Appointment: fmt.Sprintf("Cita %s - %s", inicio, ref.Link),
			CreatedAt:   time.Now().In(s.Location),
		},
		notify.Appointment{
			Summary:     summary,
			Description: description,
			Start:       start,
			End:         end,
			ClientName:  name,
			ClientEmail: email,
			ClientPhone: phone,
			EventID:     ref.ID,
			EventLink:   ref.Link,
		},
	)

	return map[string]any{
		"eventId":   ref.ID,
		"eventLink": ref.Link,
		"inicio":    inicio,
	}, nil
}

// followUp records the lead and sends notifications concurrently. They
// run detached from the tool deadline under their own timeout, and
// failures are only logged: the booking already succeeded.
func (s *scheduler) followUp(ctx context.Context, lead leads.Lead, appt notify.Appointment) {
	if s.Leads == nil && s.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.SecondaryTimeout)
	defer cancel()

	p := pool.New().WithContext(ctx)
	if s.Leads != nil {
		p.Go(func(ctx context.Context) error {
			if err := s.Leads.Record(ctx, lead); err != nil {
				return fmt.Errorf("record lead: %w", err)
			}
			return nil
		})
	}
	if s.Notifier != nil {
		p.Go(func(ctx context.Context) error {
			if err := s.Notifier.Notify(ctx, appt); err != nil {
				return fmt.Errorf("notify: %w", err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		s.logger.Warn("secondary write failed after booking",
			"event_id", appt.EventID,
			"error", err,
		)
	}
}

// parseStart reads a YYYY-MM-DD date and HH:MM time in loc.
func parseStart(date, clock string, loc *time.Location) (time.Time, error) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	var lastErr error
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02 15:04:05"} {
		t, err := time.ParseInLocation(layout, date+" "+clock, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("fecha %q / hora_inicio %q not understood: %w", date, clock, lastErr)
}

// minutesArg reads an optional duration in minutes. The schema admits
// any JSON number, so fractions are rounded to the nearest minute.
func minutesArg(args map[string]any, key string, def int) (int, error) {
	switch v := args[key].(type) {
	case nil:
		return def, nil
	case float64:
		return int(math.Round(v)), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("%s has unexpected type %T", key, v)
	}
}
