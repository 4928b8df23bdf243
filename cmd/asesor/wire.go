package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nugget/asesor/internal/agent"
	"github.com/nugget/asesor/internal/calendar"
	"github.com/nugget/asesor/internal/config"
	"github.com/nugget/asesor/internal/health"
	"github.com/nugget/asesor/internal/httpkit"
	"github.com/nugget/asesor/internal/knowledge"
	"github.com/nugget/asesor/internal/leads"
	"github.com/nugget/asesor/internal/llm"
	"github.com/nugget/asesor/internal/messages"
	"github.com/nugget/asesor/internal/notify"
	"github.com/nugget/asesor/internal/tools"
	"github.com/nugget/asesor/internal/whatsapp"
	"github.com/nugget/asesor/internal/workspace"
)

// resources holds the backends selected by config. Each accessor
// builds its backend on first use so subcommands that need only the
// message log never touch Google or the broker.
type resources struct {
	cfg    *config.Config
	loc    *time.Location
	logger *slog.Logger

	db      *sql.DB
	sheets  *workspace.Sheets
	mqtt    *notify.MQTT
	closers []func() error
}

func openResources(cfg *config.Config, logger *slog.Logger) (*resources, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "asesor.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	r := &resources{cfg: cfg, loc: loc, logger: logger, db: db}
	r.closers = append(r.closers, db.Close)
	logger.Debug("database opened", "path", dbPath)
	return r, nil
}

// Close releases resources in reverse order of acquisition.
func (r *resources) Close() error {
	var result *multierror.Error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *resources) spreadsheet(ctx context.Context) (*workspace.Sheets, error) {
	if r.sheets != nil {
		return r.sheets, nil
	}
	s, err := workspace.NewSheets(ctx, r.cfg.Google.SheetID, workspace.ClientOptions(r.cfg.Google.CredentialsFile)...)
	if err != nil {
		return nil, err
	}
	r.sheets = s
	return s, nil
}

func (r *resources) messageStore(ctx context.Context) (messages.Store, error) {
	switch r.cfg.Storage.Backend {
	case "sheets":
		s, err := r.spreadsheet(ctx)
		if err != nil {
			return nil, err
		}
		r.logger.Info("message log on google sheets", "sheet_id", r.cfg.Google.SheetID)
		return messages.NewSheetsStore(s, r.loc), nil
	default:
		store, err := messages.NewSQLiteStore(r.db, r.loc)
		if err != nil {
			return nil, err
		}
		r.logger.Info("message log on sqlite")
		return store, nil
	}
}

func (r *resources) knowledgeSource(ctx context.Context) (knowledge.Source, error) {
	var (
		src knowledge.Source
		err error
	)
	kc := r.cfg.Knowledge
	switch kc.Backend {
	case "file":
		src = knowledge.NewFileSource(kc.Path, r.logger)
	case "url":
		hc := httpkit.NewClient(
			httpkit.WithTimeout(r.cfg.Timeouts.Tool),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(r.logger),
		)
		src = knowledge.NewURLSource(kc.URL, hc, r.logger)
	default:
		src, err = knowledge.NewDocsSource(ctx, r.cfg.Google.DocID, r.logger,
			workspace.ClientOptions(r.cfg.Google.CredentialsFile)...)
		if err != nil {
			return nil, err
		}
	}
	r.logger.Info("knowledge source configured", "backend", kc.Backend, "cache_ttl", kc.CacheTTL)
	return knowledge.NewCached(src, kc.CacheTTL, r.logger), nil
}

func (r *resources) calendarSink(ctx context.Context) (calendar.Sink, error) {
	if r.cfg.Calendar.Backend == "caldav" {
		cd := r.cfg.Calendar.CalDAV
		hc := httpkit.NewClient(
			httpkit.WithTimeout(r.cfg.Timeouts.Tool),
			httpkit.WithLogger(r.logger),
		)
		return calendar.NewCalDAVSink(hc, cd.URL, cd.Collection, cd.Username, cd.Password, r.logger)
	}
	return calendar.NewGoogleSink(ctx, r.cfg.Google.CalendarID, r.logger,
		workspace.ClientOptions(r.cfg.Google.CredentialsFile)...)
}

func (r *resources) leadRecorder(ctx context.Context) (leads.Recorder, error) {
	if r.cfg.Leads.Backend == "sheets" {
		s, err := r.spreadsheet(ctx)
		if err != nil {
			return nil, err
		}
		return leads.NewSheetsRecorder(s, r.loc), nil
	}
	return leads.NewSQLiteStore(r.db, r.loc)
}

// notifier returns the configured appointment notifiers, or nil when
// none are enabled. A started MQTT client is stopped by Close.
func (r *resources) notifier(ctx context.Context) (notify.Notifier, error) {
	var list []notify.Notifier

	if r.cfg.Notify.Email.Enabled {
		list = append(list, notify.NewEmail(r.cfg.Notify.Email, r.loc, r.logger))
		r.logger.Info("appointment email enabled", "to", r.cfg.Notify.Email.To)
	}

	if r.cfg.Notify.MQTT.Enabled {
		m := notify.NewMQTT(r.cfg.Notify.MQTT, r.logger)
		if err := m.Start(ctx); err != nil {
			return nil, err
		}
		r.closers = append(r.closers, func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return m.Stop(stopCtx)
		})
		r.mqtt = m
		list = append(list, m)
		r.logger.Info("appointment mqtt events enabled", "broker", r.cfg.Notify.MQTT.Broker)
	}

	if len(list) == 0 {
		return nil, nil
	}
	return notify.NewMulti(r.logger, list...), nil
}

// toolRegistry registers the document lookup and booking tools.
func (r *resources) toolRegistry(ctx context.Context) (*tools.Registry, error) {
	src, err := r.knowledgeSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("knowledge source: %w", err)
	}
	sink, err := r.calendarSink(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	rec, err := r.leadRecorder(ctx)
	if err != nil {
		return nil, fmt.Errorf("leads: %w", err)
	}
	n, err := r.notifier(ctx)
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}

	registry := tools.NewRegistry(r.cfg.Timeouts.Tool, r.logger)
	if err := registry.Register(tools.LookupTool(src)); err != nil {
		return nil, err
	}
	if err := registry.Register(tools.ScheduleTool(tools.ScheduleDeps{
		Sink:             sink,
		Leads:            rec,
		Notifier:         n,
		Location:         r.loc,
		SecondaryTimeout: r.cfg.Timeouts.Secondary,
		Logger:           r.logger,
	})); err != nil {
		return nil, err
	}
	return registry, nil
}

// agentLoop builds the loop for the configured policy.
func (r *resources) agentLoop(dispatcher agent.Dispatcher) *agent.Loop {
	var opts []llm.AnthropicOption
	if r.cfg.Anthropic.BaseURL != "" {
		opts = append(opts, llm.WithEndpoint(r.cfg.Anthropic.BaseURL))
	}
	completer := llm.NewAnthropicClient(r.cfg.Anthropic.APIKey, r.logger, opts...)

	loop := agent.NewLoop(r.logger, completer, dispatcher, agent.PolicyFromConfig(r.cfg.Policy))
	loop.SetLocation(r.loc)
	loop.SetCompletionTimeout(r.cfg.Timeouts.Completion)
	return loop
}

// watchDependencies probes the database, Twilio, and the MQTT broker
// when one was started. Probes stop when ctx is cancelled.
func (r *resources) watchDependencies(ctx context.Context, mon *health.Monitor, sender *whatsapp.TwilioSender) {
	sched := health.DefaultSchedule()
	mon.Watch(ctx, "database", r.db.PingContext, sched)
	mon.Watch(ctx, "twilio", sender.Ping, sched)
	if r.mqtt != nil {
		mon.Watch(ctx, "mqtt", r.mqtt.Ping, sched)
	}
}
