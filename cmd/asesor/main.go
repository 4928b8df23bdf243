// Asesor is a WhatsApp real-estate advisor. It receives Twilio webhook
// deliveries, answers with an Anthropic model that can consult the
// property catalog and book visits, and logs every message.
//
// Usage:
//
//	asesor serve                    Start the webhook server
//	asesor init [dir]               Write an example config and persona
//	asesor ask <phone> <message>    Run the agent once without sending
//	asesor history <phone> [limit]  Print a sender's logged messages
//	asesor usage [hours]            Summarize token usage
//	asesor version                  Print version and build information
//	asesor -o json version          Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/asesor/internal/agent"
	"github.com/nugget/asesor/internal/api"
	"github.com/nugget/asesor/internal/buildinfo"
	"github.com/nugget/asesor/internal/config"
	"github.com/nugget/asesor/internal/conversation"
	"github.com/nugget/asesor/internal/health"
	"github.com/nugget/asesor/internal/messages"
	"github.com/nugget/asesor/internal/metrics"
	"github.com/nugget/asesor/internal/usage"
	"github.com/nugget/asesor/internal/whatsapp"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: asesor ask <phone> <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "history":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: asesor history <phone> [limit]")
		}
		limit := 20
		if len(cmdArgs) > 1 {
			n, err := strconv.Atoi(cmdArgs[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid limit %q", cmdArgs[1])
			}
			limit = n
		}
		return runHistory(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], limit)
	case "usage":
		hours := 24
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid hours %q", cmdArgs[0])
			}
			hours = n
		}
		return runUsage(ctx, stdout, stderr, configPath, outputFmt, hours)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSONOutput(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Asesor - WhatsApp real-estate advisor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: asesor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Start the webhook server")
	fmt.Fprintln(w, "  init [dir]               Write an example config.yaml and persona.md (default: .)")
	fmt.Fprintln(w, "  ask <phone> <message>    Run the agent once; the reply is printed, not sent")
	fmt.Fprintln(w, "  history <phone> [limit]  Show a sender's logged messages (default 20)")
	fmt.Fprintln(w, "  usage [hours]            Summarize token usage (default 24)")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/asesor/config.yaml, /etc/asesor/config.yaml")
	return nil
}

// runServe loads config, wires every backend, and serves the webhook
// until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	logger.Info("starting Asesor", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"policy", cfg.Policy.Name,
		"model", cfg.Policy.Model,
		"timezone", cfg.Timezone,
	)

	res, err := openResources(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Close(); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	m := metrics.New()

	store, err := res.messageStore(ctx)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	ledger, err := usage.NewStore(res.db)
	if err != nil {
		return fmt.Errorf("usage ledger: %w", err)
	}

	registry, err := res.toolRegistry(ctx)
	if err != nil {
		return err
	}
	registry.SetObserver(m)

	loop := res.agentLoop(registry)
	loop.SetUsageRecorder(ledger, cfg.Pricing)
	loop.SetObserver(m)

	sender := whatsapp.NewTwilioSender(cfg.Twilio.BaseURL, cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.WhatsAppNumber, logger)
	bridge := whatsapp.NewBridge(whatsapp.BridgeConfig{
		Store:    store,
		Context:  conversation.NewBuilder(store, logger),
		Runner:   loop,
		Sender:   sender,
		Policy:   cfg.Policy,
		Timeouts: cfg.Timeouts,
		WhatsApp: cfg.WhatsApp,
		Metrics:  m,
		Logger:   logger,
	})
	webhook := whatsapp.NewWebhook(bridge, cfg.Twilio, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, webhook, logger)
	server.SetMessageStore(store)
	server.SetUsageReporter(ledger)
	server.SetMetricsHandler(m.Handler())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor := health.NewMonitor(logger)
	monitor.SetObserver(m)
	res.watchDependencies(ctx, monitor, sender)
	server.SetHealthReporter(monitor)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.Handle)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	err = server.Start(ctx)
	cancel()
	monitor.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Asesor stopped")
	return nil
}

// runAsk builds the context from the message log and runs the agent
// loop once for message as if phone had sent it. Tools run for real;
// nothing is logged or sent.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, phone, message string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cliLogger(stderr, cfg)
	if err != nil {
		return err
	}

	res, err := openResources(cfg, logger)
	if err != nil {
		return err
	}
	defer res.Close()

	store, err := res.messageStore(ctx)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	registry, err := res.toolRegistry(ctx)
	if err != nil {
		return err
	}
	loop := res.agentLoop(registry)

	sender := whatsapp.NormalizeSender(phone)
	history := conversation.NewBuilder(store, logger).Build(ctx, sender, cfg.Policy.HistoryLimit)

	resp, err := loop.Run(ctx, &agent.Request{
		SenderID:  sender,
		RequestID: "cli",
		Message:   message,
		History:   history,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return writeJSONOutput(stdout, resp)
	}
	fmt.Fprintln(stdout, resp.Text)
	if len(resp.ToolsUsed) > 0 {
		fmt.Fprintf(stderr, "tools: %s\n", strings.Join(resp.ToolsUsed, ", "))
	}
	return nil
}

// runHistory prints the sender's most recent logged messages.
func runHistory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, phone string, limit int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cliLogger(stderr, cfg)
	if err != nil {
		return err
	}
	res, err := openResources(cfg, logger)
	if err != nil {
		return err
	}
	defer res.Close()

	store, err := res.messageStore(ctx)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	records, err := store.RecentFor(ctx, whatsapp.NormalizeSender(phone), limit)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	if outputFmt == "json" {
		if records == nil {
			records = []messages.Record{}
		}
		return writeJSONOutput(stdout, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, "no messages")
		return nil
	}
	for _, rec := range records {
		arrow := "<"
		if rec.Direction == messages.Outbound {
			arrow = ">"
		}
		fmt.Fprintf(stdout, "%s %s %s\n", rec.Timestamp.In(res.loc).Format("2006-01-02 15:04"), arrow, rec.Body)
	}
	return nil
}

// runUsage prints token usage and cost for the last hours.
func runUsage(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, hours int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cliLogger(stderr, cfg)
	if err != nil {
		return err
	}
	res, err := openResources(cfg, logger)
	if err != nil {
		return err
	}
	defer res.Close()

	ledger, err := usage.NewStore(res.db)
	if err != nil {
		return fmt.Errorf("usage ledger: %w", err)
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	total, err := ledger.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := ledger.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		bySender, err := ledger.SummaryBySender(ctx, start, end)
		if err != nil {
			return err
		}
		return writeJSONOutput(stdout, map[string]any{
			"hours":     hours,
			"total":     total,
			"by_model":  byModel,
			"by_sender": bySender,
		})
	}

	fmt.Fprintf(stdout, "Last %dh: %d completions, %d input / %d output tokens, $%.4f\n",
		hours, total.TotalRecords, total.TotalInputTokens, total.TotalOutputTokens, total.TotalCostUSD)
	models := make([]string, 0, len(byModel))
	for name := range byModel {
		models = append(models, name)
	}
	sort.Strings(models)
	for _, name := range models {
		s := byModel[name]
		fmt.Fprintf(stdout, "  %-24s %6d  %9d / %-9d $%.4f\n",
			name, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
	}
	return nil
}

func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cliLogger logs to w at the configured level, but never quieter than
// warn.
func cliLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level := cfg.LogLevel
	if lvl, err := config.ParseLogLevel(level); err == nil && lvl >= slog.LevelWarn {
		level = "warn"
	}
	logger, err := config.NewLogger(w, level, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	return logger, nil
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
