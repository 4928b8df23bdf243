// Package api implements the HTTP surface: the Twilio webhook plus
// health, version, metrics, and read-only introspection endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/asesor/internal/buildinfo"
	"github.com/nugget/asesor/internal/health"
	"github.com/nugget/asesor/internal/messages"
	"github.com/nugget/asesor/internal/usage"
)

// defaultHistoryLimit is used when /v1/conversations has no limit.
const defaultHistoryLimit = 20

// maxHistoryLimit caps the limit query parameter.
const maxHistoryLimit = 500

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// UsageReporter summarizes token usage over a time window. The real
// implementation is *usage.Store.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryBySender(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports dependency reachability. The real
// implementation is *health.Monitor.
type HealthReporter interface {
	Status() map[string]health.Status
	Healthy() bool
}

// Server is the HTTP server.
type Server struct {
	address string
	port    int
	webhook http.Handler
	logger  *slog.Logger
	server  *http.Server

	messages messages.Store
	usage    UsageReporter
	metrics  http.Handler
	health   HealthReporter
}

// NewServer creates a server that routes Twilio callbacks to webhook.
func NewServer(address string, port int, webhook http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		webhook: webhook,
		logger:  logger.With("component", "api"),
	}
}

// SetMessageStore enables the conversation introspection endpoint.
func (s *Server) SetMessageStore(store messages.Store) {
	s.messages = store
}

// SetUsageReporter enables the usage summary endpoint.
func (s *Server) SetUsageReporter(u UsageReporter) {
	s.usage = u
}

// SetMetricsHandler enables GET /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetHealthReporter adds dependency status to GET /health.
func (s *Server) SetHealthReporter(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// No method pattern: the webhook answers non-POST with its own 405.
	mux.Handle("/webhook/whatsapp", s.webhook)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/conversations/{sender}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Asesor",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth answers 200 even when a dependency is down so the
// process is not restarted over an upstream outage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":       status,
		"dependencies": s.health.Status(),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "message store not configured")
		return
	}

	sender := r.PathValue("sender")
	limit := min(parseIntParam(r, "limit", defaultHistoryLimit), maxHistoryLimit)

	records, err := s.messages.RecentFor(r.Context(), sender, limit)
	if err != nil {
		s.logger.Error("history query failed", "sender", sender, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "message store unavailable")
		return
	}
	if records == nil {
		records = []messages.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sender":   sender,
		"messages": records,
		"count":    len(records),
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	if hours == 0 {
		hours = 24
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	bySender, err := s.usage.SummaryBySender(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary by sender failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"hours":     hours,
		"start":     start.UTC().Format(time.RFC3339),
		"end":       end.UTC().Format(time.RFC3339),
		"total":     total,
		"by_model":  byModel,
		"by_sender": bySender,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
