package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/asesor/internal/health"
	"github.com/nugget/asesor/internal/messages"
	"github.com/nugget/asesor/internal/metrics"
	"github.com/nugget/asesor/internal/usage"
)

type brokenStore struct{}

func (brokenStore) Append(context.Context, messages.Record) error { return errors.New("down") }
func (brokenStore) RecentFor(context.Context, string, int) ([]messages.Record, error) {
	return nil, errors.New("down")
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var out map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec, out
}

func TestServer_WebhookRouting(t *testing.T) {
	var methods []string
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewServer("", 0, webhook, nil).Handler()

	for _, m := range []string{http.MethodPost, http.MethodGet} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(m, "/webhook/whatsapp", nil))
		if rec.Code != http.StatusNoContent {
			t.Errorf("%s status = %d", m, rec.Code)
		}
	}
	if len(methods) != 2 {
		t.Errorf("webhook saw %v, want both methods", methods)
	}
}

func TestServer_HealthAndVersion(t *testing.T) {
	h := NewServer("", 0, http.NotFoundHandler(), nil).Handler()

	rec, out := get(t, h, "/health")
	if rec.Code != http.StatusOK || out["status"] != "healthy" {
		t.Errorf("health = %d %v", rec.Code, out)
	}

	rec, out = get(t, h, "/v1/version")
	if rec.Code != http.StatusOK || out["version"] == nil || out["go_version"] == nil {
		t.Errorf("version = %d %v", rec.Code, out)
	}

	rec, out = get(t, h, "/")
	if rec.Code != http.StatusOK || out["name"] != "Asesor" {
		t.Errorf("root = %d %v", rec.Code, out)
	}

	rec, _ = get(t, h, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown path = %d", rec.Code)
	}
}

type staticHealth map[string]health.Status

func (h staticHealth) Status() map[string]health.Status { return h }
func (h staticHealth) Healthy() bool {
	for _, st := range h {
		if !st.Ready {
			return false
		}
	}
	return true
}

func TestServer_HealthDependencies(t *testing.T) {
	srv := NewServer("", 0, http.NotFoundHandler(), nil)
	srv.SetHealthReporter(staticHealth{
		"database": {Name: "database", Ready: true},
		"twilio":   {Name: "twilio", Failures: 3, LastError: "twilio 503: unavailable"},
	})

	rec, out := get(t, srv.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", out["status"])
	}
	deps := out["dependencies"].(map[string]any)
	twilio := deps["twilio"].(map[string]any)
	if twilio["ready"] != false || twilio["consecutive_failures"] != float64(3) {
		t.Errorf("twilio = %v", twilio)
	}
	if deps["database"].(map[string]any)["ready"] != true {
		t.Errorf("database = %v", deps["database"])
	}
}

func TestServer_Conversations(t *testing.T) {
	store, err := messages.NewSQLiteStore(openDB(t), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i, body := range []string{"Busco terreno", "¿En qué zona?", "Zapopan"} {
		dir := messages.Inbound
		if i%2 == 1 {
			dir = messages.Outbound
		}
		if err := store.Append(ctx, messages.Record{SenderID: "+5213312345678", Direction: dir, Body: body}); err != nil {
			t.Fatal(err)
		}
	}

	srv := NewServer("", 0, http.NotFoundHandler(), nil)
	srv.SetMessageStore(store)
	h := srv.Handler()

	rec, out := get(t, h, "/v1/conversations/+5213312345678?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["count"] != float64(2) {
		t.Errorf("count = %v", out["count"])
	}
	msgs := out["messages"].([]any)
	if last := msgs[1].(map[string]any); last["body"] != "Zapopan" || last["direction"] != "inbound" {
		t.Errorf("last = %v", last)
	}

	_, out = get(t, h, "/v1/conversations/+1")
	if out["count"] != float64(0) {
		t.Errorf("unknown sender count = %v", out["count"])
	}
	if msgs, ok := out["messages"].([]any); !ok || len(msgs) != 0 {
		t.Errorf("unknown sender messages = %v", out["messages"])
	}
}

func TestServer_ConversationsUnavailable(t *testing.T) {
	h := NewServer("", 0, http.NotFoundHandler(), nil).Handler()
	if rec, _ := get(t, h, "/v1/conversations/+1"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d", rec.Code)
	}

	srv := NewServer("", 0, http.NotFoundHandler(), nil)
	srv.SetMessageStore(brokenStore{})
	if rec, _ := get(t, srv.Handler(), "/v1/conversations/+1"); rec.Code != http.StatusBadGateway {
		t.Errorf("broken store status = %d", rec.Code)
	}
}

func TestServer_Usage(t *testing.T) {
	ledger, err := usage.NewStore(openDB(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Now()
	recs := []usage.Record{
		{Timestamp: now.Add(-time.Hour), Sender: "+5213311111111", Model: "claude-haiku-4-5", InputTokens: 1000, OutputTokens: 100, CostUSD: 0.0015},
		{Timestamp: now.Add(-2 * time.Hour), Sender: "+5213322222222", Model: "claude-haiku-4-5", InputTokens: 500, OutputTokens: 50, CostUSD: 0.00075},
		{Timestamp: now.Add(-72 * time.Hour), Sender: "+5213311111111", Model: "claude-sonnet-4-5", InputTokens: 9000, OutputTokens: 900},
	}
	for _, r := range recs {
		if err := ledger.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	srv := NewServer("", 0, http.NotFoundHandler(), nil)
	srv.SetUsageReporter(ledger)
	h := srv.Handler()

	rec, out := get(t, h, "/v1/usage?hours=24")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	total := out["total"].(map[string]any)
	if total["total_records"] != float64(2) || total["total_input_tokens"] != float64(1500) {
		t.Errorf("total = %v", total)
	}
	byModel := out["by_model"].(map[string]any)
	if _, ok := byModel["claude-sonnet-4-5"]; ok {
		t.Error("record outside the window was counted")
	}
	bySender := out["by_sender"].(map[string]any)
	if len(bySender) != 2 {
		t.Fatalf("by_sender = %v", bySender)
	}
	first := bySender["+5213311111111"].(map[string]any)
	if first["total_records"] != float64(1) || first["total_input_tokens"] != float64(1000) {
		t.Errorf("by_sender[+5213311111111] = %v", first)
	}

	_, out = get(t, h, "/v1/usage?hours=100")
	if out["total"].(map[string]any)["total_records"] != float64(3) {
		t.Errorf("wide window = %v", out["total"])
	}
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	m.Greetings.Inc()

	srv := NewServer("", 0, http.NotFoundHandler(), nil)
	srv.SetMetricsHandler(m.Handler())
	rec, _ := get(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "asesor_greeting_fast_path_total 1") {
		t.Errorf("metrics output missing greeting counter:\n%s", body)
	}

	// Without a metrics handler the route is absent.
	rec, _ = get(t, NewServer("", 0, http.NotFoundHandler(), nil).Handler(), "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unconfigured metrics status = %d", rec.Code)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := map[string]int{
		"/x":          7,
		"/x?n=3":      3,
		"/x?n=-1":     7,
		"/x?n=abc":    7,
		"/x?n=0":      0,
		"/x?other=10": 7,
	}
	for path, want := range tests {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if got := parseIntParam(r, "n", 7); got != want {
			t.Errorf("%s: got %d, want %d", path, got, want)
		}
	}
}
