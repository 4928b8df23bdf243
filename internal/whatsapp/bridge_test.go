package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/asesor/internal/agent"
	"github.com/nugget/asesor/internal/apperr"
	"github.com/nugget/asesor/internal/config"
	"github.com/nugget/asesor/internal/conversation"
	"github.com/nugget/asesor/internal/messages"
	"github.com/nugget/asesor/internal/metrics"
	"github.com/nugget/asesor/internal/prompts"
)

// memStore is an in-memory message log.
type memStore struct {
	mu      sync.Mutex
	records []messages.Record
	err     error
}

func (m *memStore) Append(_ context.Context, rec messages.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) RecentFor(_ context.Context, sender string, limit int) ([]messages.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []messages.Record
	for _, r := range m.records {
		if r.SenderID == sender {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) all() []messages.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]messages.Record(nil), m.records...)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	to    []string
	err   error
	count int
}

func (f *fakeSender) Send(_ context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.count++
	f.to = append(f.to, to)
	f.sent = append(f.sent, body)
	return fmt.Sprintf("SM-out-%d", f.count), nil
}

// testRunner records Run calls and returns a canned response.
type testRunner struct {
	mu    sync.Mutex
	reqs  []*agent.Request
	resp  *agent.Response
	err   error
	delay time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (r *testRunner) Run(_ context.Context, req *agent.Request) (*agent.Response, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.resp, r.err
}

func (r *testRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func boolPtr(b bool) *bool { return &b }

func bridgeHelper(t *testing.T, opts ...func(*BridgeConfig)) (*Bridge, *memStore, *fakeSender, *testRunner) {
	t.Helper()
	store := &memStore{}
	sender := &fakeSender{}
	runner := &testRunner{resp: &agent.Response{Text: "¿En qué zona te interesa?", Outcome: agent.OutcomeAnswered}}

	cfg := BridgeConfig{
		Store:   store,
		Context: conversation.NewBuilder(store, nil),
		Runner:  runner,
		Sender:  sender,
		Policy: config.PolicyConfig{
			HistoryLimit:     10,
			GreetingPatterns: prompts.DefaultGreetingPatterns,
		},
		Timeouts: config.TimeoutsConfig{Handle: 5 * time.Second, Send: time.Second, Store: time.Second},
		Metrics:  metrics.New(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewBridge(cfg), store, sender, runner
}

func TestHandle_MissingParams(t *testing.T) {
	tests := []Inbound{
		{Body: "", From: "whatsapp:+5213312345678"},
		{Body: "   ", From: "whatsapp:+5213312345678"},
		{Body: "hola", From: ""},
		{Body: "hola", From: "whatsapp:"},
	}
	for _, in := range tests {
		b, store, sender, _ := bridgeHelper(t)
		_, err := b.Handle(context.Background(), in)
		if apperr.KindOf(err) != apperr.Validation {
			t.Errorf("%+v: err = %v, want validation", in, err)
		}
		if len(store.all()) != 0 || len(sender.sent) != 0 {
			t.Errorf("%+v: nothing should be logged or sent", in)
		}
	}
}

func TestHandle_GreetingFastPath(t *testing.T) {
	for _, body := range []string{"Hola", "  HOLA  ", "hola!", "Buenos Días", "👋", "Qué tal"} {
		t.Run(body, func(t *testing.T) {
			b, store, sender, runner := bridgeHelper(t)

			res, err := b.Handle(context.Background(), Inbound{Body: body, From: "whatsapp:+5213312345678", MessageSID: "SM1"})
			if err != nil {
				t.Fatal(err)
			}
			if !res.Direct || res.SID != "SM-out-1" || res.Reply != prompts.DefaultGreeting {
				t.Errorf("result = %+v", res)
			}
			if runner.calls() != 0 {
				t.Error("greeting reached the agent")
			}

			recs := store.all()
			if len(recs) != 2 {
				t.Fatalf("records = %d, want 2", len(recs))
			}
			if recs[0].Direction != messages.Inbound || recs[0].Body != body || recs[0].ExternalID != "SM1" {
				t.Errorf("inbound = %+v", recs[0])
			}
			if recs[1].Direction != messages.Outbound || recs[1].Body != prompts.DefaultGreeting || recs[1].ExternalID != "SM-out-1" {
				t.Errorf("outbound = %+v", recs[1])
			}
			if len(sender.to) != 1 || sender.to[0] != "+5213312345678" {
				t.Errorf("sent to %v", sender.to)
			}
		})
	}
}

func TestHandle_GreetingRandom(t *testing.T) {
	b, _, _, _ := bridgeHelper(t, func(c *BridgeConfig) {
		c.Policy.GreetingRandom = true
	})
	b.greeter.intn = func(n int) int { return n - 1 }

	res, err := b.Handle(context.Background(), Inbound{Body: "hi", From: "whatsapp:+1"})
	if err != nil {
		t.Fatal(err)
	}
	if want := prompts.DefaultGreetings[len(prompts.DefaultGreetings)-1]; res.Reply != want {
		t.Errorf("reply = %q, want %q", res.Reply, want)
	}
}

func TestHandle_GreetingNotExactGoesToAgent(t *testing.T) {
	for _, body := range []string{"hola, busco casa", "holaa", "hola hola"} {
		b, _, _, runner := bridgeHelper(t)
		res, err := b.Handle(context.Background(), Inbound{Body: body, From: "whatsapp:+1"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Direct || runner.calls() != 1 {
			t.Errorf("%q: direct=%v agent calls=%d", body, res.Direct, runner.calls())
		}
	}
}

func TestHandle_FastPathDisabled(t *testing.T) {
	b, _, _, runner := bridgeHelper(t, func(c *BridgeConfig) {
		c.Policy.GreetingFastPath = boolPtr(false)
	})
	if _, err := b.Handle(context.Background(), Inbound{Body: "Hola", From: "whatsapp:+1"}); err != nil {
		t.Fatal(err)
	}
	if runner.calls() != 1 {
		t.Error("agent should handle greetings when the fast path is off")
	}
}

func TestHandle_AgentPath(t *testing.T) {
	b, store, sender, runner := bridgeHelper(t)
	store.records = []messages.Record{
		{SenderID: "+5213312345678", Direction: messages.Inbound, Body: "Busco terreno"},
		{SenderID: "+5213312345678", Direction: messages.Outbound, Body: "¿Presupuesto?"},
		{SenderID: "+5210000000000", Direction: messages.Inbound, Body: "otro cliente"},
	}

	res, err := b.Handle(context.Background(), Inbound{Body: "hasta 2 millones", From: "whatsapp:+5213312345678", MessageSID: "SM9"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Direct || res.SID != "SM-out-1" || sender.sent[0] != "¿En qué zona te interesa?" {
		t.Errorf("result = %+v sent = %v", res, sender.sent)
	}

	req := runner.reqs[0]
	if req.SenderID != "+5213312345678" || req.RequestID != "SM9" || req.Message != "hasta 2 millones" {
		t.Errorf("agent request = %+v", req)
	}
	if n := len(req.History.Turns); n != 3 {
		t.Errorf("history turns = %d, want 3 (two prior plus the logged inbound)", n)
	}

	recs := store.all()
	last := recs[len(recs)-1]
	if last.Direction != messages.Outbound || last.ExternalID != "SM-out-1" {
		t.Errorf("outbound record = %+v", last)
	}
	if got := len(recs); got != 5 {
		t.Errorf("records = %d, want 5", got)
	}
}

func TestHandle_AgentFailureKeepsInbound(t *testing.T) {
	b, store, sender, runner := bridgeHelper(t)
	runner.err = apperr.Errorf(apperr.Downstream, "anthropic", "status 529")

	_, err := b.Handle(context.Background(), Inbound{Body: "precio?", From: "whatsapp:+1"})
	if err == nil || apperr.HTTPStatus(err) != 500 {
		t.Fatalf("err = %v", err)
	}
	recs := store.all()
	if len(recs) != 1 || recs[0].Direction != messages.Inbound {
		t.Errorf("records = %+v", recs)
	}
	if len(sender.sent) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestHandle_SendFailure(t *testing.T) {
	b, store, sender, _ := bridgeHelper(t)
	sender.err = errors.New("twilio 503")

	_, err := b.Handle(context.Background(), Inbound{Body: "precio?", From: "whatsapp:+1"})
	if apperr.KindOf(err) != apperr.Downstream {
		t.Fatalf("err = %v", err)
	}
	if recs := store.all(); len(recs) != 1 {
		t.Errorf("outbound should not be logged after a failed send, records = %d", len(recs))
	}
}

func TestHandle_StoreFailureDoesNotBlockReply(t *testing.T) {
	b, store, sender, _ := bridgeHelper(t)
	store.err = errors.New("sheets 503")

	if _, err := b.Handle(context.Background(), Inbound{Body: "precio?", From: "whatsapp:+1"}); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Error("reply should still be sent")
	}
}

func TestHandle_RateLimit(t *testing.T) {
	b, store, _, runner := bridgeHelper(t, func(c *BridgeConfig) {
		c.WhatsApp.RateLimit = 2
	})
	ctx := context.Background()
	from := "whatsapp:+5213312345678"

	for i := range 2 {
		if _, err := b.Handle(ctx, Inbound{Body: fmt.Sprintf("mensaje %d", i), From: from}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := b.Handle(ctx, Inbound{Body: "mensaje 3", From: from})
	if apperr.KindOf(err) != apperr.RateLimited {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if runner.calls() != 2 {
		t.Errorf("agent calls = %d", runner.calls())
	}

	inbound := 0
	for _, r := range store.all() {
		if r.Direction == messages.Inbound {
			inbound++
		}
	}
	if inbound != 3 {
		t.Errorf("inbound records = %d, want 3 (limited message still logged)", inbound)
	}

	if _, err := b.Handle(ctx, Inbound{Body: "otro", From: "whatsapp:+5210000000000"}); err != nil {
		t.Errorf("other sender limited: %v", err)
	}

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := b.Handle(ctx, Inbound{Body: "después", From: from}); err != nil {
		t.Errorf("window did not slide: %v", err)
	}
}

func TestHandle_SerializesPerSender(t *testing.T) {
	b, _, _, runner := bridgeHelper(t)
	runner.delay = 30 * time.Millisecond

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Handle(context.Background(), Inbound{Body: fmt.Sprintf("m%d", i), From: "whatsapp:+1"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := runner.maxActive.Load(); got != 1 {
		t.Errorf("max concurrent runs for one sender = %d, want 1", got)
	}
	if b.serial.size() != 0 {
		t.Errorf("keyed locks leaked: %d", b.serial.size())
	}
}

func TestHandle_SerializedWaitBoundedByHandleTimeout(t *testing.T) {
	b, store, sender, runner := bridgeHelper(t, func(c *BridgeConfig) {
		c.Timeouts.Handle = 50 * time.Millisecond
	})
	runner.delay = 300 * time.Millisecond

	first := make(chan error, 1)
	go func() {
		_, err := b.Handle(context.Background(), Inbound{Body: "primero", From: "whatsapp:+1", MessageSID: "SM1"})
		first <- err
	}()
	for runner.active.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	_, err := b.Handle(context.Background(), Inbound{Body: "segundo", From: "whatsapp:+1", MessageSID: "SM2"})
	if err == nil {
		t.Fatal("second delivery should give up waiting for the first")
	}
	if apperr.KindOf(err) != apperr.Internal {
		t.Errorf("kind = %v, want internal", apperr.KindOf(err))
	}
	if waited := time.Since(start); waited > 250*time.Millisecond {
		t.Errorf("second delivery waited %v, past its handle timeout", waited)
	}

	if err := <-first; err != nil {
		t.Errorf("first delivery: %v", err)
	}
	if runner.calls() != 1 || len(sender.sent) != 1 {
		t.Errorf("runs = %d, sends = %d, want 1 each", runner.calls(), len(sender.sent))
	}
	// Both inbound messages are logged, plus the one reply.
	if n := len(store.all()); n != 3 {
		t.Errorf("records = %d, want 3", n)
	}
	if b.serial.size() != 0 {
		t.Errorf("keyed locks leaked: %d", b.serial.size())
	}
}

func TestHandle_ParallelWhenNotSerialized(t *testing.T) {
	b, _, _, runner := bridgeHelper(t, func(c *BridgeConfig) {
		c.WhatsApp.SerializePerSender = boolPtr(false)
	})
	runner.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Handle(context.Background(), Inbound{Body: fmt.Sprintf("m%d", i), From: "whatsapp:+1"})
		}()
	}
	wg.Wait()
	if runner.maxActive.Load() < 2 {
		t.Error("expected overlapping runs without serialization")
	}
}

func TestNormalizeSender(t *testing.T) {
	tests := map[string]string{
		"whatsapp:+5213312345678":   "+5213312345678",
		"WhatsApp:+5213312345678":   "+5213312345678",
		" whatsapp: +5213312345678": "+5213312345678",
		"+5213312345678":            "+5213312345678",
		"whatsapp:":                 "",
	}
	for in, want := range tests {
		if got := NormalizeSender(in); got != want {
			t.Errorf("NormalizeSender(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Address("+1"); got != "whatsapp:+1" {
		t.Errorf("Address = %q", got)
	}
	if got := Address("whatsapp:+1"); got != "whatsapp:+1" {
		t.Errorf("Address double prefix: %q", got)
	}
}
