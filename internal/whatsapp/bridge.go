// Package whatsapp is the channel adapter between Twilio's WhatsApp
// webhook and the agent. It logs every message, answers bare greetings
// directly, and otherwise builds the conversation context, runs the
// agent loop, and sends the reply.
package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/asesor/internal/agent"
	"github.com/nugget/asesor/internal/apperr"
	"github.com/nugget/asesor/internal/config"
	"github.com/nugget/asesor/internal/conversation"
	"github.com/nugget/asesor/internal/messages"
	"github.com/nugget/asesor/internal/metrics"
)

// AgentRunner abstracts the agent loop for testability. The real
// implementation is *agent.Loop.
type AgentRunner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// ContextBuilder assembles prior turns for a sender. The real
// implementation is *conversation.Builder.
type ContextBuilder interface {
	Build(ctx context.Context, senderID string, limit int) conversation.Context
}

// Sender delivers an outbound message and returns its delivery ID.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// ErrMissingParams is returned for an inbound message without a body
// or sender.
var ErrMissingParams = errors.New("Faltan parámetros")

// Inbound is one message delivered by the webhook.
type Inbound struct {
	Body       string
	From       string
	MessageSID string
}

// Result describes how an inbound message was answered.
type Result struct {
	SID    string `json:"sid"`
	Direct bool   `json:"direct,omitempty"`
	Reply  string `json:"-"`
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Store    messages.Store
	Context  ContextBuilder
	Runner   AgentRunner
	Sender   Sender
	Policy   config.PolicyConfig
	Timeouts config.TimeoutsConfig
	WhatsApp config.WhatsAppConfig
	Metrics  *metrics.Metrics // optional
	Logger   *slog.Logger
}

// Bridge handles inbound WhatsApp messages.
type Bridge struct {
	store    messages.Store
	context  ContextBuilder
	runner   AgentRunner
	sender   Sender
	policy   config.PolicyConfig
	timeouts config.TimeoutsConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	greeter  *greeter

	rateLimit int
	serial    *keyedMutex // nil when senders are not serialized

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
	now         func() time.Time
}

// NewBridge creates a WhatsApp bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		store:       cfg.Store,
		context:     cfg.Context,
		runner:      cfg.Runner,
		sender:      cfg.Sender,
		policy:      cfg.Policy,
		timeouts:    cfg.Timeouts,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "whatsapp"),
		greeter:     newGreeter(cfg.Policy.GreetingPatterns, cfg.Policy.Greetings, cfg.Policy.GreetingRandom),
		rateLimit:   cfg.WhatsApp.RateLimit,
		senderTimes: make(map[string][]time.Time),
		now:         time.Now,
	}
	if cfg.WhatsApp.Serialize() {
		b.serial = newKeyedMutex()
	}
	return b
}

// Handle processes one inbound message end to end. The returned error
// is classified with apperr so the webhook can pick a status code.
func (b *Bridge) Handle(ctx context.Context, in Inbound) (*Result, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" || strings.TrimSpace(in.From) == "" {
		return nil, apperr.New(apperr.Validation, "whatsapp inbound", ErrMissingParams)
	}
	sender := NormalizeSender(in.From)
	if sender == "" {
		return nil, apperr.New(apperr.Validation, "whatsapp inbound", ErrMissingParams)
	}

	if b.timeouts.Handle > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeouts.Handle)
		defer cancel()
	}
	start := b.now()
	defer func() {
		if b.metrics != nil {
			b.metrics.HandleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	b.logger.Info("whatsapp message received",
		"sender", sender,
		"message_sid", in.MessageSID,
		"message_len", len(in.Body),
	)

	// The inbound log comes first so the conversation record is
	// complete even when everything after it fails.
	b.logMessage(ctx, messages.Record{
		SenderID:   sender,
		Direction:  messages.Inbound,
		Body:       in.Body,
		ExternalID: in.MessageSID,
	})

	if !b.allowSender(sender) {
		b.logger.Warn("whatsapp message rate-limited", "sender", sender)
		if b.metrics != nil {
			b.metrics.RateLimited.Inc()
		}
		return nil, apperr.Errorf(apperr.RateLimited, "whatsapp inbound", "sender %s exceeded %d messages per minute", sender, b.rateLimit)
	}

	if b.serial != nil {
		unlock, err := b.serial.Lock(ctx, sender)
		if err != nil {
			b.logger.Warn("gave up waiting for earlier message from sender", "sender", sender, "error", err)
			return nil, apperr.New(apperr.Internal, "wait for sender", err)
		}
		defer unlock()
	}

	res := &Result{}
	if b.policy.FastPathEnabled() && b.greeter.match(body) {
		res.Reply = b.greeter.reply()
		res.Direct = true
		if b.metrics != nil {
			b.metrics.Greetings.Inc()
		}
		b.logger.Info("greeting answered directly", "sender", sender)
	} else {
		storeCtx, cancel := b.withStoreTimeout(ctx)
		history := b.context.Build(storeCtx, sender, b.policy.HistoryLimit)
		cancel()
		resp, err := b.runner.Run(ctx, &agent.Request{
			SenderID:  sender,
			RequestID: in.MessageSID,
			Message:   in.Body,
			History:   history,
		})
		if err != nil {
			b.logger.Error("whatsapp agent run failed", "sender", sender, "error", err)
			return nil, apperr.New(apperr.KindOf(err), "agent run", err)
		}
		res.Reply = resp.Text
		b.logger.Info("whatsapp agent run completed",
			"sender", sender,
			"outcome", resp.Outcome,
			"tools", resp.ToolsUsed,
			"response_len", len(resp.Text),
		)
	}

	sendCtx := ctx
	if b.timeouts.Send > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, b.timeouts.Send)
		defer cancel()
	}
	sid, err := b.sender.Send(sendCtx, sender, res.Reply)
	if err != nil {
		if b.metrics != nil {
			b.metrics.SendFailures.Inc()
		}
		b.logger.Error("whatsapp reply send failed", "sender", sender, "error", err)
		return nil, apperr.New(apperr.Downstream, "send reply", err)
	}
	res.SID = sid

	b.logMessage(ctx, messages.Record{
		SenderID:   sender,
		Direction:  messages.Outbound,
		Body:       res.Reply,
		ExternalID: sid,
	})

	b.logger.Info("whatsapp reply sent",
		"sender", sender,
		"sid", sid,
		"direct", res.Direct,
	)
	return res, nil
}

// logMessage appends to the message log. Failures are logged only.
func (b *Bridge) logMessage(ctx context.Context, rec messages.Record) {
	ctx, cancel := b.withStoreTimeout(ctx)
	defer cancel()
	if err := b.store.Append(ctx, rec); err != nil {
		b.logger.Error("message log append failed",
			"sender", rec.SenderID,
			"direction", rec.Direction,
			"error", err,
		)
		return
	}
	if b.metrics != nil {
		b.metrics.Messages.WithLabelValues(string(rec.Direction)).Inc()
	}
}

// withStoreTimeout bounds a message store call.
func (b *Bridge) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeouts.Store <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeouts.Store)
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := b.now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}
