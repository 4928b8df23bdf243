// Package conversation turns a sender's logged messages into the turn
// sequence and transcript fed to the agent loop.
package conversation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nugget/asesor/internal/llm"
	"github.com/nugget/asesor/internal/messages"
	"github.com/nugget/asesor/internal/prompts"
)

// Context is the prior conversation for one sender.
type Context struct {
	// Turns are role-tagged turns in append order. Inbound messages
	// become user turns and outbound messages assistant turns.
	Turns []llm.Turn

	// Transcript renders the same history as "Cliente: ..." and
	// "Asesor: ..." lines.
	Transcript string
}

// Builder reads history from a message store.
type Builder struct {
	store  messages.Store
	logger *slog.Logger
}

// NewBuilder returns a builder over store.
func NewBuilder(store messages.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, logger: logger.With("component", "conversation")}
}

// Build returns up to limit of the sender's most recent messages as a
// Context. A store failure is logged and yields an empty Context, so
// an unavailable log degrades to a conversation without history.
func (b *Builder) Build(ctx context.Context, senderID string, limit int) Context {
	if limit <= 0 {
		return Context{}
	}
	records, err := b.store.RecentFor(ctx, senderID, limit)
	if err != nil {
		b.logger.Warn("history unavailable, continuing without context",
			"sender", senderID,
			"error", err,
		)
		return Context{}
	}
	c := FromRecords(records)
	b.logger.Debug("context built", "sender", senderID, "records", len(records), "turns", len(c.Turns))
	return c
}

// FromRecords maps records to turns, dropping empty bodies and
// records with an unknown direction.
func FromRecords(records []messages.Record) Context {
	var (
		turns []llm.Turn
		lines []string
	)
	for _, rec := range records {
		body := strings.TrimSpace(rec.Body)
		if body == "" {
			continue
		}
		switch rec.Direction {
		case messages.Inbound:
			turns = append(turns, llm.TextTurn(llm.RoleUser, rec.Body))
			lines = append(lines, prompts.ClientLabel+": "+body)
		case messages.Outbound:
			turns = append(turns, llm.TextTurn(llm.RoleAssistant, rec.Body))
			lines = append(lines, prompts.AdvisorLabel+": "+body)
		}
	}
	return Context{Turns: turns, Transcript: strings.Join(lines, "\n")}
}
