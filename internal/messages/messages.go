// Package messages is the append-only conversation log. Every inbound
// and outbound WhatsApp message is recorded here, keyed by sender, and
// the recent history is read back to build each agent turn.
package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message came from the client or was sent
// to them.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Record is one logged message. Records are never mutated once
// appended.
type Record struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	Direction  Direction `json:"direction"`
	Body       string    `json:"body"`
	ExternalID string    `json:"external_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is an append-only message log.
type Store interface {
	// Append records a message. ID and Timestamp are filled when empty.
	Append(ctx context.Context, rec Record) error

	// RecentFor returns up to limit of the sender's most recent records,
	// oldest first, in append order.
	RecentFor(ctx context.Context, senderID string, limit int) ([]Record, error)
}

// prepare fills the ID and timestamp of a record about to be appended.
func prepare(rec Record, now time.Time) (Record, error) {
	if rec.SenderID == "" {
		return rec, fmt.Errorf("message record has no sender")
	}
	if rec.Direction != Inbound && rec.Direction != Outbound {
		return rec, fmt.Errorf("invalid message direction %q", rec.Direction)
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return rec, fmt.Errorf("generate message ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	return rec, nil
}
