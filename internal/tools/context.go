package tools

import "context"

type contextKey string

const senderKey contextKey = "sender"

// WithSender adds the conversation's sender ID to the context so tools
// can attribute side effects to the client.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey, sender)
}

// SenderFromContext extracts the sender ID. Returns "" if not set.
func SenderFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(senderKey).(string); ok {
		return s
	}
	return ""
}
