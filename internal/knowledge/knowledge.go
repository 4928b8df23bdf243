// Package knowledge provides the read-only property catalog the agent
// consults. Every source returns its whole corpus; the query is passed
// along for logging and for sources that can use it.
package knowledge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultMaxChars caps the text handed to the model per lookup.
const DefaultMaxChars = 50000

// ErrEmpty is returned when a source produced no text.
var ErrEmpty = errors.New("knowledge source returned no content")

// Source looks up free-text content for a query.
type Source interface {
	Lookup(ctx context.Context, query string) (string, error)
}

// Cached wraps a Source and reuses its last successful result for ttl.
// The corpus does not depend on the query, so one entry suffices.
type Cached struct {
	src    Source
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	content string
	fetched time.Time
}

// NewCached returns a caching wrapper. A ttl of zero disables caching.
func NewCached(src Source, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{src: src, ttl: ttl, logger: logger, now: time.Now}
}

// Lookup returns the cached corpus or refreshes it from the wrapped
// source. A failed refresh serves the stale copy when there is one.
func (c *Cached) Lookup(ctx context.Context, query string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 && c.content != "" && c.now().Sub(c.fetched) < c.ttl {
		return c.content, nil
	}

	content, err := c.src.Lookup(ctx, query)
	if err != nil {
		if c.content != "" {
			c.logger.Warn("knowledge refresh failed, serving stale copy",
				"age", c.now().Sub(c.fetched).Round(time.Second), "error", err)
			return c.content, nil
		}
		return "", err
	}
	c.content = content
	c.fetched = c.now()
	return content, nil
}

// truncate trims s to at most maxChars runes.
func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}

// finish normalizes a source's output.
func finish(text string, maxChars int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}
	return truncate(text, maxChars), nil
}
