package knowledge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/asesor/internal/httpkit"
)

// DefaultMaxBytes bounds the response body read from a catalog URL.
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// URLSource reads the catalog from a web page or published document.
type URLSource struct {
	url      string
	client   *http.Client
	maxBytes int64
	maxChars int
	logger   *slog.Logger
}

// NewURLSource returns a source for url. A nil client gets the shared
// httpkit defaults.
func NewURLSource(url string, client *http.Client, logger *slog.Logger) *URLSource {
	if client == nil {
		client = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &URLSource{
		url:      url,
		client:   client,
		maxBytes: DefaultMaxBytes,
		maxChars: DefaultMaxChars,
		logger:   logger.With("component", "knowledge", "backend", "url"),
	}
}

// Lookup downloads the page and extracts its text.
func (u *URLSource) Lookup(ctx context.Context, query string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return "", fmt.Errorf("catalog url: %w", err)
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch catalog: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("fetch catalog: status %d: %s", resp.StatusCode, body)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, u.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read catalog: %w", err)
	}
	u.logger.Debug("catalog fetched", "url", u.url, "bytes", len(body), "query", query)

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "html") || (ct == "" && strings.Contains(strings.ToLower(string(body[:min(len(body), 512)])), "<html")) {
		return finish(htmlText(string(body)), u.maxChars)
	}
	return finish(string(body), u.maxChars)
}
