package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/asesor/internal/httpkit"
)

// DefaultTwilioBaseURL is the Twilio REST API root.
const DefaultTwilioBaseURL = "https://api.twilio.com"

// channelPrefix qualifies WhatsApp addresses in Twilio.
const channelPrefix = "whatsapp:"

// TwilioSender sends WhatsApp messages through the Twilio Messages API.
type TwilioSender struct {
	baseURL    string
	accountSID string
	from       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTwilioSender creates a sender. from is the business WhatsApp
// number, with or without the "whatsapp:" prefix.
func NewTwilioSender(baseURL, accountSID, authToken, from string, logger *slog.Logger) *TwilioSender {
	if baseURL == "" {
		baseURL = DefaultTwilioBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		from:       Address(from),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithBasicAuth(accountSID, authToken),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "twilio"),
	}
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

// Send delivers body to the sender ID and returns the message SID.
func (s *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("From", s.from)
	form.Set("To", Address(to))
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, url.PathEscape(s.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var te twilioError
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		if json.Unmarshal([]byte(body), &te) == nil && te.Message != "" {
			return "", fmt.Errorf("twilio %d: %s (code %d)", resp.StatusCode, te.Message, te.Code)
		}
		return "", fmt.Errorf("twilio %d: %s", resp.StatusCode, body)
	}

	var msg twilioMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("decode twilio response: %w", err)
	}
	s.logger.Debug("message queued", "to", to, "sid", msg.SID, "status", msg.Status)
	return msg.SID, nil
}

// Ping fetches the account resource to confirm the API is reachable
// and the credentials are accepted.
func (s *TwilioSender) Ping(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", s.baseURL, url.PathEscape(s.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("twilio %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	return nil
}

// Address returns the "whatsapp:"-qualified form of a number.
func Address(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(strings.ToLower(number), channelPrefix) {
		return number
	}
	return channelPrefix + number
}

// NormalizeSender strips the channel prefix, leaving the bare number
// used as the sender ID.
func NormalizeSender(from string) string {
	from = strings.TrimSpace(from)
	if strings.HasPrefix(strings.ToLower(from), channelPrefix) {
		from = from[len(channelPrefix):]
	}
	return strings.TrimSpace(from)
}
