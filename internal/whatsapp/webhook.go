package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/nugget/asesor/internal/apperr"
	"github.com/nugget/asesor/internal/config"
)

// maxWebhookBody caps the inbound request size.
const maxWebhookBody = 1 << 20

// Handler is the part of Bridge the webhook needs.
type Handler interface {
	Handle(ctx context.Context, in Inbound) (*Result, error)
}

// Webhook serves Twilio's inbound WhatsApp callback.
type Webhook struct {
	handler   Handler
	validator *client.RequestValidator
	publicURL string
	logger    *slog.Logger
}

// NewWebhook creates the webhook handler. Signature checking is enabled
// when cfg.ValidateSignature is set.
func NewWebhook(h Handler, cfg config.TwilioConfig, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{
		handler:   h,
		publicURL: strings.TrimSpace(cfg.PublicURL),
		logger:    logger.With("component", "webhook"),
	}
	if cfg.ValidateSignature {
		v := client.NewRequestValidator(cfg.AuthToken)
		w.validator = &v
	}
	return w
}

type webhookPayload struct {
	Body       string `json:"Body"`
	From       string `json:"From"`
	MessageSID string `json:"MessageSid"`
}

// ServeHTTP implements http.Handler.
func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		wh.respond(w, http.StatusBadRequest, map[string]any{"error": "cuerpo ilegible"})
		return
	}

	payload, form, err := parsePayload(r.Header.Get("Content-Type"), raw)
	if err != nil {
		wh.respond(w, http.StatusBadRequest, map[string]any{"error": ErrMissingParams.Error()})
		return
	}

	if wh.validator != nil && !wh.validSignature(r, raw, form) {
		wh.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		wh.respond(w, http.StatusForbidden, map[string]any{"error": "Firma inválida"})
		return
	}

	// An accepted delivery runs to completion even if the provider
	// hangs up; the bridge's handle timeout bounds it.
	ctx := context.WithoutCancel(r.Context())
	res, err := wh.handler.Handle(ctx, Inbound{
		Body:       payload.Body,
		From:       payload.From,
		MessageSID: payload.MessageSID,
	})
	if err != nil {
		status := apperr.HTTPStatus(err)
		switch status {
		case http.StatusBadRequest:
			wh.respond(w, status, map[string]any{"error": ErrMissingParams.Error()})
		case http.StatusTooManyRequests:
			wh.respond(w, status, map[string]any{"error": "Demasiados mensajes", "message": err.Error()})
		default:
			wh.respond(w, status, map[string]any{"error": "Error en webhook", "message": err.Error()})
		}
		return
	}

	out := map[string]any{"success": true, "sid": res.SID}
	if res.Direct {
		out["direct"] = true
	}
	wh.respond(w, http.StatusOK, out)
}

// parsePayload decodes a form-encoded or JSON webhook body. The parsed
// form is returned for signature checking.
func parsePayload(contentType string, raw []byte) (webhookPayload, url.Values, error) {
	var p webhookPayload
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, nil, err
		}
		return p, nil, nil
	}

	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return p, nil, err
	}
	p.Body = form.Get("Body")
	p.From = form.Get("From")
	p.MessageSID = form.Get("MessageSid")
	if p.MessageSID == "" {
		p.MessageSID = form.Get("SmsMessageSid")
	}
	return p, form, nil
}

// validSignature checks X-Twilio-Signature against the URL Twilio
// called and the posted parameters.
func (wh *Webhook) validSignature(r *http.Request, raw []byte, form url.Values) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	u := wh.requestURL(r)
	if form == nil {
		return wh.validator.ValidateBody(u, raw, sig)
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return wh.validator.Validate(u, params, sig)
}

// requestURL returns the URL Twilio signed: the configured public
// webhook URL, or one rebuilt from the request.
func (wh *Webhook) requestURL(r *http.Request) string {
	if wh.publicURL != "" {
		return wh.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (wh *Webhook) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		wh.logger.Debug("failed to write JSON response", "error", err)
	}
}
