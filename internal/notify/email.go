package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/nugget/asesor/internal/config"
)

// smtpDialTimeout caps connection setup when ctx has no earlier deadline.
const smtpDialTimeout = 30 * time.Second

// sendFunc delivers a composed message. Replaced in tests.
type sendFunc func(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error

// Email sends an appointment summary to the sales inbox.
type Email struct {
	cfg    config.EmailNotifyConfig
	loc    *time.Location
	send   sendFunc
	logger *slog.Logger
}

// NewEmail returns an email notifier. Times are rendered in loc.
func NewEmail(cfg config.EmailNotifyConfig, loc *time.Location, logger *slog.Logger) *Email {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Email{cfg: cfg, loc: loc, send: SendMail, logger: logger}
}

// Name implements Notifier.
func (e *Email) Name() string { return "email" }

// Notify composes and sends the message.
func (e *Email) Notify(ctx context.Context, a Appointment) error {
	opts := composeOptions{
		From:    e.cfg.From,
		To:      e.cfg.To,
		Subject: fmt.Sprintf("Nueva cita: %s (%s)", a.Summary, a.Start.In(e.loc).Format("02/01/2006 15:04")),
		Body:    appointmentMarkdown(a, e.loc),
	}
	if e.cfg.CopyClient && a.ClientEmail != "" {
		opts.Cc = []string{a.ClientEmail}
	}

	msg, err := composeMessage(opts)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	recipients := collectRecipients(opts.To, opts.Cc)
	if err := e.send(ctx, e.cfg.SMTP, extractAddress(e.cfg.From), recipients, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	e.logger.Info("appointment email sent", "recipients", len(recipients), "event_id", a.EventID)
	return nil
}

// appointmentMarkdown renders the notification body.
func appointmentMarkdown(a Appointment, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", a.Summary)
	fmt.Fprintf(&b, "- **Fecha:** %s\n", a.Start.In(loc).Format("02/01/2006"))
	fmt.Fprintf(&b, "- **Horario:** %s a %s\n", a.Start.In(loc).Format("15:04"), a.End.In(loc).Format("15:04"))
	if a.ClientName != "" {
		fmt.Fprintf(&b, "- **Cliente:** %s\n", a.ClientName)
	}
	if a.ClientPhone != "" {
		fmt.Fprintf(&b, "- **Teléfono:** %s\n", a.ClientPhone)
	}
	if a.ClientEmail != "" {
		fmt.Fprintf(&b, "- **Email:** %s\n", a.ClientEmail)
	}
	if a.EventLink != "" {
		fmt.Fprintf(&b, "\n[Ver en el calendario](%s)\n", a.EventLink)
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Description)
	}
	return b.String()
}

type composeOptions struct {
	From    string
	To      []string
	Cc      []string
	Subject string
	Body    string // markdown
}

// composeMessage builds a multipart/alternative RFC 5322 message with
// a plain text and an HTML rendering of the markdown body.
func composeMessage(opts composeOptions) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := parseAddressList(opts.To)
	if err != nil {
		return nil, fmt.Errorf("parse to addresses: %w", err)
	}
	h.SetAddressList("To", to)

	if len(opts.Cc) > 0 {
		cc, err := parseAddressList(opts.Cc)
		if err != nil {
			return nil, fmt.Errorf("parse cc addresses: %w", err)
		}
		h.SetAddressList("Cc", cc)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	htmlBody, err := markdownToHTML(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", markdownToPlain(opts.Body)},
		{"text/html; charset=utf-8", htmlBody},
	}
	for _, part := range parts {
		var ph mail.InlineHeader
		ph.Set("Content-Type", part.contentType)
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", part.contentType, err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return nil, fmt.Errorf("write %s part: %w", part.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", part.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func parseAddressList(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
` + buf.String() + `
</body></html>`, nil
}

var (
	mdBold    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// markdownToPlain strips the formatting appointmentMarkdown produces.
func markdownToPlain(md string) string {
	s := mdLink.ReplaceAllString(md, "$1: $2")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// extractAddress returns the bare address from "Name <addr>" or "addr".
func extractAddress(s string) string {
	if addr, err := mail.ParseAddress(s); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(s)
}

// collectRecipients returns the unique bare addresses across lists.
func collectRecipients(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, a := range list {
			bare := strings.ToLower(extractAddress(a))
			if bare != "" && !seen[bare] {
				seen[bare] = true
				out = append(out, bare)
			}
		}
	}
	return out
}

// SendMail opens a connection to the SMTP server, authenticates when
// credentials are set, and delivers msg. StartTLS selects explicit TLS
// upgrade (587); otherwise the connection is TLS from the start (465).
func SendMail(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}
