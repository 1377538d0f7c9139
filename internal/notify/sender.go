package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signgate/internal/config"
	"signgate/internal/logging"
)

type Message struct {
	To      string
	Subject string
	HTML    string
}

type Result struct {
	ID string
}

type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	log *zap.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) (Result, error) {
	_ = ctx
	id := uuid.NewString()
	logging.OrNop(s.log).Info("email not delivered (log sender)",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return Result{ID: id}, nil
}

type SMTPSender struct {
	host    string
	port    int
	from    string
	timeout time.Duration
}

func NewSender(cfg config.Config, log *zap.Logger) Sender {
	switch cfg.EmailSender {
	case "smtp":
		return SMTPSender{
			host:    cfg.SMTPHost,
			port:    cfg.SMTPPort,
			from:    cfg.EmailFrom,
			timeout: cfg.SMTPTimeout(),
		}
	default:
		return LogSender{log: log}
	}
}

func (s SMTPSender) Send(ctx context.Context, msg Message) (Result, error) {
	raw, id, err := composeMessage(s.from, msg, time.Now())
	if err != nil {
		return Result{}, err
	}
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("smtp dial: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return Result{}, fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}); err != nil {
			return Result{}, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if err := c.Mail(s.from); err != nil {
		return Result{}, fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return Result{}, fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return Result{}, fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return Result{}, fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("smtp close data: %w", err)
	}
	_ = c.Quit()
	return Result{ID: id}, nil
}

// composeMessage renders a single-part HTML message and returns its Message-Id.
func composeMessage(from string, msg Message, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("message id: %w", err)
	}
	id, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("compose message: %w", err)
	}
	if _, err := w.Write([]byte(msg.HTML)); err != nil {
		return nil, "", fmt.Errorf("compose message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("compose message: %w", err)
	}
	return buf.Bytes(), strings.Trim(id, "<>"), nil
}
