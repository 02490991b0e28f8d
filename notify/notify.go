// Package notify delivers one-time codes to principals out of band.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
)

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("code delivery not configured")

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// CodeMessage renders the email carrying a sign-in code.
func CodeMessage(to, code string, ttl time.Duration) Message {
	mins := int(ttl.Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return Message{
		To:      to,
		Subject: "Your sign-in code",
		Text:    fmt.Sprintf("Your sign-in code is %s. It expires in %d minutes.\n\nIf you did not try to sign in, change your password.", code, mins),
		HTML:    fmt.Sprintf("<p>Your sign-in code is <strong>%s</strong>.</p><p>It expires in %d minutes.</p><p>If you did not try to sign in, change your password.</p>", code, mins),
	}
}

// SMTPConfig describes the relay used by SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLSMode is "starttls" (default), "ssl" or "none".
	TLSMode string
}

// SMTPSender sends mail through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	dial func(d *mail.Dialer, m *mail.Message) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{
		cfg:  cfg,
		dial: func(d *mail.Dialer, m *mail.Message) error { return d.DialAndSend(m) },
	}
}

func (s *SMTPSender) message(msg Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m
}

func (s *SMTPSender) dialer() *mail.Dialer {
	d := mail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
	switch s.cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	default:
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return d
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := logger.From(ctx)
	if err := s.dial(s.dialer(), s.message(msg)); err != nil {
		log.Error("smtp send failed", zap.String("host", s.cfg.Host), zap.Error(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	log.Debug("smtp send ok", zap.String("host", s.cfg.Host))
	return nil
}

// Recorder keeps messages in memory instead of sending them.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	Err  error
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Last returns the most recent message, if any.
func (r *Recorder) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}

// Disabled refuses every message.
type Disabled struct{}

func (Disabled) Send(context.Context, Message) error { return ErrNotConfigured }
