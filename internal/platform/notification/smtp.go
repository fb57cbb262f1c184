package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/rs/zerolog"
)

// SMTPConfig configures the outbound mail relay.
type SMTPConfig struct {
	Addr     string // host:port
	Host     string // used for PLAIN auth; defaults to the host part of Addr
	Username string
	Password string
	From     string
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	auth smtp.Auth
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("smtp address is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail from address is required")
	}
	s := &SMTPSender{cfg: cfg}
	if cfg.Username != "" {
		host := cfg.Host
		if host == "" {
			h, _, err := net.SplitHostPort(cfg.Addr)
			if err != nil {
				return nil, fmt.Errorf("parse smtp address: %w", err)
			}
			host = h
		}
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return s, nil
}

func (s *SMTPSender) message(to, subject, body string) *email.Email {
	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = []string{to}
	e.Subject = subject
	e.Text = []byte(body)
	return e
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.message(to, subject, body).Send(s.cfg.Addr, s.auth); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogSender writes messages to the log instead of sending them. It is used
// when no SMTP relay is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "mail").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Msg("email not sent: no smtp relay configured")
	return nil
}
