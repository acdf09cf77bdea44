package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"agencydesk/internal/config"
)

// SMTPSender sends plain-text notification emails over SMTP.
type SMTPSender struct {
	server   string
	auth     smtp.Auth
	from     string
	fromName string
}

// NewSMTPSender builds a sender from config. Returns nil when the email
// channel is not configured, which the dispatcher treats as channel-off.
func NewSMTPSender(cfg *config.Config) *SMTPSender {
	if !cfg.EmailConfigured() {
		return nil
	}
	var auth smtp.Auth
	if cfg.Email.Username != "" {
		auth = smtp.PlainAuth("", cfg.Email.Username, cfg.Email.Password, cfg.Email.Host)
	}
	return &SMTPSender{
		server:   cfg.Email.Host + ":" + cfg.Email.Port,
		auth:     auth,
		from:     cfg.Email.From,
		fromName: cfg.Email.FromName,
	}
}

func (s *SMTPSender) Send(_ context.Context, to, subject, body string) error {
	from := s.from
	if s.fromName != "" {
		from = fmt.Sprintf("%s <%s>", s.fromName, s.from)
	}
	msg := []byte(fmt.Sprintf("To: %s\r\n"+
		"From: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s",
		to, from, subject, body))
	return smtp.SendMail(s.server, s.auth, s.from, []string{to}, msg)
}
