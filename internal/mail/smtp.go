// Package mail implements the email senders used by the notification dispatcher.
package mail

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	gomail "gopkg.in/mail.v2"

	"clinicjobs/pkg/logx"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	FromAddr string
	FromName string
	// SSL selects implicit TLS (port 465). Otherwise STARTTLS is used when offered.
	SSL           bool
	SkipTLSVerify bool
	Timeout       time.Duration
}

// SMTPSender sends multipart (HTML + plain text) messages.
type SMTPSender struct {
	cfg  SMTPConfig
	log  logx.Logger
	dial func(m ...*gomail.Message) error
}

func NewSMTPSender(cfg SMTPConfig, log logx.Logger) *SMTPSender {
	if strings.TrimSpace(cfg.FromAddr) == "" {
		cfg.FromAddr = "noreply@medanoclinic.com"
	}
	if strings.TrimSpace(cfg.FromName) == "" {
		cfg.FromName = "MedanoClinic"
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.SSL
	d.Timeout = cfg.Timeout
	if cfg.SkipTLSVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host} // opt-in, local relays only
	}

	return &SMTPSender{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "smtp")),
		dial: d.DialAndSend,
	}
}

// Send reports whether the relay accepted the message.
func (s *SMTPSender) Send(ctx context.Context, toEmail, toName, subject, htmlBody, textBody string) bool {
	if err := ctx.Err(); err != nil {
		s.log.Warn("smtp send skipped", logx.String("to", toEmail), logx.Err(err))
		return false
	}

	m := buildMessage(s.cfg.FromAddr, s.cfg.FromName, toEmail, toName, subject, htmlBody, textBody)

	done := make(chan error, 1)
	go func() { done <- s.dial(m) }()

	select {
	case <-ctx.Done():
		s.log.Warn("smtp send aborted", logx.String("to", toEmail), logx.String("subject", subject), logx.Err(ctx.Err()))
		return false
	case err := <-done:
		if err != nil {
			s.log.Error("smtp send failed", logx.String("to", toEmail), logx.String("subject", subject),
				logx.String("host", s.cfg.Host), logx.Int("port", s.cfg.Port), logx.Err(err))
			return false
		}
	}
	s.log.Info("email sent", logx.String("to", toEmail), logx.String("subject", subject))
	return true
}

func buildMessage(fromAddr, fromName, toEmail, toName, subject, htmlBody, textBody string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", fromAddr, fromName)
	if strings.TrimSpace(toName) == "" {
		toName = "Patient"
	}
	m.SetAddressHeader("To", toEmail, toName)
	m.SetHeader("Subject", subject)

	switch {
	case htmlBody != "" && textBody != "":
		m.SetBody("text/plain", textBody)
		m.AddAlternative("text/html", htmlBody)
	case htmlBody != "":
		m.SetBody("text/html", htmlBody)
	default:
		m.SetBody("text/plain", textBody)
	}
	return m
}

// LogSender only logs outgoing mail. Used when SMTP is not configured.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	return &LogSender{log: log.With(logx.String("comp", "mail.dryrun"))}
}

func (s *LogSender) Send(_ context.Context, toEmail, toName, subject, _, textBody string) bool {
	s.log.Info("email (dry run)", logx.String("to", toEmail), logx.String("name", toName),
		logx.String("subject", subject), logx.Int("text_len", len(textBody)))
	return true
}
