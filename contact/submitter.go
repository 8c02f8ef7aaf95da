package contact

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// Submitter delivers a valid contact form somewhere.
type Submitter interface {
	Submit(ctx context.Context, f Form) error
}

type SMTPConfig struct {
	Host     string `yaml:"host" koanf:"host"`
	Port     string `yaml:"port" koanf:"port"`
	Username string `yaml:"username" koanf:"username"`
	Password string `yaml:"password" koanf:"password"`
	// Address the messages are sent to.
	To string `yaml:"to" koanf:"to"`
}

// SMTPSubmitter mails the form to the site owner.
type SMTPSubmitter struct {
	config   SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSubmitter(config SMTPConfig) *SMTPSubmitter {
	if config.Port == "" {
		config.Port = "587"
	}
	return &SMTPSubmitter{config: config, sendMail: smtp.SendMail}
}

func (s *SMTPSubmitter) Submit(ctx context.Context, f Form) error {
	if s.config.Host == "" || s.config.Username == "" || s.config.Password == "" || s.config.To == "" {
		return fmt.Errorf("SMTP not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	addr := net.JoinHostPort(s.config.Host, s.config.Port)
	if err := s.sendMail(addr, auth, s.config.Username, []string{s.config.To}, s.message(f)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

func (s *SMTPSubmitter) message(f Form) []byte {
	body := fmt.Sprintf(`New contact form submission from your portfolio:

Name: %s
Email: %s
Subject: %s
Message:
%s

---
Sent from your portfolio contact form
`, f.Name, f.Email, f.Subject, f.Message)

	return []byte("To: " + s.config.To + "\r\n" +
		"Subject: Portfolio Contact: " + headerValue(f.Subject) + "\r\n" +
		"From: " + s.config.Username + "\r\n" +
		"Reply-To: " + headerValue(f.Email) + "\r\n" +
		"\r\n" +
		strings.ReplaceAll(body, "\n", "\r\n"))
}

// headerValue keeps user input from adding mail headers.
func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// MultiSubmitter submits to every submitter.
// It fails only if all of them fail. Partial failures are logged.
type MultiSubmitter struct {
	Submitters []Submitter
	Logger     *zerolog.Logger
}

func (m MultiSubmitter) Submit(ctx context.Context, f Form) error {
	if len(m.Submitters) == 0 {
		return fmt.Errorf("no submitters configured")
	}
	var errs []error
	for _, s := range m.Submitters {
		if err := s.Submit(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.Submitters) {
		return errors.Join(errs...)
	}
	if len(errs) > 0 && m.Logger != nil {
		m.Logger.Warn().Err(errors.Join(errs...)).Msg("Contact form only partially delivered")
	}
	return nil
}
