package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// EmailConfig holds SMTP settings and the operator recipients.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool
	To       []string
	Timeout  time.Duration
}

// EmailNotifier mails alerts to the configured admins. It dials per send;
// failures are rare enough that a persistent SMTP connection is not kept.
type EmailNotifier struct {
	config EmailConfig
}

// NewEmailNotifier validates cfg and returns a notifier.
func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("email notifier: no recipients")
	}
	return &EmailNotifier{config: cfg}, nil
}

// Notify sends subject and body as a plain text mail.
func (e *EmailNotifier) Notify(ctx context.Context, subject, body string) error {
	m, err := e.message(subject, body)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(e.config.Port),
	}
	if e.config.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(e.config.Timeout))
	}
	if e.config.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(e.config.Username))
		opts = append(opts, mail.WithPassword(e.config.Password))
	}
	if e.config.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(e.config.Host, opts...)
	if err != nil {
		return fmt.Errorf("email notify: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email notify: %w", err)
	}
	return nil
}

func (e *EmailNotifier) message(subject, body string) (*mail.Msg, error) {
	// Strip CR/LF from subject to prevent header injection.
	subject = strings.NewReplacer("\r", "", "\n", "").Replace(subject)

	m := mail.NewMsg()
	if err := m.From(e.config.From); err != nil {
		return nil, fmt.Errorf("email notify: set from: %w", err)
	}
	if err := m.To(e.config.To...); err != nil {
		return nil, fmt.Errorf("email notify: set to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)
	return m, nil
}
