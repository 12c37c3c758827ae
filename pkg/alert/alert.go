// Package alert notifies operators when the engine needs a human decision,
// primarily edges held for manual contradiction review.
package alert

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/soundprediction/mnemosyne/pkg/config"
)

// Alerter sends operator notifications.
type Alerter interface {
	Alert(subject, message string) error
}

// EmailAlerter implements Alerter over SMTP.
type EmailAlerter struct {
	cfg config.AlertConfig
}

// NewEmailAlerter creates an email alerter from configuration.
func NewEmailAlerter(cfg config.AlertConfig) *EmailAlerter {
	return &EmailAlerter{cfg: cfg}
}

// Alert sends an email with the given subject and message. A disabled
// configuration makes this a no-op.
func (a *EmailAlerter) Alert(subject, message string) error {
	if !a.cfg.Enabled {
		return nil
	}

	auth := smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.SMTPHost)
	to := a.cfg.To
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		strings.Join(to, ","), subject, message))
	addr := fmt.Sprintf("%s:%d", a.cfg.SMTPHost, a.cfg.SMTPPort)

	if err := smtp.SendMail(addr, auth, a.cfg.From, to, msg); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}

// NoOpAlerter discards alerts. Used when alerting is disabled.
type NoOpAlerter struct{}

func (NoOpAlerter) Alert(subject, message string) error { return nil }
