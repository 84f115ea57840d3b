package mail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eduhub/eduhub/internal/config"
)

const (
	ProviderSMTP     = "smtp"
	ProviderResend   = "resend"
	ProviderSendGrid = "sendgrid"
)

var ErrNotConfigured = errors.New("mail transport not configured")

type Message struct {
	To      string
	Subject string
	Text    string
}

// Sender delivers a single message through one transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Provider() string
}

// Status describes the configured transport for diagnostics.
type Status struct {
	Configured bool
	Provider   string
	FromEmail  string
}

// ResolveProvider applies transport precedence: SMTP, then Resend, then SendGrid.
// A from-address is required for every transport.
func ResolveProvider(cfg *config.MailConfig) string {
	if cfg.FromEmail == "" {
		return ""
	}
	switch {
	case cfg.SMTPConfigured():
		return ProviderSMTP
	case cfg.ResendAPIKey != "":
		return ProviderResend
	case cfg.SendGridAPIKey != "":
		return ProviderSendGrid
	}
	return ""
}

func ResolveStatus(cfg *config.MailConfig) Status {
	provider := ResolveProvider(cfg)
	return Status{
		Configured: provider != "",
		Provider:   provider,
		FromEmail:  cfg.FromEmail,
	}
}

// NewSender builds the sender for the resolved provider, or returns ErrNotConfigured.
func NewSender(cfg *config.MailConfig) (Sender, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	switch ResolveProvider(cfg) {
	case ProviderSMTP:
		return NewSMTPSender(cfg), nil
	case ProviderResend:
		return NewResendSender(httpClient, cfg.ResendBaseURL, cfg.ResendAPIKey, formatFrom(cfg.FromName, cfg.FromEmail))
	case ProviderSendGrid:
		return NewSendGridSender(httpClient, cfg.SendGridHost, cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName), nil
	}
	return nil, ErrNotConfigured
}

func formatFrom(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
