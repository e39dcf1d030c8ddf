// Package email composes and delivers account notification messages.
package email

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/internetfriends/accounts/internal/platform/config"
)

// Config controls message addressing and the links embedded in messages.
type Config struct {
	From          string `env:"ACCOUNTS_EMAIL_FROM"            envDefault:"no-reply@internetfriends.xyz"`
	VerifyBaseURL string `env:"ACCOUNTS_EMAIL_VERIFY_BASE_URL" envDefault:"http://localhost:8080/email/confirm"`
	ResetBaseURL  string `env:"ACCOUNTS_EMAIL_RESET_BASE_URL"  envDefault:"http://localhost:8080/password/reset"`
}

// LoadConfigFromEnv returns email configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{
			From:          "no-reply@internetfriends.xyz",
			VerifyBaseURL: "http://localhost:8080/email/confirm",
			ResetBaseURL:  "http://localhost:8080/password/reset",
		}
	}
	return cfg
}

// Message is a single outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Sender delivers messages. Deployments plug their provider in here.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// LogSender writes messages to the process log instead of delivering them.
// It is the default so local and CI environments never need a mail provider.
type LogSender struct {
	Logger *log.Logger
}

// Send logs the message.
func (s LogSender) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("email to=%s subject=%q body=%q", message.To, message.Subject, message.Body)
	return nil
}

// Mailer sends the account lifecycle messages.
type Mailer struct {
	config Config
	sender Sender
}

// NewMailer builds a mailer. A nil sender falls back to log delivery.
func NewMailer(cfg Config, sender Sender) *Mailer {
	if sender == nil {
		sender = LogSender{}
	}
	return &Mailer{config: cfg, sender: sender}
}

// SendVerification mails the address-confirmation link for a fresh account.
func (m *Mailer) SendVerification(ctx context.Context, to, token string) error {
	if m == nil || m.sender == nil {
		return fmt.Errorf("mail sender is not configured")
	}
	link, err := buildTokenURL(m.config.VerifyBaseURL, token)
	if err != nil {
		return fmt.Errorf("build verification link: %w", err)
	}
	return m.sender.Send(ctx, Message{
		From:    m.config.From,
		To:      to,
		Subject: "Confirm your email address",
		Body:    fmt.Sprintf("Confirm your email address by visiting %s", link),
	})
}

// SendPasswordReset mails the one-time reset link.
func (m *Mailer) SendPasswordReset(ctx context.Context, to, token string) error {
	if m == nil || m.sender == nil {
		return fmt.Errorf("mail sender is not configured")
	}
	link, err := buildTokenURL(m.config.ResetBaseURL, token)
	if err != nil {
		return fmt.Errorf("build reset link: %w", err)
	}
	return m.sender.Send(ctx, Message{
		From:    m.config.From,
		To:      to,
		Subject: "Reset your password",
		Body:    fmt.Sprintf("Reset your password by visiting %s", link),
	})
}

func buildTokenURL(base string, token string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
