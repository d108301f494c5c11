package reminder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"google.golang.org/api/option"
	"gopkg.in/gomail.v2"
)

const (
	ChannelWhatsApp = "whatsapp"
	ChannelPush     = "push"
	ChannelEmail    = "email"
)

var ErrNoRecipient = errors.New("no recipient")

type Message struct {
	Channel   string
	Recipient string
	Subject   string
	Body      string
	EntryID   string
}

type Provider interface {
	Send(ctx context.Context, msg Message) error
}

type ProviderConfig struct {
	Kind                string
	WebhookURL          string
	WebhookToken        string
	FirebaseCredentials string
	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	SMTPFrom            string
}

// NewProvider builds the provider for cfg.Kind. Unknown kinds and a webhook
// without a URL fall back to logging.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger *log.Logger) (Provider, error) {
	switch cfg.Kind {
	case "", "stub", "log":
		return logProvider{logger: logger}, nil
	case "noop":
		return noopProvider{}, nil
	case "fail":
		return failProvider{}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			logger.Warn("webhook provider without url, logging reminders instead")
			return logProvider{logger: logger}, nil
		}
		return newWebhookProvider(cfg.WebhookURL, cfg.WebhookToken), nil
	case "fcm":
		return newFCMProvider(ctx, cfg.FirebaseCredentials)
	case "smtp":
		return newSMTPProvider(cfg)
	default:
		if strings.HasPrefix(cfg.Kind, "http://") || strings.HasPrefix(cfg.Kind, "https://") {
			return newWebhookProvider(cfg.Kind, cfg.WebhookToken), nil
		}
		logger.Warn("unknown reminder provider, logging reminders instead", "kind", cfg.Kind)
		return logProvider{logger: logger}, nil
	}
}

// recipientFor picks the patient's address on the channel.
func recipientFor(channel string, patient models.Patient) string {
	switch channel {
	case ChannelPush:
		return patient.DeviceToken
	case ChannelEmail:
		return patient.Email
	default:
		return patient.Phone
	}
}

type logProvider struct {
	logger *log.Logger
}

func (p logProvider) Send(ctx context.Context, msg Message) error {
	p.logger.Info("send reminder", "channel", msg.Channel, "recipient", msg.Recipient, "entry_id", msg.EntryID, "body", msg.Body)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, msg Message) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, msg Message) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookProvider(url, token string) webhookProvider {
	return webhookProvider{url: url, token: token, client: &http.Client{Timeout: 15 * time.Second}}
}

// Send posts the message to the gateway. A 4xx answer will not improve on
// retry and is returned as permanent.
func (p webhookProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{
		"channel":   msg.Channel,
		"recipient": msg.Recipient,
		"message":   msg.Body,
		"reference": msg.EntryID,
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("gateway rejected request with %d", resp.StatusCode))
	}
	return nil
}

type fcmProvider struct {
	client *messaging.Client
}

func newFCMProvider(ctx context.Context, credentialsPath string) (Provider, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return fcmProvider{client: client}, nil
}

func (p fcmProvider) Send(ctx context.Context, msg Message) error {
	_, err := p.client.Send(ctx, &messaging.Message{
		Token: msg.Recipient,
		Notification: &messaging.Notification{
			Title: msg.Subject,
			Body:  msg.Body,
		},
		Data: map[string]string{
			"type":     "queue_reminder",
			"entry_id": msg.EntryID,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return backoff.Permanent(fmt.Errorf("send push: %w", err))
		}
		return fmt.Errorf("send push: %w", err)
	}
	return nil
}

type smtpProvider struct {
	dialer *gomail.Dialer
	from   string
}

func newSMTPProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.SMTPHost == "" || cfg.SMTPFrom == "" {
		return nil, errors.New("smtp provider requires SMTP_HOST and SMTP_FROM")
	}
	return smtpProvider{
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
		from:   cfg.SMTPFrom,
	}, nil
}

// Send dials per message; gomail has no context support so the attempt
// timeout only bounds the wait, not the dial itself.
func (p smtpProvider) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", p.from)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	done := make(chan error, 1)
	go func() { done <- p.dialer.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
