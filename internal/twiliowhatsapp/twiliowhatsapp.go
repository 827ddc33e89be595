// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in ChatLoop.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioWhatsAppSender is an interface for sending WhatsApp messages through
// Twilio (for production and testing).
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendButtonsMessage(ctx context.Context, to string, body string, options []string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
// This focuses solely on Twilio API requirements
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: cfg.FromWhats,
	}, nil
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SendButtonsMessage sends a prompt with numbered reply options appended as
// text, since the Twilio Go SDK does not support WhatsApp buttons.
func (c *Client) SendButtonsMessage(ctx context.Context, to string, body string, options []string) error {
	return c.SendMessage(ctx, to, FormatButtonsAsText(body, options))
}

// FormatButtonsAsText renders a prompt body with its reply options as
// numbered lines.
func FormatButtonsAsText(body string, options []string) string {
	if len(options) == 0 {
		return body
	}
	var sb strings.Builder
	sb.WriteString(body)
	for i, opt := range options {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, opt)
	}
	return sb.String()
}

type MockClient struct {
	SentMessages []SentMessage
}

type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages: []SentMessage{},
	}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendButtonsMessage(ctx context.Context, to string, body string, options []string) error {
	return m.SendMessage(ctx, to, FormatButtonsAsText(body, options))
}
