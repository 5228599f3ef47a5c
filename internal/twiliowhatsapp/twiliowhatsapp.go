// Package twiliowhatsapp wraps the Twilio REST API for sending WhatsApp messages from ReelPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// AddressPrefix marks a Twilio address as a WhatsApp channel.
const AddressPrefix = "whatsapp:"

// TwilioWhatsAppSender is the outbound surface used by messaging.TwilioService.
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to, caption, mediaURL string) error
}

// Opts holds the Twilio account configuration.
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

// WithFromWhats sets the sender number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client sends WhatsApp messages through Twilio.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a client. Missing options fall back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
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
	return &Client{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		fromWhats: Address(cfg.FromWhats),
	}, nil
}

// Address returns number in Twilio's "whatsapp:+digits" form.
func Address(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, AddressPrefix) {
		return number
	}
	return AddressPrefix + number
}

func (c *Client) params(to, body string) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	return params
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if _, err := c.client.Api.CreateMessage(c.params(to, body)); err != nil {
		slog.Error("Twilio.SendMessage: create message failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio.SendMessage: sent", "to", to)
	return nil
}

// SendMedia sends mediaURL as an attachment with caption as the message body.
// Twilio fetches the media itself, so the URL must be publicly reachable.
func (c *Client) SendMedia(ctx context.Context, to, caption, mediaURL string) error {
	params := c.params(to, caption)
	params.SetMediaUrl([]string{mediaURL})
	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio.SendMedia: create message failed", "to", to, "mediaURL", mediaURL, "error", err)
		return fmt.Errorf("failed to send media to %s: %w", to, err)
	}
	slog.Debug("Twilio.SendMedia: sent", "to", to, "mediaURL", mediaURL)
	return nil
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

// MockClient records outbound messages. It is safe for concurrent use.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendMedia(ctx context.Context, to, caption, mediaURL string) error {
	return m.record(SentMessage{To: to, Body: caption, MediaURL: mediaURL})
}

func (m *MockClient) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
