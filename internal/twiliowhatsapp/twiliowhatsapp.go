// Package twiliowhatsapp sends IndicatorPipe replies over WhatsApp through the
// Twilio Messages API and validates Twilio's webhook signatures.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MaxBodyLength is the longest WhatsApp body Twilio accepts in one message.
const MaxBodyLength = 1600

// WhatsAppPrefix marks a Twilio WhatsApp address.
const WhatsAppPrefix = "whatsapp:"

// Sender delivers one text reply to a recipient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// messageCreator is the slice of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
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

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	fromWhats string
	validator twilioClient.RequestValidator
}

// NewClient creates a Client. Options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
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

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg.FromWhats, cfg.AuthToken), nil
}

func newClient(api messageCreator, from, authToken string) *Client {
	return &Client{
		api:       api,
		fromWhats: Address(from),
		validator: twilioClient.NewRequestValidator(authToken),
	}
}

// Address returns addr in Twilio WhatsApp form, "whatsapp:+15551234567".
func Address(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, WhatsAppPrefix) {
		return addr
	}
	return WhatsAppPrefix + addr
}

// UserID returns the stable user id for a Twilio sender address.
func UserID(from string) string {
	return strings.TrimPrefix(strings.TrimSpace(from), WhatsAppPrefix)
}

// SendMessage sends body to to, split into several messages when it is longer
// than MaxBodyLength.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	for i, part := range SplitBody(body, MaxBodyLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(Address(to))
		params.SetFrom(c.fromWhats)
		params.SetBody(part)

		msg, err := c.api.CreateMessage(params)
		if err != nil {
			slog.Error("Twilio SendMessage failed", "to", to, "part", i, "error", err)
			return fmt.Errorf("failed to send message to %s: %w", to, err)
		}
		if msg != nil && msg.Sid != nil {
			slog.Debug("Twilio message sent", "to", to, "part", i, "sid", *msg.Sid)
		}
	}
	return nil
}

// ValidateSignature checks an X-Twilio-Signature header against the full
// request URL and the posted form values.
func (c *Client) ValidateSignature(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// SplitBody cuts body into pieces of at most limit runes, preferring line
// breaks and then spaces as cut points.
func SplitBody(body string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(body) <= limit {
		return []string{body}
	}
	var parts []string
	runes := []rune(body)
	for len(runes) > limit {
		cut := lastBreak(runes[:limit])
		parts = append(parts, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == ' ' || runes[0] == '\n') {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastBreak(window []rune) int {
	for _, sep := range []rune{'\n', ' '} {
		for i := len(window) - 1; i > len(window)/2; i-- {
			if window[i] == sep {
				return i + 1
			}
		}
	}
	return len(window)
}

// MockClient records replies instead of sending them.
type MockClient struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one reply recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendMessage implements Sender.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
