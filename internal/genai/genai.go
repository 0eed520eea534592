// Package genai provides language-model backed collaborators: input
// understanding, candidate expansion, generative time ranges, and narratives.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Supported providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Default models per provider.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultMaxTokens      = 1024
)

var (
	// ErrNoChoicesReturned is returned when the model produced no usable text.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoJSON is returned when a completion contains no JSON object.
	ErrNoJSON = errors.New("no JSON object in completion")
)

// Generator produces a completion for a system and user prompt.
type Generator interface {
	GenerateWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// chatService defines minimal interface for OpenAI chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// messageService defines minimal interface for Anthropic messages.
type messageService interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...anthropicoption.RequestOption) (*anthropic.Message, error)
}

// Client wraps a chat completion provider.
type Client struct {
	chat      chatService
	messages  messageService
	provider  string
	model     string
	maxTokens int64
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey    string
	Provider  string
	Model     string
	MaxTokens int64
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key for the selected provider.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithProvider selects "openai" or "anthropic".
func WithProvider(provider string) Option {
	return func(o *Opts) {
		o.Provider = provider
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) {
		o.MaxTokens = n
	}
}

// NewClient initializes a GenAI client. The API key falls back to
// OPENAI_API_KEY or ANTHROPIC_API_KEY depending on the provider.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Provider: ProviderOpenAI, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		if cfg.Model == "" {
			cfg.Model = DefaultOpenAIModel
		}
		cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
		slog.Debug("GenAI client initialized", "provider", cfg.Provider, "model", cfg.Model)
		return &Client{chat: &cli.Chat.Completions, provider: cfg.Provider, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		if cfg.Model == "" {
			cfg.Model = DefaultAnthropicModel
		}
		cli := anthropic.NewClient(anthropicoption.WithAPIKey(cfg.APIKey))
		slog.Debug("GenAI client initialized", "provider", cfg.Provider, "model", cfg.Model)
		return &Client{messages: &cli.Messages, provider: cfg.Provider, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
	default:
		return nil, fmt.Errorf("unsupported genai provider %q", cfg.Provider)
	}
}

// Provider returns the configured provider name.
func (c *Client) Provider() string {
	return c.provider
}

// GenerateWithContext generates a response for the provided system and user prompts.
func (c *Client) GenerateWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.messages != nil {
		return c.generateAnthropic(ctx, systemPrompt, userPrompt)
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("Client.GenerateWithContext: chat completion failed", "provider", c.provider, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) generateAnthropic(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	})
	if err != nil {
		slog.Error("Client.GenerateWithContext: messages call failed", "provider", c.provider, "error", err)
		return "", fmt.Errorf("messages call: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", ErrNoChoicesReturned
}

// GenerateJSON runs a completion and decodes the first JSON object it contains into out.
func GenerateJSON(ctx context.Context, g Generator, systemPrompt, userPrompt string, out any) error {
	text, err := g.GenerateWithContext(ctx, systemPrompt, userPrompt)
	if err != nil {
		return err
	}
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode completion JSON: %w (raw: %s)", err, raw)
	}
	return nil
}

// extractJSON returns the outermost {...} span, tolerating code fences and prose.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: %q", ErrNoJSON, text)
	}
	return text[start : end+1], nil
}
