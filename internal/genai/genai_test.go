package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   *openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.params = body
	return m.resp, m.err
}

// mockMessageService implements messageService for testing.
type mockMessageService struct {
	resp *anthropic.Message
	err  error
}

func (m *mockMessageService) New(ctx context.Context, body anthropic.MessageNewParams, opts ...anthropicoption.RequestOption) (*anthropic.Message, error) {
	return m.resp, m.err
}

func completion(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

// stubGenerator returns a canned completion.
type stubGenerator struct {
	out    string
	err    error
	system string
	user   string
}

func (s *stubGenerator) GenerateWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.system, s.user = systemPrompt, userPrompt
	return s.out, s.err
}

func TestGenerateWithContext_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("Hello World")}
	client := &Client{chat: mock, model: DefaultOpenAIModel}
	out, err := client.GenerateWithContext(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.params.Messages))
	}
}

func TestGenerateWithContext_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithContext(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithContext_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: &openai.ChatCompletion{}}}
	_, err := client.GenerateWithContext(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithContext_Anthropic(t *testing.T) {
	msg := &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "from claude"}}}
	client := &Client{messages: &mockMessageService{resp: msg}, provider: ProviderAnthropic, model: DefaultAnthropicModel, maxTokens: 64}
	out, err := client.GenerateWithContext(context.Background(), "sys", "usr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "from claude" {
		t.Errorf("unexpected output %q", out)
	}

	empty := &Client{messages: &mockMessageService{resp: &anthropic.Message{}}}
	if _, err := empty.GenerateWithContext(context.Background(), "sys", "usr"); !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
	if _, err := NewClient(WithProvider(ProviderAnthropic)); err == nil {
		t.Error("expected error when Anthropic key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Provider() != ProviderOpenAI {
		t.Errorf("expected openai provider, got %q", cli.Provider())
	}
	cli, err = NewClient(WithProvider("Anthropic"), WithAPIKey("k"), WithModel("claude-test"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cli.Provider() != ProviderAnthropic || cli.model != "claude-test" {
		t.Errorf("unexpected client config: %s %s", cli.Provider(), cli.model)
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	if _, err := NewClient(WithProvider("palm"), WithAPIKey("k")); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestGenerateJSON_ExtractsFromFence(t *testing.T) {
	gen := &stubGenerator{out: "```json\n{\"candidates\": [\"a\"]}\n```"}
	var out struct {
		Candidates []string `json:"candidates"`
	}
	if err := GenerateJSON(context.Background(), gen, "s", "u", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Candidates) != 1 || out.Candidates[0] != "a" {
		t.Errorf("unexpected candidates %v", out.Candidates)
	}

	gen.out = "no json here"
	if err := GenerateJSON(context.Background(), gen, "s", "u", &out); !errors.Is(err, ErrNoJSON) {
		t.Errorf("expected ErrNoJSON, got %v", err)
	}
}

func TestUnderstanderParse(t *testing.T) {
	gen := &stubGenerator{out: `{"indicator":" boiler steam use ","timeString":"2024-09","timeType":"month","intent":"compare"}`}
	p, err := NewUnderstander(gen).Parse(context.Background(), "boiler steam use in september")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Indicator != "boiler steam use" || p.TimeString != "2024-09" || p.TimeType != models.TimeTypeMonth || p.Intent != models.GoalCompare {
		t.Errorf("unexpected parse %+v", p)
	}
	if !strings.Contains(gen.user, "boiler steam use in september") {
		t.Errorf("message not passed to model: %q", gen.user)
	}
}

func TestUnderstanderParse_DropsInvalidFields(t *testing.T) {
	gen := &stubGenerator{out: `{"indicator":"x","timeString":"someday","timeType":"DECADE","intent":"dance"}`}
	p, err := NewUnderstander(gen).Parse(context.Background(), "x someday")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TimeString != "" || p.TimeType != "" || p.Intent != models.GoalNone {
		t.Errorf("invalid fields should be dropped: %+v", p)
	}
}

func TestCandidateExpander(t *testing.T) {
	gen := &stubGenerator{out: `{"candidates":["steam 2024-09"," ","power 2024-09"]}`}
	last := &models.IndicatorEntry{Indicator: "gas", TimeString: "2024-08"}
	got, err := NewCandidateExpander(gen).Expand(context.Background(), "compare steam and power", last, models.GoalCompare)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected blank candidates dropped, got %v", got)
	}
	if !strings.Contains(gen.user, `indicator="gas"`) {
		t.Errorf("previous entry missing from prompt: %q", gen.user)
	}
}

func TestRangeExpander(t *testing.T) {
	gen := &stubGenerator{out: `{"timeString":"2024-09-01~2024-09-30","timeType":"DAY"}`}
	slot, err := NewRangeExpander(gen).ExpandRange(context.Background(), "september", models.TimeTypeMonth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot.TimeString != "2024-09-01~2024-09-30" {
		t.Errorf("unexpected slot %+v", slot)
	}

	gen.out = `{"timeString":"x","timeType":"EON"}`
	if _, err := NewRangeExpander(gen).ExpandRange(context.Background(), "x", models.TimeTypeMonth); err == nil {
		t.Error("expected error for unknown granularity")
	}
}

func TestSummarizer(t *testing.T) {
	gen := &stubGenerator{out: "  steam is higher  "}
	s := NewSummarizer(gen)
	a := models.IndicatorEntry{Indicator: "steam", TimeString: "2024-09", Value: &models.Value{Kind: models.ValueKindScalar, Scalar: 3, Unit: "t"}}
	b := models.IndicatorEntry{Indicator: "power", TimeString: "2024-09", Value: &models.Value{Kind: models.ValueKindSeries, Series: []models.SeriesPoint{{Timestamp: "d1", Value: 1}}}}
	out, err := s.SummarizeComparison(context.Background(), a, b)
	if err != nil || out != "steam is higher" {
		t.Fatalf("unexpected comparison %q, %v", out, err)
	}
	if !strings.Contains(gen.user, "3 t") || !strings.Contains(gen.user, "d1=1") {
		t.Errorf("entries not described: %q", gen.user)
	}

	gen.err = errors.New("down")
	if _, err := s.SummarizeTrend(context.Background(), []models.IndicatorEntry{a}); err == nil {
		t.Error("expected error")
	}
}
