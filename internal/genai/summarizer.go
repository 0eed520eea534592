package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

const (
	compareSystemPrompt = `You compare two industrial indicator results for a plant operator.
Write two or three plain sentences: which is higher, by how much, and anything notable. Do not invent data.`
	trendSystemPrompt = `You describe trends across industrial indicator time series for a plant operator.
Write a short paragraph covering direction, peaks, and anomalies per indicator. Do not invent data.`
)

// Summarizer writes comparison and trend narratives.
type Summarizer struct {
	gen Generator
}

// NewSummarizer creates a Summarizer over gen.
func NewSummarizer(gen Generator) *Summarizer {
	return &Summarizer{gen: gen}
}

// SummarizeComparison narrates the difference between two completed entries.
func (s *Summarizer) SummarizeComparison(ctx context.Context, a, b models.IndicatorEntry) (string, error) {
	user := fmt.Sprintf("<a>%s</a>\n<b>%s</b>", describe(a), describe(b))
	out, err := s.gen.GenerateWithContext(ctx, compareSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("summarize comparison: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// SummarizeTrend narrates the trend across completed entries.
func (s *Summarizer) SummarizeTrend(ctx context.Context, entries []models.IndicatorEntry) (string, error) {
	var user strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&user, "<indicator n=\"%d\">%s</indicator>\n", i+1, describe(e))
	}
	out, err := s.gen.GenerateWithContext(ctx, trendSystemPrompt, user.String())
	if err != nil {
		return "", fmt.Errorf("summarize trend: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func describe(e models.IndicatorEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, %s (%s): ", e.Indicator, e.TimeString, e.TimeType)
	if e.Value == nil {
		b.WriteString("no data")
		return b.String()
	}
	if e.Value.Kind == models.ValueKindSeries {
		for i, p := range e.Value.Series {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s=%g", p.Timestamp, p.Value)
		}
		if e.Value.Unit != "" {
			fmt.Fprintf(&b, " [%s]", e.Value.Unit)
		}
		return b.String()
	}
	b.WriteString(e.Value.String())
	return b.String()
}
