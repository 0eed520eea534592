package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

const understandSystemPrompt = `You extract query slots from messages about industrial indicators.
Today is %s.
Return only a JSON object with these optional string fields:
- indicator: the indicator name the user asks about, without time words
- formula: a formula identifier if the user quoted one explicitly
- timeString: the time expression normalized to one of YYYY, YYYY-Qn, YYYY-MM, YYYY-Www, YYYY-MM-1|2|3 (ten-day period), YYYY-MM-DD, YYYY-MM-DD HH, or two such values joined by "~"
- timeType: one of HOUR, SHIFT, DAY, WEEK, TENDAYS, MONTH, QUARTER, YEAR
- intent: one of single_query, list_query, analysis, compare, clarify, slot_fill, or empty when unsure
Omit any field you cannot determine.`

// Understander extracts indicator and time slots plus an intent from free text.
type Understander struct {
	gen Generator
	now func() time.Time
}

// NewUnderstander creates an Understander over gen.
func NewUnderstander(gen Generator) *Understander {
	return &Understander{gen: gen, now: time.Now}
}

// Parse performs best-effort slot extraction; any field may be empty.
func (u *Understander) Parse(ctx context.Context, text string) (models.ParsedInput, error) {
	var parsed models.ParsedInput
	system := fmt.Sprintf(understandSystemPrompt, u.now().Format("2006-01-02"))
	user := fmt.Sprintf("<message>%s</message>", text)
	if err := GenerateJSON(ctx, u.gen, system, user, &parsed); err != nil {
		return models.ParsedInput{}, fmt.Errorf("parse user input: %w", err)
	}

	parsed.Indicator = strings.TrimSpace(parsed.Indicator)
	parsed.Formula = strings.TrimSpace(parsed.Formula)
	parsed.TimeString = strings.TrimSpace(parsed.TimeString)
	parsed.TimeType = models.TimeType(strings.ToUpper(string(parsed.TimeType)))
	if parsed.TimeString != "" && !models.IsValidTimeType(parsed.TimeType) {
		slog.Debug("Understander.Parse: dropping time with unknown granularity", "timeString", parsed.TimeString, "timeType", parsed.TimeType)
		parsed.TimeString, parsed.TimeType = "", ""
	}
	if parsed.TimeString == "" {
		parsed.TimeType = ""
	}
	if parsed.Intent != models.GoalNone && !models.IsValidGoal(parsed.Intent) {
		parsed.Intent = models.GoalNone
	}
	slog.Debug("Understander.Parse: extracted", "indicator", parsed.Indicator, "timeString", parsed.TimeString, "timeType", parsed.TimeType, "intent", parsed.Intent)
	return parsed, nil
}
