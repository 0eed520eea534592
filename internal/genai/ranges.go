package genai

import (
	"context"
	"fmt"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

const rangeSystemPrompt = `You convert a time expression into an explicit range one granularity finer.
YEAR and QUARTER become months (YYYY-MM~YYYY-MM). MONTH, WEEK and TENDAYS become days (YYYY-MM-DD~YYYY-MM-DD).
DAY becomes hours (YYYY-MM-DD HH~YYYY-MM-DD HH).
Return only a JSON object: {"timeString": "...", "timeType": "MONTH|DAY|HOUR"}.`

// RangeExpander is the generative fallback for time expressions the calendar
// parser cannot read. Callers validate its output.
type RangeExpander struct {
	gen Generator
}

// NewRangeExpander creates a RangeExpander over gen.
func NewRangeExpander(gen Generator) *RangeExpander {
	return &RangeExpander{gen: gen}
}

// ExpandRange asks the model for a range covering timeString.
func (r *RangeExpander) ExpandRange(ctx context.Context, timeString string, timeType models.TimeType) (models.TimeSlot, error) {
	var out models.TimeSlot
	user := fmt.Sprintf("<time type=%q>%s</time>", timeType, timeString)
	if err := GenerateJSON(ctx, r.gen, rangeSystemPrompt, user, &out); err != nil {
		return models.TimeSlot{}, fmt.Errorf("expand range: %w", err)
	}
	if !models.IsValidTimeType(out.TimeType) {
		return models.TimeSlot{}, fmt.Errorf("expand range: model returned granularity %q", out.TimeType)
	}
	return out, nil
}
