package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

const candidatesSystemPrompt = `You split a user message into target phrases for an industrial indicator assistant.
The detected intent is %q.
For compare, list_query, and analysis return one phrase per indicator mentioned, each phrase keeping its own time words.
For slot_fill return one phrase per distinct time expression in the message.
For a follow-up that names only one new indicator or time, return that single phrase.
Return only a JSON object: {"candidates": ["..."]}. Return an empty list when nothing applies.`

// CandidateExpander splits a turn into the candidate phrases that drive workflow branching.
type CandidateExpander struct {
	gen Generator
}

// NewCandidateExpander creates a CandidateExpander over gen.
func NewCandidateExpander(gen Generator) *CandidateExpander {
	return &CandidateExpander{gen: gen}
}

// Expand returns zero, one, or many candidate phrases for input.
func (c *CandidateExpander) Expand(ctx context.Context, input string, last *models.IndicatorEntry, intent models.Goal) ([]string, error) {
	var out struct {
		Candidates []string `json:"candidates"`
	}
	var user strings.Builder
	if last != nil && last.Indicator != "" {
		fmt.Fprintf(&user, "<previous indicator=%q time=%q/>\n", last.Indicator, last.TimeString)
	}
	fmt.Fprintf(&user, "<message>%s</message>", input)

	if err := GenerateJSON(ctx, c.gen, fmt.Sprintf(candidatesSystemPrompt, intent), user.String(), &out); err != nil {
		return nil, fmt.Errorf("expand candidates: %w", err)
	}
	cands := make([]string, 0, len(out.Candidates))
	for _, s := range out.Candidates {
		if s = strings.TrimSpace(s); s != "" {
			cands = append(cands, s)
		}
	}
	return cands, nil
}
