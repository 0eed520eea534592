// Package flow defines the collaborator interfaces and per-turn state used by the workflows.
package flow

import (
	"context"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/timerange"
)

// Understander extracts slots and an intent from free text.
type Understander interface {
	Parse(ctx context.Context, text string) (models.ParsedInput, error)
}

// CandidateExpander splits a turn into the target phrases driving branch selection.
type CandidateExpander interface {
	Expand(ctx context.Context, input string, last *models.IndicatorEntry, intent models.Goal) ([]string, error)
}

// Summarizer writes comparison and trend narratives.
type Summarizer interface {
	SummarizeComparison(ctx context.Context, a, b models.IndicatorEntry) (string, error)
	SummarizeTrend(ctx context.Context, entries []models.IndicatorEntry) (string, error)
}

// RangeNormalizer turns a point time expression into an explicit range.
type RangeNormalizer interface {
	RequireRange(ctx context.Context, timeString string, timeType models.TimeType) (timerange.Range, error)
}

// Turn is one user message handed to the orchestrator. Candidates is nil when
// the caller did not pre-parse a candidate list.
type Turn struct {
	UserID     string
	Input      string
	Intent     models.Goal
	Candidates []string
}

// maxInputHistory bounds WorkingMemory.UserInputHistory and GoalHistory.
const maxInputHistory = 20

// turnState threads the in-flight state of one turn through the workflows.
// wm is a working copy; the graph's working memory is only replaced through
// the turn epilogue.
type turnState struct {
	userID     string
	input      string
	g          *memory.Graph
	wm         *models.WorkingMemory
	original   *models.WorkingMemory
	candidates []string
	supplied   bool

	// continuation is set when a completed lookup hands off to its parent goal.
	continuation bool
	parsed       *models.ParsedInput
	notice       string
	outcome      string
}

func newTurnState(t Turn, g *memory.Graph) *turnState {
	original := g.EnsureWorkingMemory()
	ts := &turnState{
		userID:     t.UserID,
		input:      t.Input,
		g:          g,
		wm:         original.Clone(),
		original:   original,
		candidates: t.Candidates,
		supplied:   t.Candidates != nil,
	}
	ts.wm.UserInputHistory = appendBounded(ts.wm.UserInputHistory, t.Input)
	return ts
}

func (ts *turnState) recordGoal(goal models.Goal) {
	ts.wm.GoalHistory = appendBounded(ts.wm.GoalHistory, goal)
}

// lastEntry returns the most recent entry of working memory, or the last answered node.
func (ts *turnState) lastEntry() *models.IndicatorEntry {
	if n := len(ts.wm.Indicators); n > 0 {
		e := ts.wm.Indicators[n-1].Clone()
		return &e
	}
	if node, ok := ts.g.LastCompletedNode(); ok {
		return &node.Entry
	}
	return nil
}

// completed returns the completed entries of working memory in order.
func (ts *turnState) completed() []models.IndicatorEntry {
	var out []models.IndicatorEntry
	for _, e := range ts.wm.Indicators {
		if e.IsCompleted() {
			out = append(out, e)
		}
	}
	return out
}

func appendBounded[T any](s []T, v T) []T {
	s = append(s, v)
	if over := len(s) - maxInputHistory; over > 0 {
		s = append([]T(nil), s[over:]...)
	}
	return s
}
