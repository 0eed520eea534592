package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/resolve"
)

// batch runs list_query and analysis. Supplied candidates replace the active
// entries (completed ones are kept); without candidates the existing list is
// slot-filled. Analysis requires every time to be an explicit range.
func (o *Orchestrator) batch(ctx context.Context, ts *turnState, goal models.Goal) (models.TurnResult, error) {
	wm := ts.wm
	wm.MainGoal = goal
	analysis := goal == models.GoalAnalysis

	if !ts.continuation {
		cands, err := o.candidatesFor(ctx, ts, goal)
		if err != nil {
			return models.TurnResult{}, err
		}
		if len(cands) > 0 {
			shared, err := o.sharedTime(ctx, ts)
			if err != nil {
				return models.TurnResult{}, err
			}
			kept := ts.completed()
			for _, phrase := range cands {
				entry, err := o.entryFromPhrase(ctx, ts, phrase, shared)
				if err != nil {
					return models.TurnResult{}, err
				}
				kept = append(kept, entry)
			}
			wm.Indicators = kept
			slog.Debug("Orchestrator.batch: entries replaced", "userID", ts.userID, "goal", goal, "entries", len(kept))
		} else {
			shared, err := o.sharedTime(ctx, ts)
			if err != nil {
				return models.TurnResult{}, err
			}
			for _, idx := range wm.ActiveIndexes() {
				if shared != nil && !wm.Indicators[idx].HasTime() {
					wm.Indicators[idx].SetTime(*shared)
				}
			}
		}
	}

	if len(wm.Indicators) == 0 {
		return o.finish(ctx, ts,
			fmt.Sprintf("MISSING_SLOT indicators goal=%s", goal),
			"Which indicators should I include?")
	}

	if b, err := o.advanceActive(ctx, ts, analysis); err != nil || b != nil {
		if err != nil {
			return models.TurnResult{}, err
		}
		return o.finish(ctx, ts, b.reply, b.human)
	}

	entries := ts.completed()
	ids := make([]int, 0, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.NodeID)
		names = append(names, e.Indicator)
	}

	machine, human := answers(entries)
	relType := models.RelationGroup
	summary := listSummary(entries)
	if analysis {
		relType = models.RelationAnalysis
		summary = o.trendSummary(ctx, entries)
		human = human + "\n" + summary
	}
	ts.g.AddRelation(relType, nil, nil, models.RelationMeta{NodeIDs: ids, Indicators: names, Summary: summary})
	wm.PendingTime = nil
	return o.done(ctx, ts, machine, human)
}

func listSummary(entries []models.IndicatorEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Indicator, e.Value.String()))
	}
	return strings.Join(parts, "; ")
}

func (o *Orchestrator) trendSummary(ctx context.Context, entries []models.IndicatorEntry) string {
	if o.summarizer != nil {
		s, err := o.summarizer.SummarizeTrend(ctx, entries)
		if err == nil && s != "" {
			return s
		}
		slog.Warn("Orchestrator.trendSummary: summarizer failed, using plain listing", "error", err)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, resolve.Answer(e))
	}
	return strings.Join(lines, "\n")
}
