package flow

import (
	"context"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// singleQuery fills one entry from the turn's parse and queries it. On
// completion it hands off to a pending compare, list, or analysis goal.
func (o *Orchestrator) singleQuery(ctx context.Context, ts *turnState) (models.TurnResult, error) {
	wm := ts.wm
	if wm.MainGoal == models.GoalNone {
		wm.MainGoal = models.GoalSingleQuery
	}

	parsed, err := o.parseInput(ctx, ts)
	if err != nil {
		return models.TurnResult{}, err
	}
	idx, entry := o.engine.LoadOrInitIndicator(wm, ts.g, true)
	entry = applyParsed(entry, parsed, wm.PendingTime)
	wm.Indicators[idx] = entry
	if entry.Indicator == "" && parsed.HasTime() {
		t := parsed.Time()
		wm.PendingTime = &t
	}

	if b, err := o.advance(ctx, ts, idx, false); err != nil || b != nil {
		if err != nil {
			return models.TurnResult{}, err
		}
		return o.finish(ctx, ts, b.reply, b.human)
	}

	wm.PendingTime = nil
	reply, human := answers([]models.IndicatorEntry{wm.Indicators[idx]})
	return o.handoff(ctx, ts, reply, human)
}
