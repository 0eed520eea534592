package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/resolve"
)

// slotFill takes a bare time expression and gives it to every active entry
// still missing one, then resumes those entries. Anything other than exactly
// one time phrase is rejected with the accepted formats.
func (o *Orchestrator) slotFill(ctx context.Context, ts *turnState) (models.TurnResult, error) {
	wm := ts.wm
	phrases, err := o.candidatesFor(ctx, ts, models.GoalSlotFill)
	if err != nil {
		return models.TurnResult{}, err
	}
	if len(phrases) != 1 {
		slog.Debug("Orchestrator.slotFill: ambiguous time", "userID", ts.userID, "phrases", phrases)
		reply, human := resolve.AmbiguousTime(len(phrases))
		return o.finish(ctx, ts, reply, human)
	}

	p, err := o.parsePhrase(ctx, ts, phrases[0])
	if err != nil {
		return models.TurnResult{}, err
	}
	if !p.HasTime() {
		reply, human := resolve.AmbiguousTime(0)
		return o.finish(ctx, ts, reply, human)
	}
	t := p.Time()
	wm.PendingTime = &t

	active := wm.ActiveIndexes()
	if len(active) == 0 {
		return o.singleQuery(ctx, ts)
	}
	for _, i := range active {
		if !wm.Indicators[i].HasTime() {
			wm.Indicators[i].SetTime(t)
		}
	}

	if b, err := o.advanceActive(ctx, ts, wm.MainGoal == models.GoalAnalysis); err != nil || b != nil {
		if err != nil {
			return models.TurnResult{}, err
		}
		return o.finish(ctx, ts, b.reply, b.human)
	}

	wm.PendingTime = nil
	var filled []models.IndicatorEntry
	for _, i := range active {
		filled = append(filled, wm.Indicators[i])
	}
	reply, human := answers(filled)
	return o.handoff(ctx, ts, reply, human)
}
