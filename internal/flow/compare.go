package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/resolve"
)

// OnlyTwoNotice prefixes compare replies when more than two candidates were given.
const OnlyTwoNotice = "Only two indicators can be compared at once; comparing the first two."

// compare pairs two results. Zero candidates pair the two most recent nodes,
// one candidate pairs a new lookup with the last answered one, and two or more
// resolve the first two candidates end to end.
func (o *Orchestrator) compare(ctx context.Context, ts *turnState) (models.TurnResult, error) {
	wm := ts.wm
	wm.MainGoal = models.GoalCompare

	if !ts.continuation {
		cands, err := o.candidatesFor(ctx, ts, models.GoalCompare)
		if err != nil {
			return models.TurnResult{}, err
		}
		switch {
		case len(cands) == 0 && (ts.original.MainGoal != models.GoalCompare || len(wm.ActiveIndexes()) == 0):
			// Entries left by another goal are not part of this comparison.
			return o.compareLastNodes(ctx, ts)
		case len(cands) == 1:
			if err := o.compareAgainstBase(ctx, ts, cands[0]); err != nil {
				return models.TurnResult{}, err
			}
		case len(cands) >= 2:
			if len(cands) > 2 {
				ts.notice = OnlyTwoNotice
				slog.Debug("Orchestrator.compare: discarding extra candidates", "userID", ts.userID, "discarded", cands[2:])
			}
			shared, err := o.sharedTime(ctx, ts)
			if err != nil {
				return models.TurnResult{}, err
			}
			wm.Indicators = nil
			for _, phrase := range cands[:2] {
				entry, err := o.entryFromPhrase(ctx, ts, phrase, shared)
				if err != nil {
					return models.TurnResult{}, err
				}
				wm.Indicators = append(wm.Indicators, entry)
			}
		}
	}

	if b, err := o.advanceActive(ctx, ts, false); err != nil || b != nil {
		if err != nil {
			return models.TurnResult{}, err
		}
		return o.finish(ctx, ts, b.reply, b.human)
	}

	done := ts.completed()
	if len(done) >= 2 {
		return o.finishCompare(ctx, ts, done[len(done)-2], done[len(done)-1])
	}
	if ts.continuation {
		return o.compareLastNodes(ctx, ts)
	}
	reply, human := needAnother()
	return o.finish(ctx, ts, reply, human)
}

// compareAgainstBase seeds working memory with the last answered entry as the
// base side and a copy carrying the candidate's fields as the new side.
func (o *Orchestrator) compareAgainstBase(ctx context.Context, ts *turnState, phrase string) error {
	p, err := o.parsePhrase(ctx, ts, phrase)
	if err != nil {
		return err
	}
	node, ok := ts.g.LastCompletedNode()
	if !ok {
		entry, err := o.entryFromPhrase(ctx, ts, phrase, ts.wm.PendingTime)
		if err != nil {
			return err
		}
		ts.wm.Indicators = []models.IndicatorEntry{entry}
		return nil
	}

	base := node.Entry
	fresh := models.NewIndicatorEntry()
	fresh.Indicator = base.Indicator
	fresh.Alias = base.Alias
	fresh.Formula = base.Formula
	fresh.TimeString = base.TimeString
	fresh.TimeType = base.TimeType
	if p.Indicator == "" && !p.HasTime() {
		p.Indicator = phrase
	}
	fresh = applyParsed(fresh, p, nil)
	ts.wm.Indicators = []models.IndicatorEntry{base, fresh}
	return nil
}

// compareLastNodes pairs the two most recently added nodes.
func (o *Orchestrator) compareLastNodes(ctx context.Context, ts *turnState) (models.TurnResult, error) {
	nodes := ts.g.LastNodes(2)
	if len(nodes) < 2 {
		reply, human := needAnother()
		return o.finish(ctx, ts, reply, human)
	}
	return o.finishCompare(ctx, ts, nodes[0].Entry, nodes[1].Entry)
}

// finishCompare writes the compare relation and resets the goal.
func (o *Orchestrator) finishCompare(ctx context.Context, ts *turnState, a, b models.IndicatorEntry) (models.TurnResult, error) {
	if a.NodeID != 0 && a.NodeID == b.NodeID {
		slog.Debug("Orchestrator.finishCompare: both sides are the same node", "userID", ts.userID, "nodeID", a.NodeID)
		ts.wm.Indicators = []models.IndicatorEntry{a}
		return o.finish(ctx, ts,
			fmt.Sprintf("COMPARE_SAME_NODE node=%d", a.NodeID),
			fmt.Sprintf("Both sides are the same result (%s for %s). Name a different indicator or time to compare against.", a.Indicator, a.TimeString))
	}

	summary := o.comparisonSummary(ctx, a, b)
	src, dst := a.NodeID, b.NodeID
	ts.g.AddRelation(models.RelationCompare, &src, &dst, models.RelationMeta{
		NodeIDs:    []int{src, dst},
		Indicators: []string{a.Indicator, b.Indicator},
		Summary:    summary,
	})
	machine := fmt.Sprintf("COMPARE %d,%d\n%s\n%s", src, dst, a.Note, b.Note)
	human := fmt.Sprintf("%s\n%s\n%s", resolve.Answer(a), resolve.Answer(b), summary)
	return o.done(ctx, ts, machine, human)
}

func (o *Orchestrator) comparisonSummary(ctx context.Context, a, b models.IndicatorEntry) string {
	if o.summarizer != nil {
		s, err := o.summarizer.SummarizeComparison(ctx, a, b)
		if err == nil && s != "" {
			return s
		}
		slog.Warn("Orchestrator.comparisonSummary: summarizer failed, using plain comparison", "error", err)
	}
	if a.Value != nil && b.Value != nil && a.Value.Kind == models.ValueKindScalar && b.Value.Kind == models.ValueKindScalar {
		diff := a.Value.Scalar - b.Value.Scalar
		return fmt.Sprintf("%s minus %s is %g %s.", a.Indicator, b.Indicator, diff, a.Value.Unit)
	}
	return fmt.Sprintf("%s: %s; %s: %s.", a.Indicator, a.Value.String(), b.Indicator, b.Value.String())
}

func needAnother() (string, string) {
	return "COMPARE_NEEDS_TWO",
		"I need two results to compare. Which indicator and period should I compare against?"
}
