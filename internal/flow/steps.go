package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/resolve"
)

// blocked carries the reply that ends a turn waiting on the user.
type blocked struct {
	reply string
	human string
}

// applyParsed merges a parse into entry. A changed indicator clears the
// formula; a carried formula for an unchanged indicator counts as filled. A new
// time replaces the old one, a carried time is kept, and pending is the last resort.
func applyParsed(entry models.IndicatorEntry, p models.ParsedInput, pending *models.TimeSlot) models.IndicatorEntry {
	if p.Indicator != "" && !sameIndicator(entry, p.Indicator) {
		entry.Indicator = p.Indicator
		entry.Alias = ""
		entry.ClearFormula()
	} else if entry.Formula != "" && entry.SlotStatus.Formula == models.SlotMissing && len(entry.FormulaCandidates) == 0 {
		entry.SlotStatus.Formula = models.SlotFilled
	}
	if p.Formula != "" {
		entry.SetFormula(p.Formula)
	}

	switch {
	case p.HasTime():
		entry.SetTime(p.Time())
	case entry.TimeString != "":
		entry.SlotStatus.Time = models.SlotFilled
	case pending != nil:
		entry.SetTime(*pending)
	}
	return entry
}

func sameIndicator(entry models.IndicatorEntry, name string) bool {
	return strings.EqualFold(entry.Indicator, name) || (entry.Alias != "" && strings.EqualFold(entry.Alias, name))
}

// entryFromPhrase builds a fresh active entry for one candidate phrase. Phrases
// without their own time take shared.
func (o *Orchestrator) entryFromPhrase(ctx context.Context, ts *turnState, phrase string, shared *models.TimeSlot) (models.IndicatorEntry, error) {
	p, err := o.parsePhrase(ctx, ts, phrase)
	if err != nil {
		return models.IndicatorEntry{}, err
	}
	entry := models.NewIndicatorEntry()
	entry.Indicator = p.Indicator
	if entry.Indicator == "" {
		entry.Indicator = strings.TrimSpace(phrase)
	}
	if p.Formula != "" {
		entry.SetFormula(p.Formula)
	}
	if p.HasTime() {
		entry.SetTime(p.Time())
	} else if shared != nil {
		entry.SetTime(*shared)
	}
	return entry, nil
}

// sharedTime is the time of the full input, else the pending time.
func (o *Orchestrator) sharedTime(ctx context.Context, ts *turnState) (*models.TimeSlot, error) {
	p, err := o.parseInput(ctx, ts)
	if err != nil {
		return nil, err
	}
	if p.HasTime() {
		t := p.Time()
		return &t, nil
	}
	return ts.wm.PendingTime, nil
}

// advance drives the entry at idx toward completion: formula, time, optional
// range normalization, then cache-or-query. A non-nil blocked ends the turn.
func (o *Orchestrator) advance(ctx context.Context, ts *turnState, idx int, needRange bool) (*blocked, error) {
	wm := ts.wm
	entry := wm.Indicators[idx]
	if entry.IsCompleted() {
		return nil, nil
	}
	if strings.TrimSpace(entry.Indicator) == "" {
		reply, human := resolve.AskForIndicator()
		return &blocked{reply, human}, nil
	}

	entry, res, err := o.engine.ResolveFormula(ctx, entry, ts.g)
	if err != nil {
		return nil, err
	}
	wm.Indicators[idx] = entry
	if res.Blocking {
		return &blocked{res.Reply, res.HumanReply}, nil
	}

	if !entry.HasTime() && wm.PendingTime != nil {
		entry.SetTime(*wm.PendingTime)
	}
	if !entry.HasTime() {
		wm.Indicators[idx] = entry
		reply, human := resolve.AskForTime(entry)
		return &blocked{reply, human}, nil
	}

	if needRange && !entry.Time().IsRange() {
		r, err := o.requireRange(ctx, entry.Time())
		if err != nil {
			slog.Debug("Orchestrator.advance: no range for analysis", "userID", ts.userID, "timeString", entry.TimeString, "error", err)
			entry.TimeString, entry.TimeType = "", ""
			entry.SlotStatus.Time = models.SlotMissing
			wm.Indicators[idx] = entry
			return &blocked{
				fmt.Sprintf("RANGE_REQUIRED indicator=%s", entry.Indicator),
				fmt.Sprintf("Trend analysis of %s needs a period such as a day, week, month or explicit range (%s).", entry.Indicator, resolve.TimeExamples),
			}, nil
		}
		entry.SetTime(r)
	}

	done, qr := o.engine.QueryOrCache(ctx, entry, ts.g)
	wm.Indicators[idx] = done
	if !qr.Success {
		return &blocked{qr.Reply, qr.HumanReply}, nil
	}
	return nil, nil
}

func (o *Orchestrator) requireRange(ctx context.Context, t models.TimeSlot) (models.TimeSlot, error) {
	if o.normalizer == nil {
		return models.TimeSlot{}, fmt.Errorf("no range normalizer configured")
	}
	r, err := o.normalizer.RequireRange(ctx, t.TimeString, t.TimeType)
	if err != nil {
		return models.TimeSlot{}, err
	}
	return r.Slot(), nil
}

// advanceActive advances every active entry in order, stopping at the first block.
func (o *Orchestrator) advanceActive(ctx context.Context, ts *turnState, needRange bool) (*blocked, error) {
	for _, idx := range ts.wm.ActiveIndexes() {
		b, err := o.advance(ctx, ts, idx, needRange)
		if err != nil || b != nil {
			return b, err
		}
	}
	return nil, nil
}

// answers renders completed entries one per line.
func answers(entries []models.IndicatorEntry) (string, string) {
	machine := make([]string, 0, len(entries))
	human := make([]string, 0, len(entries))
	for _, e := range entries {
		machine = append(machine, e.Note)
		human = append(human, resolve.Answer(e))
	}
	return strings.Join(machine, "\n"), strings.Join(human, "\n")
}
