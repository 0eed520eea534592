package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/resolve"
)

var ordinalRe = regexp.MustCompile(`(?i)^(?:no\.?|number|option|choice|#)?\s*(\d{1,2})(?:st|nd|rd|th)?\s*[.)]?$`)

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"the first": 1, "the second": 2, "the third": 3, "the fourth": 4, "the fifth": 5,
	"first one": 1, "second one": 2, "third one": 3, "fourth one": 4, "fifth one": 5,
}

// clarify resolves a pending formula disambiguation, or a re-selection of an
// earlier pick. The pick is matched by ordinal, unique exact name, then unique
// substring; several substring hits narrow the list, no hit re-resolves the raw
// input as the indicator name.
func (o *Orchestrator) clarify(ctx context.Context, ts *turnState) (models.TurnResult, error) {
	wm := ts.wm
	reselect := o.isReselection(ts)
	selection := ts.input
	if ts.supplied && len(ts.candidates) > 0 {
		selection = ts.candidates[0]
	}

	idx := wm.DisambiguatingIndex()
	if idx < 0 {
		if !reselect {
			slog.Debug("Orchestrator.clarify: nothing to clarify, treating as lookup", "userID", ts.userID)
			return o.singleQuery(ctx, ts)
		}
		var err error
		idx, err = o.reopenCandidates(ctx, ts)
		if err != nil {
			return models.TurnResult{}, err
		}
		if idx < 0 {
			reply, human := resolve.FormulaNotFound(ts.lastEntryName())
			return o.finish(ctx, ts, reply, human)
		}
	}

	entry := wm.Indicators[idx]
	offered := entry.FormulaCandidates
	pick, narrowed := matchCandidate(selection, offered)

	switch {
	case pick != nil:
		key := entry.PreferenceKey()
		if _, had := ts.g.GetPreference(key); reselect && had {
			ts.g.UpdatePreference(key, *pick)
		} else {
			ts.g.AddPreference(key, pick.ID, pick.Name, offered)
		}
		slog.Debug("Orchestrator.clarify: candidate picked", "userID", ts.userID, "key", key, "formulaID", pick.ID, "reselect", reselect)
		entry.Alias = key
		entry.Indicator = pick.Name
		entry.SetFormula(pick.ID)
		if entry.TimeString != "" {
			entry.SlotStatus.Time = models.SlotFilled
		}
		wm.Indicators[idx] = entry

	case len(narrowed) > 1:
		for i := range narrowed {
			narrowed[i].Ordinal = i + 1
		}
		entry.FormulaCandidates = narrowed
		wm.Indicators[idx] = entry
		reply, human := resolve.CandidateList(entry.PreferenceKey(), narrowed)
		return o.finish(ctx, ts, reply, human)

	case reselectRe.MatchString(selection):
		reply, human := resolve.CandidateList(entry.PreferenceKey(), offered)
		return o.finish(ctx, ts, reply, human)

	default:
		slog.Debug("Orchestrator.clarify: no candidate matched, re-resolving input as indicator", "userID", ts.userID, "input", selection)
		p, err := o.parsePhrase(ctx, ts, selection)
		if err != nil {
			return models.TurnResult{}, err
		}
		if p.Indicator == "" {
			p.Indicator = strings.TrimSpace(selection)
		}
		entry.Alias = ""
		entry.ClearFormula()
		entry = applyParsed(entry, p, wm.PendingTime)
		wm.Indicators[idx] = entry
	}

	if b, err := o.advance(ctx, ts, idx, wm.MainGoal == models.GoalAnalysis); err != nil || b != nil {
		if err != nil {
			return models.TurnResult{}, err
		}
		return o.finish(ctx, ts, b.reply, b.human)
	}
	wm.PendingTime = nil
	reply, human := answers([]models.IndicatorEntry{wm.Indicators[idx]})
	return o.handoff(ctx, ts, reply, human)
}

// isReselection reports a second consecutive clarify turn, re-selection
// phrasing, or an externally supplied replacement candidate.
func (o *Orchestrator) isReselection(ts *turnState) bool {
	h := ts.wm.GoalHistory
	if n := len(h); n >= 2 && h[n-1] == models.GoalClarify && h[n-2] == models.GoalClarify {
		return true
	}
	if reselectRe.MatchString(ts.input) {
		return true
	}
	return ts.supplied && len(ts.candidates) > 0
}

// reopenCandidates puts a previous pick back up for selection without
// appending a blank entry: the entry is rebuilt from working memory or the
// last answered node and given the remembered list, or a fresh search.
func (o *Orchestrator) reopenCandidates(ctx context.Context, ts *turnState) (int, error) {
	idx, entry := o.engine.LoadOrInitIndicator(ts.wm, ts.g, false)
	if entry.Indicator == "" {
		return -1, nil
	}
	key := entry.PreferenceKey()
	var offered []models.FormulaCandidate
	if pref, ok := ts.g.GetPreference(key); ok && len(pref.Offered) > 0 {
		offered = append(offered, pref.Offered...)
	} else {
		var err error
		if offered, err = o.engine.Candidates(ctx, key); err != nil {
			return -1, err
		}
	}
	if len(offered) == 0 {
		return -1, nil
	}

	entry.Status = models.EntryStatusActive
	entry.Alias = key
	entry.Formula = ""
	entry.FormulaCandidates = offered
	entry.SlotStatus.Formula = models.SlotMissing
	entry.Value = nil
	entry.NodeID = 0
	if idx < 0 {
		ts.wm.Indicators = append(ts.wm.Indicators, entry)
		idx = len(ts.wm.Indicators) - 1
	} else {
		ts.wm.Indicators[idx] = entry
	}
	return idx, nil
}

func (ts *turnState) lastEntryName() string {
	if e := ts.lastEntry(); e != nil {
		return e.PreferenceKey()
	}
	return ts.input
}

// matchCandidate applies the pick precedence. It returns the pick, or the
// substring matches when there is more than one.
func matchCandidate(input string, offered []models.FormulaCandidate) (*models.FormulaCandidate, []models.FormulaCandidate) {
	text := strings.TrimSpace(input)
	if text == "" || len(offered) == 0 {
		return nil, nil
	}

	if n, ok := parseOrdinal(text); ok {
		for i := range offered {
			if offered[i].Ordinal == n {
				c := offered[i]
				return &c, nil
			}
		}
	}

	var exact []models.FormulaCandidate
	for _, c := range offered {
		if strings.EqualFold(c.Name, text) || strings.EqualFold(c.ID, text) {
			exact = append(exact, c)
		}
	}
	if len(exact) == 1 {
		return &exact[0], nil
	}

	lower := strings.ToLower(text)
	var partial []models.FormulaCandidate
	for _, c := range offered {
		if strings.Contains(strings.ToLower(c.Name), lower) {
			partial = append(partial, c)
		}
	}
	switch len(partial) {
	case 0:
		return nil, nil
	case 1:
		return &partial[0], nil
	default:
		return nil, partial
	}
}

func parseOrdinal(text string) (int, bool) {
	if n, ok := ordinalWords[strings.ToLower(text)]; ok {
		return n, true
	}
	m := ordinalRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
