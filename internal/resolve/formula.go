package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// Source names how a formula slot was settled.
type Source string

// Resolution sources, in policy order.
const (
	SourceCompleted      Source = "completed"
	SourceFilled         Source = "filled"
	SourcePreference     Source = "preference"
	SourceExact          Source = "exact"
	SourceConfidence     Source = "confidence"
	SourceDisambiguation Source = "disambiguation"
	SourceNotFound       Source = "not_found"
)

// Resolution is the outcome of ResolveFormula. Blocking outcomes carry the
// reply that ends the turn.
type Resolution struct {
	Source     Source
	Blocking   bool
	Reply      string
	HumanReply string
}

// ResolveFormula fills the formula slot of entry. Policy order is preference,
// exact match, high-confidence top candidate, disambiguation list, not found.
// Completed entries and entries whose formula slot is already filled are
// returned untouched. Search failures are returned as errors.
func (e *Engine) ResolveFormula(ctx context.Context, entry models.IndicatorEntry, g *memory.Graph) (models.IndicatorEntry, Resolution, error) {
	entry = entry.Clone()
	if entry.IsCompleted() {
		return entry, Resolution{Source: SourceCompleted}, nil
	}
	if entry.HasFormula() {
		return entry, Resolution{Source: SourceFilled}, nil
	}
	if strings.TrimSpace(entry.Indicator) == "" {
		reply, human := AskForIndicator()
		return entry, Resolution{Source: SourceNotFound, Blocking: true, Reply: reply, HumanReply: human}, nil
	}

	for _, key := range preferenceKeys(entry) {
		pref, ok := g.GetPreference(key)
		if !ok {
			continue
		}
		applyPreference(&entry, key, pref)
		e.metrics.FormulaResolution(string(SourcePreference))
		slog.Debug("Engine.ResolveFormula: preference hit", "userID", g.UserID, "key", key, "formulaID", pref.FormulaID)
		return entry, Resolution{Source: SourcePreference}, nil
	}

	result, err := e.search.Search(ctx, entry.Indicator)
	if err != nil {
		return entry, Resolution{}, fmt.Errorf("formula search for %q: %w", entry.Indicator, err)
	}

	if len(result.ExactMatches) > 0 {
		m := result.ExactMatches[0]
		entry.SetFormula(m.ID)
		e.metrics.FormulaResolution(string(SourceExact))
		slog.Debug("Engine.ResolveFormula: exact match", "userID", g.UserID, "indicator", entry.Indicator, "formulaID", m.ID)
		return entry, Resolution{Source: SourceExact}, nil
	}

	candidates := rankCandidates(result.Candidates)
	if len(candidates) > 0 && candidates[0].Score > e.threshold {
		top := candidates[0]
		entry.SetFormula(top.ID)
		e.metrics.FormulaResolution(string(SourceConfidence))
		slog.Info("Engine.ResolveFormula: auto-selected high-confidence formula",
			"userID", g.UserID, "indicator", entry.Indicator, "formulaID", top.ID, "formulaName", top.Name,
			"score", top.Score, "threshold", e.threshold)
		return entry, Resolution{Source: SourceConfidence}, nil
	}

	if len(candidates) > 0 {
		if len(candidates) > e.topN {
			candidates = candidates[:e.topN]
		}
		for i := range candidates {
			candidates[i].Ordinal = i + 1
		}
		entry.Formula = ""
		entry.FormulaCandidates = candidates
		entry.SlotStatus.Formula = models.SlotMissing
		if entry.Alias == "" {
			entry.Alias = entry.Indicator
		}
		e.metrics.FormulaResolution(string(SourceDisambiguation))
		reply, human := CandidateList(entry.Indicator, candidates)
		return entry, Resolution{Source: SourceDisambiguation, Blocking: true, Reply: reply, HumanReply: human}, nil
	}

	e.metrics.FormulaResolution(string(SourceNotFound))
	reply, human := FormulaNotFound(entry.Indicator)
	return entry, Resolution{Source: SourceNotFound, Blocking: true, Reply: reply, HumanReply: human}, nil
}

func preferenceKeys(entry models.IndicatorEntry) []string {
	keys := []string{entry.PreferenceKey()}
	if entry.Alias != "" && entry.Alias != entry.Indicator {
		keys = append(keys, entry.Indicator)
	}
	return keys
}

func applyPreference(entry *models.IndicatorEntry, key string, pref models.Preference) {
	entry.Alias = key
	if pref.FormulaName != "" {
		entry.Indicator = pref.FormulaName
	}
	entry.SetFormula(pref.FormulaID)
}

// rankCandidates orders candidates by ordinal when the search numbered all of
// them, otherwise by descending score.
func rankCandidates(in []models.FormulaCandidate) []models.FormulaCandidate {
	out := append([]models.FormulaCandidate(nil), in...)
	byOrdinal := len(out) > 0
	for _, c := range out {
		if c.Ordinal <= 0 {
			byOrdinal = false
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if byOrdinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// Candidates returns up to topN numbered candidates for name, exact matches
// first. Used when a reselection has no remembered list to re-present.
func (e *Engine) Candidates(ctx context.Context, name string) ([]models.FormulaCandidate, error) {
	result, err := e.search.Search(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("formula search for %q: %w", name, err)
	}
	var out []models.FormulaCandidate
	seen := map[string]bool{}
	for _, m := range result.ExactMatches {
		if !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, models.FormulaCandidate{ID: m.ID, Name: m.Name})
		}
	}
	for _, c := range rankCandidates(result.Candidates) {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	if len(out) > e.topN {
		out = out[:e.topN]
	}
	for i := range out {
		out[i].Ordinal = i + 1
	}
	return out, nil
}
