package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// CatalogEntry is one formula in an offline catalog file.
type CatalogEntry struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// catalogTerm is one searchable string pointing back at its formula.
type catalogTerm struct {
	text  string
	entry int
}

type catalogTerms []catalogTerm

func (t catalogTerms) String(i int) string { return t[i].text }
func (t catalogTerms) Len() int            { return len(t) }

// CatalogSearch ranks formulas from a static catalog: case-insensitive name or
// alias equality is an exact match, everything else is fuzzy-ranked.
type CatalogSearch struct {
	entries []CatalogEntry
	terms   catalogTerms
}

// NewCatalogSearch builds a CatalogSearch over entries.
func NewCatalogSearch(entries []CatalogEntry) *CatalogSearch {
	c := &CatalogSearch{entries: entries}
	for i, e := range entries {
		c.terms = append(c.terms, catalogTerm{text: e.Name, entry: i})
		for _, a := range e.Aliases {
			c.terms = append(c.terms, catalogTerm{text: a, entry: i})
		}
	}
	return c
}

// LoadCatalog reads a JSON array of CatalogEntry from path.
func LoadCatalog(path string) (*CatalogSearch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read formula catalog %s: %w", path, err)
	}
	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse formula catalog %s: %w", path, err)
	}
	slog.Debug("LoadCatalog: formula catalog loaded", "path", path, "entries", len(entries))
	return NewCatalogSearch(entries), nil
}

// Search returns exact matches and fuzzy candidates for name.
func (c *CatalogSearch) Search(ctx context.Context, name string) (models.SearchResult, error) {
	res := models.SearchResult{}
	q := strings.TrimSpace(name)
	if q == "" {
		return res, nil
	}

	seen := map[int]bool{}
	for _, t := range c.terms {
		if strings.EqualFold(t.text, q) && !seen[t.entry] {
			seen[t.entry] = true
			e := c.entries[t.entry]
			res.ExactMatches = append(res.ExactMatches, models.FormulaRef{ID: e.ID, Name: e.Name})
		}
	}
	if len(res.ExactMatches) > 0 {
		return res, nil
	}

	for _, m := range fuzzy.FindFrom(q, c.terms) {
		idx := c.terms[m.Index].entry
		if seen[idx] {
			continue
		}
		seen[idx] = true
		e := c.entries[idx]
		res.Candidates = append(res.Candidates, models.FormulaCandidate{
			ID:      e.ID,
			Name:    e.Name,
			Score:   float64(m.Score),
			Ordinal: len(res.Candidates) + 1,
		})
	}
	return res, nil
}
