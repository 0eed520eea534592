// Package resolve provides the slot-filling primitives shared by every workflow:
// entry bootstrap, formula resolution, cached query execution, and the turn epilogue.
package resolve

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/metrics"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// Defaults for the disambiguation policy.
const (
	DefaultHighConfidenceThreshold = 20.0
	DefaultCandidateTopN           = 5
)

// FormulaSearcher ranks formulas for an indicator name.
type FormulaSearcher interface {
	Search(ctx context.Context, name string) (models.SearchResult, error)
}

// Querier fetches an indicator value. A nil value with a nil error means the
// backend holds no data for the request.
type Querier interface {
	Query(ctx context.Context, formula, timeString string, timeType models.TimeType) (*models.Value, error)
}

// Persister stores a graph without blocking the caller.
type Persister interface {
	Persist(userID string, g *memory.Graph)
}

// Engine implements the slot-filling primitives.
type Engine struct {
	search    FormulaSearcher
	backend   Querier
	persist   Persister
	metrics   *metrics.Collector
	threshold float64
	topN      int
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the score a top candidate must exceed to be auto-selected.
func WithThreshold(t float64) Option {
	return func(e *Engine) {
		e.threshold = t
	}
}

// WithTopN sets how many candidates are offered while disambiguating.
func WithTopN(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.topN = n
		}
	}
}

// WithPersister sets where FinishTurn hands graphs for storage.
func WithPersister(p Persister) Option {
	return func(e *Engine) {
		e.persist = p
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// NewEngine creates an Engine over the given search and backend collaborators.
func NewEngine(search FormulaSearcher, backend Querier, opts ...Option) *Engine {
	e := &Engine{
		search:    search,
		backend:   backend,
		threshold: DefaultHighConfidenceThreshold,
		topN:      DefaultCandidateTopN,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadOrInitIndicator returns the first active entry in wm. Without one it
// reconstructs an entry from the last completed node, carrying its indicator,
// formula, and time with both slots reset to missing, or else creates a blank
// entry. When allowAppend is true a new entry is appended to wm and its index
// returned; otherwise the index is -1 for new entries.
func (e *Engine) LoadOrInitIndicator(wm *models.WorkingMemory, g *memory.Graph, allowAppend bool) (int, models.IndicatorEntry) {
	if idx := wm.ActiveIndexes(); len(idx) > 0 {
		return idx[0], wm.Indicators[idx[0]].Clone()
	}

	entry := models.NewIndicatorEntry()
	if last, ok := g.LastCompletedNode(); ok {
		entry.Indicator = last.Entry.Indicator
		entry.Alias = last.Entry.Alias
		entry.Formula = last.Entry.Formula
		entry.TimeString = last.Entry.TimeString
		entry.TimeType = last.Entry.TimeType
		slog.Debug("Engine.LoadOrInitIndicator: restored from last node", "userID", g.UserID, "nodeID", last.ID, "indicator", entry.Indicator)
	}

	if !allowAppend {
		return -1, entry
	}
	wm.Indicators = append(wm.Indicators, entry)
	return len(wm.Indicators) - 1, entry.Clone()
}

// FinishTurn is the single exit of every workflow branch. It appends the exchange
// to the transcript, stores wm (nil resets working memory), hands the graph to the
// persister, and returns the reply with the serialized graph.
func (e *Engine) FinishTurn(ctx context.Context, userID string, g *memory.Graph, userInput string, wm *models.WorkingMemory, reply, humanReply string) models.TurnResult {
	g.AppendHistory(userInput, reply)
	if wm == nil {
		g.ResetWorkingMemory()
	} else {
		if wm.IsEmpty() {
			wm.MainGoal = models.GoalNone
		}
		g.SetWorkingMemory(wm)
	}

	if e.persist != nil {
		e.persist.Persist(userID, g)
	}

	graph, err := g.ToMap()
	if err != nil {
		slog.Error("Engine.FinishTurn: failed to serialize graph", "userID", userID, "error", err)
	}
	return models.TurnResult{Reply: reply, HumanReply: humanReply, Graph: graph}
}
