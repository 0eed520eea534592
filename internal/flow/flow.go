// Package flow routes each conversational turn to one of six workflows and
// threads the user's graph and working memory through them.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/metrics"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/resolve"
)

var (
	// ErrUnknownGoal is returned when a turn is dispatched to an unknown workflow.
	ErrUnknownGoal = errors.New("unknown workflow goal")
	// ErrWorkflowPanic wraps a panic recovered inside a workflow.
	ErrWorkflowPanic = errors.New("workflow panicked")
)

// reselectRe matches phrasing asking to pick a different formula candidate.
var reselectRe = regexp.MustCompile(`(?i)(re-?select|choose again|pick again|select again|wrong (one|formula|indicator|choice)|another (one|formula)|not (that|this) one|change (the )?(formula|selection|choice)|重新选择|选错|换一个)`)

// Orchestrator dispatches turns to workflows.
type Orchestrator struct {
	engine       *resolve.Engine
	understander Understander
	expander     CandidateExpander
	summarizer   Summarizer
	normalizer   RangeNormalizer
	metrics      *metrics.Collector
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCandidateExpander sets the collaborator that splits turns into candidate phrases.
func WithCandidateExpander(e CandidateExpander) Option {
	return func(o *Orchestrator) {
		o.expander = e
	}
}

// WithSummarizer sets the narrative collaborator.
func WithSummarizer(s Summarizer) Option {
	return func(o *Orchestrator) {
		o.summarizer = s
	}
}

// WithNormalizer sets the time range normalizer used by analysis.
func WithNormalizer(n RangeNormalizer) Option {
	return func(o *Orchestrator) {
		o.normalizer = n
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) {
		o.metrics = c
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(engine *resolve.Engine, understander Understander, opts ...Option) *Orchestrator {
	o := &Orchestrator{engine: engine, understander: understander}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleTurn runs one turn for the owner of g. The caller must serialize turns
// per user. Every path, including workflow errors, exits through the turn
// epilogue; errors become an apology with working memory left as it was.
func (o *Orchestrator) HandleTurn(ctx context.Context, g *memory.Graph, t Turn) models.TurnResult {
	start := time.Now()
	ts := newTurnState(t, g)

	goal, res, err := o.run(ctx, ts, t.Intent)
	if err == nil {
		o.metrics.ObserveTurn(string(goal), ts.outcome, time.Since(start))
		return res
	}

	slog.Error("Orchestrator.HandleTurn: workflow failed", "userID", ts.userID, "goal", goal, "error", err)
	o.metrics.ObserveTurn(string(goal), "error", time.Since(start))
	reply, human := resolve.Apology(goal)
	return o.engine.FinishTurn(ctx, ts.userID, g, ts.input, ts.original, reply, human)
}

// run routes and dispatches the turn, converting panics into ErrWorkflowPanic.
func (o *Orchestrator) run(ctx context.Context, ts *turnState, explicit models.Goal) (goal models.Goal, res models.TurnResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator: recovered panic in workflow", "userID", ts.userID, "goal", goal, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %s: %v", ErrWorkflowPanic, goal, r)
		}
	}()

	goal, err = o.route(ctx, ts, explicit)
	if err != nil {
		return goal, res, err
	}
	ts.recordGoal(goal)
	slog.Debug("Orchestrator.HandleTurn: routed", "userID", ts.userID, "goal", goal, "candidates", len(ts.candidates), "supplied", ts.supplied)
	res, err = o.dispatch(ctx, ts, goal)
	return goal, res, err
}

func (o *Orchestrator) dispatch(ctx context.Context, ts *turnState, goal models.Goal) (models.TurnResult, error) {
	switch goal {
	case models.GoalSingleQuery:
		return o.singleQuery(ctx, ts)
	case models.GoalCompare:
		return o.compare(ctx, ts)
	case models.GoalListQuery, models.GoalAnalysis:
		return o.batch(ctx, ts, goal)
	case models.GoalClarify:
		return o.clarify(ctx, ts)
	case models.GoalSlotFill:
		return o.slotFill(ctx, ts)
	default:
		return models.TurnResult{}, fmt.Errorf("%w: %q", ErrUnknownGoal, goal)
	}
}

// route picks the workflow: explicit intent, then a pending disambiguation,
// then re-selection phrasing, then the detected intent, then a bare time for
// entries waiting on one, then the remembered goal, else a single lookup.
func (o *Orchestrator) route(ctx context.Context, ts *turnState, explicit models.Goal) (models.Goal, error) {
	if explicit != models.GoalNone {
		if !models.IsValidGoal(explicit) {
			return explicit, fmt.Errorf("%w: %q", ErrUnknownGoal, explicit)
		}
		return explicit, nil
	}
	if ts.wm.DisambiguatingIndex() >= 0 {
		return models.GoalClarify, nil
	}
	if reselectRe.MatchString(ts.input) && len(ts.g.Nodes) > 0 {
		return models.GoalClarify, nil
	}

	parsed, err := o.parseInput(ctx, ts)
	if err != nil {
		return models.GoalNone, err
	}
	waiting := ts.waitingForTime()
	switch {
	case parsed.Intent == models.GoalSlotFill && !waiting:
		return models.GoalSingleQuery, nil
	case parsed.Intent != models.GoalNone:
		return parsed.Intent, nil
	case waiting && parsed.HasTime() && parsed.Indicator == "":
		return models.GoalSlotFill, nil
	case ts.wm.MainGoal != models.GoalNone:
		return ts.wm.MainGoal, nil
	}
	return models.GoalSingleQuery, nil
}

// waitingForTime reports whether an active entry lacks only its time.
func (ts *turnState) waitingForTime() bool {
	for _, i := range ts.wm.ActiveIndexes() {
		if !ts.wm.Indicators[i].HasTime() {
			return true
		}
	}
	return false
}

// parseInput parses the turn's full input once.
func (o *Orchestrator) parseInput(ctx context.Context, ts *turnState) (models.ParsedInput, error) {
	if ts.parsed != nil {
		return *ts.parsed, nil
	}
	p, err := o.understander.Parse(ctx, ts.input)
	if err != nil {
		return models.ParsedInput{}, err
	}
	ts.parsed = &p
	return p, nil
}

// parsePhrase parses a candidate phrase, reusing the full-input parse when they coincide.
func (o *Orchestrator) parsePhrase(ctx context.Context, ts *turnState, phrase string) (models.ParsedInput, error) {
	if strings.TrimSpace(phrase) == strings.TrimSpace(ts.input) {
		return o.parseInput(ctx, ts)
	}
	return o.understander.Parse(ctx, phrase)
}

// candidatesFor returns the supplied candidates, or asks the expander. Without an
// expander the full input counts as one candidate when it names an indicator,
// or for compare and slot_fill when it carries a time.
func (o *Orchestrator) candidatesFor(ctx context.Context, ts *turnState, goal models.Goal) ([]string, error) {
	if ts.supplied {
		return ts.candidates, nil
	}
	if o.expander != nil {
		cands, err := o.expander.Expand(ctx, ts.input, ts.lastEntry(), goal)
		if err != nil {
			return nil, err
		}
		slog.Debug("Orchestrator.candidatesFor: expanded", "userID", ts.userID, "goal", goal, "candidates", cands)
		ts.candidates = cands
		return cands, nil
	}
	parsed, err := o.parseInput(ctx, ts)
	if err != nil {
		return nil, err
	}
	timeOnly := goal == models.GoalSlotFill || goal == models.GoalCompare
	if parsed.Indicator != "" || (timeOnly && parsed.HasTime()) {
		ts.candidates = []string{ts.input}
	}
	return ts.candidates, nil
}

// finish ends the turn keeping working memory (the goal stays in flight).
func (o *Orchestrator) finish(ctx context.Context, ts *turnState, reply, human string) (models.TurnResult, error) {
	ts.outcome = "blocked"
	return o.engine.FinishTurn(ctx, ts.userID, ts.g, ts.input, ts.wm, ts.withNotice(reply), ts.withNotice(human)), nil
}

// done ends the turn and resets working memory.
func (o *Orchestrator) done(ctx context.Context, ts *turnState, reply, human string) (models.TurnResult, error) {
	ts.outcome = "ok"
	return o.engine.FinishTurn(ctx, ts.userID, ts.g, ts.input, nil, ts.withNotice(reply), ts.withNotice(human)), nil
}

func (ts *turnState) withNotice(s string) string {
	if ts.notice == "" {
		return s
	}
	return ts.notice + "\n" + s
}

// handoff continues into the parent goal after a completed lookup, or resets.
func (o *Orchestrator) handoff(ctx context.Context, ts *turnState, reply, human string) (models.TurnResult, error) {
	parent := ts.wm.MainGoal
	if !models.IsParentGoal(parent) {
		return o.done(ctx, ts, reply, human)
	}
	slog.Debug("Orchestrator.handoff: continuing parent goal", "userID", ts.userID, "goal", parent)
	ts.continuation = true
	ts.candidates = nil
	ts.supplied = false
	return o.dispatch(ctx, ts, parent)
}
