package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/metrics"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/resolve"
	"github.com/BTreeMap/IndicatorPipe/internal/timerange"
)

type fakeUnderstander struct {
	parses map[string]models.ParsedInput
	err    error
}

func (f *fakeUnderstander) Parse(ctx context.Context, text string) (models.ParsedInput, error) {
	if f.err != nil {
		return models.ParsedInput{}, f.err
	}
	return f.parses[text], nil
}

type fakeExpander struct {
	phrases map[string][]string
}

func (f *fakeExpander) Expand(ctx context.Context, input string, last *models.IndicatorEntry, intent models.Goal) ([]string, error) {
	if p, ok := f.phrases[input]; ok {
		return p, nil
	}
	return []string{input}, nil
}

type fakeSearch struct {
	results map[string]models.SearchResult
	calls   []string
}

func (f *fakeSearch) Search(ctx context.Context, name string) (models.SearchResult, error) {
	f.calls = append(f.calls, name)
	return f.results[name], nil
}

type fakeBackend struct {
	calls  []string
	panics bool
}

func (f *fakeBackend) Query(ctx context.Context, formula, timeString string, timeType models.TimeType) (*models.Value, error) {
	f.calls = append(f.calls, formula+"@"+timeString)
	if f.panics {
		panic("backend exploded")
	}
	return &models.Value{Kind: models.ValueKindScalar, Scalar: float64(10 * len(f.calls)), Unit: "t"}, nil
}

type harness struct {
	und     *fakeUnderstander
	search  *fakeSearch
	backend *fakeBackend
	metrics *metrics.Collector
	g       *memory.Graph
	orch    *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		und: &fakeUnderstander{parses: map[string]models.ParsedInput{
			"steam use 2024-09":       {Indicator: "steam use", TimeString: "2024-09", TimeType: models.TimeTypeMonth},
			"steam use 2024-08":       {Indicator: "steam use", TimeString: "2024-08", TimeType: models.TimeTypeMonth},
			"steam use":               {Indicator: "steam use"},
			"power use":               {Indicator: "power use"},
			"water use":               {Indicator: "water use"},
			"2024-09":                 {TimeString: "2024-09", TimeType: models.TimeTypeMonth},
			"2024-08":                 {TimeString: "2024-08", TimeType: models.TimeTypeMonth},
			"power 2024-09":           {Indicator: "power", TimeString: "2024-09", TimeType: models.TimeTypeMonth},
			"power 2024-10":           {Indicator: "power", TimeString: "2024-10", TimeType: models.TimeTypeMonth},
			"compare with 2024-08":    {TimeString: "2024-08", TimeType: models.TimeTypeMonth},
			"steam use 2024-09-05 08": {Indicator: "steam use", TimeString: "2024-09-05 08", TimeType: models.TimeTypeHour},
			"compare steam, power and water for 2024-09": {
				TimeString: "2024-09", TimeType: models.TimeTypeMonth, Intent: models.GoalCompare,
			},
		}},
		search: &fakeSearch{results: map[string]models.SearchResult{
			"steam use": {ExactMatches: []models.FormulaRef{{ID: "F-steam", Name: "steam use"}}},
			"power use": {ExactMatches: []models.FormulaRef{{ID: "F-power", Name: "power use"}}},
			"water use": {ExactMatches: []models.FormulaRef{{ID: "F-water", Name: "water use"}}},
			"power": {Candidates: []models.FormulaCandidate{
				{ID: "P1", Name: "Power A", Score: 5},
				{ID: "P2", Name: "Power B", Score: 3},
			}},
		}},
		backend: &fakeBackend{},
		metrics: metrics.NewCollector("test"),
		g:       memory.New("u1"),
	}
	engine := resolve.NewEngine(h.search, h.backend, resolve.WithMetrics(h.metrics))
	clock := func() time.Time { return time.Date(2025, 10, 15, 9, 0, 0, 0, time.UTC) }
	base := []Option{
		WithMetrics(h.metrics),
		WithNormalizer(timerange.NewNormalizer(timerange.WithClock(clock))),
	}
	h.orch = NewOrchestrator(engine, h.und, append(base, opts...)...)
	return h
}

func (h *harness) turn(input string, intent models.Goal) models.TurnResult {
	return h.orch.HandleTurn(context.Background(), h.g, Turn{UserID: "u1", Input: input, Intent: intent})
}

func TestHandleTurn_SingleQueryCompletesAndResets(t *testing.T) {
	h := newHarness(t)

	res := h.turn("steam use 2024-09", models.GoalNone)

	assert.Equal(t, "steam use | 2024-09 | MONTH | 10 t", res.Reply)
	assert.Equal(t, "steam use for 2024-09: 10 t", res.HumanReply)
	assert.NotNil(t, res.Graph)
	assert.Equal(t, []string{"F-steam@2024-09"}, h.backend.calls)
	require.Len(t, h.g.Nodes, 1)
	assert.Equal(t, models.EntryStatusCompleted, h.g.Nodes[0].Entry.Status)
	assert.Nil(t, h.g.WorkingMemory)
	assert.Len(t, h.g.History, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Turns.WithLabelValues("single_query", "ok")))
}

func TestHandleTurn_RepeatedQueryIsAnsweredFromGraph(t *testing.T) {
	h := newHarness(t)

	first := h.turn("steam use 2024-09", models.GoalNone)
	second := h.turn("steam use 2024-09", models.GoalNone)

	assert.Equal(t, first.Reply, second.Reply)
	assert.Len(t, h.backend.calls, 1)
	assert.Equal(t, []string{"steam use"}, h.search.calls)
	assert.Len(t, h.g.Nodes, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CacheHits))
}

func TestHandleTurn_MissingTimeThenBareTime(t *testing.T) {
	h := newHarness(t)

	res := h.turn("steam use", models.GoalNone)
	assert.True(t, strings.HasPrefix(res.Reply, "MISSING_SLOT time"), res.Reply)
	require.NotNil(t, h.g.WorkingMemory)
	assert.Equal(t, models.GoalSingleQuery, h.g.WorkingMemory.MainGoal)
	require.Len(t, h.g.WorkingMemory.Indicators, 1)
	assert.Equal(t, "F-steam", h.g.WorkingMemory.Indicators[0].Formula)
	assert.Empty(t, h.backend.calls)

	res = h.turn("2024-09", models.GoalNone)
	assert.Equal(t, "steam use | 2024-09 | MONTH | 10 t", res.Reply)
	assert.Nil(t, h.g.WorkingMemory)
	assert.Len(t, h.search.calls, 1)
}

func TestHandleTurn_DisambiguationRemembersPick(t *testing.T) {
	h := newHarness(t)

	res := h.turn("power 2024-09", models.GoalNone)
	assert.Equal(t, "FORMULA_AMBIGUOUS indicator=power 1=P1 2=P2", res.Reply)
	assert.Contains(t, res.HumanReply, "2. Power B")
	require.Equal(t, 0, h.g.WorkingMemory.DisambiguatingIndex())

	res = h.turn("2", models.GoalNone)
	assert.Equal(t, "Power B | 2024-09 | MONTH | 10 t", res.Reply)
	pref, ok := h.g.GetPreference("power")
	require.True(t, ok)
	assert.Equal(t, "P2", pref.FormulaID)
	assert.Len(t, pref.Offered, 2)
	assert.Nil(t, h.g.WorkingMemory)

	h.turn("steam use 2024-09", models.GoalNone)
	res = h.turn("power 2024-10", models.GoalNone)
	assert.Equal(t, "Power B | 2024-10 | MONTH | 30 t", res.Reply)
	assert.Equal(t, []string{"power", "steam use"}, h.search.calls)
	last, _ := h.g.LastCompletedNode()
	assert.Equal(t, "P2", last.Entry.Formula)
	assert.Equal(t, "power", last.Entry.Alias)
}

func TestHandleTurn_ReselectOverwritesPreference(t *testing.T) {
	h := newHarness(t)
	h.turn("power 2024-09", models.GoalNone)
	h.turn("2", models.GoalNone)

	res := h.turn("choose again", models.GoalNone)
	assert.Equal(t, "FORMULA_AMBIGUOUS indicator=power 1=P1 2=P2", res.Reply)
	require.NotNil(t, h.g.WorkingMemory)

	res = h.turn("Power A", models.GoalNone)
	assert.Equal(t, "Power A | 2024-09 | MONTH | 20 t", res.Reply)
	pref, ok := h.g.GetPreference("power")
	require.True(t, ok)
	assert.Equal(t, "P1", pref.FormulaID)
	assert.Equal(t, "Power A", pref.FormulaName)
	assert.Len(t, pref.Offered, 2)
	assert.Len(t, h.search.calls, 1)
}

func TestHandleTurn_ClarifyNarrowsOnSeveralNameMatches(t *testing.T) {
	h := newHarness(t)
	h.turn("power 2024-09", models.GoalNone)

	res := h.turn("power", models.GoalNone)
	assert.Equal(t, "FORMULA_AMBIGUOUS indicator=power 1=P1 2=P2", res.Reply)
	assert.Empty(t, h.backend.calls)

	res = h.turn("b", models.GoalNone)
	assert.Equal(t, "Power B | 2024-09 | MONTH | 10 t", res.Reply)
}

func TestHandleTurn_CompareWithoutCandidatesPairsLastTwoNodes(t *testing.T) {
	h := newHarness(t)
	h.turn("steam use 2024-09", models.GoalNone)
	h.turn("steam use 2024-08", models.GoalNone)

	res := h.turn("compare them", models.GoalCompare)

	assert.True(t, strings.HasPrefix(res.Reply, "COMPARE 1,2"), res.Reply)
	assert.Contains(t, res.HumanReply, "steam use minus steam use is -10 t.")
	assert.Len(t, h.backend.calls, 2)
	require.Len(t, h.g.Relations, 1)
	rel := h.g.Relations[0]
	assert.Equal(t, models.RelationCompare, rel.Type)
	require.NotNil(t, rel.SourceNodeID)
	require.NotNil(t, rel.TargetNodeID)
	assert.Equal(t, 1, *rel.SourceNodeID)
	assert.Equal(t, 2, *rel.TargetNodeID)
	assert.Nil(t, h.g.WorkingMemory)
}

func TestHandleTurn_CompareWithoutCandidatesIgnoresLeftoverEntries(t *testing.T) {
	h := newHarness(t)
	h.turn("steam use 2024-09", models.GoalNone)
	h.turn("steam use 2024-08", models.GoalNone)
	res := h.turn("power 2024-09", models.GoalNone)
	require.Equal(t, "FORMULA_AMBIGUOUS indicator=power 1=P1 2=P2", res.Reply)

	res = h.turn("compare them", models.GoalCompare)

	assert.True(t, strings.HasPrefix(res.Reply, "COMPARE 1,2"), res.Reply)
	assert.Len(t, h.backend.calls, 2)
	require.Len(t, h.g.Relations, 1)
	rel := h.g.Relations[0]
	assert.Equal(t, models.RelationCompare, rel.Type)
	assert.Equal(t, []int{1, 2}, rel.Meta.NodeIDs)
	assert.Nil(t, h.g.WorkingMemory)
}

func TestHandleTurn_CompareNeedsTwoResults(t *testing.T) {
	h := newHarness(t)
	h.turn("steam use 2024-09", models.GoalNone)

	res := h.turn("compare them", models.GoalCompare)

	assert.Equal(t, "COMPARE_NEEDS_TWO", res.Reply)
	assert.Empty(t, h.g.Relations)
	require.NotNil(t, h.g.WorkingMemory)
	assert.Equal(t, models.GoalCompare, h.g.WorkingMemory.MainGoal)
}

func TestHandleTurn_CompareAgainstLastAnswer(t *testing.T) {
	h := newHarness(t)
	h.turn("steam use 2024-09", models.GoalNone)

	res := h.turn("compare with 2024-08", models.GoalCompare)

	assert.True(t, strings.HasPrefix(res.Reply, "COMPARE 1,2"), res.Reply)
	assert.Equal(t, []string{"F-steam@2024-09", "F-steam@2024-08"}, h.backend.calls)
	assert.Len(t, h.search.calls, 1)
}

func TestHandleTurn_CompareDiscardsExtraCandidates(t *testing.T) {
	h := newHarness(t, WithCandidateExpander(&fakeExpander{phrases: map[string][]string{
		"compare steam, power and water for 2024-09": {"steam use", "power use", "water use"},
	}}))

	res := h.turn("compare steam, power and water for 2024-09", models.GoalNone)

	assert.True(t, strings.HasPrefix(res.Reply, OnlyTwoNotice+"\nCOMPARE 1,2"), res.Reply)
	assert.True(t, strings.HasPrefix(res.HumanReply, OnlyTwoNotice), res.HumanReply)
	assert.Equal(t, []string{"F-steam@2024-09", "F-power@2024-09"}, h.backend.calls)
	assert.NotContains(t, h.search.calls, "water use")
}

func TestHandleTurn_CompareHandsOffAfterSlotFill(t *testing.T) {
	h := newHarness(t, WithCandidateExpander(&fakeExpander{phrases: map[string][]string{
		"compare steam and power": {"steam use", "power use"},
	}}))

	res := h.turn("compare steam and power", models.GoalCompare)
	assert.Equal(t, "MISSING_SLOT time indicator=steam use", res.Reply)
	require.NotNil(t, h.g.WorkingMemory)
	assert.Equal(t, models.GoalCompare, h.g.WorkingMemory.MainGoal)

	res = h.turn("2024-09", models.GoalNone)
	assert.True(t, strings.HasPrefix(res.Reply, "COMPARE 1,2"), res.Reply)
	assert.Equal(t, []string{"F-steam@2024-09", "F-power@2024-09"}, h.backend.calls)
	assert.Len(t, h.g.Relations, 1)
	assert.Nil(t, h.g.WorkingMemory)
}

func TestHandleTurn_SlotFillRejectsSeveralTimes(t *testing.T) {
	h := newHarness(t, WithCandidateExpander(&fakeExpander{phrases: map[string][]string{
		"2024-09": {"2024-09", "2024-10"},
	}}))
	h.turn("steam use", models.GoalNone)

	res := h.turn("2024-09", models.GoalNone)

	assert.Equal(t, "AMBIGUOUS_TIME found=2", res.Reply)
	assert.Empty(t, h.backend.calls)
	require.NotNil(t, h.g.WorkingMemory)
	assert.Nil(t, h.g.WorkingMemory.PendingTime)
	assert.False(t, h.g.WorkingMemory.Indicators[0].HasTime())
}

func TestHandleTurn_AnalysisNeedsRange(t *testing.T) {
	h := newHarness(t)

	res := h.turn("steam use 2024-09-05 08", models.GoalAnalysis)
	assert.Equal(t, "RANGE_REQUIRED indicator=steam use", res.Reply)
	assert.Empty(t, h.backend.calls)
	require.NotNil(t, h.g.WorkingMemory)
	assert.Equal(t, models.GoalAnalysis, h.g.WorkingMemory.MainGoal)
	require.Len(t, h.g.WorkingMemory.Indicators, 1)
	assert.Empty(t, h.g.WorkingMemory.Indicators[0].TimeString)

	res = h.turn("2024-09", models.GoalNone)
	assert.Equal(t, []string{"F-steam@2024-09-01~2024-09-30"}, h.backend.calls)
	require.Len(t, h.g.Relations, 1)
	assert.Equal(t, models.RelationAnalysis, h.g.Relations[0].Type)
	assert.Equal(t, []int{1}, h.g.Relations[0].Meta.NodeIDs)
	assert.Equal(t, models.TimeTypeDay, h.g.Nodes[0].Entry.TimeType)
	assert.Nil(t, h.g.WorkingMemory)
	assert.Contains(t, res.HumanReply, "steam use for 2024-09-01~2024-09-30: 10 t")
}

func TestHandleTurn_ListQueryGroupsEntries(t *testing.T) {
	h := newHarness(t)

	res := h.orch.HandleTurn(context.Background(), h.g, Turn{
		UserID:     "u1",
		Input:      "steam use 2024-09",
		Intent:     models.GoalListQuery,
		Candidates: []string{"steam use", "power use"},
	})

	assert.Equal(t, "steam use | 2024-09 | MONTH | 10 t\npower use | 2024-09 | MONTH | 20 t", res.Reply)
	require.Len(t, h.g.Relations, 1)
	assert.Equal(t, models.RelationGroup, h.g.Relations[0].Type)
	assert.Nil(t, h.g.Relations[0].SourceNodeID)
	assert.Equal(t, []string{"steam use", "power use"}, h.g.Relations[0].Meta.Indicators)
}

func TestHandleTurn_ErrorsBecomeApologies(t *testing.T) {
	t.Run("understander error keeps working memory", func(t *testing.T) {
		h := newHarness(t)
		h.turn("steam use", models.GoalNone)
		before := h.g.WorkingMemory.Clone()

		h.und.err = errors.New("llm unavailable")
		res := h.turn("2024-09", models.GoalNone)

		assert.Equal(t, "INTERNAL_ERROR workflow=", res.Reply)
		assert.Equal(t, before.Indicators, h.g.WorkingMemory.Indicators)
		assert.Equal(t, before.MainGoal, h.g.WorkingMemory.MainGoal)
		assert.Len(t, h.g.History, 2)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		h := newHarness(t)
		h.backend.panics = true

		res := h.turn("steam use 2024-09", models.GoalNone)

		assert.Equal(t, "INTERNAL_ERROR workflow=single_query", res.Reply)
		assert.Empty(t, h.g.Nodes)
		assert.True(t, h.g.WorkingMemory.IsEmpty())
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Turns.WithLabelValues("single_query", "error")))
	})

	t.Run("unknown explicit intent", func(t *testing.T) {
		h := newHarness(t)
		res := h.turn("steam use 2024-09", models.Goal("forecast"))
		assert.Equal(t, "INTERNAL_ERROR workflow=forecast", res.Reply)
		assert.Empty(t, h.backend.calls)
	})
}

func TestMatchCandidate(t *testing.T) {
	offered := []models.FormulaCandidate{
		{ID: "A", Name: "Boiler steam use", Ordinal: 1},
		{ID: "B", Name: "Turbine steam use", Ordinal: 2},
		{ID: "C", Name: "Boiler water", Ordinal: 3},
	}
	tests := []struct {
		input    string
		wantID   string
		narrowed int
	}{
		{"2", "B", 0},
		{"#3", "C", 0},
		{"no. 1", "A", 0},
		{"second", "B", 0},
		{"3rd", "C", 0},
		{"turbine steam use", "B", 0},
		{"water", "C", 0},
		{"steam", "", 2},
		{"boiler", "", 2},
		{"nothing", "", 0},
		{"9", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			pick, narrowed := matchCandidate(tt.input, offered)
			if tt.wantID == "" {
				assert.Nil(t, pick)
			} else {
				require.NotNil(t, pick)
				assert.Equal(t, tt.wantID, pick.ID)
			}
			assert.Len(t, narrowed, tt.narrowed)
		})
	}
}
