package memory

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

func testClock() time.Time {
	return time.Date(2025, time.October, 18, 9, 30, 0, 0, time.UTC)
}

func completedEntry(indicator, ts string) models.IndicatorEntry {
	e := models.NewIndicatorEntry()
	e.Indicator = indicator
	e.SetFormula("F-" + indicator)
	e.SetTime(models.TimeSlot{TimeString: ts, TimeType: models.TimeTypeDay})
	e.Status = models.EntryStatusCompleted
	e.Value = &models.Value{Kind: models.ValueKindScalar, Scalar: 42, Unit: "t"}
	return e
}

func TestAddNodeAndFind(t *testing.T) {
	g := New("u1", WithClock(testClock))
	id1 := g.AddNode(completedEntry("steam", "2024-09-01"))
	id2 := g.AddNode(completedEntry("power", "2024-09-01"))
	assert.Equal(t, 1, id1)
	assert.Equal(t, 2, id2)

	id, ok := g.FindNode("steam", "2024-09-01")
	require.True(t, ok)
	assert.Equal(t, id1, id)

	_, ok = g.FindNode("steam", "2024-09-02")
	assert.False(t, ok)

	n, ok := g.GetNode(id2)
	require.True(t, ok)
	assert.Equal(t, "power", n.Entry.Indicator)
	assert.Equal(t, id2, n.Entry.NodeID)
}

func TestAddNodeSnapshotsEntry(t *testing.T) {
	g := New("u1", WithClock(testClock))
	e := completedEntry("steam", "2024-09-01")
	id := g.AddNode(e)

	e.Indicator = "mutated"
	e.Value.Scalar = 1

	n, _ := g.GetNode(id)
	assert.Equal(t, "steam", n.Entry.Indicator)
	assert.Equal(t, float64(42), n.Entry.Value.Scalar)

	// mutating a returned copy must not reach the log
	n.Entry.Value.Scalar = 7
	again, _ := g.GetNode(id)
	assert.Equal(t, float64(42), again.Entry.Value.Scalar)
}

func TestLastNodes(t *testing.T) {
	g := New("u1", WithClock(testClock))
	assert.Empty(t, g.LastNodes(2))
	_, ok := g.LastCompletedNode()
	assert.False(t, ok)

	g.AddNode(completedEntry("a", "d1"))
	g.AddNode(completedEntry("b", "d1"))
	g.AddNode(completedEntry("c", "d1"))

	last := g.LastNodes(2)
	require.Len(t, last, 2)
	assert.Equal(t, "b", last[0].Entry.Indicator)
	assert.Equal(t, "c", last[1].Entry.Indicator)
	assert.Len(t, g.LastNodes(10), 3)

	n, ok := g.LastCompletedNode()
	require.True(t, ok)
	assert.Equal(t, 3, n.ID)
}

func TestPreferences(t *testing.T) {
	g := New("u1", WithClock(testClock))
	offered := []models.FormulaCandidate{{ID: "f1", Name: "Yield A", Ordinal: 1}, {ID: "f2", Name: "Yield B", Ordinal: 2}}
	g.AddPreference("yield", "f1", "Yield A", offered)

	p, ok := g.GetPreference("yield")
	require.True(t, ok)
	assert.Equal(t, "f1", p.FormulaID)
	assert.Len(t, p.Offered, 2)

	g.UpdatePreference("yield", offered[1])
	p, _ = g.GetPreference("yield")
	assert.Equal(t, "f2", p.FormulaID)
	assert.Equal(t, "Yield B", p.FormulaName)
	assert.Len(t, p.Offered, 2, "reselection keeps the offered list")
	assert.Len(t, g.Preferences, 1)

	g.UpdatePreference("other", offered[0])
	_, ok = g.GetPreference("other")
	assert.True(t, ok)
}

func TestWorkingMemoryLifecycle(t *testing.T) {
	g := New("u1")
	wm := g.EnsureWorkingMemory()
	wm.MainGoal = models.GoalCompare
	wm.Indicators = append(wm.Indicators, models.NewIndicatorEntry())
	assert.Same(t, wm, g.EnsureWorkingMemory())

	g.ClearGoal()
	assert.Equal(t, models.GoalNone, g.WorkingMemory.MainGoal)
	assert.Len(t, g.WorkingMemory.Indicators, 1)

	g.ResetWorkingMemory()
	fresh := g.EnsureWorkingMemory()
	assert.Equal(t, models.GoalNone, fresh.MainGoal)
	assert.Empty(t, fresh.Indicators)
}

func TestAppendHistoryBounded(t *testing.T) {
	g := New("u1", WithHistoryLimit(3))
	for _, in := range []string{"a", "b", "c", "d", "e"} {
		g.AppendHistory(in, "re:"+in)
	}
	require.Len(t, g.History, 3)
	assert.Equal(t, "c", g.History[0].UserInput)
	assert.Equal(t, "re:e", g.History[2].Reply)
}

func TestMapRoundTripIsLossless(t *testing.T) {
	g := New("u1", WithClock(testClock))
	a := g.AddNode(completedEntry("steam", "2024-09-01~2024-09-07"))
	series := completedEntry("power", "2024-09-01")
	series.Value = &models.Value{Kind: models.ValueKindSeries, Unit: "kWh", Series: []models.SeriesPoint{{Timestamp: "2024-09-01 00", Value: 1.5}, {Timestamp: "2024-09-01 01", Value: 2}}}
	b := g.AddNode(series)
	g.AddRelation(models.RelationCompare, &a, &b, models.RelationMeta{NodeIDs: []int{a, b}, Indicators: []string{"steam", "power"}, Summary: "steam is higher"})
	g.AddPreference("steam", "F-steam", "Steam use", []models.FormulaCandidate{{ID: "F-steam", Name: "Steam use", Score: 12.5, Ordinal: 1}})
	wm := g.EnsureWorkingMemory()
	wm.MainGoal = models.GoalListQuery
	wm.GoalHistory = []models.Goal{models.GoalListQuery}
	pending := models.NewIndicatorEntry()
	pending.Indicator = "gas"
	pending.FormulaCandidates = []models.FormulaCandidate{{ID: "g1", Name: "Gas A", Score: 3, Ordinal: 1}}
	wm.Indicators = []models.IndicatorEntry{pending}
	wm.PendingTime = &models.TimeSlot{TimeString: "2024-09", TimeType: models.TimeTypeMonth}
	g.AppendHistory("compare steam and power", "steam is higher")

	m, err := g.ToMap()
	require.NoError(t, err)
	back, err := FromMap(m)
	require.NoError(t, err)

	if diff := cmp.Diff(g, back, cmpopts.IgnoreUnexported(Graph{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalEmptyDocument(t *testing.T) {
	g, err := Unmarshal([]byte(`{"userId":"u9"}`))
	require.NoError(t, err)
	assert.Equal(t, "u9", g.UserID)
	assert.NotNil(t, g.Preferences)
	assert.NotNil(t, g.Nodes)
	g.AddPreference("x", "1", "X", nil)
}
