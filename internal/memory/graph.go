// Package memory implements the per-user conversation graph: an append-only
// log of answered queries, the relations derived from them, learned formula
// preferences, and the working memory of the goal in flight.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// DefaultHistoryLimit bounds the transcript kept per user.
const DefaultHistoryLimit = 50

// Graph is one user's conversational memory. It is not safe for concurrent use;
// callers serialize turns per user.
type Graph struct {
	UserID        string                       `json:"userId" yaml:"userId"`
	Nodes         []models.Node                `json:"nodes" yaml:"nodes"`
	Relations     []models.Relation            `json:"relations" yaml:"relations"`
	Preferences   map[string]models.Preference `json:"preferences" yaml:"preferences"`
	WorkingMemory *models.WorkingMemory        `json:"workingMemory,omitempty" yaml:"workingMemory,omitempty"`
	History       []models.HistoryTurn         `json:"history" yaml:"history"`
	UpdatedAt     time.Time                    `json:"updatedAt" yaml:"updatedAt"`

	historyLimit int
	now          func() time.Time
}

// Option configures a Graph.
type Option func(*Graph)

// WithHistoryLimit bounds the transcript length. Non-positive values keep the default.
func WithHistoryLimit(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.historyLimit = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		g.now = now
	}
}

// New creates an empty graph for userID.
func New(userID string, opts ...Option) *Graph {
	g := &Graph{
		UserID:       userID,
		Nodes:        []models.Node{},
		Relations:    []models.Relation{},
		Preferences:  map[string]models.Preference{},
		History:      []models.HistoryTurn{},
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) stamp() time.Time {
	t := g.now().UTC()
	g.UpdatedAt = t
	return t
}

// FindNode returns the id of the most recent node answering (indicator, timeString).
func (g *Graph) FindNode(indicator, timeString string) (int, bool) {
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		e := g.Nodes[i].Entry
		if e.Indicator == indicator && e.TimeString == timeString {
			return g.Nodes[i].ID, true
		}
	}
	return 0, false
}

// GetNode returns a copy of the node with the given id.
func (g *Graph) GetNode(id int) (models.Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			n.Entry = n.Entry.Clone()
			return n, true
		}
	}
	return models.Node{}, false
}

// AddNode snapshots entry into the log and returns its id. Ids are monotonic,
// starting at 1.
func (g *Graph) AddNode(entry models.IndicatorEntry) int {
	id := 1
	if len(g.Nodes) > 0 {
		id = g.Nodes[len(g.Nodes)-1].ID + 1
	}
	snap := entry.Clone()
	snap.Status = models.EntryStatusCompleted
	snap.FormulaCandidates = nil
	snap.NodeID = id
	g.Nodes = append(g.Nodes, models.Node{ID: id, Entry: snap, CreatedAt: g.stamp()})
	slog.Debug("Graph.AddNode: node appended", "userID", g.UserID, "nodeID", id, "indicator", snap.Indicator, "timeString", snap.TimeString)
	return id
}

// AddRelation appends a derived conclusion over existing nodes.
func (g *Graph) AddRelation(typ models.RelationType, source, target *int, meta models.RelationMeta) {
	rel := models.Relation{Type: typ, Meta: meta, CreatedAt: g.stamp()}
	if source != nil {
		s := *source
		rel.SourceNodeID = &s
	}
	if target != nil {
		t := *target
		rel.TargetNodeID = &t
	}
	rel.Meta.NodeIDs = append([]int(nil), meta.NodeIDs...)
	rel.Meta.Indicators = append([]string(nil), meta.Indicators...)
	g.Relations = append(g.Relations, rel)
	slog.Debug("Graph.AddRelation: relation appended", "userID", g.UserID, "type", typ, "nodeIDs", rel.Meta.NodeIDs)
}

// GetPreference returns the remembered formula for an indicator name.
func (g *Graph) GetPreference(name string) (models.Preference, bool) {
	p, ok := g.Preferences[name]
	return p, ok
}

// AddPreference remembers a first-time formula pick together with the list it was picked from.
func (g *Graph) AddPreference(name, formulaID, formulaName string, offered []models.FormulaCandidate) {
	if g.Preferences == nil {
		g.Preferences = map[string]models.Preference{}
	}
	g.Preferences[name] = models.Preference{
		FormulaID:   formulaID,
		FormulaName: formulaName,
		Offered:     append([]models.FormulaCandidate(nil), offered...),
		UpdatedAt:   g.stamp(),
	}
	slog.Debug("Graph.AddPreference: preference stored", "userID", g.UserID, "name", name, "formulaID", formulaID)
}

// UpdatePreference overwrites the remembered formula for name in place, keeping
// the originally offered list. It falls back to AddPreference when none exists.
func (g *Graph) UpdatePreference(name string, c models.FormulaCandidate) {
	p, ok := g.Preferences[name]
	if !ok {
		g.AddPreference(name, c.ID, c.Name, nil)
		return
	}
	p.FormulaID = c.ID
	p.FormulaName = c.Name
	p.UpdatedAt = g.stamp()
	g.Preferences[name] = p
	slog.Debug("Graph.UpdatePreference: preference overwritten", "userID", g.UserID, "name", name, "formulaID", c.ID)
}

// EnsureWorkingMemory lazily creates and returns the working memory.
func (g *Graph) EnsureWorkingMemory() *models.WorkingMemory {
	if g.WorkingMemory == nil {
		g.WorkingMemory = models.NewWorkingMemory()
	}
	return g.WorkingMemory
}

// SetWorkingMemory replaces the working memory. A nil value resets it.
func (g *Graph) SetWorkingMemory(wm *models.WorkingMemory) {
	g.WorkingMemory = wm
}

// ResetWorkingMemory drops the goal in flight along with its entries.
func (g *Graph) ResetWorkingMemory() {
	g.WorkingMemory = nil
}

// ClearGoal clears the main goal but keeps entries and history.
func (g *Graph) ClearGoal() {
	if g.WorkingMemory != nil {
		g.WorkingMemory.MainGoal = models.GoalNone
	}
}

// LastCompletedNode returns the most recently appended node.
func (g *Graph) LastCompletedNode() (models.Node, bool) {
	if len(g.Nodes) == 0 {
		return models.Node{}, false
	}
	n := g.Nodes[len(g.Nodes)-1]
	n.Entry = n.Entry.Clone()
	return n, true
}

// LastNodes returns up to n most recent nodes, oldest first.
func (g *Graph) LastNodes(n int) []models.Node {
	if n <= 0 || len(g.Nodes) == 0 {
		return nil
	}
	start := len(g.Nodes) - n
	if start < 0 {
		start = 0
	}
	out := make([]models.Node, 0, len(g.Nodes)-start)
	for _, node := range g.Nodes[start:] {
		node.Entry = node.Entry.Clone()
		out = append(out, node)
	}
	return out
}

// AppendHistory records one exchange, dropping the oldest beyond the limit.
func (g *Graph) AppendHistory(input, reply string) {
	g.History = append(g.History, models.HistoryTurn{UserInput: input, Reply: reply, At: g.stamp()})
	limit := g.historyLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if over := len(g.History) - limit; over > 0 {
		g.History = append([]models.HistoryTurn(nil), g.History[over:]...)
	}
}

// Marshal encodes the whole graph as JSON.
func (g *Graph) Marshal() ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal graph for %s: %w", g.UserID, err)
	}
	return data, nil
}

// Unmarshal decodes a graph previously produced by Marshal.
func Unmarshal(data []byte, opts ...Option) (*Graph, error) {
	g := New("", opts...)
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	g.normalize()
	return g, nil
}

// ToMap returns the plain nested-map representation sent back to callers.
func (g *Graph) ToMap() (map[string]any, error) {
	data, err := g.Marshal()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("graph to map: %w", err)
	}
	return m, nil
}

// FromMap rebuilds a graph from the representation produced by ToMap.
func FromMap(m map[string]any, opts ...Option) (*Graph, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("graph from map: %w", err)
	}
	return Unmarshal(data, opts...)
}

func (g *Graph) normalize() {
	if g.Nodes == nil {
		g.Nodes = []models.Node{}
	}
	if g.Relations == nil {
		g.Relations = []models.Relation{}
	}
	if g.Preferences == nil {
		g.Preferences = map[string]models.Preference{}
	}
	if g.History == nil {
		g.History = []models.HistoryTurn{}
	}
}
