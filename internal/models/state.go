// Package models defines the per-user conversational state records.
package models

import "time"

// WorkingMemory is the in-flight goal of one user. It is reset after every
// successful workflow completion.
type WorkingMemory struct {
	MainGoal         Goal             `json:"mainGoal,omitempty" yaml:"mainGoal,omitempty"`
	GoalHistory      []Goal           `json:"goalHistory,omitempty" yaml:"goalHistory,omitempty"`
	UserInputHistory []string         `json:"userInputHistory,omitempty" yaml:"userInputHistory,omitempty"`
	Indicators       []IndicatorEntry `json:"indicators,omitempty" yaml:"indicators,omitempty"`
	PendingTime      *TimeSlot        `json:"pendingTime,omitempty" yaml:"pendingTime,omitempty"`
}

// NewWorkingMemory returns an empty working memory.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{}
}

// IsEmpty reports whether nothing is in flight.
func (wm *WorkingMemory) IsEmpty() bool {
	return wm == nil || (wm.MainGoal == GoalNone && len(wm.Indicators) == 0 && wm.PendingTime == nil)
}

// LastGoal returns the most recently invoked workflow, or GoalNone.
func (wm *WorkingMemory) LastGoal() Goal {
	if wm == nil || len(wm.GoalHistory) == 0 {
		return GoalNone
	}
	return wm.GoalHistory[len(wm.GoalHistory)-1]
}

// ActiveIndexes returns the positions of every active entry, in order.
func (wm *WorkingMemory) ActiveIndexes() []int {
	var idx []int
	for i, e := range wm.Indicators {
		if e.Status == EntryStatusActive {
			idx = append(idx, i)
		}
	}
	return idx
}

// DisambiguatingIndex returns the first entry waiting on a candidate pick, or -1.
func (wm *WorkingMemory) DisambiguatingIndex() int {
	if wm == nil {
		return -1
	}
	for i, e := range wm.Indicators {
		if e.IsDisambiguating() {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (wm *WorkingMemory) Clone() *WorkingMemory {
	if wm == nil {
		return nil
	}
	out := &WorkingMemory{MainGoal: wm.MainGoal}
	out.GoalHistory = append([]Goal(nil), wm.GoalHistory...)
	out.UserInputHistory = append([]string(nil), wm.UserInputHistory...)
	if wm.Indicators != nil {
		out.Indicators = make([]IndicatorEntry, len(wm.Indicators))
		for i, e := range wm.Indicators {
			out.Indicators[i] = e.Clone()
		}
	}
	if wm.PendingTime != nil {
		pt := *wm.PendingTime
		out.PendingTime = &pt
	}
	return out
}

// Node is an immutable snapshot of one completed indicator query.
type Node struct {
	ID        int            `json:"id" yaml:"id"`
	Entry     IndicatorEntry `json:"entry" yaml:"entry"`
	CreatedAt time.Time      `json:"createdAt" yaml:"createdAt"`
}

// RelationMeta carries the provenance and conclusion of a relation.
type RelationMeta struct {
	NodeIDs    []int    `json:"nodeIds,omitempty" yaml:"nodeIds,omitempty"`
	Indicators []string `json:"indicators,omitempty" yaml:"indicators,omitempty"`
	Summary    string   `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Relation records a derived conclusion over one or more nodes.
type Relation struct {
	Type         RelationType `json:"type" yaml:"type"`
	SourceNodeID *int         `json:"sourceNodeId,omitempty" yaml:"sourceNodeId,omitempty"`
	TargetNodeID *int         `json:"targetNodeId,omitempty" yaml:"targetNodeId,omitempty"`
	Meta         RelationMeta `json:"meta" yaml:"meta"`
	CreatedAt    time.Time    `json:"createdAt" yaml:"createdAt"`
}

// Preference is the remembered formula choice for one indicator name.
type Preference struct {
	FormulaID   string             `json:"formulaId" yaml:"formulaId"`
	FormulaName string             `json:"formulaName" yaml:"formulaName"`
	Offered     []FormulaCandidate `json:"offered,omitempty" yaml:"offered,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt" yaml:"updatedAt"`
}

// HistoryTurn is one (input, reply) exchange kept for diagnostics and resume.
type HistoryTurn struct {
	UserInput string    `json:"userInput" yaml:"userInput"`
	Reply     string    `json:"reply" yaml:"reply"`
	At        time.Time `json:"at" yaml:"at"`
}
