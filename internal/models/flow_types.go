// Package models defines goal, granularity, and status enums shared by the flow packages.
package models

// Goal names the multi-turn objective currently driving slot filling.
type Goal string

// TimeType is the granularity tag attached to a time expression.
type TimeType string

// EntryStatus is the lifecycle state of an IndicatorEntry.
type EntryStatus string

// SlotState reports whether a required slot has been filled.
type SlotState string

// RelationType identifies a derived conclusion recorded in the graph.
type RelationType string

// Goal constants. GoalNone is the empty goal.
const (
	GoalNone        Goal = ""
	GoalSingleQuery Goal = "single_query"
	GoalListQuery   Goal = "list_query"
	GoalAnalysis    Goal = "analysis"
	GoalCompare     Goal = "compare"
	GoalClarify     Goal = "clarify"
	GoalSlotFill    Goal = "slot_fill"
)

// Granularity constants, coarsest last.
const (
	TimeTypeHour    TimeType = "HOUR"
	TimeTypeShift   TimeType = "SHIFT"
	TimeTypeDay     TimeType = "DAY"
	TimeTypeWeek    TimeType = "WEEK"
	TimeTypeTenDays TimeType = "TENDAYS"
	TimeTypeMonth   TimeType = "MONTH"
	TimeTypeQuarter TimeType = "QUARTER"
	TimeTypeYear    TimeType = "YEAR"
)

// Entry status constants.
const (
	EntryStatusActive    EntryStatus = "active"
	EntryStatusCompleted EntryStatus = "completed"
)

// Slot state constants.
const (
	SlotMissing SlotState = "missing"
	SlotFilled  SlotState = "filled"
)

// Relation type constants.
const (
	RelationCompare  RelationType = "compare"
	RelationGroup    RelationType = "group"
	RelationAnalysis RelationType = "analysis"
)

// IsValidGoal reports whether g is one of the six workflow names.
func IsValidGoal(g Goal) bool {
	switch g {
	case GoalSingleQuery, GoalListQuery, GoalAnalysis, GoalCompare, GoalClarify, GoalSlotFill:
		return true
	default:
		return false
	}
}

// IsParentGoal reports whether g can receive a handoff from a completed single lookup.
func IsParentGoal(g Goal) bool {
	return g == GoalCompare || g == GoalListQuery || g == GoalAnalysis
}

// IsValidTimeType reports whether t is a known granularity tag.
func IsValidTimeType(t TimeType) bool {
	switch t {
	case TimeTypeHour, TimeTypeShift, TimeTypeDay, TimeTypeWeek, TimeTypeTenDays,
		TimeTypeMonth, TimeTypeQuarter, TimeTypeYear:
		return true
	default:
		return false
	}
}
