package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind discriminates the two shapes a backend result can take.
type ValueKind string

const (
	// ValueKindScalar is a single number with a unit.
	ValueKindScalar ValueKind = "scalar"
	// ValueKindSeries is an ordered list of timestamp/value pairs.
	ValueKindSeries ValueKind = "series"
)

// SeriesPoint is one sample of a time series.
type SeriesPoint struct {
	Timestamp string  `json:"timestamp" yaml:"timestamp"`
	Value     float64 `json:"value" yaml:"value"`
}

// Value is a backend result: scalar-with-unit or time series.
type Value struct {
	Kind   ValueKind     `json:"kind" yaml:"kind"`
	Scalar float64       `json:"scalar,omitempty" yaml:"scalar,omitempty"`
	Unit   string        `json:"unit,omitempty" yaml:"unit,omitempty"`
	Series []SeriesPoint `json:"series,omitempty" yaml:"series,omitempty"`
}

// String renders the value for replies and notes.
func (v *Value) String() string {
	if v == nil {
		return "no data"
	}
	switch v.Kind {
	case ValueKindSeries:
		if len(v.Series) == 0 {
			return "empty series"
		}
		last := v.Series[len(v.Series)-1]
		return fmt.Sprintf("%d points, latest %s at %s", len(v.Series), formatNumber(last.Value, v.Unit), last.Timestamp)
	default:
		return formatNumber(v.Scalar, v.Unit)
	}
}

// Clone returns a deep copy.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := *v
	if v.Series != nil {
		out.Series = append([]SeriesPoint(nil), v.Series...)
	}
	return &out
}

func formatNumber(f float64, unit string) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if unit == "" {
		return s
	}
	return s + " " + unit
}

// FormulaCandidate is one ranked result of a formula search.
type FormulaCandidate struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Score   float64 `json:"score" yaml:"score"`
	Ordinal int     `json:"ordinal" yaml:"ordinal"`
}

// FormulaRef identifies an exact formula match.
type FormulaRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// SearchResult is the formula-search collaborator's answer.
type SearchResult struct {
	ExactMatches []FormulaRef       `json:"exactMatches"`
	Candidates   []FormulaCandidate `json:"candidates"`
}

// SlotStatus tracks the two slots required before a query can execute.
type SlotStatus struct {
	Formula SlotState `json:"formula" yaml:"formula"`
	Time    SlotState `json:"time" yaml:"time"`
}

// TimeSlot is a parsed time expression with its granularity.
type TimeSlot struct {
	TimeString string   `json:"timeString" yaml:"timeString"`
	TimeType   TimeType `json:"timeType" yaml:"timeType"`
}

// IsRange reports whether the time string is an explicit range.
func (t TimeSlot) IsRange() bool {
	return strings.Contains(t.TimeString, RangeSeparator)
}

// RangeSeparator joins the two endpoints of an explicit time range.
const RangeSeparator = "~"

// IndicatorEntry is one metric-query unit moving through slot filling.
type IndicatorEntry struct {
	Status            EntryStatus        `json:"status" yaml:"status"`
	Indicator         string             `json:"indicator" yaml:"indicator"`
	Alias             string             `json:"alias,omitempty" yaml:"alias,omitempty"`
	Formula           string             `json:"formula,omitempty" yaml:"formula,omitempty"`
	FormulaCandidates []FormulaCandidate `json:"formulaCandidates,omitempty" yaml:"formulaCandidates,omitempty"`
	TimeString        string             `json:"timeString,omitempty" yaml:"timeString,omitempty"`
	TimeType          TimeType           `json:"timeType,omitempty" yaml:"timeType,omitempty"`
	SlotStatus        SlotStatus         `json:"slotStatus" yaml:"slotStatus"`
	Value             *Value             `json:"value,omitempty" yaml:"value,omitempty"`
	Note              string             `json:"note,omitempty" yaml:"note,omitempty"`
	NodeID            int                `json:"nodeId,omitempty" yaml:"nodeId,omitempty"`
}

// NewIndicatorEntry returns a blank active entry with both slots missing.
func NewIndicatorEntry() IndicatorEntry {
	return IndicatorEntry{
		Status:     EntryStatusActive,
		SlotStatus: SlotStatus{Formula: SlotMissing, Time: SlotMissing},
	}
}

// Clone returns a deep copy so snapshots never share slices with live entries.
func (e IndicatorEntry) Clone() IndicatorEntry {
	out := e
	if e.FormulaCandidates != nil {
		out.FormulaCandidates = append([]FormulaCandidate(nil), e.FormulaCandidates...)
	}
	out.Value = e.Value.Clone()
	return out
}

// IsCompleted reports whether the entry has been answered by the backend.
func (e IndicatorEntry) IsCompleted() bool {
	return e.Status == EntryStatusCompleted
}

// HasFormula reports whether the formula slot is filled.
func (e IndicatorEntry) HasFormula() bool {
	return e.SlotStatus.Formula == SlotFilled && e.Formula != ""
}

// HasTime reports whether the time slot is filled.
func (e IndicatorEntry) HasTime() bool {
	return e.SlotStatus.Time == SlotFilled && e.TimeString != ""
}

// IsDisambiguating reports whether the entry is waiting on a candidate pick.
func (e IndicatorEntry) IsDisambiguating() bool {
	return e.Status == EntryStatusActive && len(e.FormulaCandidates) > 0
}

// PreferenceKey is the name under which a formula choice for this entry is remembered.
func (e IndicatorEntry) PreferenceKey() string {
	if e.Alias != "" {
		return e.Alias
	}
	return e.Indicator
}

// Time returns the entry's time expression.
func (e IndicatorEntry) Time() TimeSlot {
	return TimeSlot{TimeString: e.TimeString, TimeType: e.TimeType}
}

// SetTime fills the time slot.
func (e *IndicatorEntry) SetTime(t TimeSlot) {
	e.TimeString = t.TimeString
	e.TimeType = t.TimeType
	e.SlotStatus.Time = SlotFilled
}

// SetFormula fills the formula slot and drops any pending candidates.
func (e *IndicatorEntry) SetFormula(id string) {
	e.Formula = id
	e.FormulaCandidates = nil
	e.SlotStatus.Formula = SlotFilled
}

// ClearFormula empties the formula slot, e.g. after the indicator text changed.
func (e *IndicatorEntry) ClearFormula() {
	e.Formula = ""
	e.FormulaCandidates = nil
	e.SlotStatus.Formula = SlotMissing
}

// ParsedInput is the best-effort slot extraction of the understanding collaborator.
type ParsedInput struct {
	Indicator  string   `json:"indicator,omitempty"`
	Formula    string   `json:"formula,omitempty"`
	TimeString string   `json:"timeString,omitempty"`
	TimeType   TimeType `json:"timeType,omitempty"`
	Intent     Goal     `json:"intent,omitempty"`
}

// HasTime reports whether a time expression was extracted.
func (p ParsedInput) HasTime() bool {
	return p.TimeString != ""
}

// Time returns the extracted time slot.
func (p ParsedInput) Time() TimeSlot {
	return TimeSlot{TimeString: p.TimeString, TimeType: p.TimeType}
}
