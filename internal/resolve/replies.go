package resolve

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// TimeExamples lists accepted time phrasings shown when a time slot is missing or ambiguous.
const TimeExamples = "e.g. 2024-09-05, 2024-09, 2024-W37, 2024-Q3, 2024-09-01~2024-09-07"

// AskForIndicator is the re-prompt for a missing indicator name.
func AskForIndicator() (string, string) {
	return "MISSING_SLOT indicator",
		"Which indicator would you like to look up?"
}

// AskForTime is the re-prompt for a missing time slot.
func AskForTime(entry models.IndicatorEntry) (string, string) {
	return fmt.Sprintf("MISSING_SLOT time indicator=%s", entry.Indicator),
		fmt.Sprintf("For which time period do you want %s? (%s)", entry.Indicator, TimeExamples)
}

// AmbiguousTime is the re-prompt when a bare time turn has zero or several time phrases.
func AmbiguousTime(found int) (string, string) {
	return fmt.Sprintf("AMBIGUOUS_TIME found=%d", found),
		fmt.Sprintf("Please give exactly one time period (%s).", TimeExamples)
}

// FormulaNotFound asks for a more precise indicator name.
func FormulaNotFound(indicator string) (string, string) {
	return fmt.Sprintf("FORMULA_NOT_FOUND indicator=%s", indicator),
		fmt.Sprintf("I could not find an indicator matching %q. Could you give a more precise name?", indicator)
}

// CandidateList enumerates candidates by ordinal for a disambiguation turn.
func CandidateList(indicator string, candidates []models.FormulaCandidate) (string, string) {
	var machine, human strings.Builder
	fmt.Fprintf(&machine, "FORMULA_AMBIGUOUS indicator=%s", indicator)
	fmt.Fprintf(&human, "Several indicators match %q. Reply with a number or a name:", indicator)
	for _, c := range candidates {
		fmt.Fprintf(&machine, " %d=%s", c.Ordinal, c.ID)
		fmt.Fprintf(&human, "\n%d. %s", c.Ordinal, c.Name)
	}
	return machine.String(), human.String()
}

// QueryFailed is the apology for a backend failure.
func QueryFailed(entry models.IndicatorEntry) (string, string) {
	return fmt.Sprintf("QUERY_FAILED indicator=%s time=%s", entry.Indicator, entry.TimeString),
		fmt.Sprintf("Sorry, the reporting service could not return %s for %s right now. Please try again.", entry.Indicator, entry.TimeString)
}

// Apology is the reply for an unexpected error inside a workflow.
func Apology(goal models.Goal) (string, string) {
	return fmt.Sprintf("INTERNAL_ERROR workflow=%s", goal),
		"Sorry, something went wrong while handling your request. Please try again."
}

// Answer renders a completed entry for people.
func Answer(entry models.IndicatorEntry) string {
	return fmt.Sprintf("%s for %s: %s", entry.Indicator, entry.TimeString, entry.Value.String())
}
