package model

import (
	"fmt"
	"strings"
)

// Outcome values recorded against a milestone.
const (
	OutcomeNone      = ""
	OutcomeStart     = "Start"
	OutcomeCured     = "Cured"
	OutcomeCompleted = "Completed"
	OutcomeFailed    = "Failed"
	OutcomeLTFU      = "LTFU"
	OutcomeDied      = "Died"
)

// TerminalMarker identifies the label of a regimen's final visit.
const TerminalMarker = "M-end"

var (
	terminalOutcomes = []string{OutcomeNone, OutcomeCured, OutcomeCompleted, OutcomeFailed, OutcomeLTFU, OutcomeDied}
	regularOutcomes  = []string{OutcomeNone, OutcomeFailed, OutcomeLTFU, OutcomeDied}
)

// IsTerminal reports whether a milestone label marks the final visit.
func IsTerminal(title string) bool {
	return strings.Contains(title, TerminalMarker)
}

// AllowedOutcomes returns the outcomes an operator may record for a
// milestone with the given label.
func AllowedOutcomes(title string) []string {
	if IsTerminal(title) {
		return terminalOutcomes
	}
	return regularOutcomes
}

// CheckOutcome returns an error when outcome may not be recorded for the
// milestone labelled title.
func CheckOutcome(title, outcome string) error {
	for _, o := range AllowedOutcomes(title) {
		if o == outcome {
			return nil
		}
	}
	return fmt.Errorf("outcome %q is not allowed for milestone %q", outcome, title)
}

// DefaultOutcome is the outcome a freshly generated milestone starts with.
func DefaultOutcome(title string) string {
	switch {
	case title == OutcomeStart:
		return OutcomeStart
	case IsTerminal(title):
		return OutcomeCured
	}
	return OutcomeNone
}
