// Package sla owns service-level deadline arithmetic for escalation cases.
//
// The severity-to-duration table lives here and nowhere else: case
// creation and breach checking both reference DurationFor, so the two
// can never disagree about a deadline.
package sla

import (
	"time"

	"github.com/steadycare/harbor/pkg/risk"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Response budgets by case severity. Severity is the risk level captured
// at case creation.
const (
	durationCritical = 2 * time.Hour
	durationHigh     = 8 * time.Hour
	durationDefault  = 24 * time.Hour // moderate and low
)

// warningFraction is the tail portion of the SLA window during which a
// case is flagged warning before it breaches.
const warningFraction = 0.25

// DurationFor returns the SLA response budget for a severity.
func DurationFor(severity risk.Level) time.Duration {
	switch severity {
	case risk.LevelCritical:
		return durationCritical
	case risk.LevelHigh:
		return durationHigh
	default:
		return durationDefault
	}
}

// DeadlineFor computes the SLA deadline at case creation. Set exactly
// once; never recomputed afterwards.
func DeadlineFor(createdAt time.Time, severity risk.Level) time.Time {
	return createdAt.Add(DurationFor(severity))
}

// BreachFlag is the orthogonal deadline state of an open case. It is
// derived continuously from the clock and is independent of case status:
// a case can be in progress and breached at the same time.
type BreachFlag string

const (
	FlagOnTime   BreachFlag = "onTime"
	FlagWarning  BreachFlag = "warning"
	FlagBreached BreachFlag = "breached"
)

// flagRanks orders flags so monotonicity can be asserted: a flag only
// ever moves forward while a case is open.
var flagRanks = map[BreachFlag]int{
	FlagOnTime:   0,
	FlagWarning:  1,
	FlagBreached: 2,
}

// Rank returns the ordinal position of the flag.
func (f BreachFlag) Rank() int {
	if r, ok := flagRanks[f]; ok {
		return r
	}
	return -1
}

// FlagAt derives the breach flag for a case created at createdAt with the
// given deadline, as of now. The warning band is the final quarter of the
// SLA window.
func FlagAt(createdAt, deadline, now time.Time) BreachFlag {
	if !now.Before(deadline) {
		return FlagBreached
	}
	window := deadline.Sub(createdAt)
	if window <= 0 {
		return FlagBreached
	}
	remaining := deadline.Sub(now)
	if float64(remaining) <= float64(window)*warningFraction {
		return FlagWarning
	}
	return FlagOnTime
}
