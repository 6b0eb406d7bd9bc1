package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/steadycare/harbor/pkg/risk"
)

func TestDurationFor(t *testing.T) {
	assert.Equal(t, 2*time.Hour, DurationFor(risk.LevelCritical))
	assert.Equal(t, 8*time.Hour, DurationFor(risk.LevelHigh))
	assert.Equal(t, 24*time.Hour, DurationFor(risk.LevelModerate))
	assert.Equal(t, 24*time.Hour, DurationFor(risk.LevelLow))
}

func TestDeadlineFor(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, created.Add(2*time.Hour), DeadlineFor(created, risk.LevelCritical))
	assert.Equal(t, created.Add(24*time.Hour), DeadlineFor(created, risk.LevelLow))
}

func TestFlagAt(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	deadline := created.Add(8 * time.Hour) // high severity window

	tests := []struct {
		name string
		now  time.Time
		want BreachFlag
	}{
		{"at creation", created, FlagOnTime},
		{"halfway", created.Add(4 * time.Hour), FlagOnTime},
		{"just before warning band", created.Add(5*time.Hour + 59*time.Minute), FlagOnTime},
		{"entering final quarter", created.Add(6 * time.Hour), FlagWarning},
		{"one minute before deadline", deadline.Add(-time.Minute), FlagWarning},
		{"at deadline", deadline, FlagBreached},
		{"past deadline", deadline.Add(time.Hour), FlagBreached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FlagAt(created, deadline, tt.now))
		})
	}
}

func TestFlagMonotonicAcrossWindow(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	deadline := DeadlineFor(created, risk.LevelCritical)

	prev := -1
	for now := created; now.Before(deadline.Add(time.Hour)); now = now.Add(time.Minute) {
		rank := FlagAt(created, deadline, now).Rank()
		assert.GreaterOrEqual(t, rank, prev, "flag reversed at %s", now)
		prev = rank
	}
}

func TestFlagAtDegenerateWindow(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// A deadline at or before creation is already breached.
	assert.Equal(t, FlagBreached, FlagAt(created, created, created))
}
