// Package risk classifies incoming support messages for crisis risk.
//
// Classification is layered: a remote scoring model is consulted first,
// with an optional local ONNX model and a rule-based pattern fallback
// behind it. Whatever layer answers, the score-to-level mapping below is
// the single source of truth for risk thresholds.
package risk

import "time"

// Level is the ordered severity classification of a single message.
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// levelRanks gives the ordering low < moderate < high < critical.
var levelRanks = map[Level]int{
	LevelLow:      0,
	LevelModerate: 1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Rank returns the ordinal position of the level. Unknown levels rank
// below low so they never satisfy an escalation comparison by accident.
func (l Level) Rank() int {
	if r, ok := levelRanks[l]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether l is at or above other in the risk ordering.
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	_, ok := levelRanks[l]
	return ok
}

func (l Level) String() string { return string(l) }

// Score cutoffs mapping riskScore to Level. These are defined exactly once;
// every layer (model adapter, local model, rule fallback) maps through
// LevelForScore rather than carrying its own thresholds.
const (
	cutoffModerate = 0.3
	cutoffHigh     = 0.6
	cutoffCritical = 0.85
)

// LevelForScore maps a 0-1 risk score to its Level.
func LevelForScore(score float64) Level {
	switch {
	case score < cutoffModerate:
		return LevelLow
	case score < cutoffHigh:
		return LevelModerate
	case score < cutoffCritical:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// MinScoreFor returns the lowest score that maps to the given level.
// Used by degraded paths that must clamp a score upward to honor the
// fail-safe floor.
func MinScoreFor(level Level) float64 {
	switch level {
	case LevelModerate:
		return cutoffModerate
	case LevelHigh:
		return cutoffHigh
	case LevelCritical:
		return cutoffCritical
	default:
		return 0
	}
}

// Assessment is the immutable record of one classified message.
// Retained for audit; never mutated after creation.
type Assessment struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Level        Level     `json:"risk_level"`
	Score        float64   `json:"risk_score"`
	Factors      []string  `json:"risk_factors,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
	ClassifiedAt time.Time `json:"classified_at"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
}
