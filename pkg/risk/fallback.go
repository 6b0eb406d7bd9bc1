package risk

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// RuleClassifier is the conservative rule-based fallback. It matches the
// message against the crisis pattern registry and requires no network or
// model runtime, so it is always available.
//
// It exists to guarantee the fail-safe invariant: when every model layer
// is down, classification still happens, and the SafeClassifier wrapping
// it biases the result toward human review.
type RuleClassifier struct{}

// NewRuleClassifier creates the rule-based fallback classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

// Classify scores text against the crisis pattern registry. It never
// returns an error; pattern matching cannot fail.
func (rc *RuleClassifier) Classify(ctx context.Context, sessionID, text string, contextWindow []string) (*Assessment, error) {
	start := time.Now()

	normalized := normalizeText(text)
	matched := MatchPatterns(normalized)

	// Independent-signal combination: score = 1 - Π(1 - weight).
	// Two moderate signals push higher than either alone, without any
	// single weak pattern saturating the score.
	score := 0.0
	remaining := 1.0
	factors := make([]string, 0, len(matched))
	seen := make(map[Category]bool)
	for _, p := range matched {
		remaining *= 1 - p.Weight
		if !seen[p.Category] {
			seen[p.Category] = true
			factors = append(factors, string(p.Category))
		}
	}
	if len(matched) > 0 {
		score = 1 - remaining
	}

	// Recent context can sharpen a borderline read: if the current
	// message is quiet but the context window carries crisis language,
	// nudge the score rather than ignoring it.
	if score < cutoffHigh && len(contextWindow) > 0 {
		for _, prior := range contextWindow {
			if len(MatchPatterns(normalizeText(prior))) > 0 {
				score += 0.1
				break
			}
		}
		if score > 1 {
			score = 1
		}
	}

	return &Assessment{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Level:        LevelForScore(score),
		Score:        score,
		Factors:      factors,
		ClassifiedAt: time.Now().UTC(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// normalizeText applies NFKC normalization and lowercasing so that
// homoglyph and compatibility-form variants still hit the pattern set.
func normalizeText(text string) string {
	return strings.ToLower(norm.NFKC.String(text))
}
