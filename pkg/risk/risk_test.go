package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{0.0, LevelLow},
		{0.29, LevelLow},
		{0.3, LevelModerate},
		{0.59, LevelModerate},
		{0.6, LevelHigh},
		{0.84, LevelHigh},
		{0.85, LevelCritical},
		{0.92, LevelCritical},
		{1.0, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForScore(tt.score), "score %.2f", tt.score)
	}
}

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelCritical.AtLeast(LevelHigh))
	assert.True(t, LevelHigh.AtLeast(LevelHigh))
	assert.True(t, LevelModerate.AtLeast(LevelLow))
	assert.False(t, LevelLow.AtLeast(LevelModerate))
	assert.False(t, Level("bogus").AtLeast(LevelLow))
	assert.False(t, Level("bogus").Valid())
}

func TestMinScoreForMatchesCutoffs(t *testing.T) {
	// The clamp floor must land in the same level it names.
	for _, l := range []Level{LevelLow, LevelModerate, LevelHigh, LevelCritical} {
		assert.Equal(t, l, LevelForScore(MinScoreFor(l)))
	}
}

func TestRuleClassifierDetectsCrisisLanguage(t *testing.T) {
	rc := NewRuleClassifier()
	ctx := context.Background()

	a, err := rc.Classify(ctx, "s1", "I can't do this anymore, I want to end my life", nil)
	require.NoError(t, err)
	assert.True(t, a.Level.AtLeast(LevelHigh), "suicidal intent should score high, got %s (%.2f)", a.Level, a.Score)
	assert.Contains(t, a.Factors, string(CategorySelfHarm))
	assert.Equal(t, "s1", a.SessionID)
	assert.NotEmpty(t, a.ID)
}

func TestRuleClassifierBenignMessage(t *testing.T) {
	rc := NewRuleClassifier()

	a, err := rc.Classify(context.Background(), "s1", "Can you help me plan my study schedule for next week?", nil)
	require.NoError(t, err)
	assert.Equal(t, LevelLow, a.Level)
	assert.Empty(t, a.Factors)
}

func TestRuleClassifierNormalizesUnicode(t *testing.T) {
	rc := NewRuleClassifier()

	// Fullwidth compatibility forms should normalize into the pattern set.
	a, err := rc.Classify(context.Background(), "s1", "I want to ＫＩＬＬ ＭＹＳＥＬＦ", nil)
	require.NoError(t, err)
	assert.True(t, a.Level.AtLeast(LevelHigh), "normalized text should match, got %s", a.Level)
}

func TestRuleClassifierContextWindowNudge(t *testing.T) {
	rc := NewRuleClassifier()
	ctx := context.Background()

	quiet, err := rc.Classify(ctx, "s1", "I guess it doesn't matter", nil)
	require.NoError(t, err)

	withContext, err := rc.Classify(ctx, "s1", "I guess it doesn't matter",
		[]string{"I've been thinking about hurting myself"})
	require.NoError(t, err)

	assert.Greater(t, withContext.Score, quiet.Score)
}

// failingClassifier simulates a model outage.
type failingClassifier struct{}

func (failingClassifier) Classify(ctx context.Context, sessionID, text string, contextWindow []string) (*Assessment, error) {
	return nil, errors.New("model unavailable")
}

// fixedClassifier returns a canned score.
type fixedClassifier struct{ score float64 }

func (f fixedClassifier) Classify(ctx context.Context, sessionID, text string, contextWindow []string) (*Assessment, error) {
	return &Assessment{
		ID:        "fixed",
		SessionID: sessionID,
		Level:     LevelForScore(f.score),
		Score:     f.score,
	}, nil
}

func TestSafeClassifierFailSafeFloor(t *testing.T) {
	sc := NewSafeClassifier(WithModel(failingClassifier{}))

	// A benign message through a degraded cascade must never come back low.
	a, err := sc.Classify(context.Background(), "s1", "What's a good book about gardening?", nil)
	require.NoError(t, err)
	assert.True(t, a.Degraded)
	assert.True(t, a.Level.AtLeast(LevelModerate), "degraded classification reported %s", a.Level)
	assert.Contains(t, a.Factors, "classifier_degraded")
}

func TestSafeClassifierDegradedKeepsHighSignal(t *testing.T) {
	sc := NewSafeClassifier(WithModel(failingClassifier{}))

	// Degradation clamps upward, never downward.
	a, err := sc.Classify(context.Background(), "s1", "I'm going to kill myself tonight", nil)
	require.NoError(t, err)
	assert.True(t, a.Degraded)
	assert.True(t, a.Level.AtLeast(LevelHigh), "crisis language lost in degraded path: %s", a.Level)
}

func TestSafeClassifierHealthyModelNotDegraded(t *testing.T) {
	sc := NewSafeClassifier(WithModel(fixedClassifier{score: 0.1}))

	a, err := sc.Classify(context.Background(), "s1", "hello", nil)
	require.NoError(t, err)
	assert.False(t, a.Degraded)
	assert.Equal(t, LevelLow, a.Level)
}

func TestSafeClassifierRulesOnlyDeploymentNotDegraded(t *testing.T) {
	// No model configured at all: rules are the primary layer, not a
	// degraded fallback.
	sc := NewSafeClassifier()

	a, err := sc.Classify(context.Background(), "s1", "hello there", nil)
	require.NoError(t, err)
	assert.False(t, a.Degraded)
	assert.Equal(t, LevelLow, a.Level)
}

func TestSafeClassifierSurvivesCancelledCaller(t *testing.T) {
	sc := NewSafeClassifier(WithModel(fixedClassifier{score: 0.9}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Classification detaches from caller cancellation by contract.
	a, err := sc.Classify(ctx, "s1", "message", nil)
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, a.Level)
}

func TestSemanticSignalScaledBySeverity(t *testing.T) {
	// A borderline match to mild language must not promote straight to
	// high; similarity is weighted by the matched phrase's severity.
	mild := &SemanticMatch{Score: 0.66, Severity: 0.55, IsSignal: true}
	assert.Equal(t, LevelModerate, LevelForScore(mild.Signal()))

	acute := &SemanticMatch{Score: 0.9, Severity: 0.95, IsSignal: true}
	assert.True(t, LevelForScore(acute.Signal()).AtLeast(LevelHigh))

	assert.Greater(t, acute.Signal(), mild.Signal())
}

func TestDefaultLocalModelConfigPath(t *testing.T) {
	cfg := DefaultLocalModelConfig("/opt/models/triage")
	assert.Equal(t, "/opt/models/triage", cfg.ModelPath)
	assert.Equal(t, 32, cfg.BatchSize)

	cfg = DefaultLocalModelConfig("")
	assert.Equal(t, "./models/crisis-classifier", cfg.ModelPath, "empty path falls back to the bundled location")
}

func TestPatternRegistryPopulated(t *testing.T) {
	assert.Greater(t, PatternCount(), 15)
	assert.NotEmpty(t, PatternsByCategory(CategorySelfHarm))
	assert.Empty(t, PatternsByCategory(Category("unknown")))
}
