package risk

import (
	"context"
	"log"
)

// SafeClassifier wraps the classification layers and enforces the
// fail-safe invariant: a degraded classification never reports below
// moderate risk. When the remote model errors or times out, the cascade
// falls to the local model, then to the rule fallback, and whatever the
// degraded layer says, the result is clamped upward so a silent model
// outage biases toward human safety review rather than away from it.
//
// Classification deliberately ignores caller cancellation: once started,
// an assessment always finishes so the audit trail is complete even when
// response delivery is abandoned.
type SafeClassifier struct {
	model    Classifier       // remote scoring model, may be nil
	local    *LocalClassifier // optional ONNX layer, may be nil
	semantic *SemanticDetector
	rules    *RuleClassifier
}

// SafeOption configures a SafeClassifier.
type SafeOption func(*SafeClassifier)

// WithModel sets the remote scoring model layer.
func WithModel(m Classifier) SafeOption {
	return func(sc *SafeClassifier) { sc.model = m }
}

// WithLocal sets the optional local ONNX layer.
func WithLocal(l *LocalClassifier) SafeOption {
	return func(sc *SafeClassifier) { sc.local = l }
}

// WithSemantic sets the optional semantic similarity layer.
func WithSemantic(s *SemanticDetector) SafeOption {
	return func(sc *SafeClassifier) { sc.semantic = s }
}

// NewSafeClassifier builds the cascade. The rule fallback is always
// present; every other layer is optional.
func NewSafeClassifier(opts ...SafeOption) *SafeClassifier {
	sc := &SafeClassifier{rules: NewRuleClassifier()}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Classify runs the cascade. It never returns an error: some layer always
// answers, and failure of the preferred layers is folded into the
// Degraded flag rather than surfaced to the router.
func (sc *SafeClassifier) Classify(ctx context.Context, sessionID, text string, contextWindow []string) (*Assessment, error) {
	// Detach from caller cancellation; each layer applies its own budget.
	// A risk assessment, once started, always completes and is recorded.
	ctx = context.WithoutCancel(ctx)

	assessment, degraded := sc.classifyLayers(ctx, sessionID, text, contextWindow)

	// Secondary signal: a strong semantic match raises the floor even when
	// the scoring layer read the message as quiet.
	if sc.semantic != nil && sc.semantic.IsReady() {
		if match, err := sc.semantic.Detect(ctx, text); err == nil && match.IsSignal {
			assessment.Factors = appendFactor(assessment.Factors, "semantic:"+string(match.Category))
			if sem := match.Signal(); sem > assessment.Score {
				assessment.Score = sem
				assessment.Level = LevelForScore(sem)
			}
		}
	}

	if degraded {
		assessment.Degraded = true
		assessment.Factors = appendFactor(assessment.Factors, "classifier_degraded")
		// Fail-safe floor: never report below moderate on a degraded path.
		if !assessment.Level.AtLeast(LevelModerate) {
			assessment.Level = LevelModerate
			assessment.Score = MinScoreFor(LevelModerate)
		}
	}

	return assessment, nil
}

// classifyLayers walks the cascade and reports whether the result came
// from a degraded path.
func (sc *SafeClassifier) classifyLayers(ctx context.Context, sessionID, text string, contextWindow []string) (*Assessment, bool) {
	if sc.model != nil {
		a, err := sc.model.Classify(ctx, sessionID, text, contextWindow)
		if err == nil {
			return a, false
		}
		log.Printf("[RISK] Model classification failed, degrading: %v", err)
	}

	if sc.local != nil && sc.local.IsReady() {
		a, err := sc.local.Classify(ctx, sessionID, text, contextWindow)
		if err == nil {
			// Local inference is a degraded path only when a remote model
			// was configured and failed; a local-only deployment is its
			// normal operating mode.
			return a, sc.model != nil
		}
		log.Printf("[RISK] Local classification failed, degrading: %v", err)
	}

	a, _ := sc.rules.Classify(ctx, sessionID, text, contextWindow)
	degraded := sc.model != nil || (sc.local != nil && sc.local.IsReady())
	return a, degraded
}

func appendFactor(factors []string, factor string) []string {
	for _, f := range factors {
		if f == factor {
			return factors
		}
	}
	return append(factors, factor)
}
