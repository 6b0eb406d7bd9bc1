// Package escalation decides when a risk assessment becomes a tracked
// case. The rule is compound: a single high or critical assessment
// escalates immediately, and repeated moderate assessments within a
// rolling window escalate even though no single one would.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/steadycare/harbor/pkg/cases"
	"github.com/steadycare/harbor/pkg/risk"
	"github.com/steadycare/harbor/pkg/sla"
)

// AssessmentStore persists assessments and answers the rolling-window
// count query the moderate-accumulation rule needs.
type AssessmentStore interface {
	SaveAssessment(ctx context.Context, a *risk.Assessment) error
	CountAssessments(ctx context.Context, sessionID string, level risk.Level, since time.Time) (int, error)
}

// CaseFinder answers whether a session already has an open case, which
// suppresses duplicate escalation.
type CaseFinder interface {
	OpenCaseForSession(ctx context.Context, sessionID string) (*cases.Case, error)
}

// ErrNoOpenCase is returned by CaseFinder implementations when the
// session has no open case.
var ErrNoOpenCase = errors.New("no open case for session")

// Controller evaluates assessments against the escalation rule and
// opens cases.
type Controller struct {
	store    AssessmentStore
	finder   CaseFinder
	assigner *cases.Assigner
	now      sla.Clock

	windowCount int
	windowSpan  time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithWindow overrides the moderate-accumulation rule: count moderate
// assessments within span trigger an escalation.
func WithWindow(count int, span time.Duration) Option {
	return func(c *Controller) {
		if count > 0 {
			c.windowCount = count
		}
		if span > 0 {
			c.windowSpan = span
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock sla.Clock) Option {
	return func(c *Controller) { c.now = clock }
}

// NewController builds a controller with the default 3-moderates-in-24h
// accumulation window.
func NewController(store AssessmentStore, finder CaseFinder, assigner *cases.Assigner, opts ...Option) *Controller {
	c := &Controller{
		store:       store,
		finder:      finder,
		assigner:    assigner,
		now:         time.Now,
		windowCount: 3,
		windowSpan:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decision is the outcome of evaluating one assessment.
type Decision struct {
	Escalated bool        `json:"escalated"`
	Reason    string      `json:"reason,omitempty"`
	Case      *cases.Case `json:"case,omitempty"`
}

// HandleAssessment persists the assessment, evaluates the escalation
// rule, and opens a case when the rule fires. Sessions with an open case
// never get a second one; the existing case is returned instead.
//
// Case creation and assignment are decoupled: a failed responder
// assignment leaves the case queued in New and does not fail the
// escalation.
func (c *Controller) HandleAssessment(ctx context.Context, a *risk.Assessment) (*Decision, error) {
	if err := c.store.SaveAssessment(ctx, a); err != nil {
		return nil, fmt.Errorf("saving assessment: %w", err)
	}

	severity, reason, fire := c.evaluate(ctx, a)
	if !fire {
		return &Decision{}, nil
	}

	existing, err := c.finder.OpenCaseForSession(ctx, a.SessionID)
	if err == nil && existing != nil {
		return &Decision{Escalated: false, Reason: "open case exists", Case: existing}, nil
	}
	if err != nil && !errors.Is(err, ErrNoOpenCase) {
		return nil, fmt.Errorf("checking open cases: %w", err)
	}

	cs := cases.New(a.SessionID, severity, tagsForFactors(a.Factors), c.now())
	if err := c.assigner.Create(ctx, cs); err != nil {
		return nil, fmt.Errorf("opening case: %w", err)
	}
	log.Printf("[ESCALATION] session %s escalated (%s): %s", a.SessionID, severity, reason)
	return &Decision{Escalated: true, Reason: reason, Case: cs}, nil
}

// evaluate applies the compound rule and returns the case severity to
// open at when it fires.
func (c *Controller) evaluate(ctx context.Context, a *risk.Assessment) (risk.Level, string, bool) {
	if a.Level.AtLeast(risk.LevelHigh) {
		return a.Level, fmt.Sprintf("assessment level %s", a.Level), true
	}
	if a.Level != risk.LevelModerate {
		return "", "", false
	}

	since := c.now().Add(-c.windowSpan)
	n, err := c.store.CountAssessments(ctx, a.SessionID, risk.LevelModerate, since)
	if err != nil {
		// The single-assessment outcome still stands when the window
		// count is unavailable.
		log.Printf("[ESCALATION] window count for session %s failed: %v", a.SessionID, err)
		return "", "", false
	}
	if n >= c.windowCount {
		reason := fmt.Sprintf("%d moderate assessments within %s", n, c.windowSpan)
		return risk.LevelModerate, reason, true
	}
	return "", "", false
}

// tagsForFactors maps assessment risk factors to responder
// specialization tags where a clean mapping exists.
func tagsForFactors(factors []string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, f := range factors {
		f = strings.TrimPrefix(f, "semantic:")
		var tag string
		switch risk.Category(f) {
		case risk.CategorySelfHarm, risk.CategoryHarmToOthers:
			tag = "crisis"
		case risk.CategorySubstance:
			tag = "substance"
		case risk.CategoryMedical:
			tag = "medical"
		}
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}
