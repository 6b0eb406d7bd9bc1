// Package analytics is the privacy-gated query surface over case and
// session aggregates. Only six allow-listed questions can be asked, each
// parameterized by a bounded date range, and every aggregation group is
// released only when enough underlying records stand behind it.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/steadycare/harbor/pkg/sla"
)

// QueryID names an allow-listed analytic question. There is no freeform
// query path.
type QueryID string

const (
	QueryCrisisTrend      QueryID = "crisis_trend"
	QueryEarlyDropoff     QueryID = "early_dropoff"
	QueryResourceReuse    QueryID = "resource_reuse"
	QueryEscalationRatio  QueryID = "escalation_ratio"
	QueryCostPerOutcome   QueryID = "cost_per_outcome"
	QueryCoverageByWindow QueryID = "coverage_by_window"
)

var allowedQueries = map[QueryID]bool{
	QueryCrisisTrend:      true,
	QueryEarlyDropoff:     true,
	QueryResourceReuse:    true,
	QueryEscalationRatio:  true,
	QueryCostPerOutcome:   true,
	QueryCoverageByWindow: true,
}

// AllowedQueries returns the allow-list for surfacing in API docs and
// error payloads.
func AllowedQueries() []QueryID {
	return []QueryID{
		QueryCrisisTrend, QueryEarlyDropoff, QueryResourceReuse,
		QueryEscalationRatio, QueryCostPerOutcome, QueryCoverageByWindow,
	}
}

// PrivacyViolationError rejects a query before any storage access.
type PrivacyViolationError struct {
	QueryID QueryID
	Reason  string
}

func (e *PrivacyViolationError) Error() string {
	return fmt.Sprintf("privacy violation for query %q: %s", e.QueryID, e.Reason)
}

// DateRange bounds a query. Both ends are inclusive.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Span returns the range length.
func (r DateRange) Span() time.Duration {
	return r.To.Sub(r.From)
}

// Group is one released aggregation bucket. Records is the count of
// underlying individuals, which by construction is never below the
// gate's group size minimum.
type Group struct {
	Key     string  `json:"key"`
	Records int     `json:"records"`
	Value   float64 `json:"value"`
}

// Result is a gated aggregate. RecordsSuppressed counts the groups
// dropped for falling under the k-anonymity threshold; dropped groups
// are never padded or estimated.
type Result struct {
	QueryID             QueryID   `json:"query_id"`
	Range               DateRange `json:"range"`
	Groups              []Group   `json:"groups"`
	RecordsSuppressed   int       `json:"records_suppressed"`
	KAnonymitySatisfied bool      `json:"k_anonymity_satisfied"`
	ExecutionMs         int64     `json:"execution_ms"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// Source computes raw aggregation groups for an allow-listed query. The
// gate owns validation and suppression; sources return every group with
// its true record count and must never emit per-individual rows.
type Source interface {
	GroupCounts(ctx context.Context, q QueryID, r DateRange) ([]Group, error)
}

// Gate validates and suppresses analytics queries.
type Gate struct {
	source   Source
	now      sla.Clock
	minGroup int
	maxSpan  time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithGroupSizeMinimum overrides the k-anonymity threshold.
func WithGroupSizeMinimum(k int) Option {
	return func(g *Gate) {
		if k > 0 {
			g.minGroup = k
		}
	}
}

// WithMaxSpan overrides the maximum queryable range.
func WithMaxSpan(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.maxSpan = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock sla.Clock) Option {
	return func(g *Gate) { g.now = clock }
}

// NewGate builds a gate with the default threshold of 5 and a 365-day
// range bound.
func NewGate(source Source, opts ...Option) *Gate {
	g := &Gate{
		source:   source,
		now:      time.Now,
		minGroup: 5,
		maxSpan:  365 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GroupSizeMinimum returns the active k-anonymity threshold.
func (g *Gate) GroupSizeMinimum() int { return g.minGroup }

// Query validates the request, runs the aggregation, and suppresses
// undersized groups. Unknown query IDs and out-of-bound ranges fail
// before any storage access.
func (g *Gate) Query(ctx context.Context, q QueryID, r DateRange) (*Result, error) {
	if !allowedQueries[q] {
		return nil, &PrivacyViolationError{QueryID: q, Reason: "query is not allow-listed"}
	}
	if r.From.IsZero() || r.To.IsZero() {
		return nil, &PrivacyViolationError{QueryID: q, Reason: "date range is required"}
	}
	if r.To.Before(r.From) {
		return nil, &PrivacyViolationError{QueryID: q, Reason: "range end precedes range start"}
	}
	if r.Span() > g.maxSpan {
		return nil, &PrivacyViolationError{
			QueryID: q,
			Reason:  fmt.Sprintf("range spans %s, maximum is %s", r.Span(), g.maxSpan),
		}
	}

	start := g.now()
	raw, err := g.source.GroupCounts(ctx, q, r)
	if err != nil {
		return nil, fmt.Errorf("running query %s: %w", q, err)
	}

	released := make([]Group, 0, len(raw))
	suppressed := 0
	for _, grp := range raw {
		if grp.Records < g.minGroup {
			suppressed++
			continue
		}
		released = append(released, grp)
	}

	if suppressed > 0 {
		log.Printf("[ANALYTICS] query %s suppressed %d/%d groups (k=%d)", q, suppressed, len(raw), g.minGroup)
	}
	return &Result{
		QueryID:             q,
		Range:               r,
		Groups:              released,
		RecordsSuppressed:   suppressed,
		KAnonymitySatisfied: suppressed == 0,
		ExecutionMs:         g.now().Sub(start).Milliseconds(),
		GeneratedAt:         g.now().UTC(),
	}, nil
}
