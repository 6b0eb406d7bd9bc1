package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/steadycare/harbor/pkg/analytics"
	"github.com/steadycare/harbor/pkg/cases"
	"github.com/steadycare/harbor/pkg/risk"
)

// rangeView is the slice of Store the aggregator reads.
type rangeView interface {
	CasesBetween(ctx context.Context, from, to time.Time) ([]*cases.Case, error)
	AssessmentsBetween(ctx context.Context, from, to time.Time) ([]*risk.Assessment, error)
}

// Aggregator computes raw aggregation groups for the analytics gate
// from any store backend. It emits true record counts per group and no
// per-individual rows; suppression is the gate's job.
type Aggregator struct {
	view rangeView
}

var _ analytics.Source = (*Aggregator)(nil)

// NewAggregator wraps a store backend as an analytics source.
func NewAggregator(view rangeView) *Aggregator {
	return &Aggregator{view: view}
}

// GroupCounts dispatches to the per-query aggregation.
func (ag *Aggregator) GroupCounts(ctx context.Context, q analytics.QueryID, r analytics.DateRange) ([]analytics.Group, error) {
	switch q {
	case analytics.QueryCrisisTrend:
		return ag.crisisTrend(ctx, r)
	case analytics.QueryEarlyDropoff:
		return ag.earlyDropoff(ctx, r)
	case analytics.QueryResourceReuse:
		return ag.resourceReuse(ctx, r)
	case analytics.QueryEscalationRatio:
		return ag.escalationRatio(ctx, r)
	case analytics.QueryCostPerOutcome:
		return ag.costPerOutcome(ctx, r)
	case analytics.QueryCoverageByWindow:
		return ag.coverageByWindow(ctx, r)
	default:
		return nil, fmt.Errorf("no aggregation defined for query %q", q)
	}
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func sortedGroups(m map[string]analytics.Group) []analytics.Group {
	out := make([]analytics.Group, 0, len(m))
	for _, g := range m {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// crisisTrend counts high and critical assessments per day.
func (ag *Aggregator) crisisTrend(ctx context.Context, r analytics.DateRange) ([]analytics.Group, error) {
	assessments, err := ag.view.AssessmentsBetween(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]analytics.Group)
	for _, a := range assessments {
		if !a.Level.AtLeast(risk.LevelHigh) {
			continue
		}
		key := dayKey(a.ClassifiedAt)
		g := groups[key]
		g.Key = key
		g.Records++
		g.Value++
		groups[key] = g
	}
	return sortedGroups(groups), nil
}

// earlyDropoff reports, per week, the fraction of assessed sessions that
// produced exactly one assessment and then went silent.
func (ag *Aggregator) earlyDropoff(ctx context.Context, r analytics.DateRange) ([]analytics.Group, error) {
	assessments, err := ag.view.AssessmentsBetween(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	type weekSessions struct {
		counts map[string]int
	}
	weeks := make(map[string]*weekSessions)
	for _, a := range assessments {
		key := weekKey(a.ClassifiedAt)
		w, ok := weeks[key]
		if !ok {
			w = &weekSessions{counts: make(map[string]int)}
			weeks[key] = w
		}
		w.counts[a.SessionID]++
	}
	groups := make(map[string]analytics.Group)
	for key, w := range weeks {
		single := 0
		for _, n := range w.counts {
			if n == 1 {
				single++
			}
		}
		total := len(w.counts)
		groups[key] = analytics.Group{
			Key:     key,
			Records: total,
			Value:   ratio(single, total),
		}
	}
	return sortedGroups(groups), nil
}

// resourceReuse reports, per week, the fraction of sessions that opened
// more than one case over the range.
func (ag *Aggregator) resourceReuse(ctx context.Context, r analytics.DateRange) ([]analytics.Group, error) {
	cs, err := ag.view.CasesBetween(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	perSession := make(map[string]int)
	for _, c := range cs {
		perSession[c.SessionID]++
	}
	weeks := make(map[string]map[string]bool)
	for _, c := range cs {
		key := weekKey(c.CreatedAt)
		if weeks[key] == nil {
			weeks[key] = make(map[string]bool)
		}
		weeks[key][c.SessionID] = true
	}
	groups := make(map[string]analytics.Group)
	for key, sessions := range weeks {
		reused := 0
		for sess := range sessions {
			if perSession[sess] > 1 {
				reused++
			}
		}
		groups[key] = analytics.Group{
			Key:     key,
			Records: len(sessions),
			Value:   ratio(reused, len(sessions)),
		}
	}
	return sortedGroups(groups), nil
}

// escalationRatio reports, per week, escalated sessions over assessed
// sessions.
func (ag *Aggregator) escalationRatio(ctx context.Context, r analytics.DateRange) ([]analytics.Group, error) {
	assessments, err := ag.view.AssessmentsBetween(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	cs, err := ag.view.CasesBetween(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	escalated := make(map[string]bool)
	for _, c := range cs {
		escalated[c.SessionID] = true
	}
	weeks := make(map[string]map[string]bool)
	for _, a := range assessments {
		key := weekKey(a.ClassifiedAt)
		if weeks[key] == nil {
			weeks[key] = make(map[string]bool)
		}
		weeks[key][a.SessionID] = true
	}
	groups := make(map[string]analytics.Group)
	for key, sessions := range weeks {
		n := 0
		for sess := range sessions {
			if escalated[sess] {
				n++
			}
		}
		groups[key] = analytics.Group{
			Key:     key,
			Records: len(sessions),
			Value:   ratio(n, len(sessions)),
		}
	}
	return sortedGroups(groups), nil
}

// costPerOutcome reports, per severity, the mean minutes from case
// creation to resolution across resolved and closed cases.
func (ag *Aggregator) costPerOutcome(ctx context.Context, r analytics.DateRange) ([]analytics.Group, error) {
	cs, err := ag.view.CasesBetween(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	type bucket struct {
		n     int
		total float64
	}
	buckets := make(map[string]*bucket)
	for _, c := range cs {
		if c.ResolvedAt.IsZero() {
			continue
		}
		key := string(c.Severity)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.n++
		b.total += c.ResolvedAt.Sub(c.CreatedAt).Minutes()
	}
	groups := make(map[string]analytics.Group)
	for key, b := range buckets {
		groups[key] = analytics.Group{
			Key:     key,
			Records: b.n,
			Value:   b.total / float64(b.n),
		}
	}
	return sortedGroups(groups), nil
}

// coverageWindows buckets the day into four six-hour windows.
var coverageWindows = []struct {
	key  string
	from int // inclusive hour
}{
	{"00-06", 0},
	{"06-12", 6},
	{"12-18", 12},
	{"18-24", 18},
}

// coverageByWindow reports, per six-hour window of case creation, the
// fraction of cases acknowledged before their SLA deadline.
func (ag *Aggregator) coverageByWindow(ctx context.Context, r analytics.DateRange) ([]analytics.Group, error) {
	cs, err := ag.view.CasesBetween(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	type bucket struct {
		n      int
		onTime int
	}
	buckets := make(map[string]*bucket)
	for _, c := range cs {
		hour := c.CreatedAt.UTC().Hour()
		key := coverageWindows[hour/6].key
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.n++
		if !c.AcknowledgedAt.IsZero() && c.AcknowledgedAt.Before(c.SLADeadline) {
			b.onTime++
		}
	}
	groups := make(map[string]analytics.Group)
	for key, b := range buckets {
		groups[key] = analytics.Group{
			Key:     key,
			Records: b.n,
			Value:   ratio(b.onTime, b.n),
		}
	}
	return sortedGroups(groups), nil
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
