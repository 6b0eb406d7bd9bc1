package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/steadycare/harbor/pkg/cases"
	"github.com/steadycare/harbor/pkg/escalation"
	"github.com/steadycare/harbor/pkg/risk"
)

// MemoryStore keeps everything in process memory. It is the default
// backend when no database is configured and the workhorse of the test
// suite. All methods return copies; callers never share memory with the
// store.
type MemoryStore struct {
	mu          sync.RWMutex
	cases       map[string]*cases.Case
	assessments []*risk.Assessment
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*cases.Case)}
}

func copyCase(c *cases.Case) *cases.Case {
	cp := *c
	cp.RequiredTags = append([]string(nil), c.RequiredTags...)
	cp.AssignmentHistory = append([]cases.AssignmentEvent(nil), c.AssignmentHistory...)
	return &cp
}

// CreateCase stores a new case.
func (s *MemoryStore) CreateCase(_ context.Context, c *cases.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; ok {
		return fmt.Errorf("case %s already exists", c.ID)
	}
	s.cases[c.ID] = copyCase(c)
	return nil
}

// GetCase returns a copy of the case.
func (s *MemoryStore) GetCase(_ context.Context, id string) (*cases.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	return copyCase(c), nil
}

// UpdateCase applies a conditional update: it succeeds only when the
// stored version matches the version the caller read, then bumps it.
func (s *MemoryStore) UpdateCase(_ context.Context, c *cases.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.cases[c.ID]
	if !ok {
		return fmt.Errorf("case %s: %w", c.ID, ErrNotFound)
	}
	if stored.Version != c.Version {
		return fmt.Errorf("case %s: %w", c.ID, ErrConflict)
	}
	c.Version++
	s.cases[c.ID] = copyCase(c)
	return nil
}

// ListCases returns copies of cases matching the filter, newest first.
func (s *MemoryStore) ListCases(_ context.Context, f cases.Filter) ([]*cases.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*cases.Case
	for _, c := range s.cases {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Severity != "" && c.Severity != f.Severity {
			continue
		}
		if f.ResponderID != "" && c.AssignedResponderID != f.ResponderID {
			continue
		}
		if f.SessionID != "" && c.SessionID != f.SessionID {
			continue
		}
		out = append(out, copyCase(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListOpenCases returns all non-terminal cases.
func (s *MemoryStore) ListOpenCases(_ context.Context) ([]*cases.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*cases.Case
	for _, c := range s.cases {
		if c.Status.Terminal() {
			continue
		}
		out = append(out, copyCase(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// OpenCaseForSession returns the session's open case, if any.
func (s *MemoryStore) OpenCaseForSession(_ context.Context, sessionID string) (*cases.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cases {
		if c.SessionID == sessionID && !c.Status.Terminal() {
			return copyCase(c), nil
		}
	}
	return nil, escalation.ErrNoOpenCase
}

// SaveAssessment appends an assessment to the log.
func (s *MemoryStore) SaveAssessment(_ context.Context, a *risk.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Factors = append([]string(nil), a.Factors...)
	s.assessments = append(s.assessments, &cp)
	return nil
}

// CountAssessments counts a session's assessments at a level since the
// given time.
func (s *MemoryStore) CountAssessments(_ context.Context, sessionID string, level risk.Level, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.assessments {
		if a.SessionID == sessionID && a.Level == level && !a.ClassifiedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// CasesBetween returns cases created within [from, to].
func (s *MemoryStore) CasesBetween(_ context.Context, from, to time.Time) ([]*cases.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*cases.Case
	for _, c := range s.cases {
		if c.CreatedAt.Before(from) || c.CreatedAt.After(to) {
			continue
		}
		out = append(out, copyCase(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AssessmentsBetween returns assessments classified within [from, to].
func (s *MemoryStore) AssessmentsBetween(_ context.Context, from, to time.Time) ([]*risk.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*risk.Assessment
	for _, a := range s.assessments {
		if a.ClassifiedAt.Before(from) || a.ClassifiedAt.After(to) {
			continue
		}
		cp := *a
		cp.Factors = append([]string(nil), a.Factors...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassifiedAt.Before(out[j].ClassifiedAt) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
