// Package store provides the persistence backends for cases and risk
// assessments: an in-memory store for development and tests, and a
// PostgreSQL store for production. Both back the analytics aggregator
// with range queries over the same data.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/steadycare/harbor/pkg/cases"
	"github.com/steadycare/harbor/pkg/risk"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned by conditional updates when the stored version
// no longer matches the caller's read. The caller re-reads and retries.
var ErrConflict = errors.New("version conflict")

// Store is the full persistence contract: case repository, assessment
// log, and the range views the analytics aggregator reads.
type Store interface {
	cases.Repository

	SaveAssessment(ctx context.Context, a *risk.Assessment) error
	CountAssessments(ctx context.Context, sessionID string, level risk.Level, since time.Time) (int, error)

	OpenCaseForSession(ctx context.Context, sessionID string) (*cases.Case, error)

	CasesBetween(ctx context.Context, from, to time.Time) ([]*cases.Case, error)
	AssessmentsBetween(ctx context.Context, from, to time.Time) ([]*risk.Assessment, error)

	Close() error
}
