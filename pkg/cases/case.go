// Package cases owns the escalation case lifecycle: the status state
// machine, load-balanced assignment to responders, breach sweeping, and
// reassignment of unacknowledged cases.
package cases

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steadycare/harbor/pkg/risk"
	"github.com/steadycare/harbor/pkg/sla"
)

// Status is the case lifecycle state.
type Status string

const (
	StatusNew        Status = "New"
	StatusAssigned   Status = "Assigned"
	StatusInProgress Status = "InProgress"
	StatusResolved   Status = "Resolved"
	StatusClosed     Status = "Closed"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// validTransitions is the full transition table. Assigned → New is the
// reassignment path only: an unacknowledged case returned to the pool.
var validTransitions = map[Status][]Status{
	StatusNew:        {StatusAssigned},
	StatusAssigned:   {StatusInProgress, StatusNew},
	StatusInProgress: {StatusResolved},
	StatusResolved:   {StatusClosed},
	StatusClosed:     {},
}

// CanTransition reports whether from → to is a permitted transition.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError rejects a state-machine violation. The case is
// left unchanged when this error is returned.
type InvalidTransitionError struct {
	CaseID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("case %s: invalid transition %s → %s", e.CaseID, e.From, e.To)
}

// EventType labels an entry in a case's assignment history.
type EventType string

const (
	EventAssigned     EventType = "assigned"
	EventAcknowledged EventType = "acknowledged"
	EventReassigned   EventType = "reassigned"
	EventResolved     EventType = "resolved"
	EventClosed       EventType = "closed"
	EventNote         EventType = "note"
)

// AssignmentEvent is one audit entry in a case's history. Every mutating
// case operation appends one, carrying the acting responder identity.
type AssignmentEvent struct {
	EventID     string    `json:"event_id"`
	Type        EventType `json:"type"`
	ResponderID string    `json:"responder_id,omitempty"`
	Note        string    `json:"note,omitempty"`
	At          time.Time `json:"at"`
}

// Case is a trackable escalation record. SLADeadline is set atomically
// with creation and never recomputed; only the breach flag derives from
// it afterwards. Version supports conditional updates in storage.
type Case struct {
	ID                  string            `json:"case_id"`
	SessionID           string            `json:"session_id"`
	Severity            risk.Level        `json:"severity"`
	Status              Status            `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	SLADeadline         time.Time         `json:"sla_deadline"`
	BreachFlag          sla.BreachFlag    `json:"breach_flag"`
	AssignedResponderID string            `json:"assigned_responder_id,omitempty"`
	AssignedAt          time.Time         `json:"assigned_at,omitzero"`
	AcknowledgedAt      time.Time         `json:"acknowledged_at,omitzero"`
	ResolvedAt          time.Time         `json:"resolved_at,omitzero"`
	RequiredTags        []string          `json:"required_tags,omitempty"`
	AssignmentHistory   []AssignmentEvent `json:"assignment_history"`
	Version             int64             `json:"version"`
}

// New creates a case for a session at the given severity. The SLA
// deadline is computed here, once, from the severity table.
func New(sessionID string, severity risk.Level, requiredTags []string, now time.Time) *Case {
	created := now.UTC()
	return &Case{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Severity:    severity,
		Status:      StatusNew,
		CreatedAt:   created,
		SLADeadline: sla.DeadlineFor(created, severity),
		BreachFlag:  sla.FlagOnTime,
		RequiredTags: append([]string(nil),
			requiredTags...),
		Version: 1,
	}
}

// appendEvent records a history entry on the case.
func (c *Case) appendEvent(t EventType, responderID, note string, at time.Time) {
	c.AssignmentHistory = append(c.AssignmentHistory, AssignmentEvent{
		EventID:     uuid.New().String(),
		Type:        t,
		ResponderID: responderID,
		Note:        note,
		At:          at.UTC(),
	})
}

// Repository is the persistence contract for cases. Update is
// conditional: it must fail with a conflict when the stored version does
// not match the version the caller read, which gives the assigner its
// atomic compare-and-swap under concurrency.
type Repository interface {
	CreateCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, id string) (*Case, error)
	UpdateCase(ctx context.Context, c *Case) error
	ListCases(ctx context.Context, f Filter) ([]*Case, error)
	ListOpenCases(ctx context.Context) ([]*Case, error)
}

// Filter narrows a case listing.
type Filter struct {
	Status      Status
	Severity    risk.Level
	ResponderID string
	SessionID   string
}
