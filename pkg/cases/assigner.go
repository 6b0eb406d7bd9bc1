package cases

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/steadycare/harbor/pkg/responder"
	"github.com/steadycare/harbor/pkg/sla"
)

// ErrNoResponderAvailable signals that no eligible responder had free
// capacity. The case stays in New and is retried by the sweeper.
var ErrNoResponderAvailable = errors.New("no responder available")

// ErrNotAssignee rejects a case operation attempted by a responder the
// case is not assigned to.
var ErrNotAssignee = errors.New("case is assigned to a different responder")

// caseLock serializes all transitions of a single case. Concurrent
// operations on distinct cases proceed independently.
type caseLock struct {
	mu   sync.Mutex
	refs int
}

// Assigner drives case transitions: picking responders, acknowledging,
// resolving, closing, and returning stale assignments to the pool.
type Assigner struct {
	repo   Repository
	pool   *responder.Pool
	alerts *AlertBus
	now    sla.Clock

	mu       sync.Mutex
	locks    map[string]*caseLock
	notified map[string]bool // caseID -> no-responder alert already fired
}

// AssignerOption configures an Assigner.
type AssignerOption func(*Assigner)

// WithClock overrides the time source.
func WithClock(clock sla.Clock) AssignerOption {
	return func(a *Assigner) { a.now = clock }
}

// NewAssigner wires an assigner over the given repository and pool.
func NewAssigner(repo Repository, pool *responder.Pool, alerts *AlertBus, opts ...AssignerOption) *Assigner {
	a := &Assigner{
		repo:     repo,
		pool:     pool,
		alerts:   alerts,
		now:      time.Now,
		locks:    make(map[string]*caseLock),
		notified: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// lock acquires the per-case mutex, creating it on first use.
func (a *Assigner) lock(caseID string) func() {
	a.mu.Lock()
	l, ok := a.locks[caseID]
	if !ok {
		l = &caseLock{}
		a.locks[caseID] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, caseID)
		}
		a.mu.Unlock()
	}
}

// transition applies a status change after validating it against the
// transition table. The case is not mutated on rejection.
func transition(c *Case, to Status) error {
	if !CanTransition(c.Status, to) {
		return &InvalidTransitionError{CaseID: c.ID, From: c.Status, To: to}
	}
	c.Status = to
	return nil
}

// Create persists a new case and immediately attempts assignment.
// Creation succeeds even when assignment does not; the case then waits
// in New for the sweeper's retry.
func (a *Assigner) Create(ctx context.Context, c *Case) error {
	if err := a.repo.CreateCase(ctx, c); err != nil {
		return fmt.Errorf("creating case: %w", err)
	}
	if err := a.Assign(ctx, c.ID); err != nil {
		if errors.Is(err, ErrNoResponderAvailable) {
			log.Printf("[ASSIGNER] case %s created, no responder available yet", c.ID)
			return nil
		}
		return err
	}
	return nil
}

// Assign picks the least-loaded eligible responder for a New case and
// moves it to Assigned. Capacity is claimed through the pool before the
// case is persisted; a failed persist returns the claimed slot.
func (a *Assigner) Assign(ctx context.Context, caseID string) error {
	unlock := a.lock(caseID)
	defer unlock()

	c, err := a.repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status != StatusNew {
		return &InvalidTransitionError{CaseID: c.ID, From: c.Status, To: StatusAssigned}
	}

	for _, cand := range a.pool.Candidates(c.RequiredTags) {
		if !a.pool.TryAcquire(cand.ID) {
			continue // lost the race for this slot, try the next candidate
		}
		now := a.now().UTC()
		c.AssignedResponderID = cand.ID
		c.AssignedAt = now
		c.AcknowledgedAt = time.Time{}
		if err := transition(c, StatusAssigned); err != nil {
			a.pool.Release(cand.ID, true)
			return err
		}
		c.appendEvent(EventAssigned, cand.ID, "", now)
		if err := a.repo.UpdateCase(ctx, c); err != nil {
			a.pool.Release(cand.ID, true)
			return fmt.Errorf("persisting assignment: %w", err)
		}
		a.clearNotified(caseID)
		log.Printf("[ASSIGNER] case %s (%s) assigned to %s (load %d/%d)",
			c.ID, c.Severity, cand.ID, cand.CurrentLoad+1, cand.MaxConcurrentCases)
		return nil
	}

	a.notifyNoResponder(c)
	return ErrNoResponderAvailable
}

// notifyNoResponder publishes the stall alert once per stall. The flag
// resets on successful assignment so a later stall alerts again.
func (a *Assigner) notifyNoResponder(c *Case) {
	a.mu.Lock()
	already := a.notified[c.ID]
	a.notified[c.ID] = true
	a.mu.Unlock()
	if already {
		return
	}
	log.Printf("[ASSIGNER] case %s (%s): no responder available", c.ID, c.Severity)
	if a.alerts != nil {
		a.alerts.Publish(Alert{
			Kind:      AlertNoResponder,
			CaseID:    c.ID,
			SessionID: c.SessionID,
			Severity:  c.Severity,
			At:        a.now().UTC(),
		})
	}
}

func (a *Assigner) clearNotified(caseID string) {
	a.mu.Lock()
	delete(a.notified, caseID)
	a.mu.Unlock()
}

// RefreshBreachFlag re-derives the breach flag for a case as of now and
// persists it when it advanced. The flag never moves backwards, so
// restarts and clock jitter cannot walk a breach back. Returns the
// stored case and whether the flag crossed forward.
func (a *Assigner) RefreshBreachFlag(ctx context.Context, caseID string, now time.Time) (*Case, bool, error) {
	unlock := a.lock(caseID)
	defer unlock()

	c, err := a.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, false, err
	}
	if c.Status.Terminal() {
		return c, false, nil
	}
	derived := sla.FlagAt(c.CreatedAt, c.SLADeadline, now)
	if derived.Rank() <= c.BreachFlag.Rank() {
		return c, false, nil
	}
	c.BreachFlag = derived
	if err := a.repo.UpdateCase(ctx, c); err != nil {
		return nil, false, fmt.Errorf("persisting breach flag: %w", err)
	}
	return c, true, nil
}

// Acknowledge records that the assigned responder accepted the case,
// moving it to InProgress.
func (a *Assigner) Acknowledge(ctx context.Context, caseID, responderID string) error {
	unlock := a.lock(caseID)
	defer unlock()

	c, err := a.repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.AssignedResponderID != responderID {
		return ErrNotAssignee
	}
	if err := transition(c, StatusInProgress); err != nil {
		return err
	}
	now := a.now().UTC()
	c.AcknowledgedAt = now
	c.appendEvent(EventAcknowledged, responderID, "", now)
	if err := a.repo.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("persisting acknowledgement: %w", err)
	}
	a.pool.Acknowledge(responderID)
	return nil
}

// Resolve completes the work on an in-progress case and releases the
// responder's capacity slot.
func (a *Assigner) Resolve(ctx context.Context, caseID, responderID, note string) error {
	unlock := a.lock(caseID)
	defer unlock()

	c, err := a.repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.AssignedResponderID != responderID {
		return ErrNotAssignee
	}
	if err := transition(c, StatusResolved); err != nil {
		return err
	}
	now := a.now().UTC()
	c.ResolvedAt = now
	c.appendEvent(EventResolved, responderID, note, now)
	if err := a.repo.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("persisting resolution: %w", err)
	}
	a.pool.Release(responderID, false)
	log.Printf("[ASSIGNER] case %s resolved by %s", c.ID, responderID)
	return nil
}

// Close archives a resolved case. Closing an already-closed case is a
// no-op, not an error.
func (a *Assigner) Close(ctx context.Context, caseID, actorID string) error {
	unlock := a.lock(caseID)
	defer unlock()

	c, err := a.repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status == StatusClosed {
		return nil
	}
	if err := transition(c, StatusClosed); err != nil {
		return err
	}
	c.appendEvent(EventClosed, actorID, "", a.now())
	if err := a.repo.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("persisting close: %w", err)
	}
	return nil
}

// AddNote appends a free-text note to an open case's history.
func (a *Assigner) AddNote(ctx context.Context, caseID, responderID, note string) error {
	unlock := a.lock(caseID)
	defer unlock()

	c, err := a.repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("case %s is closed", c.ID)
	}
	c.appendEvent(EventNote, responderID, note, a.now())
	if err := a.repo.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("persisting note: %w", err)
	}
	return nil
}

// Reassign returns an unacknowledged case to the pool and immediately
// tries to place it with a different responder. The previous responder's
// capacity is released first so the case never double-counts.
func (a *Assigner) Reassign(ctx context.Context, caseID string) error {
	unlock := a.lock(caseID)

	c, err := a.repo.GetCase(ctx, caseID)
	if err != nil {
		unlock()
		return err
	}
	prev := c.AssignedResponderID
	if err := transition(c, StatusNew); err != nil {
		unlock()
		return err
	}
	now := a.now().UTC()
	c.AssignedResponderID = ""
	c.AssignedAt = time.Time{}
	c.appendEvent(EventReassigned, prev, "assignment not acknowledged in time", now)
	if err := a.repo.UpdateCase(ctx, c); err != nil {
		unlock()
		return fmt.Errorf("persisting reassignment: %w", err)
	}
	if prev != "" {
		a.pool.Release(prev, true)
	}
	if a.alerts != nil {
		a.alerts.Publish(Alert{
			Kind:        AlertReassigned,
			CaseID:      c.ID,
			SessionID:   c.SessionID,
			Severity:    c.Severity,
			ResponderID: prev,
			At:          now,
		})
	}
	log.Printf("[ASSIGNER] case %s pulled back from %s for reassignment", c.ID, prev)
	unlock()

	// Assign takes the case lock itself.
	if err := a.Assign(ctx, caseID); err != nil && !errors.Is(err, ErrNoResponderAvailable) {
		return err
	}
	return nil
}
