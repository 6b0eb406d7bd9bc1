package cases

import (
	"context"
	"log"
	"time"

	"github.com/steadycare/harbor/pkg/sla"
)

// Sweeper periodically re-derives breach flags for open cases, fires
// warning and breach alerts exactly once per flag crossing, pulls back
// assignments that were never acknowledged, and retries cases stuck in
// New.
type Sweeper struct {
	repo     Repository
	assigner *Assigner
	alerts   *AlertBus
	now      sla.Clock
	interval time.Duration
	ackGrace time.Duration
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweep runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithAckGrace sets how long an assignment may sit unacknowledged before
// it is pulled back for reassignment.
func WithAckGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.ackGrace = d }
}

// WithSweepClock overrides the time source.
func WithSweepClock(clock sla.Clock) SweeperOption {
	return func(s *Sweeper) { s.now = clock }
}

// NewSweeper builds a sweeper with a 30s interval and 15m ack grace by
// default.
func NewSweeper(repo Repository, assigner *Assigner, alerts *AlertBus, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repo:     repo,
		assigner: assigner,
		alerts:   alerts,
		now:      time.Now,
		interval: 30 * time.Second,
		ackGrace: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[SWEEPER] running every %s (ack grace %s)", s.interval, s.ackGrace)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Printf("[SWEEPER] sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce performs a single pass over all open cases.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	open, err := s.repo.ListOpenCases(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	for _, c := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.refreshFlag(ctx, c.ID, now)

		switch c.Status {
		case StatusAssigned:
			if c.AcknowledgedAt.IsZero() && now.Sub(c.AssignedAt) >= s.ackGrace {
				if err := s.assigner.Reassign(ctx, c.ID); err != nil {
					log.Printf("[SWEEPER] reassigning case %s: %v", c.ID, err)
				}
			}
		case StatusNew:
			if err := s.assigner.Assign(ctx, c.ID); err != nil && err != ErrNoResponderAvailable {
				log.Printf("[SWEEPER] retrying case %s: %v", c.ID, err)
			}
		}
	}
	return nil
}

// refreshFlag re-derives one case's breach flag and alerts on each
// forward crossing. Alerts fire exactly once per crossing because the
// flag only advances and the alert is tied to the advance.
func (s *Sweeper) refreshFlag(ctx context.Context, caseID string, now time.Time) {
	c, crossed, err := s.assigner.RefreshBreachFlag(ctx, caseID, now)
	if err != nil {
		log.Printf("[SWEEPER] refreshing flag for case %s: %v", caseID, err)
		return
	}
	if !crossed {
		return
	}

	kind := AlertSLAWarning
	if c.BreachFlag == sla.FlagBreached {
		kind = AlertSLABreach
	}
	log.Printf("[SWEEPER] case %s (%s) crossed to %s", c.ID, c.Severity, c.BreachFlag)
	if s.alerts != nil {
		s.alerts.Publish(Alert{
			Kind:        kind,
			CaseID:      c.ID,
			SessionID:   c.SessionID,
			Severity:    c.Severity,
			ResponderID: c.AssignedResponderID,
			Flag:        c.BreachFlag,
			At:          now,
		})
	}
}
