package cases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadycare/harbor/pkg/responder"
	"github.com/steadycare/harbor/pkg/risk"
	"github.com/steadycare/harbor/pkg/sla"
)

// fakeRepo is a minimal conditional-update store for exercising the
// assigner and sweeper without a database.
type fakeRepo struct {
	mu    sync.Mutex
	cases map[string]*Case
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{cases: make(map[string]*Case)}
}

func (r *fakeRepo) CreateCase(_ context.Context, c *Case) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cases[c.ID]; ok {
		return fmt.Errorf("case %s already exists", c.ID)
	}
	cp := *c
	r.cases[c.ID] = &cp
	return nil
}

func (r *fakeRepo) GetCase(_ context.Context, id string) (*Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRepo) UpdateCase(_ context.Context, c *Case) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.cases[c.ID]
	if !ok {
		return fmt.Errorf("case %s not found", c.ID)
	}
	if stored.Version != c.Version {
		return fmt.Errorf("case %s: version conflict", c.ID)
	}
	c.Version++
	cp := *c
	r.cases[c.ID] = &cp
	return nil
}

func (r *fakeRepo) ListCases(_ context.Context, f Filter) ([]*Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Case
	for _, c := range r.cases {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRepo) ListOpenCases(_ context.Context) ([]*Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Case
	for _, c := range r.cases {
		if c.Status.Terminal() {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// movableClock lets tests march time forward deterministically.
type movableClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *movableClock { return &movableClock{t: t} }

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusNew, StatusAssigned))
	assert.True(t, CanTransition(StatusAssigned, StatusInProgress))
	assert.True(t, CanTransition(StatusAssigned, StatusNew), "reassignment path")
	assert.True(t, CanTransition(StatusInProgress, StatusResolved))
	assert.True(t, CanTransition(StatusResolved, StatusClosed))

	assert.False(t, CanTransition(StatusNew, StatusInProgress))
	assert.False(t, CanTransition(StatusNew, StatusResolved))
	assert.False(t, CanTransition(StatusClosed, StatusNew))
	assert.False(t, CanTransition(StatusResolved, StatusInProgress))
}

func TestNewCaseSetsDeadlineOnce(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New("sess-1", risk.LevelCritical, nil, created)

	assert.Equal(t, StatusNew, c.Status)
	assert.Equal(t, created.Add(2*time.Hour), c.SLADeadline)
	assert.Equal(t, sla.FlagOnTime, c.BreachFlag)
	assert.NotEmpty(t, c.ID)
}

func newHarness(t *testing.T) (*fakeRepo, *responder.Pool, *AlertBus, *Assigner, *movableClock) {
	t.Helper()
	repo := newFakeRepo()
	pool := responder.NewPool()
	alerts := NewAlertBus(16)
	clock := newClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	assigner := NewAssigner(repo, pool, alerts, WithClock(clock.Now))
	return repo, pool, alerts, assigner, clock
}

func TestAssignPicksLeastLoaded(t *testing.T) {
	_, pool, _, assigner, clock := newHarness(t)
	ctx := context.Background()

	require.NoError(t, pool.Upsert(responder.Responder{ID: "busy", MaxConcurrentCases: 5, Available: true}))
	require.NoError(t, pool.Upsert(responder.Responder{ID: "idle", MaxConcurrentCases: 5, Available: true}))
	require.True(t, pool.TryAcquire("busy"))

	c := New("sess-1", risk.LevelHigh, nil, clock.Now())
	require.NoError(t, assigner.Create(ctx, c))

	got, err := assigner.repo.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "idle", got.AssignedResponderID)
	require.Len(t, got.AssignmentHistory, 1)
	assert.Equal(t, EventAssigned, got.AssignmentHistory[0].Type)
}

func TestAssignNoResponderAlertsOnce(t *testing.T) {
	repo, _, alerts, assigner, clock := newHarness(t)
	ctx := context.Background()

	c := New("sess-1", risk.LevelCritical, nil, clock.Now())
	require.NoError(t, repo.CreateCase(ctx, c))

	require.ErrorIs(t, assigner.Assign(ctx, c.ID), ErrNoResponderAvailable)
	require.ErrorIs(t, assigner.Assign(ctx, c.ID), ErrNoResponderAvailable)

	var got []Alert
	for {
		select {
		case a := <-alerts.Events():
			got = append(got, a)
			continue
		default:
		}
		break
	}
	require.Len(t, got, 1, "stall alert must fire once, not per retry")
	assert.Equal(t, AlertNoResponder, got[0].Kind)
	assert.Equal(t, c.ID, got[0].CaseID)
}

func TestFullLifecycle(t *testing.T) {
	_, pool, _, assigner, clock := newHarness(t)
	ctx := context.Background()

	require.NoError(t, pool.Upsert(responder.Responder{ID: "r1", MaxConcurrentCases: 2, Available: true}))

	c := New("sess-1", risk.LevelHigh, nil, clock.Now())
	require.NoError(t, assigner.Create(ctx, c))

	require.NoError(t, assigner.Acknowledge(ctx, c.ID, "r1"))
	r, _ := pool.Get("r1")
	assert.Equal(t, 0, r.QueuedAcks)
	assert.Equal(t, 1, r.CurrentLoad)

	require.NoError(t, assigner.Resolve(ctx, c.ID, "r1", "de-escalated, resources shared"))
	r, _ = pool.Get("r1")
	assert.Equal(t, 0, r.CurrentLoad, "resolution frees the capacity slot")

	require.NoError(t, assigner.Close(ctx, c.ID, "r1"))
	require.NoError(t, assigner.Close(ctx, c.ID, "r1"), "closing a closed case is a no-op")

	got, err := assigner.repo.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	types := make([]EventType, len(got.AssignmentHistory))
	for i, ev := range got.AssignmentHistory {
		types[i] = ev.Type
	}
	assert.Equal(t, []EventType{EventAssigned, EventAcknowledged, EventResolved, EventClosed}, types)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	_, pool, _, assigner, clock := newHarness(t)
	ctx := context.Background()

	require.NoError(t, pool.Upsert(responder.Responder{ID: "r1", MaxConcurrentCases: 2, Available: true}))
	c := New("sess-1", risk.LevelModerate, nil, clock.Now())
	require.NoError(t, assigner.Create(ctx, c))

	// Resolve before acknowledge is Assigned → Resolved, not in the table.
	err := assigner.Resolve(ctx, c.ID, "r1", "")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusAssigned, ite.From)
	assert.Equal(t, StatusResolved, ite.To)

	// The case is unchanged after the rejection.
	got, err := assigner.repo.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
}

func TestAcknowledgeWrongResponder(t *testing.T) {
	_, pool, _, assigner, clock := newHarness(t)
	ctx := context.Background()

	require.NoError(t, pool.Upsert(responder.Responder{ID: "r1", MaxConcurrentCases: 2, Available: true}))
	c := New("sess-1", risk.LevelHigh, nil, clock.Now())
	require.NoError(t, assigner.Create(ctx, c))

	assert.ErrorIs(t, assigner.Acknowledge(ctx, c.ID, "impostor"), ErrNotAssignee)
}

func TestSweeperReassignsUnacknowledged(t *testing.T) {
	repo, pool, _, assigner, clock := newHarness(t)
	ctx := context.Background()

	require.NoError(t, pool.Upsert(responder.Responder{ID: "slow", MaxConcurrentCases: 1, Available: true}))
	c := New("sess-1", risk.LevelHigh, nil, clock.Now())
	require.NoError(t, assigner.Create(ctx, c))

	got, _ := repo.GetCase(ctx, c.ID)
	require.Equal(t, "slow", got.AssignedResponderID)

	// A second responder comes online; the first never acknowledges.
	require.NoError(t, pool.Upsert(responder.Responder{ID: "fresh", MaxConcurrentCases: 1, Available: true}))
	require.NoError(t, pool.SetAvailable("slow", false))
	clock.Advance(16 * time.Minute)

	sweeper := NewSweeper(repo, assigner, nil, WithSweepClock(clock.Now))
	require.NoError(t, sweeper.SweepOnce(ctx))

	got, _ = repo.GetCase(ctx, c.ID)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "fresh", got.AssignedResponderID)

	slow, _ := pool.Get("slow")
	assert.Equal(t, 0, slow.CurrentLoad, "pulled-back assignment frees the slot")

	var sawReassign bool
	for _, ev := range got.AssignmentHistory {
		if ev.Type == EventReassigned {
			sawReassign = true
		}
	}
	assert.True(t, sawReassign)
}

func TestSweeperBreachAlertsFireOncePerCrossing(t *testing.T) {
	repo, pool, alerts, assigner, clock := newHarness(t)
	ctx := context.Background()

	require.NoError(t, pool.Upsert(responder.Responder{ID: "r1", MaxConcurrentCases: 2, Available: true}))
	c := New("sess-1", risk.LevelHigh, nil, clock.Now()) // 8h window
	require.NoError(t, assigner.Create(ctx, c))
	require.NoError(t, assigner.Acknowledge(ctx, c.ID, "r1"))

	sweeper := NewSweeper(repo, assigner, alerts, WithSweepClock(clock.Now))

	drain := func() []Alert {
		var out []Alert
		for {
			select {
			case a := <-alerts.Events():
				out = append(out, a)
				continue
			default:
			}
			return out
		}
	}

	// Into the warning band (final quarter of the 8h window).
	clock.Advance(6*time.Hour + time.Minute)
	require.NoError(t, sweeper.SweepOnce(ctx))
	require.NoError(t, sweeper.SweepOnce(ctx))
	got := drain()
	require.Len(t, got, 1, "warning fires once even across repeated sweeps")
	assert.Equal(t, AlertSLAWarning, got[0].Kind)
	assert.Equal(t, sla.FlagWarning, got[0].Flag)

	// Past the deadline.
	clock.Advance(2 * time.Hour)
	require.NoError(t, sweeper.SweepOnce(ctx))
	require.NoError(t, sweeper.SweepOnce(ctx))
	got = drain()
	require.Len(t, got, 1)
	assert.Equal(t, AlertSLABreach, got[0].Kind)

	stored, _ := repo.GetCase(ctx, c.ID)
	assert.Equal(t, sla.FlagBreached, stored.BreachFlag)
}

func TestSweeperRetriesNewCases(t *testing.T) {
	repo, pool, _, assigner, clock := newHarness(t)
	ctx := context.Background()

	c := New("sess-1", risk.LevelCritical, nil, clock.Now())
	require.NoError(t, assigner.Create(ctx, c)) // no responders yet

	got, _ := repo.GetCase(ctx, c.ID)
	require.Equal(t, StatusNew, got.Status)

	require.NoError(t, pool.Upsert(responder.Responder{ID: "r1", MaxConcurrentCases: 1, Available: true}))
	sweeper := NewSweeper(repo, assigner, nil, WithSweepClock(clock.Now))
	require.NoError(t, sweeper.SweepOnce(ctx))

	got, _ = repo.GetCase(ctx, c.ID)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "r1", got.AssignedResponderID)
}

func TestConcurrentAssignmentRespectsTotalCapacity(t *testing.T) {
	repo, pool, _, assigner, clock := newHarness(t)
	ctx := context.Background()

	require.NoError(t, pool.Upsert(responder.Responder{ID: "r1", MaxConcurrentCases: 3, Available: true}))
	require.NoError(t, pool.Upsert(responder.Responder{ID: "r2", MaxConcurrentCases: 3, Available: true}))

	const total = 20
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		c := New(fmt.Sprintf("sess-%d", i), risk.LevelHigh, nil, clock.Now())
		require.NoError(t, repo.CreateCase(ctx, c))
		ids = append(ids, c.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := assigner.Assign(ctx, id)
			if err != nil && !errors.Is(err, ErrNoResponderAvailable) {
				t.Errorf("assign %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	assigned := 0
	for _, id := range ids {
		c, err := repo.GetCase(ctx, id)
		require.NoError(t, err)
		if c.Status == StatusAssigned {
			assigned++
		}
	}
	assert.Equal(t, 6, assigned, "exactly total pool capacity gets assigned")
	for _, r := range pool.Snapshot() {
		assert.LessOrEqual(t, r.CurrentLoad, r.MaxConcurrentCases)
	}
}
