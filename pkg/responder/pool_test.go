package responder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolUpsertValidation(t *testing.T) {
	p := NewPool()
	assert.Error(t, p.Upsert(Responder{MaxConcurrentCases: 1}))
	assert.Error(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 0}))
	assert.NoError(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 3, Available: true}))
}

func TestPoolUpsertPreservesLoad(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 3, Available: true}))
	require.True(t, p.TryAcquire("r1"))

	// Re-registering refreshes capacity/tags but not live counters.
	require.NoError(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 5, Available: true, Specializations: []string{"crisis"}}))

	r, ok := p.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 1, r.CurrentLoad)
	assert.Equal(t, 5, r.MaxConcurrentCases)
	assert.Equal(t, []string{"crisis"}, r.Specializations)
}

func TestTryAcquireRespectsCapacity(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 2, Available: true}))

	assert.True(t, p.TryAcquire("r1"))
	assert.True(t, p.TryAcquire("r1"))
	assert.False(t, p.TryAcquire("r1"), "acquire past capacity must fail")

	require.NoError(t, p.Release("r1", true))
	assert.True(t, p.TryAcquire("r1"))
}

func TestTryAcquireUnavailable(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 2, Available: false}))
	assert.False(t, p.TryAcquire("r1"))

	require.NoError(t, p.SetAvailable("r1", true))
	assert.True(t, p.TryAcquire("r1"))
}

func TestLoadNeverExceedsCapacityUnderStress(t *testing.T) {
	p := NewPool()
	const responders = 4
	const capacity = 5
	ids := []string{"r1", "r2", "r3", "r4"}
	for _, id := range ids {
		require.NoError(t, p.Upsert(Responder{ID: id, MaxConcurrentCases: capacity, Available: true}))
	}

	// Many more attempts than total capacity, all concurrent.
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		id := ids[i%responders]
		go func() {
			defer wg.Done()
			if p.TryAcquire(id) {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, responders*capacity, acquired, "exactly total capacity should be granted")
	for _, r := range p.Snapshot() {
		assert.LessOrEqual(t, r.CurrentLoad, r.MaxConcurrentCases,
			"responder %s exceeded its cap", r.ID)
	}
}

func TestCandidatesFilterAndOrder(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Upsert(Responder{ID: "r-c", MaxConcurrentCases: 5, Available: true}))
	require.NoError(t, p.Upsert(Responder{ID: "r-a", MaxConcurrentCases: 5, Available: true}))
	require.NoError(t, p.Upsert(Responder{ID: "r-b", MaxConcurrentCases: 5, Available: true}))
	require.NoError(t, p.Upsert(Responder{ID: "r-full", MaxConcurrentCases: 1, Available: true}))
	require.NoError(t, p.Upsert(Responder{ID: "r-off", MaxConcurrentCases: 5, Available: false}))

	require.True(t, p.TryAcquire("r-full"))
	require.True(t, p.TryAcquire("r-b")) // r-b now carries load 1

	got := p.Candidates(nil)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	// Zero-load responders first in ID order, loaded one last; full and
	// unavailable responders excluded.
	assert.Equal(t, []string{"r-a", "r-c", "r-b"}, ids)
}

func TestCandidatesSpecializationFilter(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 2, Available: true, Specializations: []string{"crisis", "youth"}}))
	require.NoError(t, p.Upsert(Responder{ID: "r2", MaxConcurrentCases: 2, Available: true, Specializations: []string{"substance"}}))

	got := p.Candidates([]string{"youth"})
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)

	// No required tags: everyone qualifies.
	assert.Len(t, p.Candidates(nil), 2)
}

func TestAcknowledgeReducesQueueDepth(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 3, Available: true}))
	require.True(t, p.TryAcquire("r1"))
	require.True(t, p.TryAcquire("r1"))

	r, _ := p.Get("r1")
	assert.Equal(t, 2, r.QueuedAcks)

	require.NoError(t, p.Acknowledge("r1"))
	r, _ = p.Get("r1")
	assert.Equal(t, 1, r.QueuedAcks)
	assert.Equal(t, 2, r.CurrentLoad, "ack keeps the case on the responder's load")
}

func TestStats(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Upsert(Responder{ID: "r1", MaxConcurrentCases: 2, Available: true}))
	require.NoError(t, p.Upsert(Responder{ID: "r2", MaxConcurrentCases: 3, Available: false}))
	require.True(t, p.TryAcquire("r1"))

	s := p.Stats()
	assert.Equal(t, 2, s.Responders)
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, 5, s.TotalCapacity)
	assert.Equal(t, 1, s.TotalLoad)
}
