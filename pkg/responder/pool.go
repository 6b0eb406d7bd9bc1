// Package responder tracks the human responders available for case
// assignment: their capacity, current load, and specialization tags.
//
// currentLoad is the contended resource of the whole scheduler. Every
// mutation goes through the pool under its lock and is guarded against
// the capacity invariant; there is no unsynchronized read-modify-write
// path. currentLoad <= maxConcurrentCases holds at all times.
package responder

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Responder is a human handling entity with bounded concurrent capacity.
type Responder struct {
	ID                 string    `json:"responder_id"`
	Specializations    []string  `json:"specializations,omitempty"`
	MaxConcurrentCases int       `json:"max_concurrent_cases"`
	CurrentLoad        int       `json:"current_load"`
	QueuedAcks         int       `json:"queued_acks"` // assigned but not yet acknowledged
	Available          bool      `json:"available"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasSpecialization reports whether the responder carries any of the
// required tags. An empty requirement matches every responder.
func (r *Responder) HasSpecialization(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, have := range r.Specializations {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Pool is the in-memory registry of responders.
type Pool struct {
	mu         sync.Mutex
	responders map[string]*Responder
}

// NewPool creates an empty responder pool.
func NewPool() *Pool {
	return &Pool{responders: make(map[string]*Responder)}
}

// Upsert registers or replaces a responder. Load counters are preserved
// across an upsert of an existing responder; capacity and tags refresh.
func (p *Pool) Upsert(r Responder) error {
	if r.ID == "" {
		return fmt.Errorf("responder ID is required")
	}
	if r.MaxConcurrentCases <= 0 {
		return fmt.Errorf("responder %s: max concurrent cases must be positive", r.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.responders[r.ID]; ok {
		existing.Specializations = r.Specializations
		existing.MaxConcurrentCases = r.MaxConcurrentCases
		existing.Available = r.Available
		existing.UpdatedAt = time.Now().UTC()
		return nil
	}

	r.CurrentLoad = 0
	r.QueuedAcks = 0
	r.UpdatedAt = time.Now().UTC()
	copied := r
	p.responders[r.ID] = &copied
	return nil
}

// SetAvailable flips the availability flag. An unavailable responder
// keeps its current load; it just receives no new assignments.
func (p *Pool) SetAvailable(id string, available bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.responders[id]
	if !ok {
		return fmt.Errorf("responder %s not found", id)
	}
	r.Available = available
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// TryAcquire atomically claims one unit of capacity on the responder.
// Returns false without mutation when the responder is unknown,
// unavailable, or at capacity.
func (p *Pool) TryAcquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.responders[id]
	if !ok || !r.Available || r.CurrentLoad >= r.MaxConcurrentCases {
		return false
	}
	r.CurrentLoad++
	r.QueuedAcks++
	r.UpdatedAt = time.Now().UTC()
	return true
}

// Release returns one unit of capacity (case closed or reassigned away).
// stillQueued indicates the case had not been acknowledged yet, so the
// pending-ack counter is released too.
func (p *Pool) Release(id string, stillQueued bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.responders[id]
	if !ok {
		return fmt.Errorf("responder %s not found", id)
	}
	if r.CurrentLoad > 0 {
		r.CurrentLoad--
	}
	if stillQueued && r.QueuedAcks > 0 {
		r.QueuedAcks--
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Acknowledge marks one queued assignment as acknowledged: the case
// stays on the responder's load but no longer counts as pending.
func (p *Pool) Acknowledge(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.responders[id]
	if !ok {
		return fmt.Errorf("responder %s not found", id)
	}
	if r.QueuedAcks > 0 {
		r.QueuedAcks--
	}
	return nil
}

// Get returns a copy of the responder.
func (p *Pool) Get(id string) (Responder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.responders[id]
	if !ok {
		return Responder{}, false
	}
	return *r, true
}

// Candidates returns copies of responders eligible for a case with the
// given required tags: available, under capacity, and tag-matching.
// Sorted by ascending load, then ascending pending-ack depth, then ID -
// the deterministic pick order the assigner relies on.
func (p *Pool) Candidates(requiredTags []string) []Responder {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Responder
	for _, r := range p.responders {
		if !r.Available || r.CurrentLoad >= r.MaxConcurrentCases {
			continue
		}
		if !r.HasSpecialization(requiredTags) {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentLoad != out[j].CurrentLoad {
			return out[i].CurrentLoad < out[j].CurrentLoad
		}
		if out[i].QueuedAcks != out[j].QueuedAcks {
			return out[i].QueuedAcks < out[j].QueuedAcks
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns copies of all responders sorted by ID.
func (p *Pool) Snapshot() []Responder {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Responder, 0, len(p.responders))
	for _, r := range p.responders {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes pool occupancy for monitoring.
type Stats struct {
	Responders    int `json:"responders"`
	Available     int `json:"available"`
	TotalCapacity int `json:"total_capacity"`
	TotalLoad     int `json:"total_load"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Responders: len(p.responders)}
	for _, r := range p.responders {
		if r.Available {
			s.Available++
		}
		s.TotalCapacity += r.MaxConcurrentCases
		s.TotalLoad += r.CurrentLoad
	}
	return s
}
