package session

import (
	"context"
	"sync"

	"github.com/steadycare/harbor/pkg/httputil"
)

// Dispatcher serializes message processing per session while allowing
// different sessions to run concurrently. Within one session, messages
// are handled strictly in arrival order to preserve conversational
// coherence; a global semaphore bounds total in-flight work to the
// capacity of the downstream collaborators.
type Dispatcher struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	workers *httputil.Semaphore
}

// lane is a per-session FIFO of completion channels. tail is the most
// recently enqueued message's done channel; each newcomer waits on the
// previous tail before running. refs counts queued messages so idle
// lanes can be garbage-collected.
type lane struct {
	tail chan struct{}
	refs int
}

// NewDispatcher creates a dispatcher bounded to maxWorkers concurrent
// messages across all sessions.
func NewDispatcher(maxWorkers int) *Dispatcher {
	return &Dispatcher{
		lanes:   make(map[string]*lane),
		workers: httputil.NewSemaphore(maxWorkers),
	}
}

// Do runs fn behind any earlier message for the same session. Queue
// position is assigned atomically on entry, so two messages enqueued in
// order run in that order regardless of scheduler wakeup order. The
// worker slot is taken only once the message reaches the head of its
// lane; queued waiters never hold pool capacity.
func (d *Dispatcher) Do(ctx context.Context, sessionID string, fn func() error) error {
	prev, done := d.enqueue(sessionID)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// The ticket may only pass once every earlier message has
			// finished; hand it off asynchronously so a cancelled waiter
			// cannot let its successor overlap the running head.
			go func() {
				<-prev
				d.finish(sessionID, done)
			}()
			return ctx.Err()
		}
	}
	defer d.finish(sessionID, done)

	if err := d.workers.Acquire(ctx); err != nil {
		return err
	}
	defer d.workers.Release()

	return fn()
}

// enqueue appends a ticket to the session's lane and returns the
// predecessor's done channel (nil when the lane was empty).
func (d *Dispatcher) enqueue(sessionID string) (prev, done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.lanes[sessionID]
	if !ok {
		l = &lane{}
		d.lanes[sessionID] = l
	}
	l.refs++
	prev = l.tail
	done = make(chan struct{})
	l.tail = done
	return prev, done
}

// finish closes the ticket, releasing the successor. A cancelled waiter
// still closes its ticket, so the lane never stalls behind an abandoned
// slot.
func (d *Dispatcher) finish(sessionID string, done chan struct{}) {
	close(done)

	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.lanes[sessionID]
	l.refs--
	if l.refs == 0 {
		delete(d.lanes, sessionID)
	}
}

// InFlight returns the number of messages currently being processed.
func (d *Dispatcher) InFlight() int {
	return d.workers.InUse()
}
