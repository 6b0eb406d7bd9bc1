package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectHashIrreversible(t *testing.T) {
	h1 := SubjectHash("user@example.com", "salt-a")
	h2 := SubjectHash("user@example.com", "salt-a")
	h3 := SubjectHash("user@example.com", "salt-b")

	assert.Equal(t, h1, h2, "hash must be deterministic per deployment")
	assert.NotEqual(t, h1, h3, "different salts must produce different hashes")
	assert.NotContains(t, h1, "user@example.com")
	assert.Len(t, h1, 64)
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleSubject.Valid())
	assert.True(t, RoleOperator.Valid())
	assert.True(t, RoleResponder.Valid())
	assert.False(t, Role("admin").Valid())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	sess := &Session{
		SessionID:   "sess-1",
		SubjectHash: SubjectHash("id", "salt"),
		Role:        RoleSubject,
	}
	require.NoError(t, s.Save(sess))

	got, err := s.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.SubjectHash, got.SubjectHash)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Save(&Session{SessionID: "sess-1", Role: RoleSubject}))

	got, err := s.Get("sess-1")
	require.NoError(t, err)
	got.Role = RoleOperator

	again, err := s.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, RoleSubject, again.Role, "mutating a returned session must not affect the store")
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(WithMaxAge(10*time.Millisecond), WithCleanupInterval(time.Hour))
	defer s.Close()

	require.NoError(t, s.Save(&Session{SessionID: "sess-1", Role: RoleSubject}))
	time.Sleep(20 * time.Millisecond)

	_, err := s.Get("sess-1")
	assert.ErrorIs(t, err, ErrNotFound, "stale session should be treated as gone")
}

func TestMemoryStoreTouchKeepsAlive(t *testing.T) {
	s := NewMemoryStore(WithMaxAge(50*time.Millisecond), WithCleanupInterval(time.Hour))
	defer s.Close()

	require.NoError(t, s.Save(&Session{SessionID: "sess-1", Role: RoleSubject}))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Touch("sess-1", time.Now()))
	time.Sleep(30 * time.Millisecond)

	_, err := s.Get("sess-1")
	assert.NoError(t, err)
}

func TestDispatcherSerializesPerSession(t *testing.T) {
	d := NewDispatcher(16)
	ctx := context.Background()

	var mu sync.Mutex
	order := make([]int, 0, 10)
	inLane := 0
	maxInLane := 0

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			<-start
			_ = d.Do(ctx, "same-session", func() error {
				mu.Lock()
				inLane++
				if inLane > maxInLane {
					maxInLane = inLane
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inLane--
				mu.Unlock()
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, maxInLane, "same session must never process two messages at once")
	assert.Len(t, order, 10)
}

// waitForQueueDepth polls until the session's lane holds depth queued
// messages, so tests can build a queue in a known order.
func waitForQueueDepth(t *testing.T, d *Dispatcher, sessionID string, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		refs := 0
		if l := d.lanes[sessionID]; l != nil {
			refs = l.refs
		}
		d.mu.Unlock()
		if refs >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("lane %s never reached queue depth %d", sessionID, depth)
}

func TestDispatcherLaneIsFIFO(t *testing.T) {
	d := NewDispatcher(16)
	ctx := context.Background()

	release := make(chan struct{})
	headRunning := make(chan struct{})
	go func() {
		_ = d.Do(ctx, "s", func() error {
			close(headRunning)
			<-release
			return nil
		})
	}()
	<-headRunning

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = d.Do(ctx, "s", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		waitForQueueDepth(t, d, "s", i+2)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order,
		"messages queued behind a running head must run in enqueue order")
}

func TestDispatcherCancelledWaiterDoesNotStallLane(t *testing.T) {
	d := NewDispatcher(16)

	release := make(chan struct{})
	headRunning := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), "s", func() error {
			close(headRunning)
			<-release
			return nil
		})
	}()
	<-headRunning

	waiterCtx, cancelWaiter := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		waiterErr <- d.Do(waiterCtx, "s", func() error { return nil })
	}()
	waitForQueueDepth(t, d, "s", 2)

	ran := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), "s", func() error {
			close(ran)
			return nil
		})
	}()
	waitForQueueDepth(t, d, "s", 3)

	cancelWaiter()
	assert.ErrorIs(t, <-waiterErr, context.Canceled)

	// The cancelled waiter's slot must not pass while the head still runs.
	select {
	case <-ran:
		t.Fatal("successor ran while the head still held the lane")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("successor never ran after a queued waiter was cancelled")
	}
}

func TestDispatcherQueuedWaitersHoldNoWorkerSlots(t *testing.T) {
	d := NewDispatcher(2)

	release := make(chan struct{})
	headRunning := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), "hot", func() error {
			close(headRunning)
			<-release
			return nil
		})
	}()
	<-headRunning

	// Pile three waiters onto the hot session; they are queued, not
	// running, so the second worker slot must stay free.
	for i := 0; i < 3; i++ {
		go func() {
			_ = d.Do(context.Background(), "hot", func() error { return nil })
		}()
		waitForQueueDepth(t, d, "hot", i+2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := d.Do(ctx, "other", func() error { return nil })
	assert.NoError(t, err, "one hot session must not starve other sessions of workers")

	close(release)
}

func TestDispatcherSessionsRunConcurrently(t *testing.T) {
	d := NewDispatcher(16)
	ctx := context.Background()

	var mu sync.Mutex
	concurrent := 0
	peak := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_ = d.Do(ctx, id, func() error {
				mu.Lock()
				concurrent++
				if concurrent > peak {
					peak = concurrent
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				concurrent--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Greater(t, peak, 1, "distinct sessions should overlap")
}

func TestDispatcherHonorsContextCancellation(t *testing.T) {
	d := NewDispatcher(1)

	blocker := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), "s1", func() error {
			<-blocker
			return nil
		})
	}()

	// Give the blocker time to take the only worker slot.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Do(ctx, "s2", func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocker)
}
