package session

import (
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage.
// Thread-safe, with TTL-based cleanup of idle sessions. Suitable for
// single-node deployments; use RedisStore when running more than one
// gateway instance.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	maxAge          time.Duration // idle TTL before cleanup
	cleanupInterval time.Duration

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// MemoryOption is a functional option for configuring MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxAge sets the idle duration after which sessions are cleaned up.
func WithMaxAge(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.maxAge = d }
}

// WithCleanupInterval sets how often the cleanup routine runs.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupInterval = d }
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions:        make(map[string]*Session),
		maxAge:          24 * time.Hour,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	// Stale sessions are treated as gone; actual removal happens in the
	// cleanup loop.
	if time.Since(sess.LastSeenAt) > s.maxAge {
		return nil, ErrNotFound
	}

	copied := *sess
	return &copied, nil
}

// Save creates or updates a session.
func (s *MemoryStore) Save(sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session is nil")
	}
	if sess.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastSeenAt.IsZero() {
		sess.LastSeenAt = sess.CreatedAt
	}

	copied := *sess
	s.sessions[sess.SessionID] = &copied
	return nil
}

// Touch updates LastSeenAt for retention.
func (s *MemoryStore) Touch(sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.LastSeenAt = at
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastSeenAt) > s.maxAge {
			delete(s.sessions, id)
		}
	}
}

// Stats returns current session store statistics.
func (s *MemoryStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{SessionCount: len(s.sessions)}
}

// StoreStats contains session store statistics.
type StoreStats struct {
	SessionCount int `json:"session_count"`
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
