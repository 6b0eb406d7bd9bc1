// Package session tracks conversation sessions for the triage gateway.
//
// A session ties an ongoing conversation to an irreversible hash of the
// end-user identity. The raw identity never enters this package; callers
// hash it with SubjectHash before the session record is created, and the
// hash is never logged or released through analytics.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Role identifies who is speaking in a session.
type Role string

const (
	RoleSubject   Role = "subject"   // the end user receiving support
	RoleOperator  Role = "operator"  // service operator (analytics, actions)
	RoleResponder Role = "responder" // human responder handling cases
)

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSubject, RoleOperator, RoleResponder:
		return true
	default:
		return false
	}
}

// Session is one ongoing conversation. Immutable after creation except
// for LastSeenAt, which the store maintains for retention cleanup.
type Session struct {
	SessionID   string    `json:"session_id"`
	SubjectHash string    `json:"subject_hash"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// SubjectHash derives the irreversible subject identifier from a raw
// identity. SHA-256 with a deployment-scoped salt; the raw identity is
// discarded immediately after hashing.
func SubjectHash(rawIdentity, salt string) string {
	sum := sha256.Sum256([]byte(salt + ":" + rawIdentity))
	return hex.EncodeToString(sum[:])
}

// ErrNotFound is returned by stores when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is pluggable session storage. The in-memory store suits
// single-node deployments; the Redis store is for distributed ones.
type Store interface {
	// Get retrieves a session by ID. Returns ErrNotFound if absent.
	Get(sessionID string) (*Session, error)

	// Save creates or updates a session.
	Save(s *Session) error

	// Touch updates LastSeenAt so retention cleanup keeps active
	// sessions alive.
	Touch(sessionID string, at time.Time) error

	// Delete removes a session.
	Delete(sessionID string) error

	// Close releases store resources.
	Close() error
}
