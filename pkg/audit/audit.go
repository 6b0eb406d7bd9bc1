// Package audit writes an append-only JSONL trail of safety-relevant
// events: every assessment, escalation decision, case transition, and
// degraded classification. Writing is asynchronous and never blocks the
// request path; under sustained backpressure the oldest unwritten event
// is dropped and counted.
package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Kind labels an audit event.
type Kind string

const (
	KindAssessment     Kind = "assessment"
	KindEscalation     Kind = "escalation"
	KindCaseTransition Kind = "case_transition"
	KindDegraded       Kind = "classifier_degraded"
	KindAlert          Kind = "alert"
	KindQuery          Kind = "analytics_query"
)

// Event is one audit record. Details carries event-specific fields;
// subject identities never appear here, only session IDs.
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	CaseID    string         `json:"case_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	At        time.Time      `json:"at"`
}

// Logger accepts audit events.
type Logger interface {
	Record(ev Event)
	Close() error
}

// NopLogger discards everything. Used in tests and when auditing is
// disabled.
type NopLogger struct{}

func (NopLogger) Record(Event) {}

func (NopLogger) Close() error { return nil }

// FileLogger appends JSONL events to a file through a bounded channel
// and a single writer goroutine.
type FileLogger struct {
	ch      chan Event
	f       *os.File
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

var _ Logger = (*FileLogger)(nil)

// NewFileLogger opens (or creates) the trail file and starts the writer.
func NewFileLogger(path string, buffer int) (*FileLogger, error) {
	if buffer <= 0 {
		buffer = 256
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit trail: %w", err)
	}
	l := &FileLogger{ch: make(chan Event, buffer), f: f}
	l.wg.Add(1)
	go l.writeLoop()
	log.Printf("[AUDIT] trail at %s (buffer %d)", path, buffer)
	return l, nil
}

// Record enqueues an event, evicting the oldest queued event when the
// buffer is full.
func (l *FileLogger) Record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for {
		select {
		case l.ch <- ev:
			return
		default:
		}
		select {
		case <-l.ch:
			l.dropped.Add(1)
		default:
		}
	}
}

func (l *FileLogger) writeLoop() {
	defer l.wg.Done()
	enc := json.NewEncoder(l.f)
	for ev := range l.ch {
		if err := enc.Encode(ev); err != nil {
			log.Printf("[AUDIT] write failed: %v", err)
		}
	}
}

// Dropped returns how many events were evicted unwritten.
func (l *FileLogger) Dropped() uint64 {
	return l.dropped.Load()
}

// Close drains the queue and closes the file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	l.wg.Wait()
	return l.f.Close()
}
