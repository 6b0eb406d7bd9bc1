package cases

import (
	"sync"
	"time"

	"github.com/steadycare/harbor/pkg/risk"
	"github.com/steadycare/harbor/pkg/sla"
)

// AlertKind labels a lifecycle alert.
type AlertKind string

const (
	AlertSLAWarning  AlertKind = "sla_warning"
	AlertSLABreach   AlertKind = "sla_breach"
	AlertNoResponder AlertKind = "no_responder_available"
	AlertReassigned  AlertKind = "case_reassigned"
)

// Alert is a notification about a case crossing a lifecycle threshold.
type Alert struct {
	Kind        AlertKind      `json:"kind"`
	CaseID      string         `json:"case_id"`
	SessionID   string         `json:"session_id"`
	Severity    risk.Level     `json:"severity"`
	ResponderID string         `json:"responder_id,omitempty"`
	Flag        sla.BreachFlag `json:"flag,omitempty"`
	At          time.Time      `json:"at"`
}

// AlertBus fans alerts out to a single consumer over a bounded channel.
// When the consumer falls behind, the oldest alert is dropped to make
// room; alert publication never blocks case processing.
type AlertBus struct {
	mu      sync.Mutex
	ch      chan Alert
	dropped uint64
}

// NewAlertBus creates a bus with the given buffer size.
func NewAlertBus(size int) *AlertBus {
	if size <= 0 {
		size = 64
	}
	return &AlertBus{ch: make(chan Alert, size)}
}

// Publish enqueues an alert, evicting the oldest entry if the buffer is
// full.
func (b *AlertBus) Publish(a Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		select {
		case b.ch <- a:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped++
		default:
		}
	}
}

// Events returns the receive side of the bus.
func (b *AlertBus) Events() <-chan Alert {
	return b.ch
}

// Dropped returns how many alerts were evicted unread.
func (b *AlertBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
