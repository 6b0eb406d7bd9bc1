// Package httputil provides shared HTTP utilities with connection pooling
// and safe response handling for the Harbor triage gateway.
package httputil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxResponseSize is the default maximum size for reading HTTP response bodies.
// This prevents OOM from a misbehaving or compromised collaborator service.
const MaxResponseSize = 10 * 1024 * 1024 // 10MB

// Shared transport with optimized connection pooling.
// Safe for concurrent use; reusing TCP connections across requests matters
// because every subject message can fan out to the classifier and the
// generation backend.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TimeoutTier defines the standard timeout budgets for outbound calls.
// The budgets are contracts: callers treat a timeout identically to an
// explicit degraded response from the collaborator.
type TimeoutTier int

const (
	// TierClassify for risk classifier model calls (3s budget)
	TierClassify TimeoutTier = iota
	// TierGenerate for text-generation collaborator calls (10s budget)
	TierGenerate
	// TierAdmin for storage and administrative calls (30s)
	TierAdmin
)

var timeoutDurations = map[TimeoutTier]time.Duration{
	TierClassify: 3 * time.Second,
	TierGenerate: 10 * time.Second,
	TierAdmin:    30 * time.Second,
}

// TierTimeout returns the budget for a tier. Useful when a caller wants a
// context deadline matching the client it is about to use.
func TierTimeout(tier TimeoutTier) time.Duration {
	if d, ok := timeoutDurations[tier]; ok {
		return d
	}
	return timeoutDurations[TierAdmin]
}

// Singleton clients for each timeout tier - initialized once, reused everywhere.
var (
	clientClassify *http.Client
	clientGenerate *http.Client
	clientAdmin    *http.Client
	clientOnce     sync.Once
)

func initClients() {
	clientClassify = &http.Client{
		Timeout:   timeoutDurations[TierClassify],
		Transport: sharedTransport,
	}
	clientGenerate = &http.Client{
		Timeout:   timeoutDurations[TierGenerate],
		Transport: sharedTransport,
	}
	clientAdmin = &http.Client{
		Timeout:   timeoutDurations[TierAdmin],
		Transport: sharedTransport,
	}
}

// Client returns a shared HTTP client for the given timeout tier.
// These clients share a connection pool and should be used instead of
// creating new http.Client instances per request.
func Client(tier TimeoutTier) *http.Client {
	clientOnce.Do(initClients)
	switch tier {
	case TierClassify:
		return clientClassify
	case TierGenerate:
		return clientGenerate
	case TierAdmin:
		return clientAdmin
	default:
		return clientAdmin
	}
}

// ClassifyClient returns the client with the 3s risk-classifier budget.
func ClassifyClient() *http.Client {
	return Client(TierClassify)
}

// GenerateClient returns the client with the 10s generation budget.
func GenerateClient() *http.Client {
	return Client(TierGenerate)
}

// AdminClient returns the client with the 30s storage/admin budget.
func AdminClient() *http.Client {
	return Client(TierAdmin)
}

// ReadResponseBody safely reads an HTTP response body with size limits.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadErrorBody reads the response body for error messages with a smaller
// limit (1MB); error messages shouldn't be large.
func ReadErrorBody(r io.Reader) ([]byte, error) {
	const maxErrorSize = 1 * 1024 * 1024
	return io.ReadAll(io.LimitReader(r, maxErrorSize))
}

// DrainAndClose properly drains and closes an HTTP response body.
// This ensures connection reuse in the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
