package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/steadycare/harbor/pkg/httputil"
	"github.com/steadycare/harbor/pkg/risk"
)

// Generator produces the free-text body of a response. Implementations
// must respect the generate budget (10s); the router treats any error or
// timeout as a signal to fall back to deterministic copy.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// Prompt carries what the generation backend needs to draft a reply.
type Prompt struct {
	Intent    Intent     `json:"intent"`
	Text      string     `json:"text"`
	History   []string   `json:"history,omitempty"`
	RiskLevel risk.Level `json:"risk_level,omitempty"`
	Escalated bool       `json:"escalated"`
}

// HTTPGenerator calls an external text-generation backend.
// Wire contract: POST the Prompt, receive {content}.
type HTTPGenerator struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

var _ Generator = (*HTTPGenerator)(nil)

type generateResponse struct {
	Content string `json:"content"`
}

// NewHTTPGenerator creates a generator backed by the service at endpoint.
func NewHTTPGenerator(endpoint, apiKey string) *HTTPGenerator {
	return &HTTPGenerator{
		client:   httputil.GenerateClient(),
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

// Generate sends the prompt to the backend. The 10s budget is enforced
// by both the shared client and the request context.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, httputil.TierTimeout(httputil.TierGenerate))
	defer cancel()

	payload, err := json.Marshal(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generator request failed: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := httputil.ReadErrorBody(resp.Body)
		return "", fmt.Errorf("generator returned %d: %s", resp.StatusCode, string(body))
	}

	raw, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return "", fmt.Errorf("failed to read generator response: %w", err)
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", fmt.Errorf("failed to decode generator response: %w", err)
	}
	if gr.Content == "" {
		return "", fmt.Errorf("generator returned empty content")
	}
	return gr.Content, nil
}

// Deterministic fallback copy, used whenever the generation backend is
// unavailable or over budget. The escalated variant acknowledges that a
// human is on the way without promising timing.
const (
	fallbackEscalated = "Thank you for telling us. What you shared matters, and a member of our support team is being connected to this conversation now. If you are in immediate danger, please contact your local emergency services."
	fallbackSupport   = "Thank you for reaching out. We're here with you. Could you tell us a little more about what's going on?"
	fallbackOperator  = "The request could not be completed right now. Please retry shortly."
	fallbackResponder = "Case details are temporarily unavailable. Please retry shortly."
)

// fallbackFor picks the deterministic reply for a routing path.
func fallbackFor(role string, escalated bool) string {
	switch role {
	case "operator":
		return fallbackOperator
	case "responder":
		return fallbackResponder
	default:
		if escalated {
			return fallbackEscalated
		}
		return fallbackSupport
	}
}
