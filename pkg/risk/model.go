package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/steadycare/harbor/pkg/httputil"
)

// Classifier is the contract every risk-classification layer implements.
// Implementations must be pure from the caller's perspective: no state
// visible to the router changes as a side effect of classification.
type Classifier interface {
	Classify(ctx context.Context, sessionID, text string, contextWindow []string) (*Assessment, error)
}

// ModelClassifier calls an external risk-scoring model over HTTP.
// The model contract: POST {text, context[]} and receive
// {risk_score, risk_factors[]} back within the classify budget (3s).
// The model internals are opaque; only the wire contract is ours.
type ModelClassifier struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

type modelRequest struct {
	Text    string   `json:"text"`
	Context []string `json:"context,omitempty"`
}

type modelResponse struct {
	RiskScore   float64  `json:"risk_score"`
	RiskFactors []string `json:"risk_factors,omitempty"`
}

// NewModelClassifier creates a classifier backed by the scoring service at
// endpoint. The API key is optional for in-cluster deployments.
func NewModelClassifier(endpoint, apiKey string) *ModelClassifier {
	return &ModelClassifier{
		client:   httputil.ClassifyClient(),
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

// Classify sends the message to the scoring model. The 3s budget is
// enforced twice: by the shared client and by the request context, so a
// caller-supplied longer deadline cannot stretch the classify budget.
func (mc *ModelClassifier) Classify(ctx context.Context, sessionID, text string, contextWindow []string) (*Assessment, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, httputil.TierTimeout(httputil.TierClassify))
	defer cancel()

	payload, err := json.Marshal(modelRequest{Text: text, Context: contextWindow})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mc.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if mc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+mc.apiKey)
	}

	resp, err := mc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := httputil.ReadErrorBody(resp.Body)
		return nil, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, string(body))
	}

	raw, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier response: %w", err)
	}

	var mr modelResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	if mr.RiskScore < 0 || mr.RiskScore > 1 {
		return nil, fmt.Errorf("classifier returned out-of-range score %.3f", mr.RiskScore)
	}

	return &Assessment{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Level:        LevelForScore(mr.RiskScore),
		Score:        mr.RiskScore,
		Factors:      mr.RiskFactors,
		ClassifiedAt: time.Now().UTC(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}
