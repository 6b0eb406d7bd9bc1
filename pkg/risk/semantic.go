package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/steadycare/harbor/pkg/httputil"
)

// CrisisPhrase is one seeded phrase with metadata for semantic matching.
type CrisisPhrase struct {
	Text     string
	Category Category
	Severity float32 // 0.0-1.0
}

// SemanticDetector uses embedding similarity against a seeded corpus of
// crisis phrasings. It catches paraphrases the regex registry misses and
// feeds the cascade as a secondary signal, never as the sole verdict.
type SemanticDetector struct {
	db         *chromem.DB
	collection *chromem.Collection
	threshold  float32
	mu         sync.RWMutex
	ready      bool
}

// SemanticMatch is the result of a semantic similarity probe.
type SemanticMatch struct {
	Score       float32  `json:"score"`
	Severity    float32  `json:"severity"` // matched phrase severity, 0.0-1.0
	Category    Category `json:"category"`
	MatchedText string   `json:"matched_text"`
	IsSignal    bool     `json:"is_signal"` // True if score >= threshold
}

// Signal is the risk contribution of the match: similarity scaled by the
// matched phrase's severity, so a near-match to mild language scores
// below a looser match to acute language.
func (m *SemanticMatch) Signal() float64 {
	return float64(m.Score) * float64(m.Severity)
}

// NewSemanticDetector creates a detector with embedded vector search,
// using an Ollama-compatible embeddings endpoint.
func NewSemanticDetector(ollamaURL string) (*SemanticDetector, error) {
	db := chromem.NewDB()

	collection, err := db.CreateCollection("crisis_phrases", nil, newOllamaEmbeddingFunc("embeddinggemma", ollamaURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &SemanticDetector{
		db:         db,
		collection: collection,
		threshold:  0.65,
	}, nil
}

// newOllamaEmbeddingFunc creates an embedding function for Ollama's
// /api/embeddings endpoint.
func newOllamaEmbeddingFunc(model, baseURL string) chromem.EmbeddingFunc {
	client := httputil.AdminClient()

	return func(ctx context.Context, text string) ([]float32, error) {
		payload, err := json.Marshal(map[string]string{"model": model, "prompt": text})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/embeddings", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}
		defer httputil.DrainAndClose(resp.Body)

		if resp.StatusCode != http.StatusOK {
			body, _ := httputil.ReadErrorBody(resp.Body)
			return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
		}

		var result struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
		return result.Embedding, nil
	}
}

// seedPhrases is the built-in crisis phrasing corpus. Paraphrase variety
// matters more than volume here: the embedding space does the
// generalization.
func seedPhrases() []CrisisPhrase {
	return []CrisisPhrase{
		{"i don't want to be alive anymore", CategorySelfHarm, 0.95},
		{"everyone would be happier if i just disappeared", CategorySelfHarm, 0.9},
		{"i've been thinking about ending everything", CategorySelfHarm, 0.95},
		{"i keep hurting myself when things get bad", CategorySelfHarm, 0.85},
		{"i have the pills right here in front of me", CategorySelfHarm, 0.95},
		{"i'm going to make them regret what they did to me", CategoryHarmToOthers, 0.85},
		{"sometimes i imagine hurting the people who hurt me", CategoryHarmToOthers, 0.8},
		{"my stepdad gets violent when he drinks", CategoryAbuse, 0.8},
		{"i'm scared of what happens when i go home", CategoryAbuse, 0.75},
		{"i drank way too much again and i can't stop", CategorySubstance, 0.6},
		{"i took more than the bottle says and i feel strange", CategorySubstance, 0.9},
		{"everything feels pointless and it will never get better", CategoryDistress, 0.6},
		{"i'm completely alone and nobody would even notice", CategoryDistress, 0.55},
		{"my chest is tight and i can't catch my breath", CategoryMedical, 0.7},
	}
}

// LoadPhrases embeds the seed corpus into the vector store. Requires the
// embedding backend to be reachable; call at startup with a generous
// timeout and disable the layer on failure.
func (sd *SemanticDetector) LoadPhrases(ctx context.Context) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	phrases := seedPhrases()
	docs := make([]chromem.Document, len(phrases))
	for i, p := range phrases {
		docs[i] = chromem.Document{
			ID:      fmt.Sprintf("phrase_%d", i),
			Content: p.Text,
			Metadata: map[string]string{
				"category": string(p.Category),
				"severity": fmt.Sprintf("%.2f", p.Severity),
			},
		}
	}

	// One worker: embedding sequentially avoids overwhelming the backend.
	if err := sd.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to add phrases: %w", err)
	}

	sd.ready = true
	return nil
}

// IsReady returns true once the phrase corpus is loaded.
func (sd *SemanticDetector) IsReady() bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.ready
}

// SetThreshold updates the similarity threshold.
func (sd *SemanticDetector) SetThreshold(t float32) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.threshold = t
}

// Detect probes the message for similarity to known crisis phrasings.
func (sd *SemanticDetector) Detect(ctx context.Context, text string) (*SemanticMatch, error) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()

	if !sd.ready {
		return nil, fmt.Errorf("semantic detector not initialized - call LoadPhrases first")
	}

	results, err := sd.collection.Query(ctx, strings.ToLower(text), 3, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if len(results) == 0 {
		return &SemanticMatch{}, nil
	}

	best := results[0]
	severity := float32(1.0)
	if s, err := strconv.ParseFloat(best.Metadata["severity"], 32); err == nil {
		severity = float32(s)
	}
	return &SemanticMatch{
		Score:       best.Similarity,
		Severity:    severity,
		Category:    Category(best.Metadata["category"]),
		MatchedText: best.Content,
		IsSignal:    best.Similarity >= sd.threshold,
	}, nil
}
