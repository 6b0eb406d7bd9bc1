package risk

// local.go - local ML-based crisis classification using Hugot/ONNX
//
// Runs a text-classification model fully locally - no external API calls.
// Used as the second layer when the remote scoring model is unavailable,
// ahead of the rule-based fallback.
//
// Build:
// - Standard: go build (uses Go backend, slower but no dependencies)
// - With ORT: go build -tags ORT (uses ONNX Runtime, faster)

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

// LocalClassifier provides local ONNX-based crisis classification.
// It gracefully degrades: if the model or runtime is unavailable the
// classifier reports not-ready and the cascade skips it.
type LocalClassifier struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.RWMutex
	config   LocalModelConfig
	ready    bool
}

// LocalModelConfig configures the local classifier.
type LocalModelConfig struct {
	// ModelPath is the local path to the ONNX model directory.
	ModelPath string

	// OnnxLibraryPath is the path to libonnxruntime.so. When empty the
	// pure-Go backend is used.
	OnnxLibraryPath string

	// BatchSize is the maximum batch size for inference (default: 32).
	BatchSize int

	// Timeout is the maximum time for a single inference call.
	Timeout time.Duration
}

// DefaultLocalModelConfig returns the local model configuration for the
// given model directory; an empty path falls back to the bundled
// location.
func DefaultLocalModelConfig(path string) LocalModelConfig {
	if path == "" {
		path = "./models/crisis-classifier"
	}
	return LocalModelConfig{
		ModelPath:       path,
		OnnxLibraryPath: defaultOnnxPath(),
		BatchSize:       32,
		Timeout:         3 * time.Second,
	}
}

func defaultOnnxPath() string {
	if p := os.Getenv("ONNX_LIBRARY_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("/usr/lib/libonnxruntime.so"); err == nil {
		return "/usr/lib/libonnxruntime.so"
	}
	return ""
}

// NewLocalClassifier creates and initializes the local classifier.
func NewLocalClassifier(cfg LocalModelConfig) (*LocalClassifier, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	lc := &LocalClassifier{config: cfg}
	if err := lc.initialize(); err != nil {
		return nil, fmt.Errorf("local classifier initialization failed: %w", err)
	}
	return lc, nil
}

// NewLocalClassifierWithFallback creates a classifier that degrades
// gracefully on failure: a not-ready instance is returned instead of an
// error so the cascade can skip it.
func NewLocalClassifierWithFallback(cfg LocalModelConfig) *LocalClassifier {
	lc, err := NewLocalClassifier(cfg)
	if err != nil {
		log.Printf("[RISK] Local classifier unavailable (graceful degradation): %v", err)
		return &LocalClassifier{config: cfg}
	}
	return lc
}

func (lc *LocalClassifier) initialize() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, err := os.Stat(filepath.Join(lc.config.ModelPath, "model.onnx")); err != nil {
		return fmt.Errorf("no model found at %s: %w", lc.config.ModelPath, err)
	}

	session, err := lc.createSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	lc.session = session

	pipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: lc.config.ModelPath,
		Name:      "crisis-classifier",
	})
	if err != nil {
		_ = lc.session.Destroy()
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	lc.pipeline = pipeline
	lc.ready = true
	log.Printf("[RISK] Local classifier initialized (model: %s)", lc.config.ModelPath)
	return nil
}

func (lc *LocalClassifier) createSession() (*hugot.Session, error) {
	// Prefer the ONNX Runtime backend when the shared library is present.
	if lc.config.OnnxLibraryPath != "" {
		session, err := hugot.NewORTSession(
			options.WithOnnxLibraryPath(lc.config.OnnxLibraryPath),
		)
		if err == nil {
			return session, nil
		}
		log.Printf("[RISK] ONNX Runtime unavailable, using Go backend: %v", err)
	}
	return hugot.NewGoSession()
}

// IsReady returns true if the classifier is initialized and ready.
func (lc *LocalClassifier) IsReady() bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.ready
}

// crisisLabelScore maps a model label + confidence to a 0-1 risk score.
// Label conventions vary by model; "crisis"/"LABEL_1" mark the positive
// class. A confident safe read still leaves a small residual score so the
// threshold mapping, not the model, decides the level.
func crisisLabelScore(label string, confidence float64) float64 {
	switch label {
	case "crisis", "CRISIS", "LABEL_1", "high_risk":
		return confidence
	default:
		return 1 - confidence
	}
}

// Classify runs local inference on the message text.
func (lc *LocalClassifier) Classify(ctx context.Context, sessionID, text string, contextWindow []string) (*Assessment, error) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	if !lc.ready || lc.pipeline == nil {
		return nil, fmt.Errorf("local classifier not ready")
	}

	start := time.Now()
	result, err := lc.pipeline.RunPipeline([]string{text})
	if err != nil {
		return nil, fmt.Errorf("local inference failed: %w", err)
	}
	if len(result.ClassificationOutputs) == 0 || len(result.ClassificationOutputs[0]) == 0 {
		return nil, fmt.Errorf("local inference returned no output")
	}

	out := result.ClassificationOutputs[0][0]
	score := crisisLabelScore(out.Label, float64(out.Score))

	return &Assessment{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Level:        LevelForScore(score),
		Score:        score,
		Factors:      []string{"local_model:" + out.Label},
		ClassifiedAt: time.Now().UTC(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// Close releases the ONNX session.
func (lc *LocalClassifier) Close() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.ready = false
	if lc.session != nil {
		return lc.session.Destroy()
	}
	return nil
}
