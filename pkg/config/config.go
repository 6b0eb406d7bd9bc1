// Package config holds the runtime settings for the Harbor triage
// gateway. Everything can be set via HARBOR_* environment variables; an
// optional YAML file (HARBOR_CONFIG_FILE) provides a base that env vars
// override.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds global settings for the Harbor gateway.
type Config struct {
	// === Core ===
	ListenAddr   string `yaml:"listen_addr"`
	Env          string `yaml:"env"`
	AuditLogPath string `yaml:"audit_log_path"`

	// SubjectHashSalt salts the irreversible subject-identity hash.
	// REQUIRED in production; ephemeral in development.
	SubjectHashSalt string `yaml:"subject_hash_salt"`

	// === Risk classification layers ===
	ClassifierURL    string `yaml:"classifier_url"`     // external scoring model, empty = disabled
	ClassifierAPIKey string `yaml:"classifier_api_key"` //
	EnableLocalModel bool   `yaml:"enable_local_model"` // ONNX classifier fallback layer
	LocalModelPath   string `yaml:"local_model_path"`
	EnableSemantics  bool   `yaml:"enable_semantics"` // embedding similarity layer
	OllamaURL        string `yaml:"ollama_url"`       // embedding backend for semantics

	// === Response generation ===
	GeneratorURL    string `yaml:"generator_url"` // empty = deterministic copy only
	GeneratorAPIKey string `yaml:"generator_api_key"`

	// === Escalation rule ===
	EscalationWindowCount int `yaml:"escalation_window_count"` // moderates needed within the window
	EscalationWindowHours int `yaml:"escalation_window_hours"`

	// === Case lifecycle ===
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	AckGraceMinutes      int `yaml:"ack_grace_minutes"`
	AlertBufferSize      int `yaml:"alert_buffer_size"`

	// === Analytics privacy ===
	GroupSizeMinimum int `yaml:"group_size_minimum"` // k-anonymity threshold
	MaxQueryDays     int `yaml:"max_query_days"`

	// === Storage ===
	PostgresDSN       string        `yaml:"postgres_dsn"` // empty = in-memory store
	RedisAddr         string        `yaml:"redis_addr"`   // empty = in-memory sessions
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	SessionDefaultTTL time.Duration `yaml:"session_ttl"`

	// === Concurrency ===
	MaxWorkers int `yaml:"max_workers"` // bound on concurrent message processing
}

// NewDefaultConfig builds the configuration: built-in defaults, then the
// optional YAML file, then environment overrides.
func NewDefaultConfig() *Config {
	cfg := &Config{
		ListenAddr:            ":8080",
		Env:                   "development",
		AuditLogPath:          "audit_trail.jsonl",
		LocalModelPath:        "./models/crisis-classifier",
		EnableSemantics:       true,
		OllamaURL:             "http://localhost:11434",
		EscalationWindowCount: 3,
		EscalationWindowHours: 24,
		SweepIntervalSeconds:  30,
		AckGraceMinutes:       15,
		AlertBufferSize:       256,
		GroupSizeMinimum:      5,
		MaxQueryDays:          365,
		SessionDefaultTTL:     time.Hour,
		MaxWorkers:            64,
	}

	if path := os.Getenv("HARBOR_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			log.Fatalf("[STARTUP] FATAL: loading config file %s: %v", path, err)
		}
	}
	cfg.applyEnv()

	if cfg.SubjectHashSalt == "" {
		cfg.SubjectHashSalt = ephemeralSalt(cfg.IsProduction())
	}
	return cfg
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, c)
}

func (c *Config) applyEnv() {
	c.ListenAddr = GetEnv("HARBOR_LISTEN_ADDR", c.ListenAddr)
	c.Env = GetEnv("HARBOR_ENV", c.Env)
	c.AuditLogPath = GetEnv("HARBOR_AUDIT_LOG", c.AuditLogPath)
	c.SubjectHashSalt = GetEnv("HARBOR_SUBJECT_SALT", c.SubjectHashSalt)

	c.ClassifierURL = GetEnv("HARBOR_CLASSIFIER_URL", c.ClassifierURL)
	c.ClassifierAPIKey = GetEnv("HARBOR_CLASSIFIER_API_KEY", c.ClassifierAPIKey)
	c.EnableLocalModel = GetEnvBool("HARBOR_ENABLE_LOCAL_MODEL", c.EnableLocalModel)
	c.LocalModelPath = GetEnv("HARBOR_LOCAL_MODEL_PATH", c.LocalModelPath)
	c.EnableSemantics = GetEnvBool("HARBOR_ENABLE_SEMANTICS", c.EnableSemantics)
	c.OllamaURL = GetEnv("HARBOR_OLLAMA_URL", c.OllamaURL)

	c.GeneratorURL = GetEnv("HARBOR_GENERATOR_URL", c.GeneratorURL)
	c.GeneratorAPIKey = GetEnv("HARBOR_GENERATOR_API_KEY", c.GeneratorAPIKey)

	c.EscalationWindowCount = GetEnvInt("HARBOR_ESCALATION_WINDOW_COUNT", c.EscalationWindowCount)
	c.EscalationWindowHours = GetEnvInt("HARBOR_ESCALATION_WINDOW_HOURS", c.EscalationWindowHours)

	c.SweepIntervalSeconds = GetEnvInt("HARBOR_SWEEP_INTERVAL_SECONDS", c.SweepIntervalSeconds)
	c.AckGraceMinutes = GetEnvInt("HARBOR_ACK_GRACE_MINUTES", c.AckGraceMinutes)
	c.AlertBufferSize = GetEnvInt("HARBOR_ALERT_BUFFER", c.AlertBufferSize)

	c.GroupSizeMinimum = GetEnvInt("HARBOR_K_ANONYMITY", c.GroupSizeMinimum)
	c.MaxQueryDays = GetEnvInt("HARBOR_MAX_QUERY_DAYS", c.MaxQueryDays)

	c.PostgresDSN = GetEnv("HARBOR_POSTGRES_DSN", c.PostgresDSN)
	c.RedisAddr = GetEnv("HARBOR_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = GetEnv("HARBOR_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = GetEnvInt("HARBOR_REDIS_DB", c.RedisDB)
	c.SessionDefaultTTL = time.Duration(GetEnvInt("HARBOR_SESSION_TTL_SECONDS", int(c.SessionDefaultTTL/time.Second))) * time.Second

	c.MaxWorkers = clampInt(GetEnvInt("HARBOR_MAX_WORKERS", c.MaxWorkers), 1, 4096)
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// SweepInterval returns the breach-sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// AckGrace returns how long an assignment may sit unacknowledged.
func (c *Config) AckGrace() time.Duration {
	return time.Duration(c.AckGraceMinutes) * time.Minute
}

// EscalationWindow returns the rolling moderate-accumulation span.
func (c *Config) EscalationWindow() time.Duration {
	return time.Duration(c.EscalationWindowHours) * time.Hour
}

// MaxQuerySpan returns the analytics range bound.
func (c *Config) MaxQuerySpan() time.Duration {
	return time.Duration(c.MaxQueryDays) * 24 * time.Hour
}

// ephemeralSalt generates a random salt for development. Session subject
// hashes will not match across restarts without a pinned salt.
func ephemeralSalt(isProduction bool) string {
	log.Printf("[WARN] HARBOR_SUBJECT_SALT not set - using ephemeral salt. Subject hashes will NOT survive restarts. Set HARBOR_SUBJECT_SALT in production!")
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		if isProduction {
			log.Fatalf("[FATAL] crypto/rand failure in production - cannot generate subject hash salt: %v", err)
		}
		log.Printf("[CRITICAL] crypto/rand failure - subject hashing severely compromised: %v", err)
		fallback := make([]byte, 32)
		for i := range fallback {
			fallback[i] = byte((os.Getpid() + time.Now().Nanosecond() + i*31) & 0xFF)
		}
		return hex.EncodeToString(fallback)
	}
	return hex.EncodeToString(b)
}

// NewLocalConfig creates a Config for fully local operation: no external
// classifier or generator, local model and semantics on. Use for
// development and air-gapped deployments.
func NewLocalConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.ClassifierURL = ""
	cfg.GeneratorURL = ""
	cfg.EnableLocalModel = true
	cfg.EnableSemantics = true
	return cfg
}

// NewStrictSafetyConfig tightens the escalation and acknowledgment
// knobs: two moderates in a day escalate and assignments are pulled back
// after five quiet minutes. More cases, faster human contact.
func NewStrictSafetyConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.EscalationWindowCount = 2
	cfg.AckGraceMinutes = 5
	cfg.SweepIntervalSeconds = 10
	return cfg
}

// RequiredSecret defines a required environment variable for startup validation.
type RequiredSecret struct {
	Name        string
	Description string
	Production  bool // required in production only
}

// CriticalSecrets returns the secrets the gateway needs to operate.
func CriticalSecrets() []RequiredSecret {
	return []RequiredSecret{
		{Name: "HARBOR_SUBJECT_SALT", Description: "salt for subject identity hashing (32+ bytes)", Production: true},
		{Name: "HARBOR_API_KEY", Description: "API key for gateway authentication", Production: true},
	}
}

// Validate checks that required configuration is present and coherent.
// Production fails hard on missing secrets; development warns.
func (c *Config) Validate() error {
	var missing []string
	for _, secret := range CriticalSecrets() {
		if os.Getenv(secret.Name) != "" {
			continue
		}
		if secret.Production && !c.IsProduction() {
			log.Printf("[STARTUP] Warning: missing optional secret: %s (%s)", secret.Name, secret.Description)
			continue
		}
		missing = append(missing, secret.Name+" ("+secret.Description+")")
	}
	if c.IsProduction() && len(c.SubjectHashSalt) < 32 {
		missing = append(missing, "HARBOR_SUBJECT_SALT (must be at least 32 characters)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required secrets: %s", strings.Join(missing, ", "))
	}

	if c.EscalationWindowCount < 1 {
		return fmt.Errorf("escalation window count must be at least 1, got %d", c.EscalationWindowCount)
	}
	if c.GroupSizeMinimum < 2 {
		return fmt.Errorf("k-anonymity threshold must be at least 2, got %d", c.GroupSizeMinimum)
	}
	if c.MaxQueryDays < 1 || c.MaxQueryDays > 365 {
		return fmt.Errorf("max query days must be within [1, 365], got %d", c.MaxQueryDays)
	}
	return nil
}

// MustValidate calls Validate and fatally exits on failure. Call at
// startup before serving.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: Configuration validation failed: %v", err)
	}
	log.Println("[STARTUP] Configuration validated successfully")
}

// Helper functions for environment variable parsing.

func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvSlice returns a comma-separated list from an environment variable or a default value.
func GetEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		var parts []string
		for _, p := range strings.Split(v, ",") {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
