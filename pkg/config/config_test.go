package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.EscalationWindowCount)
	assert.Equal(t, 24*time.Hour, cfg.EscalationWindow())
	assert.Equal(t, 5, cfg.GroupSizeMinimum)
	assert.Equal(t, 365, cfg.MaxQueryDays)
	assert.Equal(t, 15*time.Minute, cfg.AckGrace())
	assert.Equal(t, "./models/crisis-classifier", cfg.LocalModelPath)
	assert.NotEmpty(t, cfg.SubjectHashSalt, "an ephemeral salt is generated when unset")
	assert.False(t, cfg.IsProduction())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HARBOR_ESCALATION_WINDOW_COUNT", "2")
	t.Setenv("HARBOR_K_ANONYMITY", "10")
	t.Setenv("HARBOR_SUBJECT_SALT", "0123456789abcdef0123456789abcdef")
	t.Setenv("HARBOR_LISTEN_ADDR", ":9090")

	cfg := NewDefaultConfig()
	assert.Equal(t, 2, cfg.EscalationWindowCount)
	assert.Equal(t, 10, cfg.GroupSizeMinimum)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.SubjectHashSalt)
}

func TestYAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harbor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":7070\"\nack_grace_minutes: 5\n"), 0o644))
	t.Setenv("HARBOR_CONFIG_FILE", path)
	t.Setenv("HARBOR_ACK_GRACE_MINUTES", "7")

	cfg := NewDefaultConfig()
	assert.Equal(t, ":7070", cfg.ListenAddr, "file overrides built-in default")
	assert.Equal(t, 7, cfg.AckGraceMinutes, "env overrides file")
}

func TestValidateDevelopmentAllowsMissingSecrets(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	t.Setenv("HARBOR_ENV", "production")

	cfg := NewDefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HARBOR_API_KEY")
}

func TestValidateBounds(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.EscalationWindowCount = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.GroupSizeMinimum = 1
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.MaxQueryDays = 400
	assert.Error(t, cfg.Validate())
}

func TestProfiles(t *testing.T) {
	local := NewLocalConfig()
	assert.Empty(t, local.ClassifierURL)
	assert.True(t, local.EnableLocalModel)

	strict := NewStrictSafetyConfig()
	assert.Equal(t, 2, strict.EscalationWindowCount)
	assert.Equal(t, 5*time.Minute, strict.AckGrace())
}
