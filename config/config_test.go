package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "./workspace", cfg.WorkspaceRoot)
	assert.Equal(t, DefaultBudgetUSD, cfg.BudgetUSD)
	assert.Equal(t, DefaultCycleDelay, cfg.CycleDelay.Std())
	assert.Equal(t, DefaultApprovalTimeout, cfg.ApprovalTimeout.Std())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
workspace: /srv/swarm
budget_usd: 5.5
cycle_delay: 500ms
model_rpm:
  gpt-4.1: 20
cascades:
  Developer:
    - gpt-4.1
    - gpt-4.1-mini
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/swarm", cfg.WorkspaceRoot)
	assert.InDelta(t, 5.5, cfg.BudgetUSD, 1e-9)
	assert.Equal(t, 500*time.Millisecond, cfg.CycleDelay.Std())
	assert.Equal(t, 20, cfg.ModelRPM["gpt-4.1"])
	assert.Equal(t, []string{"gpt-4.1", "gpt-4.1-mini"}, cfg.Cascades["Developer"])
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset fields keep their defaults.
	assert.Equal(t, DefaultApprovalTimeout, cfg.ApprovalTimeout.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget_usd: 2.0\nworkspace: /from/file\n"), 0o644))

	t.Setenv("CODESWARM_BUDGET_USD", "9.99")
	t.Setenv("CODESWARM_WORKSPACE", "/from/env")
	t.Setenv("CODESWARM_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 9.99, cfg.BudgetUSD, 1e-9)
	assert.Equal(t, "/from/env", cfg.WorkspaceRoot)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestAPIKeysFromEnvOnly(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := FromEnv()
	assert.Equal(t, "sk-ant-test", cfg.AnthropicAPIKey)
	assert.True(t, cfg.HasProvider())

	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg = FromEnv()
	assert.False(t, cfg.HasProvider())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.WorkspaceRoot = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxConsecutiveErrors = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ApprovalTimeout = 0
	assert.Error(t, cfg.Validate())
}
