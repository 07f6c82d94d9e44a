package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(_ *Config) {}, ""},
		{"zero poll interval", func(c *Config) { c.PollIntervalSec = 0 }, "poll_interval_seconds"},
		{"zero max turns", func(c *Config) { c.Budget.MaxTurns = 0 }, "budget.max_turns"},
		{"escalated below base", func(c *Config) { c.Budget.EscalatedTurns = c.Budget.MaxTurns - 1 }, "escalated_turns"},
		{"negative min files", func(c *Config) { c.Policy.MinFilesPerPlan = -1 }, "min_files_per_plan"},
		{"max files below min", func(c *Config) {
			c.Policy.MinFilesPerPlan = 5
			c.Policy.MaxFilesPerPlan = 2
		}, "max_files_per_plan"},
		{"zero write ceiling", func(c *Config) { c.Policy.MaxWriteBytes = 0 }, "max_write_bytes"},
		{"empty default branch", func(c *Config) { c.Git.DefaultBranch = "" }, "default_branch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadConfigMergesRepositoryFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDirName), 0o755))
	override := `{"poll_interval_seconds": 7, "budget": {"max_turns": 3, "escalated_turns": 6, "max_cost_usd": 1, "escalated_cost": 2, "timeout_seconds": 60}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigDirName, configFileName), []byte(override), 0o644))

	require.NoError(t, LoadConfig(dir))
	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.PollIntervalSec)
	assert.Equal(t, 7*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.Budget.MaxTurns)
	// Untouched sections keep their defaults.
	assert.Equal(t, "main", cfg.Git.DefaultBranch)
	assert.NotEmpty(t, cfg.Policy.ProtectedPaths)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	require.NoError(t, LoadConfig(t.TempDir()))
	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().PollIntervalSec, cfg.PollIntervalSec)
	assert.Equal(t, time.Duration(DefaultConfig().StalenessSec)*time.Second, cfg.StalenessWindow)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_TASK_STORE_URL", "https://tasks.example.com")
	t.Setenv("RELAY_POLL_INTERVAL", "5")
	t.Setenv("RELAY_MAX_TURNS", "99")
	t.Setenv("RELAY_MAX_COST_USD", "not-a-number")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	require.NoError(t, LoadConfig(t.TempDir()))
	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://tasks.example.com", cfg.TaskStoreURL)
	assert.Equal(t, 5, cfg.PollIntervalSec)
	assert.Equal(t, 99, cfg.Budget.MaxTurns)
	// Raising the base ceiling past the default escalated ceiling lifts
	// the escalated ceiling with it instead of failing validation.
	assert.Equal(t, 99, cfg.Budget.EscalatedTurns)
	assert.Equal(t, "sk-test", cfg.AnthropicAPIKey)
	// Malformed numeric overrides are ignored, not fatal.
	assert.Equal(t, DefaultConfig().Budget.MaxCostUSD, cfg.Budget.MaxCostUSD)
}

func TestLoadConfigEscalatedOverrides(t *testing.T) {
	t.Setenv("RELAY_MAX_TURNS", "30")
	t.Setenv("RELAY_ESCALATED_TURNS", "80")
	t.Setenv("RELAY_MAX_COST_USD", "20")
	t.Setenv("RELAY_ESCALATED_COST", "45.5")

	require.NoError(t, LoadConfig(t.TempDir()))
	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Budget.MaxTurns)
	assert.Equal(t, 80, cfg.Budget.EscalatedTurns)
	assert.Equal(t, 20.0, cfg.Budget.MaxCostUSD)
	assert.Equal(t, 45.5, cfg.Budget.EscalatedCost)
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigDirName, configFileName), []byte("{not json"), 0o644))
	assert.Error(t, LoadConfig(dir))
}

func TestGetConfigReturnsCopy(t *testing.T) {
	require.NoError(t, LoadConfig(t.TempDir()))
	a, err := GetConfig()
	require.NoError(t, err)
	a.Budget.MaxTurns = 12345

	b, err := GetConfig()
	require.NoError(t, err)
	assert.NotEqual(t, 12345, b.Budget.MaxTurns)
}

func TestModelInfoForUnknownModelFallsBack(t *testing.T) {
	info := ModelInfoFor("some-model-nobody-registered")
	assert.Equal(t, ProviderAnthropic, info.Provider)
	assert.Positive(t, info.InputCPM)
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := map[string]string{"GITHUB_TOKEN": "ghp_abc", "ANTHROPIC_API_KEY": "sk-xyz"}
	require.NoError(t, SaveSecrets(dir, "passphrase", in))
	require.True(t, HasSecretsFile(dir))

	out, err := LoadSecrets(dir, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = LoadSecrets(dir, "wrong")
	assert.Error(t, err)
}

func TestLoadSecretsMissingFile(t *testing.T) {
	out, err := LoadSecrets(t.TempDir(), "whatever")
	require.NoError(t, err)
	assert.Empty(t, out)
}
