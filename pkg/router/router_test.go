package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/config"
)

func testRegistry() *Registry {
	return &Registry{
		Default: Entry{Backend: config.ProviderAnthropic, Model: config.ModelClaudeSonnetLatest},
		Identities: map[string]Entry{
			"relay":     {Backend: config.ProviderAnthropic, Model: config.ModelClaudeSonnetLatest},
			"relay-gpt": {Backend: config.ProviderOpenAI, Model: config.ModelGPT5, MaxTurns: 40},
		},
		Patterns: []Pattern{
			{Suffix: "-local", Backend: config.ProviderSelfHosted},
		},
	}
}

func TestResolveExactMatch(t *testing.T) {
	entry, ok := testRegistry().Resolve("relay-gpt")
	require.True(t, ok)
	assert.Equal(t, config.ProviderOpenAI, entry.Backend)
	assert.Equal(t, 40, entry.MaxTurns)
}

func TestResolveSuffixPattern(t *testing.T) {
	entry, ok := testRegistry().Resolve("coder-local")
	require.True(t, ok)
	assert.Equal(t, config.ProviderSelfHosted, entry.Backend)
	// Patterns without a model fall back to the backend's default.
	assert.Equal(t, config.ModelSelfHostedDefault, entry.Model)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	entry, ok := testRegistry().Resolve("someone-new")
	require.True(t, ok)
	assert.Equal(t, config.ProviderAnthropic, entry.Backend)
}

func TestResolveEmptyAssignee(t *testing.T) {
	_, ok := testRegistry().Resolve("")
	assert.False(t, ok)
}

func TestAgentIdentities(t *testing.T) {
	ids := testRegistry().AgentIdentities()
	assert.True(t, ids["relay"])
	assert.True(t, ids["relay-gpt"])
	assert.False(t, ids["alice"])
}

func TestLoadRegistryMissingFileYieldsBuiltin(t *testing.T) {
	reg, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, reg.AgentIdentities()["relay"])
	_, ok := reg.Resolve("relay")
	assert.True(t, ok)
}

func TestLoadRegistryFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	content := `default:
  backend: anthropic
  model: ` + config.ModelClaudeSonnetLatest + `
identities:
  helper:
    backend: openai
    model: ` + config.ModelGPT5 + `
    max_cost_usd: 2.5
patterns:
  - suffix: "-local"
    backend: selfhosted
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	entry, ok := reg.Resolve("helper")
	require.True(t, ok)
	assert.Equal(t, config.ProviderOpenAI, entry.Backend)
	assert.InDelta(t, 2.5, entry.MaxCostUSD, 0.001)
}

func TestLoadRegistryRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	content := `default:
  backend: skynet
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestResolveConfigMergesOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	r := New(cfg, testRegistry())

	entry := Entry{Backend: config.ProviderOpenAI, Model: config.ModelGPT5, MaxTurns: 40, MaxCostUSD: 2.0}
	resolved := r.ResolveConfig(&entry)
	assert.Equal(t, 40, resolved.MaxTurns)
	assert.InDelta(t, 2.0, resolved.MaxCostUSD, 0.001)

	// No overrides: the global budget applies.
	plain := Entry{Backend: config.ProviderAnthropic, Model: config.ModelClaudeSonnetLatest}
	resolved = r.ResolveConfig(&plain)
	assert.Equal(t, cfg.Budget.MaxTurns, resolved.MaxTurns)
	assert.InDelta(t, cfg.Budget.MaxCostUSD, resolved.MaxCostUSD, 0.001)
}

func TestResolveConfigCapsTokensToModelCeiling(t *testing.T) {
	r := New(config.DefaultConfig(), testRegistry())
	entry := Entry{Backend: config.ProviderAnthropic, Model: config.ModelClaudeSonnetLatest}
	resolved := r.ResolveConfig(&entry)

	info := config.ModelInfoFor(resolved.Model)
	if info.MaxOutputTokens > 0 {
		assert.LessOrEqual(t, resolved.MaxTokens, info.MaxOutputTokens)
	}
}

func TestAdapterForRequiresCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AnthropicAPIKey = "" // explicit: no credentials in tests
	r := New(cfg, testRegistry())

	_, _, err := r.AdapterFor("relay", "task-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}
