// Package config provides configuration loading, validation, and management
// for the relay orchestrator.
//
// Configuration comes from three layers, later layers overriding earlier ones:
//
//  1. Built-in defaults (DefaultConfig) — complete on their own; a repository
//     with no config file at all gets a fully working setup.
//  2. Optional repository-resident JSON file at .relay/config.json. Absence is
//     not an error.
//  3. Environment variables for credentials and runtime overrides.
//
// A single global Config instance is maintained in memory, protected by a
// mutex. GetConfig returns the config BY VALUE so callers cannot mutate shared
// state. All config has to be loaded before the orchestrator starts; a failed
// validation is the only condition under which the process exits non-zero.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"relay/pkg/logx"
)

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config *Config
	mu     sync.RWMutex
	logger *logx.Logger
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// Provider identifiers for backend selection.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderSelfHosted = "selfhosted"
)

// Default model identifiers.
const (
	ModelClaudeSonnetLatest = "claude-sonnet-4-5"
	ModelGPT5               = "gpt-5"
	ModelGeminiPro          = "gemini-2.5-pro"
	ModelSelfHostedDefault  = "qwen2.5-coder:32b"
)

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, gemini, selfhosted)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common
// models. Unknown models fall back to the provider's default pricing.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 400000,
		MaxOutputTokens:  32768,
	},
	"gpt-4.1": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.0,
		OutputCPM:        8.0,
		MaxContextTokens: 1000000,
		MaxOutputTokens:  32768,
	},
	"gemini-2.5-pro": {
		Provider:         ProviderGemini,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 1000000,
		MaxOutputTokens:  65536,
	},
	"qwen2.5-coder:32b": {
		Provider:         ProviderSelfHosted,
		InputCPM:         0,
		OutputCPM:        0,
		MaxContextTokens: 32768,
		MaxOutputTokens:  8192,
	},
}

// BudgetConfig holds resource ceilings for a single phase attempt.
type BudgetConfig struct {
	MaxTurns       int     `json:"max_turns"`        // Iteration ceiling per phase
	MaxCostUSD     float64 `json:"max_cost_usd"`     // Per-task cost ceiling
	TimeoutSeconds int     `json:"timeout_seconds"`  // Wall-clock ceiling per phase
	EscalatedTurns int     `json:"escalated_turns"`  // Raised turn ceiling after approval
	EscalatedCost  float64 `json:"escalated_cost"`   // Raised cost ceiling after approval

	// ApprovalTimeoutSec bounds how long an escalation waits for a human
	// verdict before defaulting to denial.
	ApprovalTimeoutSec int `json:"approval_timeout_seconds"`
}

// PolicyConfig holds the safety policy enforced by the tool sandbox and the
// plan validator. The two components share one source so a path rejected by
// one is rejected by the other.
type PolicyConfig struct {
	ProtectedPaths      []string `json:"protected_paths"`       // Exact, suffix, or glob patterns
	BlockedCommands     []string `json:"blocked_commands"`      // Substrings that reject a shell command
	AllowedCommands     []string `json:"allowed_commands"`      // Substrings checked before the block list
	MaxWriteBytes       int      `json:"max_write_bytes"`       // Content-size ceiling on writes
	MaxFilesPerPlan     int      `json:"max_files_per_plan"`    // Plans above this are truncated
	MinFilesPerPlan     int      `json:"min_files_per_plan"`    // Plans below this are rejected
	MaxToolResults      int      `json:"max_tool_results"`      // Glob/search result cap
	RequireNonEmptyPlan bool     `json:"require_non_empty_plan"`
}

// PromptsConfig allows repository-level prompt overrides.
type PromptsConfig struct {
	PlanningSystem  string `json:"planning_system,omitempty"`
	ExecutionSystem string `json:"execution_system,omitempty"`
}

// DeployConfig holds preview/production deployment settings.
type DeployConfig struct {
	PreviewURL        string   `json:"preview_url,omitempty"`    // Preview-deployment API base URL
	ProductionHook    string   `json:"production_hook,omitempty"` // Production deploy trigger URL
	IOSPathKeywords   []string `json:"ios_path_keywords"`        // Path fragments that mark an iOS-adjacent diff
	AliasHost         string   `json:"alias_host,omitempty"`     // Stable hostname for preview aliasing
	MonitorTimeoutSec int      `json:"monitor_timeout_seconds"`  // Preview monitor max wait
}

// GitConfig holds source-hosting settings.
type GitConfig struct {
	RepoURL       string `json:"repo_url"`       // owner/repo or full URL
	DefaultBranch string `json:"default_branch"` // Base branch for work branches
	BranchPrefix  string `json:"branch_prefix"`  // Prefix for generated work branches
}

// Config is the complete orchestrator configuration.
type Config struct {
	TaskStoreURL    string        `json:"task_store_url"`
	PollInterval    time.Duration `json:"-"`
	PollIntervalSec int           `json:"poll_interval_seconds"`
	SweepEveryN     int           `json:"sweep_every_n_cycles"` // Secondary sweep cadence
	StalenessWindow time.Duration `json:"-"`
	StalenessSec    int           `json:"staleness_window_seconds"`
	Budget          BudgetConfig  `json:"budget"`
	Policy          PolicyConfig  `json:"policy"`
	Prompts         PromptsConfig `json:"prompts"`
	Deploy          DeployConfig  `json:"deploy"`
	Git             GitConfig     `json:"git"`
	BackendRegistry string        `json:"backend_registry"` // Path to assignee→backend YAML
	PrometheusURL   string        `json:"prometheus_url,omitempty"`
	DatabasePath    string        `json:"database_path"`

	// Credentials come from the environment only, never from the config file.
	AnthropicAPIKey string `json:"-"`
	OpenAIAPIKey    string `json:"-"`
	GeminiAPIKey    string `json:"-"`
	OllamaHost      string `json:"-"`
	GitHubToken     string `json:"-"`
	TaskStoreToken  string `json:"-"`
}

// ConfigDirName is the repository-resident directory holding relay files.
const ConfigDirName = ".relay"

// configFileName is the optional override file inside ConfigDirName.
const configFileName = "config.json"

// DefaultConfig returns the complete built-in defaults.
func DefaultConfig() Config {
	return Config{
		PollIntervalSec: 30,
		SweepEveryN:     10,
		StalenessSec:    15 * 60,
		Budget: BudgetConfig{
			MaxTurns:       25,
			MaxCostUSD:     5.0,
			TimeoutSeconds: 600,
			EscalatedTurns: 50,
			EscalatedCost:  15.0,

			ApprovalTimeoutSec: 3600,
		},
		Policy: PolicyConfig{
			ProtectedPaths: []string{
				".env",
				".env.*",
				"**/*.pem",
				"**/*.key",
				"**/id_rsa",
				".github/workflows/**",
				"secrets/**",
			},
			BlockedCommands: []string{
				"rm -rf /",
				"git push --force",
				"git reset --hard",
				"curl | sh",
				"sudo ",
				"chmod 777",
				"> /dev/sd",
				"mkfs",
				"dd if=",
			},
			AllowedCommands: []string{
				"git log",
				"git diff",
				"git status",
			},
			MaxWriteBytes:       512 * 1024,
			MaxFilesPerPlan:     20,
			MinFilesPerPlan:     1,
			MaxToolResults:      100,
			RequireNonEmptyPlan: true,
		},
		Deploy: DeployConfig{
			IOSPathKeywords:   []string{"ios/", ".swift", ".xcodeproj", "Podfile", "fastlane/"},
			MonitorTimeoutSec: 900,
		},
		Git: GitConfig{
			DefaultBranch: "main",
			BranchPrefix:  "relay/",
		},
		BackendRegistry: filepath.Join(ConfigDirName, "backends.yaml"),
		DatabasePath:    filepath.Join(ConfigDirName, "relay.db"),
	}
}

// LoadConfig loads defaults, merges the optional repository config file, and
// applies environment overrides. Must be called once at startup.
func LoadConfig(projectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	cfg := DefaultConfig()

	path := filepath.Join(projectDir, ConfigDirName, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		getLogger().Info("Loaded repository config from %s", path)
	case os.IsNotExist(err):
		getLogger().Info("No repository config at %s, using built-in defaults", path)
	default:
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	cfg.PollInterval = time.Duration(cfg.PollIntervalSec) * time.Second
	cfg.StalenessWindow = time.Duration(cfg.StalenessSec) * time.Second

	if err := cfg.Validate(); err != nil {
		return err
	}

	config = &cfg
	return nil
}

// applyEnvOverrides reads credentials and runtime overrides from the environment.
func applyEnvOverrides(cfg *Config) {
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.OllamaHost = os.Getenv("OLLAMA_HOST")
	cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	cfg.TaskStoreToken = os.Getenv("RELAY_TASK_STORE_TOKEN")

	if v := os.Getenv("RELAY_TASK_STORE_URL"); v != "" {
		cfg.TaskStoreURL = v
	}
	if v := os.Getenv("RELAY_POLL_INTERVAL"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.PollIntervalSec = sec
		}
	}
	// An override that raises a base ceiling past its escalated ceiling
	// lifts the escalated ceiling with it rather than failing validation.
	if v := os.Getenv("RELAY_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Budget.MaxTurns = n
			if cfg.Budget.EscalatedTurns < n {
				cfg.Budget.EscalatedTurns = n
			}
		}
	}
	if v := os.Getenv("RELAY_ESCALATED_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Budget.EscalatedTurns = n
		}
	}
	if v := os.Getenv("RELAY_MAX_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Budget.MaxCostUSD = f
			if cfg.Budget.EscalatedCost < f {
				cfg.Budget.EscalatedCost = f
			}
		}
	}
	if v := os.Getenv("RELAY_ESCALATED_COST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Budget.EscalatedCost = f
		}
	}
	if v := os.Getenv("RELAY_PROMETHEUS_URL"); v != "" {
		cfg.PrometheusURL = v
	}
}

// Validate checks the configuration for internal consistency. It is the only
// gate that may cause a non-zero process exit at startup.
func (c *Config) Validate() error {
	if c.PollIntervalSec <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive, got %d", c.PollIntervalSec)
	}
	if c.Budget.MaxTurns <= 0 {
		return fmt.Errorf("budget.max_turns must be positive, got %d", c.Budget.MaxTurns)
	}
	if c.Budget.EscalatedTurns < c.Budget.MaxTurns {
		return fmt.Errorf("budget.escalated_turns (%d) must be >= budget.max_turns (%d)",
			c.Budget.EscalatedTurns, c.Budget.MaxTurns)
	}
	if c.Policy.MinFilesPerPlan < 0 {
		return fmt.Errorf("policy.min_files_per_plan cannot be negative")
	}
	if c.Policy.MaxFilesPerPlan > 0 && c.Policy.MaxFilesPerPlan < c.Policy.MinFilesPerPlan {
		return fmt.Errorf("policy.max_files_per_plan (%d) must be >= policy.min_files_per_plan (%d)",
			c.Policy.MaxFilesPerPlan, c.Policy.MinFilesPerPlan)
	}
	if c.Policy.MaxWriteBytes <= 0 {
		return fmt.Errorf("policy.max_write_bytes must be positive")
	}
	if c.Git.DefaultBranch == "" {
		return fmt.Errorf("git.default_branch cannot be empty")
	}
	return nil
}

// GetConfig returns a copy of the current configuration.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not loaded - call LoadConfig first")
	}
	return *config, nil
}

// ModelInfoFor returns pricing/context info for a model, falling back to the
// provider's flagship entry for unknown models.
func ModelInfoFor(model string) ModelInfo {
	if info, ok := KnownModels[model]; ok {
		return info
	}
	return ModelInfo{
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	}
}
