// Package router maps task assignee identities to AI backends. The registry
// lives in a repository-resident YAML file so operators can retarget an
// identity to a different vendor or model without redeploying.
package router

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"relay/pkg/backend"
	"relay/pkg/backend/anthropic"
	"relay/pkg/backend/gemini"
	"relay/pkg/backend/openai"
	"relay/pkg/backend/selfhosted"
	"relay/pkg/config"
	"relay/pkg/logx"
	"relay/pkg/sandbox"
)

// Entry is one identity's backend binding.
type Entry struct {
	Backend      string   `yaml:"backend"` // anthropic, openai, gemini, selfhosted
	Model        string   `yaml:"model"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	MaxTurns     int      `yaml:"max_turns,omitempty"`    // Override global budget
	MaxCostUSD   float64  `yaml:"max_cost_usd,omitempty"` // Override global budget
}

// Pattern routes identities by suffix when no exact entry matches. The
// canonical use is sending every "*-local" identity to the self-hosted runtime.
type Pattern struct {
	Suffix  string `yaml:"suffix"`
	Backend string `yaml:"backend"`
	Model   string `yaml:"model,omitempty"`
}

// Registry is the parsed backend registry file.
type Registry struct {
	Default    Entry            `yaml:"default"`
	Identities map[string]Entry `yaml:"identities"`
	Patterns   []Pattern        `yaml:"patterns,omitempty"`
}

// builtinRegistry is used when no registry file exists: a single Anthropic
// identity named "relay".
func builtinRegistry() *Registry {
	return &Registry{
		Default: Entry{
			Backend: config.ProviderAnthropic,
			Model:   config.ModelClaudeSonnetLatest,
		},
		Identities: map[string]Entry{
			"relay": {
				Backend: config.ProviderAnthropic,
				Model:   config.ModelClaudeSonnetLatest,
			},
		},
	}
}

// LoadRegistry reads the registry file. A missing file yields the builtin
// single-identity registry rather than an error.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return builtinRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backend registry %s: %w", path, err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse backend registry %s: %w", path, err)
	}
	if reg.Identities == nil {
		reg.Identities = make(map[string]Entry)
	}
	if err := reg.validate(); err != nil {
		return nil, fmt.Errorf("invalid backend registry %s: %w", path, err)
	}
	return &reg, nil
}

// validate checks every entry names a known backend.
func (r *Registry) validate() error {
	check := func(where, name string) error {
		switch name {
		case config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGemini, config.ProviderSelfHosted:
			return nil
		case "":
			return fmt.Errorf("%s: backend cannot be empty", where)
		default:
			return fmt.Errorf("%s: unknown backend %q", where, name)
		}
	}

	if err := check("default", r.Default.Backend); err != nil {
		return err
	}
	for identity := range r.Identities {
		entry := r.Identities[identity]
		if err := check("identity "+identity, entry.Backend); err != nil {
			return err
		}
	}
	for i := range r.Patterns {
		if r.Patterns[i].Suffix == "" {
			return fmt.Errorf("pattern %d: suffix cannot be empty", i)
		}
		if err := check("pattern "+r.Patterns[i].Suffix, r.Patterns[i].Backend); err != nil {
			return err
		}
	}
	return nil
}

// AgentIdentities returns the set of identities this process answers for.
// The state reconstructor uses it to tell agent comments from human ones.
func (r *Registry) AgentIdentities() map[string]bool {
	out := make(map[string]bool, len(r.Identities)+1)
	for identity := range r.Identities {
		out[identity] = true
	}
	return out
}

// Resolve returns the entry for an assignee identity: exact match first,
// then suffix patterns, then the default. ok is false only when the identity
// is empty.
func (r *Registry) Resolve(assignee string) (Entry, bool) {
	if assignee == "" {
		return Entry{}, false
	}
	if entry, ok := r.Identities[assignee]; ok {
		return entry, true
	}
	for i := range r.Patterns {
		p := &r.Patterns[i]
		if strings.HasSuffix(assignee, p.Suffix) {
			entry := Entry{Backend: p.Backend, Model: p.Model}
			if entry.Model == "" {
				entry.Model = defaultModelFor(p.Backend)
			}
			return entry, true
		}
	}
	return r.Default, true
}

// defaultModelFor returns the flagship model for a backend.
func defaultModelFor(provider string) string {
	switch provider {
	case config.ProviderOpenAI:
		return config.ModelGPT5
	case config.ProviderGemini:
		return config.ModelGeminiPro
	case config.ProviderSelfHosted:
		return config.ModelSelfHostedDefault
	default:
		return config.ModelClaudeSonnetLatest
	}
}

// Router builds per-task backend adapters from the registry and the loaded
// configuration.
type Router struct {
	cfg      config.Config
	registry *Registry
	observer backend.Observer
	logger   *logx.Logger
}

// New creates a router over a loaded registry.
func New(cfg config.Config, registry *Registry) *Router {
	return &Router{
		cfg:      cfg,
		registry: registry,
		logger:   logx.NewLogger("router"),
	}
}

// WithObserver attaches a metrics observer passed down to every engine.
func (r *Router) WithObserver(obs backend.Observer) *Router {
	r.observer = obs
	return r
}

// Registry returns the loaded registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// ResolveConfig merges the global budget with any per-identity overrides.
func (r *Router) ResolveConfig(entry *Entry) backend.Config {
	cfg := backend.Config{
		Model:       entry.Model,
		MaxTurns:    r.cfg.Budget.MaxTurns,
		MaxCostUSD:  r.cfg.Budget.MaxCostUSD,
		Timeout:     time.Duration(r.cfg.Budget.TimeoutSeconds) * time.Second,
		Temperature: 0.2,
		MaxTokens:   8192,
	}
	if entry.Model == "" {
		cfg.Model = defaultModelFor(entry.Backend)
	}
	if entry.MaxTurns > 0 {
		cfg.MaxTurns = entry.MaxTurns
	}
	if entry.MaxCostUSD > 0 {
		cfg.MaxCostUSD = entry.MaxCostUSD
	}
	if info := config.ModelInfoFor(cfg.Model); info.MaxOutputTokens > 0 && cfg.MaxTokens > info.MaxOutputTokens {
		cfg.MaxTokens = info.MaxOutputTokens
	}
	return cfg
}

// AdapterFor resolves an assignee identity to a ready-to-run adapter bound to
// the given workspace. The raw vendor client is wrapped in the retry
// middleware before the engine sees it.
func (r *Router) AdapterFor(assignee, taskID string, ws *sandbox.Workspace) (backend.Adapter, backend.Config, error) {
	entry, ok := r.registry.Resolve(assignee)
	if !ok {
		return nil, backend.Config{}, fmt.Errorf("cannot route task %s: empty assignee", taskID)
	}

	resolved := r.ResolveConfig(&entry)

	client, err := r.newClient(entry.Backend, resolved.Model)
	if err != nil {
		return nil, backend.Config{}, err
	}

	r.logger.Info("routed %s -> %s/%s for task %s", assignee, entry.Backend, resolved.Model, taskID)

	engine := backend.NewEngine(backend.NewRetryableClient(client), ws, taskID)
	if r.observer != nil {
		engine = engine.WithObserver(r.observer)
	}
	if r.cfg.Prompts.PlanningSystem != "" {
		engine.PlanningPrompt = r.cfg.Prompts.PlanningSystem
	}
	if r.cfg.Prompts.ExecutionSystem != "" {
		engine.ExecutionPrompt = r.cfg.Prompts.ExecutionSystem
	}
	return engine, resolved, nil
}

// newClient constructs the raw vendor client for a backend name.
func (r *Router) newClient(provider, model string) (backend.LLMClient, error) {
	switch provider {
	case config.ProviderAnthropic:
		if r.cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set for backend %s", provider)
		}
		return anthropic.NewClaudeClientWithModel(r.cfg.AnthropicAPIKey, model), nil
	case config.ProviderOpenAI:
		if r.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set for backend %s", provider)
		}
		return openai.NewClientWithModel(r.cfg.OpenAIAPIKey, model), nil
	case config.ProviderGemini:
		if r.cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set for backend %s", provider)
		}
		return gemini.NewGeminiClientWithModel(r.cfg.GeminiAPIKey, model), nil
	case config.ProviderSelfHosted:
		host := r.cfg.OllamaHost
		if host == "" {
			host = "http://localhost:11434"
		}
		return selfhosted.NewClientWithModel(host, model), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", provider)
	}
}
