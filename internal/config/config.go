package config

import (
	"fmt"
	"sort"
	"strings"
)

// Config is the main Kirana configuration.
type Config struct {
	// Data directory for persisted state (sessions, profile usage, cron jobs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path for memory files
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Agent behavior
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Models and provider credentials
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Credential profiles and cooldown policy
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Tool gating
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Message shaping
	Messages MessagesConfig `json:"messages" mapstructure:"messages"`

	// Scheduled reminders
	Cron CronConfig `json:"cron" mapstructure:"cron"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// AgentConfig configures the iteration loop.
type AgentConfig struct {
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	MemoryWindow  int     `json:"memory_window" mapstructure:"memory_window"`
}

// ModelsConfig holds the model selection and base provider credentials.
type ModelsConfig struct {
	Default   string                    `json:"default" mapstructure:"default"`
	Fallbacks []string                  `json:"fallbacks" mapstructure:"fallbacks"`
	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers"`
	// FamilyByModel resolves the provider family for model names that do
	// not follow the "family/model" convention.
	FamilyByModel map[string]string `json:"family_by_model" mapstructure:"family_by_model"`
}

// ProviderConfig is the base credential for one provider family.
type ProviderConfig struct {
	APIKey       string            `json:"api_key" mapstructure:"api_key"`
	APIBase      string            `json:"api_base" mapstructure:"api_base"`
	ExtraHeaders map[string]string `json:"extra_headers" mapstructure:"extra_headers"`
}

// AuthConfig holds credential profiles used for rotation when the base
// credential fails.
type AuthConfig struct {
	Profiles  map[string]ProfileConfig `json:"profiles" mapstructure:"profiles"`
	Order     map[string][]string      `json:"order" mapstructure:"order"`
	Cooldowns CooldownConfig           `json:"cooldowns" mapstructure:"cooldowns"`
}

// ProfileConfig is one alternate credential for a provider family.
type ProfileConfig struct {
	Provider     string            `json:"provider" mapstructure:"provider"`
	APIKey       string            `json:"api_key" mapstructure:"api_key"`
	APIBase      string            `json:"api_base" mapstructure:"api_base"`
	ExtraHeaders map[string]string `json:"extra_headers" mapstructure:"extra_headers"`
	Disabled     bool              `json:"disabled" mapstructure:"disabled"`
}

// CooldownConfig is the reason-dependent profile cooldown policy. Model
// cooldowns are fixed; profile cooldowns are configurable because billing
// recovery windows differ wildly between providers.
type CooldownConfig struct {
	FailureWindowHours            float64            `json:"failure_window_hours" mapstructure:"failure_window_hours"`
	BillingBackoffHours           float64            `json:"billing_backoff_hours" mapstructure:"billing_backoff_hours"`
	BillingMaxHours               float64            `json:"billing_max_hours" mapstructure:"billing_max_hours"`
	BillingBackoffHoursByProvider map[string]float64 `json:"billing_backoff_hours_by_provider" mapstructure:"billing_backoff_hours_by_provider"`
}

// ToolsConfig gates optional tools and shapes tool error reporting.
type ToolsConfig struct {
	OptionalAllowlist []string `json:"optional_allowlist" mapstructure:"optional_allowlist"`
	SuppressErrors    bool     `json:"suppress_errors" mapstructure:"suppress_errors"`
}

// MessagesConfig shapes the messages the loop synthesizes.
type MessagesConfig struct {
	AfterToolResultsPrompt string `json:"after_tool_results_prompt" mapstructure:"after_tool_results_prompt"`
	ResponsePrefix         string `json:"response_prefix" mapstructure:"response_prefix"`
	NativeCommands         bool   `json:"native_commands" mapstructure:"native_commands"`
}

// CronConfig configures the reminder scheduler.
type CronConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxIterations: 20,
			MemoryWindow:  50,
		},
		Models: ModelsConfig{
			Default: "anthropic/claude-sonnet-4-5",
		},
		Auth: AuthConfig{
			Cooldowns: CooldownConfig{
				FailureWindowHours:  24,
				BillingBackoffHours: 5,
				BillingMaxHours:     24,
			},
		},
		Messages: MessagesConfig{
			NativeCommands: true,
		},
		Metrics: MetricsConfig{
			Host: "127.0.0.1",
			Port: 9465,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// ProviderFamily resolves the provider family for a model name: the
// "family/model" prefix convention wins, then the family_by_model table.
func (c *Config) ProviderFamily(model string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		return strings.TrimSpace(model[:idx])
	}
	if family, ok := c.Models.FamilyByModel[model]; ok {
		return strings.TrimSpace(family)
	}
	return ""
}

// ProfileOrder returns the ordered credential-profile ids for a family:
// the configured explicit order first, then any remaining enabled profiles
// of that family in lexical order for determinism.
func (c *Config) ProfileOrder(family string) []string {
	if family == "" {
		return nil
	}

	out := []string{}
	seen := map[string]bool{}

	usable := func(id string) bool {
		p, ok := c.Auth.Profiles[id]
		return ok && !p.Disabled && strings.TrimSpace(p.Provider) == family
	}

	for _, id := range c.Auth.Order[family] {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || !usable(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}

	rest := []string{}
	for id := range c.Auth.Profiles {
		if !seen[id] && usable(id) {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Models.Default) == "" {
		return fmt.Errorf("models.default is required")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return fmt.Errorf("agent.temperature must be between 0 and 2")
	}
	if c.Agent.MaxTokens < 0 {
		return fmt.Errorf("agent.max_tokens cannot be negative")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Agent.MemoryWindow <= 0 {
		return fmt.Errorf("agent.memory_window must be positive")
	}
	for id, profile := range c.Auth.Profiles {
		if strings.TrimSpace(profile.Provider) == "" {
			return fmt.Errorf("auth.profiles.%s: provider is required", id)
		}
	}
	for family, order := range c.Auth.Order {
		for _, id := range order {
			if _, ok := c.Auth.Profiles[id]; !ok {
				return fmt.Errorf("auth.order.%s references unknown profile %q", family, id)
			}
		}
	}
	return nil
}
