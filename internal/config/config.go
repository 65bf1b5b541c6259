// Package config handles configuration loading for Trunkline. It supports a
// project-level trunkline.yaml, user-level config, and environment variable
// overrides, with built-in defaults for every recognized option.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

// Config holds all recognized Trunkline options.
type Config struct {
	Tiers          map[string]TierConfig    `mapstructure:"tiers"`
	Branch         BranchConfig             `mapstructure:"branch"`
	Agents         AgentsConfig             `mapstructure:"agents"`
	AutoCorrection AutoCorrectionConfig     `mapstructure:"auto_correction"`
	// PipelineTimeoutMS aborts a run after this many milliseconds; 0 disables.
	PipelineTimeoutMS int              `mapstructure:"pipeline_timeout_ms"`
	Resilience        ResilienceConfig `mapstructure:"resilience"`
	Director          DirectorConfig   `mapstructure:"director"`
	Cleanup           CleanupConfig    `mapstructure:"cleanup"`
	Adapters          AdaptersConfig   `mapstructure:"adapters"`
	LLMProviders      map[string]ProviderConfig `mapstructure:"llm_providers"`
	DefaultProvider   string                    `mapstructure:"default_provider"`
	FallbackProvider  string                    `mapstructure:"fallback_provider"`
	// WebhookSecret validates inbound VCS webhooks when set.
	WebhookSecret string          `mapstructure:"webhook_secret"`
	Events        EventsConfig    `mapstructure:"events"`
	Reactions     ReactionsConfig `mapstructure:"reactions"`
	Server        ServerConfig    `mapstructure:"server"`
	// ProjectPath is the working repository root.
	ProjectPath string `mapstructure:"project_path"`
	// RolesDir holds agent role YAML files; built-in roles are used when empty.
	RolesDir string `mapstructure:"roles_dir"`
}

// TierConfig holds the thresholds and default agents for one tier.
type TierConfig struct {
	MaxFiles int      `mapstructure:"max_files"`
	MaxLines int      `mapstructure:"max_lines"`
	Agents   []string `mapstructure:"agents"`
}

// BranchConfig holds branch naming conventions.
type BranchConfig struct {
	PipelinePrefix    string `mapstructure:"pipeline_prefix"`
	IntegrationPrefix string `mapstructure:"integration_prefix"`
	Main              string `mapstructure:"main"`
}

// AgentsConfig holds special-purpose agent settings.
type AgentsConfig struct {
	Conflict ConflictAgentConfig `mapstructure:"conflict"`
}

// ConflictAgentConfig configures the merge-conflict resolution agent.
type ConflictAgentConfig struct {
	Model          string `mapstructure:"model"`
	PermissionMode string `mapstructure:"permissionMode"`
	MaxTurns       int    `mapstructure:"maxTurns"`
}

// AutoCorrectionConfig bounds the correction loop.
type AutoCorrectionConfig struct {
	MaxAttempts   int     `mapstructure:"max_attempts"`
	BackoffBaseMS int     `mapstructure:"backoff_base_ms"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

// ResilienceConfig groups circuit breaker and DLQ settings.
type ResilienceConfig struct {
	CircuitBreaker map[string]BreakerConfig `mapstructure:"circuit_breaker"`
	DLQ            DLQConfig                `mapstructure:"dlq"`
}

// BreakerConfig configures one named circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	ResetTimeoutMS   int `mapstructure:"reset_timeout_ms"`
}

// DLQConfig configures the dead-letter queue for outbound deliveries.
type DLQConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Path          string  `mapstructure:"path"`
	MaxRetries    int     `mapstructure:"max_retries"`
	BaseDelayMS   int     `mapstructure:"base_delay_ms"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

// DirectorConfig configures the integration scheduler.
type DirectorConfig struct {
	AutoTriggerDelayMS int `mapstructure:"auto_trigger_delay_ms"`
	DefaultPriority    int `mapstructure:"default_priority"`
	ScheduleIntervalMS int `mapstructure:"schedule_interval_ms"`
}

// CleanupConfig configures post-merge branch hygiene.
type CleanupConfig struct {
	KeepOnFailure   bool `mapstructure:"keep_on_failure"`
	StaleBranchDays int  `mapstructure:"stale_branch_days"`
}

// AdaptersConfig configures outbound webhook fan-out.
type AdaptersConfig struct {
	Webhooks        []WebhookAdapterConfig `mapstructure:"webhooks"`
	RetryIntervalMS int                    `mapstructure:"retry_interval_ms"`
}

// WebhookAdapterConfig configures one outbound webhook target.
type WebhookAdapterConfig struct {
	URL       string   `mapstructure:"url"`
	Secret    string   `mapstructure:"secret"`
	Events    []string `mapstructure:"events"`
	TimeoutMS int      `mapstructure:"timeout_ms"`
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `mapstructure:"api_key_env"`
	// BaseURL overrides the provider endpoint, for proxies and gateways.
	BaseURL string `mapstructure:"base_url"`
	// Bedrock routes calls through AWS Bedrock instead of the direct API.
	Bedrock bool `mapstructure:"bedrock"`
	// AWSRegion is the Bedrock region when Bedrock is enabled.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional shared-config profile for Bedrock.
	AWSProfile string `mapstructure:"aws_profile"`
}

// EventsConfig configures event-log persistence.
type EventsConfig struct {
	Path string `mapstructure:"path"`
}

// ReactionsConfig declares the event-driven reactors.
type ReactionsConfig struct {
	CIFailed         ReactionConfig   `mapstructure:"ci_failed"`
	ChangesRequested ReactionConfig   `mapstructure:"changes_requested"`
	ApprovedAndGreen ReactionConfig   `mapstructure:"approved_and_green"`
	AgentStuck       AgentStuckConfig `mapstructure:"agent_stuck"`
}

// ReactionConfig configures one reactor.
type ReactionConfig struct {
	Action     string `mapstructure:"action"`
	MaxRetries int    `mapstructure:"max_retries"`
	Prompt     string `mapstructure:"prompt"`
	Message    string `mapstructure:"message"`
}

// AgentStuckConfig configures the stuck-agent timer.
type AgentStuckConfig struct {
	AfterMin int    `mapstructure:"after_min"`
	Action   string `mapstructure:"action"`
	Message  string `mapstructure:"message"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RunRatePerMin bounds POST /pipeline/run per peer.
	RunRatePerMin int `mapstructure:"run_rate_per_min"`
	// WebhookRatePerMin bounds POST /webhooks/{vcs} per peer.
	WebhookRatePerMin int `mapstructure:"webhook_rate_per_min"`
}

// Load reads configuration with precedence, highest first: environment
// variables, project config (trunkline.yaml upward from cwd), user config
// (~/.config/trunkline/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if project := findProjectConfig(); project != "" {
		pv := viper.New()
		pv.SetConfigFile(project)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", project, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.BindEnv("events.path", "EVENTS_PATH")
	v.BindEnv("project_path", "PROJECT_PATH")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("webhook_secret", "WEBHOOK_SECRET")

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file. Used by tests and
// the --config flag.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.WebhookSecret = os.ExpandEnv(cfg.WebhookSecret)
	if cfg.ProjectPath == "" {
		cfg.ProjectPath, _ = os.Getwd()
	}
	if cfg.Events.Path == "" {
		cfg.Events.Path = filepath.Join(cfg.PipelineDir(), "pipeline-events")
	}
	if cfg.Resilience.DLQ.Path == "" {
		cfg.Resilience.DLQ.Path = filepath.Join(cfg.PipelineDir(), "dlq")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PipelineDir returns the .pipeline state directory under the project root.
func (c *Config) PipelineDir() string {
	return filepath.Join(c.ProjectPath, ".pipeline")
}

// TierFor returns the thresholds for a tier name.
func (c *Config) TierFor(tier models.Tier) (models.TierThresholds, bool) {
	tc, ok := c.Tiers[string(tier)]
	if !ok {
		return models.TierThresholds{}, false
	}
	return models.TierThresholds{MaxFiles: tc.MaxFiles, MaxLines: tc.MaxLines, Agents: tc.Agents}, true
}

// validate rejects configurations the process cannot safely start with.
func (c *Config) validate() error {
	for _, tier := range models.TierOrder() {
		if _, ok := c.Tiers[string(tier)]; !ok {
			return fmt.Errorf("config: missing tier %q", tier)
		}
	}
	if c.Branch.Main == "" {
		return fmt.Errorf("config: branch.main must not be empty")
	}
	if c.AutoCorrection.BackoffFactor < 1 {
		return fmt.Errorf("config: auto_correction.backoff_factor must be >= 1, got %v", c.AutoCorrection.BackoffFactor)
	}
	if c.DefaultProvider != "" {
		if _, ok := c.LLMProviders[c.DefaultProvider]; !ok {
			return fmt.Errorf("config: default_provider %q is not declared in llm_providers", c.DefaultProvider)
		}
	}
	for name, r := range map[string]ReactionConfig{
		"ci_failed":          c.Reactions.CIFailed,
		"changes_requested":  c.Reactions.ChangesRequested,
		"approved_and_green": c.Reactions.ApprovedAndGreen,
	} {
		if r.Action == "" {
			continue
		}
		switch r.Action {
		case "respawn_agent", "notify", "escalate", "auto_merge":
		default:
			return fmt.Errorf("config: reactions.%s.action %q is not recognized", name, r.Action)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tiers.small.max_files", 3)
	v.SetDefault("tiers.small.max_lines", 50)
	v.SetDefault("tiers.small.agents", []string{"tests", "style"})
	v.SetDefault("tiers.medium.max_files", 10)
	v.SetDefault("tiers.medium.max_lines", 400)
	v.SetDefault("tiers.medium.agents", []string{"tests", "style", "security"})
	v.SetDefault("tiers.large.max_files", 0)
	v.SetDefault("tiers.large.max_lines", 0)
	v.SetDefault("tiers.large.agents", []string{"tests", "style", "security", "architecture"})

	v.SetDefault("branch.pipeline_prefix", "pipeline/")
	v.SetDefault("branch.integration_prefix", "integration/")
	v.SetDefault("branch.main", "main")

	v.SetDefault("agents.conflict.model", "claude-sonnet-4-5")
	v.SetDefault("agents.conflict.permissionMode", "acceptEdits")
	v.SetDefault("agents.conflict.maxTurns", 30)

	v.SetDefault("auto_correction.max_attempts", 2)
	v.SetDefault("auto_correction.backoff_base_ms", 1000)
	v.SetDefault("auto_correction.backoff_factor", 2.0)

	v.SetDefault("pipeline_timeout_ms", 0)

	v.SetDefault("resilience.circuit_breaker.claude.failure_threshold", 5)
	v.SetDefault("resilience.circuit_breaker.claude.reset_timeout_ms", 60000)
	v.SetDefault("resilience.circuit_breaker.github.failure_threshold", 3)
	v.SetDefault("resilience.circuit_breaker.github.reset_timeout_ms", 30000)
	v.SetDefault("resilience.dlq.enabled", true)
	v.SetDefault("resilience.dlq.max_retries", 5)
	v.SetDefault("resilience.dlq.base_delay_ms", 1000)
	v.SetDefault("resilience.dlq.backoff_factor", 2.0)

	v.SetDefault("director.auto_trigger_delay_ms", 500)
	v.SetDefault("director.default_priority", 10)
	v.SetDefault("director.schedule_interval_ms", 0)

	v.SetDefault("cleanup.keep_on_failure", true)
	v.SetDefault("cleanup.stale_branch_days", 14)

	v.SetDefault("adapters.retry_interval_ms", 5000)

	v.SetDefault("llm_providers.anthropic.api_key_env", "ANTHROPIC_API_KEY")
	v.SetDefault("default_provider", "anthropic")

	v.SetDefault("reactions.ci_failed.action", "respawn_agent")
	v.SetDefault("reactions.ci_failed.max_retries", 2)
	v.SetDefault("reactions.changes_requested.action", "respawn_agent")
	v.SetDefault("reactions.changes_requested.max_retries", 2)
	v.SetDefault("reactions.approved_and_green.action", "notify")
	v.SetDefault("reactions.agent_stuck.after_min", 30)
	v.SetDefault("reactions.agent_stuck.action", "notify")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.run_rate_per_min", 10)
	v.SetDefault("server.webhook_rate_per_min", 60)
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "trunkline")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "trunkline")
	}
	return filepath.Join(home, ".config", "trunkline")
}

// findProjectConfig searches for trunkline.yaml in the current directory and
// its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		for _, name := range []string{"trunkline.yaml", ".trunkline.yaml"} {
			path := filepath.Join(cwd, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// PipelineBranchFor returns the pipeline branch name for a feature branch.
func (c *Config) PipelineBranchFor(branch string) string {
	return c.Branch.PipelinePrefix + strings.TrimPrefix(branch, c.Branch.PipelinePrefix)
}

// IntegrationBranchFor returns the integration branch name for a feature branch.
func (c *Config) IntegrationBranchFor(branch string) string {
	return c.Branch.IntegrationPrefix + strings.TrimPrefix(branch, c.Branch.IntegrationPrefix)
}
