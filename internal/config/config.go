// Package config loads service configuration from defaults, a YAML file,
// a .env file and TASKFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/haricheung/taskflow/internal/llm"
	"github.com/haricheung/taskflow/internal/tools"
)

// EnvPrefix prefixes every environment override, e.g. TASKFLOW_SERVER_ADDR.
const EnvPrefix = "TASKFLOW"

// LLM providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Config holds all configuration for taskflow.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	DataDir      string             `mapstructure:"data_dir"`
	Planning     PlanningConfig     `mapstructure:"planning"`
	Steps        StepsConfig        `mapstructure:"steps"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Persistence  PersistenceConfig  `mapstructure:"persistence"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Search       SearchConfig       `mapstructure:"search"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// PlanningConfig holds planner settings.
type PlanningConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	LLM     LLMConfig     `mapstructure:"llm"`
}

// StepsConfig holds settings shared by every step.
type StepsConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// CapabilitiesConfig holds per-capability settings.
type CapabilitiesConfig struct {
	Web  WebConfig  `mapstructure:"web"`
	Code CodeConfig `mapstructure:"code"`
}

// WebConfig holds web-interaction settings.
type WebConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts int           `mapstructure:"attempts"`
	MaxPages int           `mapstructure:"max_pages"`
}

// CodeConfig holds code-task settings.
type CodeConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	Attempts   int           `mapstructure:"attempts"`
	Run        bool          `mapstructure:"run"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	Workspace  string        `mapstructure:"workspace"`
	LLM        LLMConfig     `mapstructure:"llm"`
	Fallback   LLMConfig     `mapstructure:"fallback"`
}

// RegistryConfig holds task retention settings. A zero TTL keeps tasks forever.
type RegistryConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// PersistenceConfig toggles the on-disk task store.
type PersistenceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuditConfig toggles the bus auditor.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SearchConfig holds web search credentials.
type SearchConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// LLMConfig selects and configures one model endpoint. Empty fields fall
// back to the tier's environment variables.
type LLMConfig struct {
	Provider   string `mapstructure:"provider"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// StoreDir is the leveldb directory under DataDir.
func (c *Config) StoreDir() string { return filepath.Join(c.DataDir, "tasks.db") }

// LogDir is the per-task JSONL log directory under DataDir.
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "tasks") }

// AuditPath is the audit log file under DataDir.
func (c *Config) AuditPath() string { return filepath.Join(c.DataDir, "audit.jsonl") }

// Load reads configuration. Precedence (highest to lowest):
//  1. TASKFLOW_* environment variables (after loading .env)
//  2. path, when non-empty; otherwise ./taskflow.yaml or ~/.config/taskflow/config.yaml
//  3. built-in defaults
//
// Expectations:
//   - Returns the defaults when no file or environment override exists
//   - Returns an error when an explicit path cannot be read
//   - A missing config in the search paths is not an error
//   - Environment variables override file values
//   - Rejects non-positive timeouts and attempt counts
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = findConfig()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("search.api_key", EnvPrefix+"_SEARCH_API_KEY", "BOCHA_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.DataDir = tools.ExpandHome(cfg.DataDir)
	cfg.Capabilities.Code.Workspace = tools.ExpandHome(cfg.Capabilities.Code.Workspace)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("planning.timeout", c.Planning.Timeout)
	positive("steps.default_timeout", c.Steps.DefaultTimeout)
	positive("capabilities.web.timeout", c.Capabilities.Web.Timeout)
	positive("capabilities.code.timeout", c.Capabilities.Code.Timeout)
	if c.Capabilities.Web.Attempts < 1 {
		errs = append(errs, errors.New("capabilities.web.attempts must be at least 1"))
	}
	if c.Capabilities.Code.Attempts < 1 {
		errs = append(errs, errors.New("capabilities.code.attempts must be at least 1"))
	}
	if c.Registry.TTL < 0 {
		errs = append(errs, errors.New("registry.ttl must not be negative"))
	}
	if c.Registry.TTL > 0 && c.Registry.PruneInterval <= 0 {
		errs = append(errs, errors.New("registry.prune_interval must be positive when a ttl is set"))
	}
	for _, lc := range []struct {
		name string
		cfg  LLMConfig
	}{
		{"planning.llm", c.Planning.LLM},
		{"capabilities.code.llm", c.Capabilities.Code.LLM},
		{"capabilities.code.fallback", c.Capabilities.Code.Fallback},
	} {
		switch strings.ToLower(lc.cfg.Provider) {
		case "", ProviderOpenAI, ProviderAnthropic, ProviderBedrock:
		default:
			errs = append(errs, fmt.Errorf("%s.provider %q is not one of openai, anthropic, bedrock", lc.name, lc.cfg.Provider))
		}
	}
	return errors.Join(errs...)
}

// Chatter builds the client for one LLM tier. tier names the environment
// prefix ({tier}_MODEL, {tier}_API_KEY, ...) consulted for empty fields.
//
// Expectations:
//   - An empty provider selects the OpenAI-compatible client
//   - Explicit fields win over the tier's environment variables
//   - The anthropic provider falls back to ANTHROPIC_API_KEY for its key
//   - The bedrock provider needs no API key
func (lc LLMConfig) Chatter(tier string, timeout time.Duration) llm.Chatter {
	env := llm.TierConfig(tier)
	model := firstNonEmpty(lc.Model, env.Model)
	switch strings.ToLower(lc.Provider) {
	case ProviderAnthropic, ProviderBedrock:
		return llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:     firstNonEmpty(lc.APIKey, os.Getenv(tier+"_API_KEY"), os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL:    lc.BaseURL,
			Model:      model,
			Label:      env.Label,
			MaxTokens:  lc.MaxTokens,
			Timeout:    timeout,
			Bedrock:    strings.EqualFold(lc.Provider, ProviderBedrock),
			AWSRegion:  firstNonEmpty(lc.AWSRegion, os.Getenv("AWS_REGION")),
			AWSProfile: lc.AWSProfile,
		})
	default:
		return llm.NewWithConfig(llm.Config{
			BaseURL: firstNonEmpty(lc.BaseURL, env.BaseURL),
			APIKey:  firstNonEmpty(lc.APIKey, env.APIKey),
			Model:   model,
			Label:   env.Label,
			Timeout: timeout,
		})
	}
}

// Configured reports whether lc names a model directly or through tier's
// environment. Used to decide whether an optional tier exists at all.
func (lc LLMConfig) Configured(tier string) bool {
	return firstNonEmpty(lc.Model, os.Getenv(tier+"_MODEL")) != ""
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_grace", "15s")
	v.SetDefault("data_dir", filepath.Join(home, ".cache", "taskflow"))

	v.SetDefault("planning.timeout", "90s")
	v.SetDefault("steps.default_timeout", "120s")

	v.SetDefault("capabilities.web.timeout", "120s")
	v.SetDefault("capabilities.web.attempts", 2)
	v.SetDefault("capabilities.web.max_pages", 3)

	v.SetDefault("capabilities.code.timeout", "60s")
	v.SetDefault("capabilities.code.attempts", 3)
	v.SetDefault("capabilities.code.run", false)
	v.SetDefault("capabilities.code.run_timeout", "30s")
	v.SetDefault("capabilities.code.workspace", tools.WorkspaceDir())

	v.SetDefault("registry.ttl", "0s")
	v.SetDefault("registry.prune_interval", "10m")
	v.SetDefault("persistence.enabled", true)
	v.SetDefault("audit.enabled", true)

	v.SetDefault("search.api_key", "")
	v.SetDefault("search.endpoint", "")

	// Registered so AutomaticEnv can see them; empty means "use the tier env".
	for _, prefix := range []string{"planning.llm", "capabilities.code.llm", "capabilities.code.fallback"} {
		for _, k := range []string{"provider", "base_url", "api_key", "model", "aws_region", "aws_profile"} {
			v.SetDefault(prefix+"."+k, "")
		}
		v.SetDefault(prefix+".max_tokens", 0)
	}
}

// findConfig returns the first existing config file in the search paths, or "".
func findConfig() string {
	for _, p := range []string{"taskflow.yaml", filepath.Join(userConfigDir(), "config.yaml")} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskflow")
	}
	return filepath.Join(home, ".config", "taskflow")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
