// Package config loads the builder's YAML configuration. A missing file
// yields working defaults; environment variables override the file so
// deployments never write secrets to disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"modforge/internal/logging"
)

// Config holds all modforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Policy       PolicyConfig       `yaml:"policy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      logging.Config     `yaml:"logging"`
}

// ServerConfig configures the intake API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	APIKey string `yaml:"api_key"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ArtifactsConfig configures the artifact tree.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// ProviderConfig describes one LLM lane member. APIKeyEnv names the
// environment variable holding the key; keys never live in the file.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	Org       string `yaml:"org"`
	Kind      string `yaml:"kind"` // gemini, chat
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env"`
	Timeout   string `yaml:"timeout,omitempty"`
}

// BudgetConfig caps one (provider, org) account.
type BudgetConfig struct {
	Provider  string `yaml:"provider"`
	Org       string `yaml:"org"`
	MaxTokens int    `yaml:"max_tokens"`
	MaxWall   string `yaml:"max_wall,omitempty"`
}

// BackoffConfig bounds the gateway's transient retry loop.
type BackoffConfig struct {
	Base        string `yaml:"base"`
	Cap         string `yaml:"cap"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// GatewayConfig configures providers, purpose lanes, budgets, and backoff.
// Lanes map a purpose (codegen, repair, critic) to an ordered provider
// chain: primary first, then fallbacks.
type GatewayConfig struct {
	Providers []ProviderConfig    `yaml:"providers"`
	Lanes     map[string][]string `yaml:"lanes"`
	Budgets   []BudgetConfig      `yaml:"budgets,omitempty"`
	Backoff   BackoffConfig       `yaml:"backoff"`
}

// SandboxConfig configures validation workspaces.
type SandboxConfig struct {
	WorkRoot string `yaml:"work_root"`
}

// PolicyConfig locates the policy profiles.
type PolicyConfig struct {
	ProfilesDir string `yaml:"profiles_dir"`
}

// OrchestratorConfig bounds intake and concurrency.
type OrchestratorConfig struct {
	QueueSize        int    `yaml:"queue_size"`
	Workers          int    `yaml:"workers"`
	ValidatorBuildID string `yaml:"validator_build_id"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "modforge",
		Version: "0.1.0",

		Server: ServerConfig{
			Listen: "127.0.0.1:8090",
		},

		Store: StoreConfig{
			DatabasePath: "data/modforge.db",
		},

		Artifacts: ArtifactsConfig{
			Dir: "data/artifacts",
		},

		Gateway: GatewayConfig{
			Providers: []ProviderConfig{
				{Name: "gemini-primary", Org: "default", Kind: "gemini",
					Model: "gemini-2.5-flash", APIKeyEnv: "GEMINI_API_KEY"},
			},
			Lanes: map[string][]string{
				"codegen": {"gemini-primary"},
				"repair":  {"gemini-primary"},
				"critic":  {"gemini-primary"},
			},
			Backoff: BackoffConfig{Base: "1s", Cap: "30s", MaxAttempts: 5},
		},

		Sandbox: SandboxConfig{
			WorkRoot: "data/sandbox",
		},

		Policy: PolicyConfig{
			ProfilesDir: "profiles",
		},

		Orchestrator: OrchestratorConfig{
			QueueSize: 16,
			Workers:   4,
		},

		Logging: logging.Config{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MODFORGE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("MODFORGE_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("MODFORGE_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("MODFORGE_ARTIFACTS"); v != "" {
		c.Artifacts.Dir = v
	}
	if v := os.Getenv("MODFORGE_PROFILES"); v != "" {
		c.Policy.ProfilesDir = v
	}
}

// ProviderKey resolves a provider's API key from its configured
// environment variable.
func (p *ProviderConfig) ProviderKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// ProviderTimeout returns the provider timeout as a duration.
func (p *ProviderConfig) ProviderTimeout() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// BackoffBase returns the backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	d, err := time.ParseDuration(c.Gateway.Backoff.Base)
	if err != nil {
		return time.Second
	}
	return d
}

// BackoffCap returns the backoff cap as a duration.
func (c *Config) BackoffCap() time.Duration {
	d, err := time.ParseDuration(c.Gateway.Backoff.Cap)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// BudgetWall returns one budget's wall-clock cap as a duration. Zero
// means unlimited.
func (b *BudgetConfig) BudgetWall() time.Duration {
	if b.MaxWall == "" {
		return 0
	}
	d, err := time.ParseDuration(b.MaxWall)
	if err != nil {
		return 0
	}
	return d
}

// validProviderKinds lists the supported provider kinds.
var validProviderKinds = map[string]bool{"gemini": true, "chat": true}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must be set")
	}
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path must be set")
	}

	names := map[string]bool{}
	for _, p := range c.Gateway.Providers {
		if p.Name == "" {
			return fmt.Errorf("gateway provider missing name")
		}
		if names[p.Name] {
			return fmt.Errorf("gateway provider %q defined twice", p.Name)
		}
		names[p.Name] = true
		if !validProviderKinds[p.Kind] {
			return fmt.Errorf("gateway provider %q: unknown kind %q", p.Name, p.Kind)
		}
		if p.Kind == "chat" && p.BaseURL == "" {
			return fmt.Errorf("gateway provider %q: chat providers need base_url", p.Name)
		}
	}
	for purpose, lane := range c.Gateway.Lanes {
		if len(lane) == 0 {
			return fmt.Errorf("gateway lane %q is empty", purpose)
		}
		for _, name := range lane {
			if !names[name] {
				return fmt.Errorf("gateway lane %q references unknown provider %q", purpose, name)
			}
		}
	}
	for _, b := range c.Gateway.Budgets {
		if !names[b.Provider] {
			return fmt.Errorf("budget references unknown provider %q", b.Provider)
		}
	}
	return nil
}
