package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "modforge" || cfg.Server.Listen == "" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modforge.yaml")
	doc := `
server:
  listen: "0.0.0.0:9999"
store:
  database_path: "/var/lib/modforge/modforge.db"
gateway:
  providers:
    - name: primary
      org: team-a
      kind: chat
      model: glm-4
      base_url: "https://llm.internal/v1"
      api_key_env: PRIMARY_KEY
    - name: fallback
      org: team-a
      kind: gemini
      model: gemini-2.5-flash
      api_key_env: GEMINI_API_KEY
  lanes:
    codegen: [primary, fallback]
    repair: [primary, fallback]
    critic: [fallback]
  budgets:
    - provider: primary
      org: team-a
      max_tokens: 500000
      max_wall: 2h
  backoff:
    base: 500ms
    cap: 10s
    max_attempts: 4
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9999" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if got := cfg.BackoffBase(); got != 500*time.Millisecond {
		t.Errorf("BackoffBase = %v", got)
	}
	if got := cfg.BackoffCap(); got != 10*time.Second {
		t.Errorf("BackoffCap = %v", got)
	}
	if len(cfg.Gateway.Lanes["codegen"]) != 2 {
		t.Errorf("codegen lane = %v", cfg.Gateway.Lanes["codegen"])
	}
	if got := cfg.Gateway.Budgets[0].BudgetWall(); got != 2*time.Hour {
		t.Errorf("BudgetWall = %v", got)
	}
}

func TestValidateRejectsBadLanes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Lanes["codegen"] = []string{"no-such-provider"}
	if err := cfg.Validate(); err == nil {
		t.Error("lane referencing an unknown provider must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Gateway.Providers = append(cfg.Gateway.Providers, ProviderConfig{
		Name: "bad", Kind: "chat", Model: "x", APIKeyEnv: "K"})
	if err := cfg.Validate(); err == nil {
		t.Error("chat provider without base_url must fail validation")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MODFORGE_LISTEN", "127.0.0.1:7070")
	t.Setenv("MODFORGE_DB", "/tmp/override.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:7070" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Store.DatabasePath != "/tmp/override.db" {
		t.Errorf("db = %q", cfg.Store.DatabasePath)
	}
}

func TestProviderKeyComesFromEnvironment(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-test")
	p := ProviderConfig{Name: "p", APIKeyEnv: "TEST_PROVIDER_KEY"}
	if got := p.ProviderKey(); got != "sk-test" {
		t.Errorf("ProviderKey = %q", got)
	}
	if got := (&ProviderConfig{}).ProviderKey(); got != "" {
		t.Errorf("empty env name must yield empty key, got %q", got)
	}
}
