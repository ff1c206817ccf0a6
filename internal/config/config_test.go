package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haricheung/taskflow/internal/llm"
)

// isolate runs the test in an empty directory with no user config.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Returns the defaults when no file or environment override exists
	isolate(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"addr", cfg.Server.Addr, ":8000"},
		{"planning timeout", cfg.Planning.Timeout, 90 * time.Second},
		{"step timeout", cfg.Steps.DefaultTimeout, 120 * time.Second},
		{"web timeout", cfg.Capabilities.Web.Timeout, 120 * time.Second},
		{"web attempts", cfg.Capabilities.Web.Attempts, 2},
		{"code timeout", cfg.Capabilities.Code.Timeout, 60 * time.Second},
		{"code attempts", cfg.Capabilities.Code.Attempts, 3},
		{"code run", cfg.Capabilities.Code.Run, false},
		{"ttl", cfg.Registry.TTL, time.Duration(0)},
		{"prune interval", cfg.Registry.PruneInterval, 10 * time.Minute},
		{"persistence", cfg.Persistence.Enabled, true},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if !strings.HasSuffix(cfg.DataDir, filepath.Join(".cache", "taskflow")) {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
}

func TestLoad_ExplicitFile(t *testing.T) {
	// Values in an explicit config file replace the defaults
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, `
server:
  addr: ":9100"
planning:
  timeout: 30s
  llm:
    provider: anthropic
    model: claude-test
capabilities:
  code:
    run: true
    attempts: 5
registry:
  ttl: 1h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9100" || cfg.Planning.Timeout != 30*time.Second {
		t.Errorf("server/planning = %+v %+v", cfg.Server, cfg.Planning)
	}
	if cfg.Planning.LLM.Provider != "anthropic" || cfg.Planning.LLM.Model != "claude-test" {
		t.Errorf("planning llm = %+v", cfg.Planning.LLM)
	}
	if !cfg.Capabilities.Code.Run || cfg.Capabilities.Code.Attempts != 5 {
		t.Errorf("code = %+v", cfg.Capabilities.Code)
	}
	if cfg.Registry.TTL != time.Hour {
		t.Errorf("ttl = %v", cfg.Registry.TTL)
	}
	// untouched keys keep their defaults
	if cfg.Capabilities.Web.Attempts != 2 {
		t.Errorf("web attempts = %d", cfg.Capabilities.Web.Attempts)
	}
}

func TestLoad_MissingExplicitFileIsError(t *testing.T) {
	// Returns an error when an explicit path cannot be read
	dir := isolate(t)
	if _, err := Load(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}

func TestLoad_SearchPaths(t *testing.T) {
	// ./taskflow.yaml is found without --config; the user config is used when it is absent
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "xdg", "taskflow", "config.yaml"), "server:\n  addr: \":7001\"\n")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7001" {
		t.Errorf("user config addr = %q", cfg.Server.Addr)
	}

	writeFile(t, filepath.Join(dir, "taskflow.yaml"), "server:\n  addr: \":7002\"\n")
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7002" {
		t.Errorf("project config addr = %q", cfg.Server.Addr)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// Environment variables override file values
	dir := isolate(t)
	path := filepath.Join(dir, "c.yaml")
	writeFile(t, path, "server:\n  addr: \":9100\"\ncapabilities:\n  web:\n    attempts: 4\n")
	t.Setenv("TASKFLOW_SERVER_ADDR", ":9200")
	t.Setenv("TASKFLOW_CAPABILITIES_WEB_ATTEMPTS", "6")
	t.Setenv("TASKFLOW_PLANNING_TIMEOUT", "45s")
	t.Setenv("TASKFLOW_PLANNING_LLM_MODEL", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9200" || cfg.Capabilities.Web.Attempts != 6 || cfg.Planning.Timeout != 45*time.Second {
		t.Errorf("cfg = %+v / %+v / %v", cfg.Server, cfg.Capabilities.Web, cfg.Planning.Timeout)
	}
	if cfg.Planning.LLM.Model != "from-env" {
		t.Errorf("planning model = %q", cfg.Planning.LLM.Model)
	}
}

func TestLoad_SearchKeyFromBochaEnv(t *testing.T) {
	// BOCHA_API_KEY supplies the search key when no TASKFLOW_ override is set
	isolate(t)
	t.Setenv("BOCHA_API_KEY", "bocha-key")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Search.APIKey != "bocha-key" {
		t.Errorf("search key = %q", cfg.Search.APIKey)
	}
}

func TestLoad_DotEnvIsRead(t *testing.T) {
	// Variables in ./.env take part in environment overrides
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".env"), "TASKFLOW_DATA_DIR="+filepath.Join(dir, "data")+"\n")
	t.Cleanup(func() { os.Unsetenv("TASKFLOW_DATA_DIR") })

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.StoreDir() != filepath.Join(dir, "data", "tasks.db") {
		t.Errorf("store dir = %q", cfg.StoreDir())
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	// Rejects non-positive timeouts, attempt counts and unknown providers
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	writeFile(t, path, `
planning:
  timeout: 0s
capabilities:
  code:
    attempts: 0
    llm:
      provider: mystery
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"planning.timeout", "capabilities.code.attempts", "mystery"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestChatter_DefaultsToOpenAICompatible(t *testing.T) {
	// An empty provider selects the OpenAI-compatible client; explicit fields win over the tier env
	t.Setenv("OPENAI_BASE_URL", "http://shared")
	t.Setenv("OPENAI_API_KEY", "shared-key")
	t.Setenv("PLANNER_MODEL", "tier-model")

	c := LLMConfig{}.Chatter("PLANNER", time.Second)
	if _, ok := c.(*llm.Client); !ok {
		t.Fatalf("got %T", c)
	}
	if c.Model() != "tier-model" || c.Label() != "PLANNER" {
		t.Errorf("model=%q label=%q", c.Model(), c.Label())
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	explicit := LLMConfig{Model: "explicit"}.Chatter("PLANNER", time.Second)
	if explicit.Model() != "explicit" {
		t.Errorf("model = %q", explicit.Model())
	}
}

func TestChatter_Anthropic(t *testing.T) {
	// The anthropic provider falls back to ANTHROPIC_API_KEY for its key
	t.Setenv("CODE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "ak")
	c := LLMConfig{Provider: "anthropic", Model: "claude-x"}.Chatter("CODE", time.Second)
	if _, ok := c.(*llm.AnthropicClient); !ok {
		t.Fatalf("got %T", c)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestChatter_BedrockNeedsNoKey(t *testing.T) {
	// The bedrock provider needs no API key
	t.Setenv("CODE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	c := LLMConfig{Provider: "bedrock", Model: "anthropic.claude", AWSRegion: "us-east-1"}.Chatter("CODE", time.Second)
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConfigured(t *testing.T) {
	// A tier is configured by an explicit model or its own {tier}_MODEL variable
	t.Setenv("CODE_FALLBACK_MODEL", "")
	t.Setenv("OPENAI_MODEL", "shared")
	if (LLMConfig{}).Configured("CODE_FALLBACK") {
		t.Error("shared OPENAI_MODEL alone must not configure an optional tier")
	}
	t.Setenv("CODE_FALLBACK_MODEL", "small")
	if !(LLMConfig{}).Configured("CODE_FALLBACK") {
		t.Error("expected configured from env")
	}
	if !(LLMConfig{Model: "m"}).Configured("OTHER") {
		t.Error("expected configured from explicit model")
	}
}
