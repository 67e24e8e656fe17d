package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aki.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "aki.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "aki.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "aki.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ToolTimeoutEnv, "")
	cfg, err := Load(writeConfig(t, "workspace: /srv/project\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Model.Default != "(anthropic)claude-3-7-sonnet-20250219" {
		t.Errorf("model.default = %q", cfg.Model.Default)
	}
	if cfg.Model.Temperature != 0.6 || cfg.Model.MaxTokens != 8192 {
		t.Errorf("temperature/max_tokens = %v/%d", cfg.Model.Temperature, cfg.Model.MaxTokens)
	}
	if !cfg.Model.CacheEnabled || cfg.Model.MaxCachePoints != 3 {
		t.Errorf("cache = %v/%d", cfg.Model.CacheEnabled, cfg.Model.MaxCachePoints)
	}
	if cfg.Engine.TokenThreshold != 150000 || cfg.Engine.MaxIterations != 50 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Tools.Timeout() != 60*time.Second || cfg.Tools.MaxOutputTokens != 50000 {
		t.Errorf("tools = %+v", cfg.Tools)
	}
	if cfg.Model.Retry.MaxAttempts != 2 || cfg.Model.Retry.BaseDelay != time.Second {
		t.Errorf("retry = %+v", cfg.Model.Retry)
	}
	if cfg.Storage.Driver != "sqlite" || !strings.HasSuffix(cfg.Storage.DSN, "sessions.db") {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Workspace != "/srv/project" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv(ToolTimeoutEnv, "")
	cfg, err := Load(writeConfig(t, `
model:
  default: (ollama)llama3.1
  cache_enabled: false
  reasoning:
    enabled: false
  retry:
    base_delay: 250ms
engine:
  token_threshold: 4000
pricing:
  llama3.1:
    input_per_million: 0.1
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Model.Default != "(ollama)llama3.1" || cfg.Model.CacheEnabled || cfg.Model.Reasoning.Enabled {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Model.Reasoning.BudgetTokens != 4096 {
		t.Errorf("unset budget_tokens lost its default: %d", cfg.Model.Reasoning.BudgetTokens)
	}
	if cfg.Model.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("base_delay = %v", cfg.Model.Retry.BaseDelay)
	}
	if cfg.Engine.TokenThreshold != 4000 || cfg.Engine.MaxIterations != 50 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Pricing["llama3.1"].InputPerMillion != 0.1 {
		t.Errorf("pricing = %+v", cfg.Pricing["llama3.1"])
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("AKI_TEST_KEY", "secret123")
	cfg, err := Load(writeConfig(t, "providers:\n  anthropic:\n    api_key: ${AKI_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Providers.Anthropic.APIKey, "secret123")
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	path := writeConfig(t, "providers:\n  openai:\n    api_key: ${AKI_DOTENV_KEY}\n")
	os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("AKI_DOTENV_KEY=from-dotenv\n"), 0600)
	t.Setenv("AKI_DOTENV_KEY", "")
	os.Unsetenv("AKI_DOTENV_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "from-dotenv" {
		t.Errorf("api_key = %q, want from-dotenv", cfg.Providers.OpenAI.APIKey)
	}
}

func TestLoad_ToolTimeoutEnv(t *testing.T) {
	t.Setenv(ToolTimeoutEnv, "5")
	cfg, err := Load(writeConfig(t, "tools:\n  timeout_sec: 30\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Tools.Timeout() != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", cfg.Tools.Timeout())
	}

	t.Setenv(ToolTimeoutEnv, "soon")
	if _, err := Load(writeConfig(t, "")); err == nil {
		t.Error("Load accepted a non-numeric tool timeout")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "model: [unclosed\n")); err == nil {
		t.Error("Load accepted malformed YAML")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Model.Default = ""
	cfg.Engine.TokenThreshold = 0
	cfg.Storage.Driver = "mongo"
	cfg.Listen.Port = 70000
	cfg.LogLevel = "loud"
	cfg.MQTT.Broker = "not a url"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"model.default", "engine.token_threshold", "storage.driver", "listen.port", "log level", "mqtt.broker"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_PostgresNeedsDSN(t *testing.T) {
	cfg := Default()
	cfg.Storage = StorageConfig{Driver: "postgres"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "storage.dsn") {
		t.Errorf("Validate() = %v, want storage.dsn error", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output = %q, want level=TRACE", buf.String())
	}

	buf.Reset()
	logger, err = NewLogger(&buf, "info", "json")
	if err != nil {
		t.Fatalf("NewLogger json: %v", err)
	}
	logger.Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json output = %q", buf.String())
	}

	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("NewLogger accepted unknown format")
	}
}

func TestReadOptionalFile(t *testing.T) {
	if s, err := ReadOptionalFile(""); s != "" || err != nil {
		t.Errorf("empty path = %q, %v", s, err)
	}
	path := filepath.Join(t.TempDir(), "rules.md")
	os.WriteFile(path, []byte("  be brief\n"), 0600)
	if s, err := ReadOptionalFile(path); s != "be brief" || err != nil {
		t.Errorf("ReadOptionalFile = %q, %v", s, err)
	}
}

func TestLoad_PromptFilesRelativeToConfig(t *testing.T) {
	path := writeConfig(t, "system_prompt_file: system.md\nrules_file: /etc/aki/rules.md\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if want := filepath.Join(filepath.Dir(path), "system.md"); cfg.SystemPromptFile != want {
		t.Errorf("system_prompt_file = %q, want %q", cfg.SystemPromptFile, want)
	}
	if cfg.RulesFile != "/etc/aki/rules.md" {
		t.Errorf("rules_file = %q", cfg.RulesFile)
	}
}
