// Package config handles Aki configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./aki.yaml, ~/.aki/config.yaml, /etc/aki/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"aki.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".aki", "config.yaml"))
	}

	paths = append(paths, "/etc/aki/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// ToolTimeoutEnv overrides tools.timeout_sec when set to a positive
// number of seconds.
const ToolTimeoutEnv = "AKI_TOOL_TIME_OUT_THRESHOLD"

// Config holds all Aki configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Engine    EngineConfig    `yaml:"engine"`
	Tools     ToolsConfig     `yaml:"tools"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Usage     UsageConfig     `yaml:"usage"`
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Pricing maps bare model names (without the provider prefix) to
	// per-million-token prices. Unlisted models are treated as free.
	Pricing map[string]PricingEntry `yaml:"pricing"`

	DataDir          string `yaml:"data_dir"`
	SystemPromptFile string `yaml:"system_prompt_file"`
	RulesFile        string `yaml:"rules_file"`
	Workspace        string `yaml:"workspace"`
	LogLevel         string `yaml:"log_level"`
	LogFormat        string `yaml:"log_format"` // text or json
}

// ModelConfig selects the default model and its call options.
type ModelConfig struct {
	// Default is a provider-prefixed model id such as
	// "(anthropic)claude-3-7-sonnet-20250219". A bare id uses anthropic.
	Default string `yaml:"default"`
	// Summary is the model used for history compaction. Empty means
	// the conversation's own model.
	Summary        string          `yaml:"summary"`
	Temperature    float64         `yaml:"temperature"`
	MaxTokens      int             `yaml:"max_tokens"`
	CacheEnabled   bool            `yaml:"cache_enabled"`
	MaxCachePoints int             `yaml:"max_cache_points"`
	CacheMinTokens int             `yaml:"cache_min_tokens"`
	Reasoning      ReasoningConfig `yaml:"reasoning"`
	Retry          RetryConfig     `yaml:"retry"`
}

// ReasoningConfig enables extended reasoning on models that support it.
type ReasoningConfig struct {
	Enabled      bool `yaml:"enabled"`
	BudgetTokens int  `yaml:"budget_tokens"`
}

// RetryConfig bounds transient-failure retries of a model call.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// EngineConfig tunes the conversation loop.
type EngineConfig struct {
	TokenThreshold int `yaml:"token_threshold"`
	MaxIterations  int `yaml:"max_iterations"`
}

// ToolsConfig bounds tool execution.
type ToolsConfig struct {
	TimeoutSec      int `yaml:"timeout_sec"`
	MaxOutputTokens int `yaml:"max_output_tokens"`
	MaxParallel     int `yaml:"max_parallel"`
}

// Timeout returns the batch timeout as a duration.
func (t ToolsConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

// ProvidersConfig holds provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig defines OpenAI (or compatible) API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig selects where conversation state is persisted.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// UsageConfig locates the usage database.
type UsageConfig struct {
	Path string `yaml:"path"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig enables the event relay when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool { return m.Broker != "" }

// TelemetryConfig controls OTLP export. Exporter endpoints come from
// the standard OTEL_EXPORTER_OTLP_* environment variables.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// PricingEntry is the USD price per million tokens of one model.
// Zero cache prices fall back to the input price.
type PricingEntry struct {
	InputPerMillion      float64 `yaml:"input_per_million"`
	OutputPerMillion     float64 `yaml:"output_per_million"`
	CacheReadPerMillion  float64 `yaml:"cache_read_per_million"`
	CacheWritePerMillion float64 `yaml:"cache_write_per_million"`
}

// Default returns the configuration used when a key is not set.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Default:        "(anthropic)claude-3-7-sonnet-20250219",
			Temperature:    0.6,
			MaxTokens:      8192,
			CacheEnabled:   true,
			MaxCachePoints: 3,
			CacheMinTokens: 1500,
			Reasoning:      ReasoningConfig{Enabled: true, BudgetTokens: 4096},
			Retry:          RetryConfig{MaxAttempts: 2, BaseDelay: time.Second},
		},
		Engine: EngineConfig{
			TokenThreshold: 150000,
			MaxIterations:  50,
		},
		Tools: ToolsConfig{
			TimeoutSec:      60,
			MaxOutputTokens: 50000,
			MaxParallel:     8,
		},
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{URL: "http://localhost:11434"},
		},
		Storage:   StorageConfig{Driver: "sqlite"},
		Listen:    ListenConfig{Port: 8080},
		MQTT:      MQTTConfig{TopicPrefix: "aki"},
		Telemetry: TelemetryConfig{ServiceName: "aki"},
		Pricing: map[string]PricingEntry{
			"claude-3-7-sonnet-20250219": {InputPerMillion: 3, OutputPerMillion: 15, CacheReadPerMillion: 0.3, CacheWritePerMillion: 3.75},
			"claude-3-5-haiku-20241022":  {InputPerMillion: 0.8, OutputPerMillion: 4, CacheReadPerMillion: 0.08, CacheWritePerMillion: 1},
			"claude-sonnet-4-20250514":   {InputPerMillion: 3, OutputPerMillion: 15, CacheReadPerMillion: 0.3, CacheWritePerMillion: 3.75},
			"claude-opus-4-20250514":     {InputPerMillion: 15, OutputPerMillion: 75, CacheReadPerMillion: 1.5, CacheWritePerMillion: 18.75},
			"gpt-4o":                     {InputPerMillion: 2.5, OutputPerMillion: 10, CacheReadPerMillion: 1.25},
		},
		DataDir:   defaultDataDir(),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".aki")
	}
	return ".aki"
}

// LoadDotEnv loads KEY=value pairs from the given files into the
// process environment. Missing files are skipped and variables that
// are already set are left alone.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// DotEnvPaths returns the .env files consulted before a config file is
// expanded: one next to the config file and one in ~/.aki.
func DotEnvPaths(configPath string) []string {
	var paths []string
	if configPath != "" {
		paths = append(paths, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	paths = append(paths, filepath.Join(defaultDataDir(), ".env"))
	return paths
}

// Load reads configuration from a YAML file. Keys the file does not set
// keep their [Default] values.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(DotEnvPaths(path)...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// LoadOrDefault loads the config found by [FindConfig], or returns the
// defaults (with environment overrides) when explicit is empty and no
// file exists.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path, err := FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		if err := LoadDotEnv(DotEnvPaths("")...); err != nil {
			return nil, "", err
		}
		cfg := Default()
		if err := cfg.applyEnv(); err != nil {
			return nil, "", err
		}
		cfg.resolvePaths("")
		return cfg, "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(ToolTimeoutEnv); v != "" {
		sec, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || sec <= 0 {
			return fmt.Errorf("%s: want a positive number of seconds, got %q", ToolTimeoutEnv, v)
		}
		c.Tools.TimeoutSec = sec
	}
	if c.Providers.Anthropic.APIKey == "" {
		c.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Providers.OpenAI.APIKey == "" {
		c.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return nil
}

// resolvePaths expands ~ and fills in paths derived from DataDir.
// Relative prompt files are taken relative to base, the directory of
// the config file.
func (c *Config) resolvePaths(base string) {
	c.DataDir = expandHome(c.DataDir)
	c.Workspace = expandHome(c.Workspace)
	c.SystemPromptFile = relativeTo(base, expandHome(c.SystemPromptFile))
	c.RulesFile = relativeTo(base, expandHome(c.RulesFile))
	if c.Storage.DSN == "" && (c.Storage.Driver == "" || c.Storage.Driver == "sqlite") {
		c.Storage.DSN = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Storage.Driver == "" || c.Storage.Driver == "sqlite" {
		c.Storage.DSN = expandHome(c.Storage.DSN)
	}
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
	c.Usage.Path = expandHome(c.Usage.Path)
}

func relativeTo(base, p string) string {
	if p == "" || base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Model.Default) == "" {
		add("model.default is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		add("model.temperature %.2f out of range [0, 2]", c.Model.Temperature)
	}
	if c.Model.MaxTokens <= 0 {
		add("model.max_tokens must be positive")
	}
	if c.Model.MaxCachePoints < 0 {
		add("model.max_cache_points must not be negative")
	}
	if c.Model.Reasoning.BudgetTokens < 0 {
		add("model.reasoning.budget_tokens must not be negative")
	}
	if c.Model.Retry.MaxAttempts < 1 {
		add("model.retry.max_attempts must be at least 1")
	}
	if c.Engine.TokenThreshold <= 0 {
		add("engine.token_threshold must be positive")
	}
	if c.Engine.MaxIterations <= 0 {
		add("engine.max_iterations must be positive")
	}
	if c.Tools.TimeoutSec <= 0 {
		add("tools.timeout_sec must be positive")
	}
	if c.Tools.MaxOutputTokens <= 0 {
		add("tools.max_output_tokens must be positive")
	}

	switch c.Storage.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			add("storage.dsn is required for the postgres driver")
		}
	default:
		add("storage.driver %q is not supported (sqlite, postgres)", c.Storage.Driver)
	}

	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		add("listen.port %d out of range", c.Listen.Port)
	}
	if c.MQTT.Broker != "" {
		if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Scheme == "" || u.Host == "" {
			add("mqtt.broker %q is not a URL (e.g. mqtt://host:1883)", c.MQTT.Broker)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		add("log_format %q is not supported (text, json)", c.LogFormat)
	}
	for model, p := range c.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 || p.CacheReadPerMillion < 0 || p.CacheWritePerMillion < 0 {
			add("pricing.%s has a negative price", model)
		}
	}

	return errors.Join(errs...)
}

// ReadOptionalFile returns the trimmed contents of path, or "" when
// path is empty.
func ReadOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
