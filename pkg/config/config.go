package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the full configuration of a single agent process.
// It is loaded from a YAML file (LoadConfigFromFile) and then overlaid with
// environment variables (ApplyEnv).
type Config struct {
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
	Beads     BeadsConfig     `yaml:"beads" json:"beads"`
	MCP       MCPConfig       `yaml:"mcp" json:"mcp"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	Playbook  PlaybookConfig  `yaml:"playbook" json:"playbook"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`
}

// AgentConfig configures the orchestrator loop
type AgentConfig struct {
	Name          string        `yaml:"name" json:"name"`
	Model         string        `yaml:"model" json:"model"`
	Phases        []string      `yaml:"phases" json:"phases"`
	WorkDir       string        `yaml:"work_dir" json:"work_dir"` // Root that resource paths resolve under; defaults to beads.db_path
	MaxTokens     int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature   float64       `yaml:"temperature" json:"temperature"`
	TopKLessons   int           `yaml:"top_k_lessons" json:"top_k_lessons"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	ErrorBackoff  time.Duration `yaml:"error_backoff" json:"error_backoff"`
	Reflect       bool          `yaml:"reflect" json:"reflect"` // Ask the backend to distill lessons
	SystemPrompt  string        `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
}

// BeadsConfig configures the bd task source
type BeadsConfig struct {
	DBPath  string        `yaml:"db_path" json:"db_path"`
	BDPath  string        `yaml:"bd_path" json:"bd_path"` // Path to bd executable
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// MCPConfig configures the coordination server used for leases and heartbeats
type MCPConfig struct {
	URL          string        `yaml:"url" json:"url"`
	LeaseTimeout time.Duration `yaml:"lease_timeout" json:"lease_timeout"`
	JWTSecret    string        `yaml:"jwt_secret,omitempty" json:"-"`
}

// HeartbeatConfig configures status reporting
type HeartbeatConfig struct {
	Interval   time.Duration `yaml:"interval" json:"interval"`
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Transport  string        `yaml:"transport" json:"transport"` // "http", "nats", "ws"
	NatsURL    string        `yaml:"nats_url,omitempty" json:"nats_url,omitempty"`
	WSURL      string        `yaml:"ws_url,omitempty" json:"ws_url,omitempty"`
}

// PlaybookConfig configures lesson storage
type PlaybookConfig struct {
	Backend     string `yaml:"backend" json:"backend"` // "file", "redis", "postgres"
	Root        string `yaml:"root" json:"root"`
	MaxLessons  int    `yaml:"max_lessons" json:"max_lessons"`
	RedisAddr   string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty" json:"-"`
}

// LoggingConfig configures the log manager
type LoggingConfig struct {
	Dir         string `yaml:"dir" json:"dir"`
	Level       string `yaml:"level" json:"level"`
	Quiet       bool   `yaml:"quiet" json:"quiet"`
	DatabaseDSN string `yaml:"database_dsn,omitempty" json:"-"`
}

// TelemetryConfig configures tracing and the metrics endpoint
type TelemetryConfig struct {
	OTelEndpoint string `yaml:"otel_endpoint,omitempty" json:"otel_endpoint,omitempty"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
}

// ProviderConfig represents one generation backend's credentials
type ProviderConfig struct {
	APIKey   string `yaml:"api_key,omitempty" json:"-"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// ProvidersConfig holds per-vendor backend settings
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic" json:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai" json:"openai"`
	Google    ProviderConfig `yaml:"google" json:"google"`
	Local     ProviderConfig `yaml:"local" json:"local"` // Any OpenAI-compatible endpoint (ollama, vllm)
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Values missing from the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${CLAUDE_API_KEY}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// Load builds the effective configuration: defaults, then the optional file,
// then the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.resolveWorkDir()
	return cfg, nil
}

// resolveWorkDir points an unset work dir at the beads repo, where task
// descriptions name their files.
func (c *Config) resolveWorkDir() {
	if c.Agent.WorkDir == "" {
		c.Agent.WorkDir = c.Beads.DBPath
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:         "claude-sonnet-4-20250514",
			MaxTokens:     8192,
			Temperature:   0.7,
			TopKLessons:   5,
			PollInterval:  1 * time.Second,
			ErrorBackoff:  5 * time.Second,
			RetryAttempts: 3,
		},
		Beads: BeadsConfig{
			DBPath:  "./project-repo",
			BDPath:  "bd",
			Timeout: 10 * time.Second,
		},
		MCP: MCPConfig{
			URL:          "http://localhost:8765",
			LeaseTimeout: 5 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:   30 * time.Second,
			MaxBackoff: 300 * time.Second,
			Transport:  "http",
		},
		Playbook: PlaybookConfig{
			Backend:    "file",
			Root:       ".",
			MaxLessons: 100,
		},
		Logging: LoggingConfig{
			Dir:   "./logs",
			Level: "info",
		},
	}
}

// ApplyEnv overlays environment variables on top of the configuration.
// getenv is injected so tests do not have to mutate the process environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("AGENT_NAME"); v != "" {
		c.Agent.Name = v
	}
	if v := getenv("AGENT_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := getenv("AGENT_PHASES"); v != "" {
		c.Agent.Phases = ParsePhases(v)
	}
	if v := getenv("MCP_MAIL_URL"); v != "" {
		c.MCP.URL = v
	}
	if v := getenv("BEADS_DB_PATH"); v != "" {
		c.Beads.DBPath = v
	}
	if v := getenv("CLAUDE_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := getenv("GOOGLE_API_KEY"); v != "" {
		c.Providers.Google.APIKey = v
	}
}

// ParsePhases splits a comma-separated phase list, dropping blanks.
func ParsePhases(s string) []string {
	var phases []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			phases = append(phases, p)
		}
	}
	return phases
}

// Validate reports every missing required setting in one error.
func (c *Config) Validate() error {
	var missing []string
	if c.Agent.Name == "" {
		missing = append(missing, "AGENT_NAME")
	}
	if c.Agent.Model == "" {
		missing = append(missing, "AGENT_MODEL")
	}
	if len(c.Agent.Phases) == 0 {
		missing = append(missing, "AGENT_PHASES")
	}
	if key := RequiredAPIKey(c.Agent.Model); key != "" && c.apiKeyFor(key) == "" {
		missing = append(missing, key)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Playbook.Backend {
	case "file", "redis", "postgres":
	default:
		return fmt.Errorf("unknown playbook backend %q", c.Playbook.Backend)
	}
	switch c.Heartbeat.Transport {
	case "http", "nats", "ws":
	default:
		return fmt.Errorf("unknown heartbeat transport %q", c.Heartbeat.Transport)
	}
	return nil
}

// RequiredAPIKey returns the environment variable holding the API key the
// given model needs, or "" for local models that need none.
func RequiredAPIKey(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return "CLAUDE_API_KEY"
	case strings.Contains(m, "gemini"):
		return "GOOGLE_API_KEY"
	case strings.Contains(m, "gpt"), strings.Contains(m, "codex"), strings.Contains(m, "openai"):
		return "OPENAI_API_KEY"
	}
	return ""
}

func (c *Config) apiKeyFor(envKey string) string {
	switch envKey {
	case "CLAUDE_API_KEY":
		return c.Providers.Anthropic.APIKey
	case "GOOGLE_API_KEY":
		return c.Providers.Google.APIKey
	case "OPENAI_API_KEY":
		return c.Providers.OpenAI.APIKey
	}
	return ""
}
