package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Backend  BackendConfig  `json:"backend"`
	Agent    AgentConfig    `json:"agent"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// BackendConfig locates the local inference service.
type BackendConfig struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// AgentConfig bounds a single agent session.
type AgentConfig struct {
	MaxIterations      int    `json:"max_iterations"`
	SessionTimeoutSecs int    `json:"session_timeout_seconds"`
	ToolTimeoutSecs    int    `json:"tool_timeout_seconds"`
	MaxToolOutputBytes int    `json:"max_tool_output_bytes"`
	PlanPath           string `json:"plan_path"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default builds a configuration from environment variables alone, used when
// no config file is present. OLLAMA_BASE_URL and LOCAL_WORKER_MODEL are the
// two recognized runtime options.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8480
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = envOr("OLLAMA_BASE_URL", "http://localhost:11434")
	}
	if c.Backend.Model == "" {
		c.Backend.Model = envOr("LOCAL_WORKER_MODEL", "qwen3-coder:30b")
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 120
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = 3
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.SessionTimeoutSecs == 0 {
		c.Agent.SessionTimeoutSecs = 600
	}
	if c.Agent.ToolTimeoutSecs == 0 {
		c.Agent.ToolTimeoutSecs = 30
	}
	if c.Agent.MaxToolOutputBytes == 0 {
		c.Agent.MaxToolOutputBytes = 16 * 1024
	}
	if c.Agent.PlanPath == "" {
		c.Agent.PlanPath = "TASK_PLAN.md"
	}
}

// BackendTimeout returns the per-request backend timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// SessionTimeout returns the overall session wall-clock budget.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Agent.SessionTimeoutSecs) * time.Second
}

// ToolTimeout returns the per-tool-call execution budget.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Agent.ToolTimeoutSecs) * time.Second
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
