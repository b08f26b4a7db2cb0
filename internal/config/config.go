package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models crewline.yml. It is constructed once at startup and passed
// into each service constructor; nothing reads it through a global.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Auth struct {
		SessionTTLSeconds int    `yaml:"session_ttl_seconds"`
		JWTSecretEnv      string `yaml:"jwt_secret_env"`
	} `yaml:"auth"`
	Defaults struct {
		MaxParallelTasks int    `yaml:"max_parallel_tasks"`
		TaskPriority     string `yaml:"task_priority"`
	} `yaml:"defaults"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	RPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"rpc"`
	Audit struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	} `yaml:"audit"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl project init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Auth.SessionTTLSeconds < 0 {
		return fmt.Errorf("config.auth.session_ttl_seconds must not be negative")
	}
	if c.Defaults.MaxParallelTasks < 0 {
		return fmt.Errorf("config.defaults.max_parallel_tasks must not be negative")
	}
	switch c.Defaults.TaskPriority {
	case "", "low", "medium", "high", "urgent":
	default:
		return fmt.Errorf("config.defaults.task_priority %q is not a valid priority", c.Defaults.TaskPriority)
	}
	return nil
}

// SessionTTLSeconds returns the configured session lifetime, defaulting to
// 300 seconds.
func (c *Config) SessionTTLSeconds() int {
	if c.Auth.SessionTTLSeconds > 0 {
		return c.Auth.SessionTTLSeconds
	}
	return 300
}

// MaxParallelTasks returns the default per-agent capacity for agents created
// without an explicit limit.
func (c *Config) MaxParallelTasks() int {
	if c.Defaults.MaxParallelTasks > 0 {
		return c.Defaults.MaxParallelTasks
	}
	return 1
}

// TaskPriority returns the default priority for new tasks.
func (c *Config) TaskPriority() string {
	if c.Defaults.TaskPriority != "" {
		return c.Defaults.TaskPriority
	}
	return "medium"
}

// JWTSecret resolves the signing secret from the configured environment
// variable (CREWLINE_JWT_SECRET by default).
func (c *Config) JWTSecret() string {
	env := c.Auth.JWTSecretEnv
	if env == "" {
		env = "CREWLINE_JWT_SECRET"
	}
	return os.Getenv(env)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID, projectID)), &cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectID)
}

const defaultTemplate = `project:
  id: %s
  name: %s

auth:
  session_ttl_seconds: 300
  jwt_secret_env: CREWLINE_JWT_SECRET

defaults:
  max_parallel_tasks: 1
  task_priority: medium

server:
  addr: 127.0.0.1:8080
  base_path: /v0

rpc:
  addr: 127.0.0.1:9090

audit:
  poll_interval_seconds: 2
`
