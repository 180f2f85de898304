package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"storyline/internal/domain"
)

// Config models storyline.yml.
type Config struct {
	Roles     map[string]RoleConfig `yaml:"roles"`
	Scheduler struct {
		// MaxCandidates bounds how many ready tasks a single claim call will
		// race for before giving up with an empty result.
		MaxCandidates int `yaml:"max_candidates"`
	} `yaml:"scheduler"`
	QA struct {
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"qa"`
	Backlog struct {
		Output  string `yaml:"output"`
		DocsDir string `yaml:"docs_dir"`
	} `yaml:"backlog"`
}

type RoleConfig struct {
	Description string   `yaml:"description,omitempty"`
	GuardPaths  []string `yaml:"guard_paths,omitempty"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sl init to generate it", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for role := range c.Roles {
		if !domain.ValidRole(role) {
			return fmt.Errorf("config.roles contains unknown role %s", role)
		}
	}
	if c.Scheduler.MaxCandidates < 0 {
		return fmt.Errorf("config.scheduler.max_candidates must not be negative")
	}
	if c.QA.MaxRetries < 0 {
		return fmt.Errorf("config.qa.max_retries must not be negative")
	}
	return nil
}

// MaxCandidates returns the configured claim bound or its default.
func (c *Config) MaxCandidates() int {
	if c == nil || c.Scheduler.MaxCandidates == 0 {
		return 8
	}
	return c.Scheduler.MaxCandidates
}

// BacklogPath returns the backlog output file or its default.
func (c *Config) BacklogPath() string {
	if c == nil || c.Backlog.Output == "" {
		return "BACKLOG.md"
	}
	return c.Backlog.Output
}

// DocsDir returns the room document directory or its default.
func (c *Config) DocsDir() string {
	if c == nil || c.Backlog.DocsDir == "" {
		return "docs"
	}
	return c.Backlog.DocsDir
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `roles:
  PM:
    description: "Plans stories and decomposes them into tasks"
    guard_paths: [docs/, BACKLOG.md]
  DevOps:
    description: "Project scaffolding, scripts and pipelines"
    guard_paths: [tools/, .github/]
  Backend:
    description: "Server-side implementation"
    guard_paths: [server/]
  Frontend:
    description: "UI implementation"
    guard_paths: [web/]
  ML:
    description: "Models, features and retrieval"
    guard_paths: [ml/]
  QA:
    description: "Reviews coding-complete tasks"
    guard_paths: [tests/]

scheduler:
  max_candidates: 8

qa:
  max_retries: 2

backlog:
  output: BACKLOG.md
  docs_dir: docs
`
