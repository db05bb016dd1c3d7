package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models signoff.yml.
type Config struct {
	Engine struct {
		DelegationMaxDepth int    `yaml:"delegation_max_depth"`
		DefaultPriority    string `yaml:"default_priority"`
	} `yaml:"engine"`
	Sweep struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"sweep"`
	Escalation struct {
		// Mode "managers" reassigns to the managers of the step's approvers;
		// mode "role" reassigns to members of Role.
		Mode string `yaml:"mode"`
		Role string `yaml:"role"`
	} `yaml:"escalation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Actions        []string `yaml:"actions"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.DelegationMaxDepth < 0 {
		return fmt.Errorf("engine.delegation_max_depth must be >= 0")
	}
	switch c.Engine.DefaultPriority {
	case "", "low", "normal", "high", "urgent":
	default:
		return fmt.Errorf("engine.default_priority must be one of low, normal, high, urgent")
	}
	if c.Sweep.IntervalSeconds < 0 {
		return fmt.Errorf("sweep.interval_seconds must be >= 0")
	}
	switch c.Escalation.Mode {
	case "", "managers":
	case "role":
		if c.Escalation.Role == "" {
			return fmt.Errorf("escalation.role is required for escalation.mode=role")
		}
	default:
		return fmt.Errorf("escalation.mode must be 'managers' or 'role'")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// DelegationMaxDepth returns the configured transitive delegation bound.
func (c *Config) DelegationMaxDepth() int {
	if c == nil || c.Engine.DelegationMaxDepth == 0 {
		return 3
	}
	return c.Engine.DelegationMaxDepth
}

// DefaultPriority returns the priority used when a submission omits one.
func (c *Config) DefaultPriority() string {
	if c == nil || c.Engine.DefaultPriority == "" {
		return "normal"
	}
	return c.Engine.DefaultPriority
}

// SweepIntervalSeconds returns the sweeper period.
func (c *Config) SweepIntervalSeconds() int {
	if c == nil || c.Sweep.IntervalSeconds == 0 {
		return 300
	}
	return c.Sweep.IntervalSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signoff.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

// GenerateDefault returns the default config YAML, for `signoff config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `engine:
  # How many hops of A->B->C delegation the resolver will follow.
  delegation_max_depth: 3
  default_priority: normal

sweep:
  interval_seconds: 300

escalation:
  # managers: reassign a timed-out step to the managers of its approvers.
  # role: reassign to every member of the named role.
  mode: managers
  role: ""

webhooks: []
  # - url: https://example.com/hooks/signoff
  #   secret: ""
  #   actions: [request.approved, request.rejected, request.reminder]
  #   timeout_seconds: 5
`
