package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models canopy.yml.
type Config struct {
	Installation struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"installation"`
	Evidence struct {
		Stages map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"stages"`
		Completion struct {
			Require []string `yaml:"require"`
		} `yaml:"completion"`
	} `yaml:"evidence"`
	Alerts struct {
		Types map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"types"`
	} `yaml:"alerts"`
	RBAC struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with canopy installation config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Installation.ID == "" {
		return fmt.Errorf("config.installation.id is required")
	}
	if len(c.Evidence.Completion.Require) == 0 {
		return fmt.Errorf("config.evidence.completion.require is required")
	}
	for _, stage := range c.Evidence.Completion.Require {
		if stage == "" {
			return fmt.Errorf("config.evidence.completion.require contains empty stage")
		}
		if len(c.Evidence.Stages) > 0 {
			if _, ok := c.Evidence.Stages[stage]; !ok {
				return fmt.Errorf("completion requires unknown evidence stage %s", stage)
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for name := range c.Alerts.Types {
		if name == "" {
			return fmt.Errorf("config.alerts.types contains empty type")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "canopy.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(installationID string) string {
	return fmt.Sprintf(defaultTemplate, installationID)
}

// Default returns the default Config struct for an installation.
func Default(installationID string) *Config {
	var cfg Config
	cfg.Installation.ID = installationID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, installationID))).Decode(&cfg)
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

const defaultTemplate = `installation:
  id: %s
  name: Default Installation

evidence:
  stages:
    before:
      description: "Photo of the tree before the intervention"
    during_1:
      description: "First photo taken mid-intervention"
    during_2:
      description: "Second photo taken mid-intervention"
    after:
      description: "Photo of the tree after the intervention"
    completion:
      description: "Final photo of the cleaned site"
  completion:
    require: [before, after]

alerts:
  types:
    ENVIRONMENTAL:
      description: "Weather, fauna or site conditions"
    TECHNICAL:
      description: "Equipment or technique problem"
    OPERATIONAL:
      description: "Access, logistics or scheduling problem"
    SAFETY_ISSUE:
      description: "Risk to the team or to third parties"
    OTHER:
      description: "Anything else worth flagging"

rbac:
  roles:
    admin:
      description: "Full control over the installation"
      permissions:
        - plan.create
        - plan.read
        - plan.update
        - plan.delete
        - plan.approve
        - workorder.create
        - workorder.read
        - workorder.reopen
        - workorder.delete
        - task.read
        - task.start
        - task.progress
        - task.complete
        - task.block
        - task.approve
        - task.reject
        - task.cancel
        - evidence.add
        - evidence.read
        - alert.create
        - alert.read
        - alert.resolve
        - event.read
        - rbac.manage
    manager:
      description: "Plans interventions and approves finished work"
      permissions:
        - plan.create
        - plan.read
        - plan.update
        - plan.delete
        - plan.approve
        - workorder.create
        - workorder.read
        - workorder.reopen
        - workorder.delete
        - task.read
        - task.approve
        - task.reject
        - task.cancel
        - evidence.read
        - alert.read
        - alert.resolve
        - event.read
    field_operator:
      description: "Executes tasks in the field and captures evidence"
      permissions:
        - plan.read
        - workorder.read
        - task.read
        - task.start
        - task.progress
        - task.complete
        - task.block
        - evidence.add
        - evidence.read
        - alert.create
        - alert.read
    viewer:
      description: "Read-only dashboard access"
      permissions:
        - plan.read
        - workorder.read
        - task.read
        - evidence.read
        - alert.read
        - event.read
`
