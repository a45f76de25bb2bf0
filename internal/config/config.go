package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models actionline.yml. A copy is kept per context in the database;
// contexts without an explicit config use Default.
type Config struct {
	Core struct {
		ReferenceStalenessHours int `yaml:"reference_staleness_hours"`
	} `yaml:"core"`
	Contexts struct {
		Types []string `yaml:"types"`
	} `yaml:"contexts"`
	Surfaces struct {
		Types []string `yaml:"types"`
	} `yaml:"surfaces"`
	Actions struct {
		// RequiredFields maps an action type to the field keys a declare
		// must bind; DefaultRequired applies to unlisted types.
		RequiredFields  map[string][]string `yaml:"required_fields"`
		DefaultRequired []string            `yaml:"default_required"`
	} `yaml:"actions"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound event consumer.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Core.ReferenceStalenessHours = 24
	cfg.Contexts.Types = []string{"project", "process", "stage", "subprocess"}
	cfg.Surfaces.Types = []string{"workflow_table", "timeline"}
	cfg.Actions.RequiredFields = map[string][]string{}
	cfg.Actions.DefaultRequired = []string{"title"}
	return cfg
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Contexts.Types) == 0 {
		return fmt.Errorf("config.contexts.types is required")
	}
	for _, t := range c.Contexts.Types {
		if t == "" {
			return fmt.Errorf("config.contexts.types contains empty type")
		}
	}
	if len(c.Surfaces.Types) == 0 {
		return fmt.Errorf("config.surfaces.types is required")
	}
	if c.Core.ReferenceStalenessHours < 0 {
		return fmt.Errorf("config.core.reference_staleness_hours must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ContextTypeAllowed reports whether contextType is enumerated.
func (c *Config) ContextTypeAllowed(contextType string) bool {
	for _, t := range c.Contexts.Types {
		if t == contextType {
			return true
		}
	}
	return false
}

// SurfaceTypeAllowed reports whether surfaceType is enumerated.
func (c *Config) SurfaceTypeAllowed(surfaceType string) bool {
	for _, t := range c.Surfaces.Types {
		if t == surfaceType {
			return true
		}
	}
	return false
}

// RequiredFieldsFor returns the field keys a declare of actionType must bind.
func (c *Config) RequiredFieldsFor(actionType string) []string {
	if fields, ok := c.Actions.RequiredFields[actionType]; ok {
		return fields
	}
	return c.Actions.DefaultRequired
}

// ReferenceStaleness returns the drift freshness threshold.
func (c *Config) ReferenceStaleness() time.Duration {
	if c.Core.ReferenceStalenessHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Core.ReferenceStalenessHours) * time.Hour
}
