package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models campusbarter.yml.
type Config struct {
	Campus struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"campus"`
	Items struct {
		Categories map[string]Category `yaml:"categories"`
		Conditions []string            `yaml:"conditions"`
	} `yaml:"items"`
	Trades struct {
		MaxItemsPerSide    int `yaml:"max_items_per_side"`
		MaxOpenPerUser     int `yaml:"max_open_per_user"`
		MaxMessageLength   int `yaml:"max_message_length"`
		MaxMessagesPerPage int `yaml:"max_messages_per_page"`
	} `yaml:"trades"`
}

type Category struct {
	Description string `yaml:"description"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Campus.ID == "" {
		return fmt.Errorf("config.campus.id is required")
	}
	if len(c.Items.Categories) == 0 {
		return fmt.Errorf("config.items.categories is required")
	}
	for name := range c.Items.Categories {
		if name == "" {
			return fmt.Errorf("config.items.categories contains empty category name")
		}
	}
	for _, cond := range c.Items.Conditions {
		if cond == "" {
			return fmt.Errorf("config.items.conditions contains empty condition")
		}
	}
	if c.Trades.MaxItemsPerSide < 1 {
		return fmt.Errorf("config.trades.max_items_per_side must be at least 1")
	}
	if c.Trades.MaxMessageLength < 1 {
		return fmt.Errorf("config.trades.max_message_length must be at least 1")
	}
	if c.Trades.MaxOpenPerUser < 0 {
		return fmt.Errorf("config.trades.max_open_per_user must not be negative")
	}
	if c.Trades.MaxMessagesPerPage < 1 {
		return fmt.Errorf("config.trades.max_messages_per_page must be at least 1")
	}
	return nil
}

// KnownCategory reports whether name is in the catalog.
func (c *Config) KnownCategory(name string) bool {
	_, ok := c.Items.Categories[name]
	return ok
}

// KnownCondition reports whether cond is an allowed item condition.
func (c *Config) KnownCondition(cond string) bool {
	for _, v := range c.Items.Conditions {
		if v == cond {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "campusbarter.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(campusID string) string {
	return fmt.Sprintf(defaultTemplate, campusID)
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

// Default returns the default Config struct for a campus.
func Default(campusID string) *Config {
	var cfg Config
	cfg.Campus.ID = campusID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, campusID))).Decode(&cfg)
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

const defaultTemplate = `campus:
  id: %s
  name: ""

items:
  categories:
    Textbooks:
      description: "Course books and study materials"
    Electronics:
      description: "Laptops, calculators, cables, peripherals"
    Furniture:
      description: "Dorm and apartment furniture"
    Clothing:
      description: "Clothes, shoes, accessories"
    Services:
      description: "Tutoring, repairs, rides and other favors"
    Food:
      description: "Meal swipes, snacks, groceries"
    Other:
      description: "Anything that fits no other category"

  conditions: [new, like-new, good, fair, poor]

trades:
  max_items_per_side: 10
  max_open_per_user: 25
  max_message_length: 2000
  max_messages_per_page: 200
`
