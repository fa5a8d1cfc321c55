package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"homefront/internal/engine/rank"
)

// Config models homefront.yml: the per-family rank ladder, difficulty point
// values, mission category catalog and webhook subscriptions.
type Config struct {
	Family struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"family"`
	Ranks        []RankTierConfig `yaml:"ranks"`
	Difficulties map[string]int   `yaml:"difficulties"`
	Categories   map[string]struct {
		Label string `yaml:"label"`
	} `yaml:"categories"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RankTierConfig struct {
	Name      string `yaml:"name"`
	MinPoints int    `yaml:"min_points"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Ladder converts the configured tiers for the rank calculator.
func (c *Config) Ladder() rank.Ladder {
	l := make(rank.Ladder, 0, len(c.Ranks))
	for _, t := range c.Ranks {
		l = append(l, rank.Tier{Name: t.Name, MinPoints: t.MinPoints})
	}
	return l
}

// DifficultyPoints returns the canonical point value for a difficulty id.
func (c *Config) DifficultyPoints(difficulty string) (int, bool) {
	pts, ok := c.Difficulties[difficulty]
	return pts, ok
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Family.ID == "" {
		return fmt.Errorf("config.family.id is required")
	}
	if len(c.Ranks) == 0 {
		return fmt.Errorf("config.ranks is required")
	}
	if c.Ranks[0].MinPoints != 0 {
		return fmt.Errorf("config.ranks must start at 0 points")
	}
	for i, t := range c.Ranks {
		if t.Name == "" {
			return fmt.Errorf("config.ranks[%d] has empty name", i)
		}
		if i > 0 && t.MinPoints <= c.Ranks[i-1].MinPoints {
			return fmt.Errorf("config.ranks must have strictly ascending min_points (tier %s)", t.Name)
		}
	}
	if len(c.Difficulties) == 0 {
		return fmt.Errorf("config.difficulties is required")
	}
	for _, id := range []string{"easy", "medium", "hard"} {
		pts, ok := c.Difficulties[id]
		if !ok {
			return fmt.Errorf("config.difficulties missing %s", id)
		}
		if pts <= 0 {
			return fmt.Errorf("config.difficulties.%s must be positive", id)
		}
	}
	for id, cat := range c.Categories {
		if id == "" {
			return fmt.Errorf("config.categories contains empty id")
		}
		if cat.Label == "" {
			return fmt.Errorf("category %s has empty label", id)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "homefront.yml")
}

// Default returns the default Config struct for a family.
func Default(familyID string) *Config {
	var cfg Config
	cfg.Family.ID = familyID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, familyID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(familyID string) string {
	return fmt.Sprintf(defaultTemplate, familyID)
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

const defaultTemplate = `family:
  id: %s

ranks:
  - name: RECRUIT
    min_points: 0
  - name: JUNIOR AGENT
    min_points: 51
  - name: FIELD AGENT
    min_points: 151
  - name: ELITE AGENT
    min_points: 301
  - name: MASTER AGENT
    min_points: 501
  - name: LEGENDARY AGENT
    min_points: 1001

difficulties:
  easy: 10
  medium: 25
  hard: 50

categories:
  cleaning:
    label: CLEANING OPS
  dishes:
    label: KITCHEN DUTY
  laundry:
    label: LAUNDRY MISSION
  pets:
    label: PET CARE
  outdoor:
    label: OUTDOOR OPERATIONS
  homework:
    label: HOMEWORK PROTOCOL
  room:
    label: ROOM INSPECTION
  other:
    label: SPECIAL OPS
`
