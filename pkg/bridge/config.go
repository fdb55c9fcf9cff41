// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig points the bridge at its Matrix homeserver.
type HomeserverConfig struct {
	URL    string `yaml:"url" envconfig:"URL"`
	Domain string `yaml:"domain" envconfig:"DOMAIN"`
}

// AppServiceConfig holds the application service identity and listener.
type AppServiceConfig struct {
	ListenAddr       string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	RegistrationPath string `yaml:"registration_path" envconfig:"REGISTRATION_PATH"`
	ID               string `yaml:"id" envconfig:"ID"`
	BotLocalpart     string `yaml:"bot_localpart" envconfig:"BOT_LOCALPART"`
	// GhostPrefix is the localpart prefix for Slack ghost users
	// (e.g. "slack_" yields @slack_u012abc:domain).
	GhostPrefix string `yaml:"ghost_prefix" envconfig:"GHOST_PREFIX"`
	// URL is the address the homeserver reaches this appservice at,
	// written into generated registrations.
	URL string `yaml:"url" envconfig:"URL"`
}

// SlackConfig holds webhook verification settings. Per-conversation API
// tokens live in the datastore, not here.
type SlackConfig struct {
	SigningSecret string `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
}

// DatabaseConfig locates the bridge datastore.
type DatabaseConfig struct {
	Path string `yaml:"path" envconfig:"PATH"`
}

// MetricsConfig controls the metrics listener. Empty addr disables it.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level   string `yaml:"level" envconfig:"LEVEL"`
	Console bool   `yaml:"console" envconfig:"CONSOLE"`
}

// Config is the bridge configuration, loaded from YAML with environment
// overrides (SLACKBRIDGE_* variables).
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Slack      SlackConfig      `yaml:"slack"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`

	// TypingTimeout is how long a forwarded typing indicator stays active,
	// in seconds.
	TypingTimeout int `yaml:"typing_timeout" envconfig:"TYPING_TIMEOUT"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads and validates the configuration file, then applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	for prefix, target := range map[string]any{
		"SLACKBRIDGE_HOMESERVER": &cfg.Homeserver,
		"SLACKBRIDGE_APPSERVICE": &cfg.AppService,
		"SLACKBRIDGE_SLACK":      &cfg.Slack,
		"SLACKBRIDGE_DATABASE":   &cfg.Database,
		"SLACKBRIDGE_METRICS":    &cfg.Metrics,
		"SLACKBRIDGE_LOGGING":    &cfg.Logging,
	} {
		if err := envconfig.Process(prefix, target); err != nil {
			return err
		}
	}
	return nil
}

// PostProcess fills defaults and validates required fields.
func (c *Config) PostProcess() error {
	if c.Homeserver.URL == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.ListenAddr == "" {
		c.AppService.ListenAddr = ":9898"
	}
	if c.AppService.RegistrationPath == "" {
		c.AppService.RegistrationPath = "registration.yaml"
	}
	if c.AppService.ID == "" {
		c.AppService.ID = "slackbridge"
	}
	if c.AppService.BotLocalpart == "" {
		c.AppService.BotLocalpart = "slackbot"
	}
	if c.AppService.GhostPrefix == "" {
		c.AppService.GhostPrefix = "slack_"
	}
	if c.Database.Path == "" {
		c.Database.Path = "slackbridge.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 5
	}
	return nil
}
