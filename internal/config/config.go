package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent462/devbatch/internal/pathutil"
)

// Config represents the top-level devbatch configuration.
type Config struct {
	Inventory string           `yaml:"inventory"`
	Blocklist string           `yaml:"blocklist,omitempty"`
	Groups    map[string]Group `yaml:"groups"`
	Defaults  Defaults         `yaml:"defaults"`
	SSH       SSH              `yaml:"ssh"`
	Server    Server           `yaml:"server"`
	Log       Log              `yaml:"log"`
}

// Group is a named list of inventory devices.
type Group struct {
	Devices []string `yaml:"devices"`
}

// Defaults holds batch settings used when a request or flag leaves them out.
type Defaults struct {
	Concurrency int      `yaml:"concurrency"`
	Timeout     Duration `yaml:"timeout"`
	Output      string   `yaml:"output"` // "text" or "json"
}

// SSH holds settings shared by every device connection.
type SSH struct {
	Insecure   bool   `yaml:"insecure"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
}

// Server configures `devbatch serve`.
type Server struct {
	Listen string `yaml:"listen"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Duration wraps time.Duration to support YAML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Groups: make(map[string]Group),
		Defaults: Defaults{
			Concurrency: 40,
			Timeout:     Duration{60 * time.Second},
			Output:      "text",
		},
		Server: Server{Listen: "127.0.0.1:8080"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/devbatch/config.yaml, falling
// back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "devbatch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "devbatch", "config.yaml")
}

// Load reads a config file. Relative inventory, blocklist and known_hosts
// paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	dir := filepath.Dir(path)
	cfg.Inventory = pathutil.Resolve(dir, cfg.Inventory)
	cfg.Blocklist = pathutil.Resolve(dir, cfg.Blocklist)
	cfg.SSH.KnownHosts = pathutil.Resolve(dir, cfg.SSH.KnownHosts)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads the config from DefaultConfigPath, or returns the
// defaults when there is no file.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if c.Defaults.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Defaults.Concurrency)
	}
	if c.Defaults.Timeout.Duration < 0 {
		return fmt.Errorf("default timeout must be non-negative, got %s", c.Defaults.Timeout)
	}

	switch c.Defaults.Output {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid output mode %q, must be one of: text, json", c.Defaults.Output)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be one of: text, json", c.Log.Format)
	}

	for name, group := range c.Groups {
		if len(group.Devices) == 0 {
			return fmt.Errorf("group %q has no devices", name)
		}
	}
	return nil
}
