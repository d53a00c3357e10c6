package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Defaults.Concurrency != 40 {
		t.Errorf("default concurrency = %d, want 40", cfg.Defaults.Concurrency)
	}
	if cfg.Defaults.Timeout.Duration != 60*time.Second {
		t.Errorf("default timeout = %s, want 60s", cfg.Defaults.Timeout)
	}
	if cfg.Defaults.Output != "text" {
		t.Errorf("default output = %q, want \"text\"", cfg.Defaults.Output)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("default listen = %q", cfg.Server.Listen)
	}
	if cfg.Groups == nil {
		t.Error("default groups map should not be nil")
	}
}

func TestLoadValidConfig(t *testing.T) {
	content := `
inventory: devices.json
blocklist: /etc/devbatch/block.cmd
groups:
  core:
    devices: [mx-core-1, mx-core-2]
  edge:
    devices:
      - srx-edge-1
defaults:
  concurrency: 10
  timeout: 1m
  output: json
ssh:
  insecure: true
  known_hosts: ~/.ssh/devices_known_hosts
server:
  listen: 0.0.0.0:9090
log:
  level: debug
  format: json
`
	cfg, dir := loadFromString(t, content)

	if len(cfg.Groups) != 2 || len(cfg.Groups["core"].Devices) != 2 {
		t.Fatalf("unexpected groups %+v", cfg.Groups)
	}
	if cfg.Groups["edge"].Devices[0] != "srx-edge-1" {
		t.Errorf("edge devices = %v", cfg.Groups["edge"].Devices)
	}
	if cfg.Inventory != filepath.Join(dir, "devices.json") {
		t.Errorf("inventory = %q, want it relative to the config dir", cfg.Inventory)
	}
	if cfg.Blocklist != "/etc/devbatch/block.cmd" {
		t.Errorf("blocklist = %q", cfg.Blocklist)
	}
	if strings.HasPrefix(cfg.SSH.KnownHosts, "~") || !cfg.SSH.Insecure {
		t.Errorf("unexpected ssh section %+v", cfg.SSH)
	}
	if cfg.Defaults.Concurrency != 10 || cfg.Defaults.Timeout.Duration != time.Minute || cfg.Defaults.Output != "json" {
		t.Errorf("unexpected defaults %+v", cfg.Defaults)
	}
	if cfg.Server.Listen != "0.0.0.0:9090" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log section %+v", cfg.Log)
	}
}

func TestDefaultValuesWhenOmitted(t *testing.T) {
	cfg, _ := loadFromString(t, "inventory: devices.json\n")

	if cfg.Defaults.Concurrency != 40 {
		t.Errorf("concurrency = %d, want 40", cfg.Defaults.Concurrency)
	}
	if cfg.Defaults.Timeout.Duration != 60*time.Second {
		t.Errorf("timeout = %s, want 60s", cfg.Defaults.Timeout)
	}
	if cfg.Blocklist != "" {
		t.Errorf("blocklist = %q, want empty", cfg.Blocklist)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestDurationParsing(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"10s", 10 * time.Second},
		{"1m", time.Minute},
		{"2m30s", 2*time.Minute + 30*time.Second},
		{"500ms", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cfg, _ := loadFromString(t, "defaults:\n  timeout: "+tt.input+"\n")
			if got := cfg.Defaults.Timeout.Duration; got != tt.want {
				t.Errorf("parsed duration = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid duration", "defaults:\n  timeout: notaduration\n"},
		{"invalid output", "defaults:\n  output: grouped\n"},
		{"invalid log format", "log:\n  format: xml\n"},
		{"negative concurrency", "defaults:\n  concurrency: -1\n"},
		{"empty group", "groups:\n  empty:\n    devices: []\n"},
		{"malformed yaml", "groups: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringRaw(t, tc.content); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error loading nonexistent file")
	}
}

func TestLoadDefaultNoFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.Defaults.Concurrency != 40 {
		t.Errorf("concurrency = %d, want 40", cfg.Defaults.Concurrency)
	}
}

func TestLoadDefaultFromXDG(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	path := filepath.Join(xdg, "devbatch", "config.yaml")
	if path != DefaultConfigPath() {
		t.Fatalf("DefaultConfigPath() = %q, want %q", DefaultConfigPath(), path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("defaults:\n  concurrency: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.Defaults.Concurrency != 5 {
		t.Errorf("concurrency = %d, want 5", cfg.Defaults.Concurrency)
	}
}

func TestResolveTargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Groups["core"] = Group{Devices: []string{"r1", "r2"}}

	tests := []struct {
		name  string
		group string
		names []string
		want  []string
	}{
		{"group only", "core", nil, []string{"r1", "r2"}},
		{"names only", "", []string{"r3", "r4"}, []string{"r3", "r4"}},
		{"group then names", "core", []string{"r3"}, []string{"r1", "r2", "r3"}},
		{"duplicates kept", "core", []string{"r2", "r1"}, []string{"r1", "r2", "r2", "r1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveTargets(cfg, tc.group, tc.names)
			if err != nil {
				t.Fatalf("ResolveTargets: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveTargetsErrors(t *testing.T) {
	cfg := DefaultConfig()

	if _, err := ResolveTargets(cfg, "", nil); err == nil {
		t.Error("expected error when nothing is specified")
	}
	if _, err := ResolveTargets(cfg, "missing", nil); err == nil || !strings.Contains(err.Error(), "no groups defined") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Groups["core"] = Group{Devices: []string{"r1"}}
	cfg.Groups["edge"] = Group{Devices: []string{"r2"}}
	_, err := ResolveTargets(cfg, "missing", nil)
	if err == nil || !strings.Contains(err.Error(), "[core edge]") {
		t.Errorf("error should list available groups, got: %v", err)
	}
}

// loadFromString writes content to a temp config file and loads it,
// failing the test on error. It returns the config and its directory.
func loadFromString(t *testing.T, content string) (*Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := load(dir, content)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg, dir
}

func loadStringRaw(t *testing.T, content string) (*Config, error) {
	t.Helper()
	return load(t.TempDir(), content)
}

func load(dir, content string) (*Config, error) {
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return Load(path)
}
