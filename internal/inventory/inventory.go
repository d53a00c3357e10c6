// Package inventory loads the set of network devices a batch can target,
// along with the credentials needed to reach them.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agent462/devbatch/internal/pathutil"
	"github.com/agent462/devbatch/internal/ssh"
)

// Auth types understood by the inventory.
const (
	AuthPassword = "password"
	AuthSSHKey   = "ssh_key"
)

// Auth holds device credentials.
type Auth struct {
	Type           string `json:"type" yaml:"type"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
}

// Device is one inventory entry. Fields the inventory does not know about
// (role, site, tags, ...) are kept in Extra.
type Device struct {
	IP        string         `json:"ip" yaml:"ip"`
	Port      int            `json:"port,omitempty" yaml:"port,omitempty"`
	Username  string         `json:"username" yaml:"username"`
	Auth      Auth           `json:"auth" yaml:"auth"`
	SSHConfig string         `json:"ssh_config,omitempty" yaml:"ssh_config,omitempty"`
	Extra     map[string]any `json:"-" yaml:",inline"`
}

var knownFields = []string{"ip", "port", "username", "auth", "ssh_config"}

// UnmarshalJSON decodes the known fields and collects the rest into Extra.
func (d *Device) UnmarshalJSON(data []byte) error {
	type plain Device
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownFields {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	*d = Device(p)
	return nil
}

// Inventory is a validated, read-only set of devices keyed by name.
type Inventory struct {
	devices map[string]Device
}

// Load reads a device file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as JSON. Relative key and ssh_config paths are
// resolved against the file's directory.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}

	devices := make(map[string]Device)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &devices)
	default:
		err = json.Unmarshal(data, &devices)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for name, d := range devices {
		d.Auth.PrivateKeyPath = pathutil.Resolve(dir, d.Auth.PrivateKeyPath)
		d.SSHConfig = pathutil.Resolve(dir, d.SSHConfig)
		devices[name] = d
	}

	return New(devices)
}

// New validates devices and builds an Inventory from them.
func New(devices map[string]Device) (*Inventory, error) {
	inv := &Inventory{devices: make(map[string]Device, len(devices))}
	for name, d := range devices {
		if d.Port == 0 {
			d.Port = 22
		}
		if err := validate(name, d); err != nil {
			return nil, err
		}
		inv.devices[name] = d
	}
	return inv, nil
}

func validate(name string, d Device) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("device with empty name")
	}
	if d.IP == "" {
		return fmt.Errorf("device %q: ip is required", name)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("device %q: port %d out of range", name, d.Port)
	}
	switch d.Auth.Type {
	case AuthPassword:
		if d.Auth.Password == "" {
			return fmt.Errorf("device %q: password auth without a password", name)
		}
	case AuthSSHKey:
		if d.Auth.PrivateKeyPath == "" {
			return fmt.Errorf("device %q: ssh_key auth without private_key_path", name)
		}
	default:
		return fmt.Errorf("device %q: unknown auth type %q (want %s or %s)", name, d.Auth.Type, AuthPassword, AuthSSHKey)
	}
	return nil
}

// Len returns the number of devices.
func (inv *Inventory) Len() int {
	return len(inv.devices)
}

// Names returns the device names in sorted order.
func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.devices))
	for name := range inv.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named device.
func (inv *Inventory) Lookup(name string) (Device, bool) {
	d, ok := inv.devices[name]
	return d, ok
}

// Public returns a listing safe to show to operators and API callers:
// passwords, key paths and ssh_config locations are left out, custom
// fields are kept.
func (inv *Inventory) Public() map[string]map[string]any {
	out := make(map[string]map[string]any, len(inv.devices))
	for name, d := range inv.devices {
		entry := make(map[string]any, len(d.Extra)+4)
		for k, v := range d.Extra {
			entry[k] = v
		}
		entry["ip"] = d.IP
		entry["port"] = d.Port
		entry["username"] = d.Username
		entry["auth"] = map[string]any{"type": d.Auth.Type}
		out[name] = entry
	}
	return out
}

// HostConfigs converts the inventory into per-device SSH settings keyed by
// device name.
func (inv *Inventory) HostConfigs() map[string]ssh.HostConfig {
	out := make(map[string]ssh.HostConfig, len(inv.devices))
	for name, d := range inv.devices {
		hc := ssh.HostConfig{
			Hostname:      d.IP,
			User:          d.Username,
			Port:          d.Port,
			SSHConfigFile: d.SSHConfig,
		}
		switch d.Auth.Type {
		case AuthPassword:
			hc.Password = d.Auth.Password
		case AuthSSHKey:
			hc.IdentityFile = d.Auth.PrivateKeyPath
		}
		out[name] = hc
	}
	return out
}
