package ssh

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/devbatch/internal/pathutil"
)

// configFiles caches parsed per-device ssh_config files by path.
type configFiles struct {
	mu    sync.Mutex
	files map[string]*sshconfig.Config
}

func (c *configFiles) load(path string) (*sshconfig.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg, ok := c.files[path]; ok {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ssh_config: %w", err)
	}
	defer f.Close()

	cfg, err := sshconfig.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh_config %s: %w", path, err)
	}
	if c.files == nil {
		c.files = make(map[string]*sshconfig.Config)
	}
	c.files[path] = cfg
	return cfg, nil
}

// mergeSSHConfig fills User, Port, IdentityFile and ProxyJump from cfg
// where the inventory left them unset. Port 22 counts as unset. Lookups
// use the dial address.
func mergeSSHConfig(hc *HostConfig, cfg *sshconfig.Config) {
	get := func(key string) string {
		v, err := cfg.Get(hc.Hostname, key)
		if err != nil {
			return ""
		}
		return v
	}

	if hc.User == "" {
		hc.User = get("User")
	}
	if hc.Port == 0 || hc.Port == 22 {
		if p, err := strconv.Atoi(get("Port")); err == nil && p > 0 {
			hc.Port = p
		}
	}
	if hc.IdentityFile == "" && hc.Password == "" {
		if id := get("IdentityFile"); id != "" {
			expanded := pathutil.ExpandHome(id)
			if _, err := os.Stat(expanded); err == nil {
				hc.IdentityFile = expanded
			}
		}
	}
	if hc.ProxyJump == "" {
		hc.ProxyJump = get("ProxyJump")
	}
}
