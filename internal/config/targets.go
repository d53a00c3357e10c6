package config

import (
	"fmt"
	"sort"
)

// ResolveTargets returns the devices of groupName followed by names, in
// that order. Repeated names are kept: each occurrence is its own target.
func ResolveTargets(cfg *Config, groupName string, names []string) ([]string, error) {
	if groupName == "" && len(names) == 0 {
		return nil, fmt.Errorf("no devices specified: provide a group (-g) or device names as arguments")
	}

	var targets []string
	if groupName != "" {
		group, ok := cfg.Groups[groupName]
		if !ok {
			if len(cfg.Groups) == 0 {
				return nil, fmt.Errorf("group %q not found (no groups defined)", groupName)
			}
			return nil, fmt.Errorf("group %q not found (available: %v)", groupName, cfg.GroupNames())
		}
		targets = append(targets, group.Devices...)
	}
	return append(targets, names...), nil
}

// GroupNames returns the configured group names, sorted.
func (c *Config) GroupNames() []string {
	names := make([]string, 0, len(c.Groups))
	for name := range c.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
