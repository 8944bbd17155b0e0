package capability

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"patchgate/internal/pathrule"
	"patchgate/internal/role"
)

// CommandRole is a per-operation role requirement. Operation may be a glob
// pattern such as "delete_*".
type CommandRole struct {
	Operation   string    `yaml:"operation" json:"operation"`
	Role        role.Role `yaml:"role" json:"role"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// Config is the path-capability policy.
type Config struct {
	WriteAllow   []pathrule.Rule `yaml:"write_allow" json:"write_allow"`
	WriteDeny    []pathrule.Rule `yaml:"write_deny" json:"write_deny"`
	DefaultRole  role.Role       `yaml:"default_role" json:"default_role"`
	CommandRoles []CommandRole   `yaml:"command_roles" json:"command_roles"`
}

// DefaultConfig denies VCS metadata, allows nothing else without escalation
// and requires write for unknown operations.
func DefaultConfig() Config {
	return Config{
		WriteDeny:   []pathrule.Rule{pathrule.Directory(".git"), pathrule.Directory(".patchgate")},
		DefaultRole: role.Write,
	}
}

// LoadConfig reads a capability policy from a YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.Normalized()
}

// Normalized returns a copy with rule values in canonical form, and reports
// malformed entries.
func (c Config) Normalized() (Config, error) {
	out := Config{
		DefaultRole:  c.DefaultRole,
		CommandRoles: make([]CommandRole, 0, len(c.CommandRoles)),
	}
	if out.DefaultRole == role.Unset {
		out.DefaultRole = role.Write
	}
	var err error
	if out.WriteAllow, err = normalizeRules("write_allow", c.WriteAllow); err != nil {
		return Config{}, err
	}
	if out.WriteDeny, err = normalizeRules("write_deny", c.WriteDeny); err != nil {
		return Config{}, err
	}
	for i, cr := range c.CommandRoles {
		cr.Operation = strings.TrimSpace(cr.Operation)
		if cr.Operation == "" {
			return Config{}, fmt.Errorf("command_roles[%d]: operation is required", i)
		}
		if cr.Role == role.Unset {
			return Config{}, fmt.Errorf("command_roles[%d] (%s): role is required", i, cr.Operation)
		}
		out.CommandRoles = append(out.CommandRoles, cr)
	}
	return out, nil
}

func normalizeRules(field string, rules []pathrule.Rule) ([]pathrule.Rule, error) {
	out := make([]pathrule.Rule, 0, len(rules))
	for i, r := range rules {
		r = r.Normalized()
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
