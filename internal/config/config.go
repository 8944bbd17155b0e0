// Package config loads patchgate.yaml.
// Values are resolved from (highest to lowest priority):
// 1. Environment variables (PATCHGATE_*)
// 2. The config file
// 3. Defaults
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"patchgate/internal/capability"
	"patchgate/internal/gate"
	"patchgate/internal/role"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "patchgate.yaml"

// Environment overrides.
const (
	EnvConfig    = "PATCHGATE_CONFIG"
	EnvRoot      = "PATCHGATE_ROOT"
	EnvPrincipal = "PATCHGATE_PRINCIPAL"
	EnvRole      = "PATCHGATE_ROLE"
)

// Config holds all patchgate settings.
type Config struct {
	// ProjectRoot is the directory patches may touch.
	ProjectRoot string `yaml:"project_root" json:"project_root"`

	// LedgerPath is the escalation ledger file. Relative to ProjectRoot.
	LedgerPath string `yaml:"ledger_path" json:"ledger_path"`

	// JustificationLog is the JSONL trail of escalation requests. Relative
	// to ProjectRoot.
	JustificationLog string `yaml:"justification_log" json:"justification_log"`

	// AuditLog records approve and deny decisions. Relative to ProjectRoot.
	AuditLog string `yaml:"audit_log" json:"audit_log"`

	// SessionTTL bounds how long a patch preview stays applicable.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`

	// Principal is the caller this server acts for.
	Principal role.Principal `yaml:"principal" json:"principal"`

	Gate         GateConfig        `yaml:"gate" json:"gate"`
	Capabilities capability.Config `yaml:"capabilities" json:"capabilities"`
}

// GateConfig configures the operation-level gate.
type GateConfig struct {
	DefaultRole role.Role            `yaml:"default_role" json:"default_role"`
	AutoApprove []role.Role          `yaml:"auto_approve" json:"auto_approve"`
	Operations  []gate.OperationRule `yaml:"operations" json:"operations"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ProjectRoot:      ".",
		LedgerPath:       ".patchgate/escalations.json",
		JustificationLog: ".patchgate/justifications.jsonl",
		AuditLog:         ".patchgate/audit.jsonl",
		SessionTTL:       30 * time.Minute,
		Principal:        role.Principal{Name: "agent", Role: role.Write},
		Gate: GateConfig{
			DefaultRole: role.Write,
			AutoApprove: []role.Role{role.Read},
		},
		Capabilities: capability.DefaultConfig(),
	}
}

// Load reads path (or DefaultFile when empty), applies environment
// overrides and resolves relative paths. A missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = DefaultFile
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvRoot)); v != "" {
		cfg.ProjectRoot = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrincipal)); v != "" {
		cfg.Principal.Name = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRole)); v != "" {
		r, err := role.Parse(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRole, err)
		}
		cfg.Principal.Role = r
	}
	return nil
}

func (c *Config) resolve() error {
	if c.ProjectRoot == "" {
		c.ProjectRoot = "."
	}
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		return fmt.Errorf("resolve project_root: %w", err)
	}
	c.ProjectRoot = root

	if c.LedgerPath == "" {
		return errors.New("ledger_path is required")
	}
	c.LedgerPath = c.underRoot(c.LedgerPath)
	if c.JustificationLog != "" {
		c.JustificationLog = c.underRoot(c.JustificationLog)
	}
	if c.AuditLog != "" {
		c.AuditLog = c.underRoot(c.AuditLog)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("session_ttl must not be negative, got %s", c.SessionTTL)
	}
	if c.Principal.Name == "" {
		return errors.New("principal.name is required")
	}

	caps, err := c.Capabilities.Normalized()
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	c.Capabilities = caps

	for i, op := range c.Gate.Operations {
		if strings.TrimSpace(op.Name) == "" {
			return fmt.Errorf("gate.operations[%d]: name is required", i)
		}
	}
	return nil
}

func (c *Config) underRoot(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.ProjectRoot, p)
}
